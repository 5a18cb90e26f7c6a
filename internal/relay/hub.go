package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/fleet-relay/internal/domain"
	"go.uber.org/zap"
)

const errMalformedFrame = "relay: malformed frame: not valid JSON"

// DeploymentReporter приемник отчетов агента о раскатке (реализует оркестратор)
type DeploymentReporter interface {
	ReportProgress(ctx context.Context, deploymentID, deviceID string, percent int) error
	ReportResult(ctx context.Context, deploymentID, deviceID string, execErr error) error
}

// PresenceTracker отметка присутствия агентов (Redis, общий для инстансов)
type PresenceTracker interface {
	MarkOnline(ctx context.Context, agentID string)
	MarkOffline(ctx context.Context, agentID string)
}

// Hub связывает транспорты с реестром: регистрирует сессии и разбирает входящие кадры
type Hub struct {
	registry *Registry
	channel  *Channel
	reporter DeploymentReporter
	presence PresenceTracker
	metrics  *Metrics
	logger   *zap.Logger
	buffer   int
}

func NewHub(registry *Registry, channel *Channel, reporter DeploymentReporter, presence PresenceTracker, metrics *Metrics, logger *zap.Logger, buffer int) *Hub {
	return &Hub{
		registry: registry,
		channel:  channel,
		reporter: reporter,
		presence: presence,
		metrics:  metrics,
		logger:   logger.Named("hub"),
		buffer:   buffer,
	}
}

// ServeAgent обслуживает агентское соединение до его закрытия.
// Первый кадр обязан быть {type: register_agent, agent_id}.
func (h *Hub) ServeAgent(ctx context.Context, conn Conn) error {
	first, err := conn.ReadFrame(ctx)
	if err != nil {
		return fmt.Errorf("relay: read register frame: %w", err)
	}
	msg, err := ParseFrame(first)
	if err != nil || msg.Type != TypeRegisterAgent || strings.TrimSpace(msg.AgentID) == "" {
		_ = conn.Close(errors.New("register_agent with agent_id expected"))
		return fmt.Errorf("relay: invalid register frame")
	}
	agentID := strings.TrimSpace(msg.AgentID)

	sess := NewSession(RoleAgent, agentID, h.buffer)
	if err := h.registry.Register(RoleAgent, agentID, sess); err != nil {
		_ = conn.Close(err)
		return err
	}
	if h.presence != nil {
		h.presence.MarkOnline(ctx, agentID)
	}
	h.logger.Info("agent connected", zap.String("agent_id", agentID), zap.String("session", sess.ID))

	defer func() {
		// Незавершенная работа агента не отменяется: просто пропадает маршрут для будущего вывода
		if h.registry.Unregister(RoleAgent, agentID, sess) && h.presence != nil {
			h.presence.MarkOffline(context.Background(), agentID)
		}
		h.logger.Info("agent disconnected",
			zap.String("agent_id", agentID),
			zap.String("session", sess.ID),
			zap.NamedError("reason", sess.Err()))
	}()

	return h.serve(ctx, sess, conn, func(ctx context.Context, frame []byte) {
		h.handleAgentFrame(ctx, sess, frame)
	})
}

// ServeOperator обслуживает операторское соединение, привязанное к agentID.
// Кадры оператора пересылаются агенту без изменений.
func (h *Hub) ServeOperator(ctx context.Context, agentID string, conn Conn) error {
	sess := NewSession(RoleOperator, agentID, h.buffer)
	if err := h.registry.Register(RoleOperator, agentID, sess); err != nil {
		_ = conn.Close(err)
		return err
	}
	defer h.registry.Unregister(RoleOperator, agentID, sess)

	return h.serve(ctx, sess, conn, func(ctx context.Context, frame []byte) {
		h.metrics.Frames.WithLabelValues(string(RoleOperator), "in").Inc()

		// Содержимое кадра релей не интерпретирует, но битый JSON агенту не уходит
		if !json.Valid(frame) {
			_ = sess.Send(TextFrame(TypeError, errMalformedFrame))
			return
		}

		if err := h.channel.SendCommand(agentID, frame); err != nil {
			if errors.Is(err, domain.ErrAgentUnreachable) {
				_ = sess.Send(TextFrame(TypeError, domain.ErrAgentUnreachable.Error()))
				return
			}
			h.logger.Warn("command forward failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	})
}

// serve общий цикл: Pump владеет исходящей очередью, текущая горутина читает входящие кадры.
// Закрытие сессии (вытеснение, shutdown) рвет транспорт и разблокирует чтение.
func (h *Hub) serve(ctx context.Context, sess *Session, conn Conn, onFrame func(context.Context, []byte)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		_ = sess.Pump(ctx, conn)
		_ = conn.Close(sess.Err())
	}()

	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			if reason := sess.Err(); reason != nil {
				return reason
			}
			sess.Close(domain.ErrSessionClosed)
			return err
		}
		onFrame(ctx, frame)
	}
}

func (h *Hub) handleAgentFrame(ctx context.Context, sess *Session, frame []byte) {
	h.metrics.Frames.WithLabelValues(string(RoleAgent), "in").Inc()

	msg, err := ParseFrame(frame)
	if err != nil {
		h.logger.Warn("bad agent frame", zap.String("agent_id", sess.AgentID), zap.Error(err))
		return
	}

	switch msg.Type {
	case TypeRegisterAgent:
		// Повторная регистрация в рамках той же сессии ничего не меняет

	case TypeDeployProgress:
		if err := h.reporter.ReportProgress(ctx, msg.DeploymentID, sess.AgentID, msg.Percent); err != nil {
			h.logger.Debug("progress report ignored",
				zap.String("deployment_id", msg.DeploymentID),
				zap.String("device_id", sess.AgentID),
				zap.Error(err))
		}

	case TypeDeployResult:
		if err := h.reporter.ReportResult(ctx, msg.DeploymentID, sess.AgentID, msg.ResultError()); err != nil {
			h.logger.Warn("deploy result rejected",
				zap.String("deployment_id", msg.DeploymentID),
				zap.String("device_id", sess.AgentID),
				zap.Error(err))
		}

	default:
		// output и прочее уходит оператору как есть
		h.channel.RouteOutput(sess, frame)
	}
}
