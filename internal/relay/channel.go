package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/fleet-relay/internal/domain"
	"go.uber.org/zap"
)

// Channel командный канал: доставка команд агенту и маршрутизация вывода обратно оператору.
// At-most-once в обе стороны, без подтверждений и повторов.
type Channel struct {
	registry *Registry
	metrics  *Metrics
	logger   *zap.Logger
}

func NewChannel(registry *Registry, metrics *Metrics, logger *zap.Logger) *Channel {
	return &Channel{
		registry: registry,
		metrics:  metrics,
		logger:   logger.Named("channel"),
	}
}

// SendCommand fire-and-forget: кадр уходит в очередь агентской сессии, ответ не ждем.
// Нет живой сессии = ErrAgentUnreachable сразу, без очереди и ожидания.
func (c *Channel) SendCommand(agentID string, frame []byte) error {
	sess, ok := c.registry.Lookup(RoleAgent, agentID)
	if !ok {
		c.metrics.CommandsUnreachable.Inc()
		return domain.ErrAgentUnreachable
	}

	if err := sess.Send(frame); err != nil {
		// Сессия закрылась между Lookup и Send, либо очередь забита
		c.metrics.CommandsUnreachable.Inc()
		return fmt.Errorf("%w: %w", domain.ErrAgentUnreachable, err)
	}

	c.metrics.Frames.WithLabelValues(string(RoleAgent), "out").Inc()
	return nil
}

// RunCommand отправляет {type: run_command, payload: <command>}
func (c *Channel) RunCommand(agentID, command string) error {
	return c.SendCommand(agentID, TextFrame(TypeRunCommand, command))
}

// RouteOutput доставляет вывод агента текущей операторской сессии.
// Вывод от уже вытесненной/отключенной агентской сессии и вывод без живого оператора молча теряется.
func (c *Channel) RouteOutput(from *Session, frame []byte) bool {
	if !c.registry.IsCurrent(from) {
		c.drop(from.AgentID, "stale agent session")
		return false
	}

	op, ok := c.registry.Lookup(RoleOperator, from.AgentID)
	if !ok {
		c.drop(from.AgentID, "no operator session")
		return false
	}

	if err := op.Send(frame); err != nil {
		c.drop(from.AgentID, err.Error())
		return false
	}

	c.metrics.Frames.WithLabelValues(string(RoleOperator), "out").Inc()
	return true
}

func (c *Channel) drop(agentID, reason string) {
	c.metrics.OutputsDropped.Inc()
	c.logger.Debug("output dropped", zap.String("agent_id", agentID), zap.String("reason", reason))
}

// Dispatch доставка задания раскатки на устройство (используется оркестратором).
// Нет живой агентской сессии = ErrDeviceOffline, без ожидания.
func (c *Channel) Dispatch(ctx context.Context, deviceID string, d *domain.Deployment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sess, ok := c.registry.Lookup(RoleAgent, deviceID)
	if !ok {
		return domain.ErrDeviceOffline
	}

	frame, err := DeployFrame(d)
	if err != nil {
		return err
	}

	if err := sess.Send(frame); err != nil {
		// Переполненная очередь живой сессии это не оффлайн
		if errors.Is(err, domain.ErrOutboundFull) {
			return fmt.Errorf("deploy %s: %w", deviceID, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrDeviceOffline, err)
	}

	c.metrics.Frames.WithLabelValues(string(RoleAgent), "out").Inc()
	return nil
}
