// Package agent исполнитель на стороне устройства: регистрируется в релее,
// выполняет команды оператора и задания раскатки, отчитывается кадрами deploy_progress/deploy_result.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/fleet-relay/internal/domain"
	"github.com/xela07ax/fleet-relay/internal/relay"
)

type Agent struct {
	id      string
	runner  Runner
	fetcher Fetcher
	logger  *zap.Logger
}

func New(id string, runner Runner, fetcher Fetcher, logger *zap.Logger) *Agent {
	return &Agent{
		id:      id,
		runner:  runner,
		fetcher: fetcher,
		logger:  logger.Named("agent").With(zap.String("agent_id", id)),
	}
}

// Serve регистрируется и обрабатывает кадры релея до разрыва conn.
// Начатая работа не отменяется при разрыве: она живет в ctx, а не в соединении.
func (a *Agent) Serve(ctx context.Context, conn relay.Conn) error {
	register, err := json.Marshal(relay.Message{Type: relay.TypeRegisterAgent, AgentID: a.id})
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(ctx, register); err != nil {
		return fmt.Errorf("agent: register: %w", err)
	}
	a.logger.Info("registered")

	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		msg, err := relay.ParseFrame(frame)
		if err != nil {
			a.logger.Warn("bad relay frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case relay.TypeRunCommand:
			go a.runCommand(ctx, conn, msg.Text())
		case relay.TypeDeploy:
			go a.deploy(ctx, conn, msg)
		case relay.TypeError:
			a.logger.Warn("relay error", zap.String("message", msg.Text()))
		default:
			a.logger.Debug("frame ignored", zap.String("type", msg.Type))
		}
	}
}

func (a *Agent) runCommand(ctx context.Context, conn relay.Conn, command string) {
	if strings.TrimSpace(command) == "" {
		a.send(ctx, conn, relay.TextFrame(relay.TypeError, "empty command"))
		return
	}

	out, err := a.runner.Run(ctx, command)
	a.send(ctx, conn, relay.TextFrame(relay.TypeOutput, out))
	if err != nil {
		a.send(ctx, conn, relay.TextFrame(relay.TypeError, err.Error()))
	}
}

func (a *Agent) deploy(ctx context.Context, conn relay.Conn, msg relay.Message) {
	log := a.logger.With(zap.String("deployment_id", msg.DeploymentID))

	var p domain.Payload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		a.report(ctx, conn, msg.DeploymentID, fmt.Errorf("decode payload: %w", err))
		return
	}
	steps, err := a.plan(p)
	if err != nil {
		a.report(ctx, conn, msg.DeploymentID, err)
		return
	}

	log.Info("deploy started", zap.String("kind", string(p.Kind)), zap.Int("steps", len(steps)))
	for i, s := range steps {
		if err := s.run(ctx); err != nil {
			log.Warn("deploy step failed", zap.String("step", s.name), zap.Error(err))
			a.report(ctx, conn, msg.DeploymentID, fmt.Errorf("%s: %w", s.name, err))
			return
		}
		a.progress(ctx, conn, msg.DeploymentID, (i+1)*100/len(steps))
	}
	log.Info("deploy finished")
	a.report(ctx, conn, msg.DeploymentID, nil)
}

func (a *Agent) progress(ctx context.Context, conn relay.Conn, deploymentID string, percent int) {
	frame, _ := json.Marshal(relay.Message{Type: relay.TypeDeployProgress, DeploymentID: deploymentID, Percent: percent})
	a.send(ctx, conn, frame)
}

// report итог раскатки; текст ошибки уходит как есть
func (a *Agent) report(ctx context.Context, conn relay.Conn, deploymentID string, execErr error) {
	msg := relay.Message{Type: relay.TypeDeployResult, DeploymentID: deploymentID, Status: string(domain.WorkSuccess)}
	if execErr != nil {
		msg.Status = string(domain.WorkFailed)
		msg.Error = execErr.Error()
	}
	frame, _ := json.Marshal(msg)
	a.send(ctx, conn, frame)
}

func (a *Agent) send(ctx context.Context, conn relay.Conn, frame []byte) {
	if err := conn.WriteFrame(ctx, frame); err != nil {
		// Релей недоступен: результат теряется, повторной доставки нет
		a.logger.Debug("frame lost", zap.Error(err))
	}
}
