package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

// ReportProgress промежуточный процент от агента. Принимается только для юнита в работе.
func (o *Orchestrator) ReportProgress(ctx context.Context, deploymentID, deviceID string, percent int) error {
	unlock := o.locks.Lock(deploymentID)
	defer unlock()

	u, err := o.store.GetWorkUnit(ctx, deploymentID, deviceID)
	if err != nil {
		o.metrics.ReportsRejected.WithLabelValues("progress").Inc()
		return err
	}
	if err := u.SetProgress(percent); err != nil {
		o.metrics.ReportsRejected.WithLabelValues("progress").Inc()
		return err
	}
	return o.store.UpdateWorkUnit(ctx, u, domain.WorkInProgress)
}

// ReportResult терминальный исход от агента: nil = success, иначе failed с текстом ошибки как есть.
// Результат для юнита не в работе (дубль, поздний ответ после retry-сброса) отклоняется.
func (o *Orchestrator) ReportResult(ctx context.Context, deploymentID, deviceID string, execErr error) error {
	err := o.completeUnit(ctx, deploymentID, deviceID, execErr)
	if err != nil {
		o.metrics.ReportsRejected.WithLabelValues("result").Inc()
		return err
	}

	log := o.logger.With(zap.String("deployment_id", deploymentID), zap.String("device_id", deviceID))
	var remote *domain.RemoteExecutionError
	switch {
	case execErr == nil:
		log.Info("device deployment succeeded")
	case errors.As(execErr, &remote):
		log.Warn("device deployment failed", zap.String("remote_error", remote.Message))
	default:
		log.Warn("device deployment failed", zap.Error(execErr))
	}
	return nil
}
