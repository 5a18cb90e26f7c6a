package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

// RetryFailed сбрасывает упавшие юниты в pending и заново раскатывает их тем же payload.
// deviceIDs сужает выборку; юниты не в failed не трогаются, даже если названы явно.
// Новое развертывание не создается, счетчика попыток нет. Возвращает устройства, ушедшие в повтор.
func (o *Orchestrator) RetryFailed(ctx context.Context, deploymentID string, deviceIDs []string) ([]string, error) {
	if o.ctx.Err() != nil {
		return nil, domain.ErrShutdown
	}

	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	var only map[string]struct{}
	if len(deviceIDs) > 0 {
		only = make(map[string]struct{}, len(deviceIDs))
		for _, id := range deviceIDs {
			only[id] = struct{}{}
		}
	}

	retried, err := o.resetFailed(ctx, deploymentID, only)
	if err != nil {
		return nil, err
	}
	if len(retried) == 0 {
		return retried, nil
	}

	o.logger.Info("retrying failed devices",
		zap.String("deployment_id", deploymentID),
		zap.Strings("devices", retried))
	o.dispatchAsync(d, retried)
	return retried, nil
}

func (o *Orchestrator) resetFailed(ctx context.Context, deploymentID string, only map[string]struct{}) ([]string, error) {
	unlock := o.locks.Lock(deploymentID)
	defer unlock()

	units, err := o.store.ListWorkUnits(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	retried := make([]string, 0)
	for _, u := range units {
		if u.Status != domain.WorkFailed {
			continue
		}
		if only != nil {
			if _, ok := only[u.DeviceID]; !ok {
				continue
			}
		}
		if err := u.Reset(); err != nil {
			return nil, err
		}
		if err := o.store.UpdateWorkUnit(ctx, u, domain.WorkFailed); err != nil {
			if errors.Is(err, domain.ErrStaleWorkUnit) {
				continue
			}
			return nil, err
		}
		o.recordTransition(u, domain.WorkFailed)
		retried = append(retried, u.DeviceID)
	}

	if len(retried) > 0 {
		// ended_at стирается: развертывание снова в работе
		if err := o.refreshDeployment(ctx, deploymentID); err != nil {
			return nil, err
		}
	}
	return retried, nil
}
