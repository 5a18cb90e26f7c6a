package engine

import (
	"context"
	"errors"
	"time"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

// DeviceProgress строка прогресса одного устройства для UI
type DeviceProgress struct {
	DeviceID    string            `json:"device_id"`
	DeviceName  string            `json:"device_name"`
	Percent     int               `json:"percent"`
	Status      domain.WorkStatus `json:"status"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Progress ответ на запрос прогресса развертывания
type Progress struct {
	DeploymentID string                  `json:"deployment_id"`
	Name         string                  `json:"deployment_name"`
	Status       domain.DeploymentStatus `json:"deployment_status"`
	Total        int                     `json:"total"`
	Succeeded    int                     `json:"succeeded"`
	Failed       int                     `json:"failed"`
	Percent      int                     `json:"percent"`
	Devices      []DeviceProgress        `json:"devices"`
	Completed    bool                    `json:"completed"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	EndedAt      *time.Time              `json:"ended_at,omitempty"`
}

// GetProgress пересчитывается на каждый вызов из текущих юнитов, ничего не меняет
func (o *Orchestrator) GetProgress(ctx context.Context, deploymentID string) (*Progress, error) {
	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	units, err := o.store.ListWorkUnits(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	names, err := o.inventory.DeviceNames(ctx, d.TargetDeviceIDs)
	if err != nil {
		return nil, err
	}

	agg := domain.AggregateUnits(units)
	p := &Progress{
		DeploymentID: d.ID,
		Name:         d.Name,
		Status:       agg.Status,
		Total:        agg.Total,
		Succeeded:    agg.Succeeded,
		Failed:       agg.Failed,
		Percent:      agg.Percent,
		Completed:    agg.Completed,
		Devices:      make([]DeviceProgress, 0, len(units)),
		StartedAt:    d.StartedAt,
		EndedAt:      d.EndedAt,
	}
	for _, u := range units {
		p.Devices = append(p.Devices, DeviceProgress{
			DeviceID:    u.DeviceID,
			DeviceName:  names[u.DeviceID],
			Percent:     u.Progress,
			Status:      u.Status,
			Error:       u.Error,
			StartedAt:   u.StartedAt,
			CompletedAt: u.CompletedAt,
		})
	}
	return p, nil
}

func (o *Orchestrator) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return o.store.GetDeployment(ctx, deploymentID)
}

// List последние развертывания с сохраненным агрегатом
func (o *Orchestrator) List(ctx context.Context, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	return o.store.ListDeployments(ctx, limit)
}
