package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/fleet-relay/internal/audit"
	"github.com/xela07ax/fleet-relay/internal/domain"
)

// Store коллаборатор хранения развертываний и юнитов
type Store interface {
	CreateDeployment(ctx context.Context, d *domain.Deployment, units []domain.WorkUnit) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, limit int) ([]domain.Deployment, error)
	UpdateDeploymentState(ctx context.Context, id string, status domain.DeploymentStatus, startedAt, endedAt *time.Time) error
	ListWorkUnits(ctx context.Context, deploymentID string) ([]domain.WorkUnit, error)
	GetWorkUnit(ctx context.Context, deploymentID, deviceID string) (domain.WorkUnit, error)
	UpdateWorkUnit(ctx context.Context, u domain.WorkUnit, expected domain.WorkStatus) error
}

// Inventory read-only доступ к устройствам, группам и каталогу ПО
type Inventory interface {
	GroupMembers(ctx context.Context, groupIDs []string) ([]string, error)
	GetSoftware(ctx context.Context, ids []string) ([]domain.Software, error)
	DeviceNames(ctx context.Context, ids []string) (map[string]string, error)
}

// Dispatcher доставка задания агенту устройства. Нет живой сессии = domain.ErrDeviceOffline.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID string, d *domain.Deployment) error
}

type Options struct {
	MaxConcurrentDispatch int64
	DispatchRate          float64 // отправок в секунду, 0 = без ограничения
	DispatchBurst         int
}

// CreateRequest запрос оператора на раскатку
type CreateRequest struct {
	Name           string                 `json:"deployment_name"`
	GroupIDs       []string               `json:"group_ids"`
	DeviceIDs      []string               `json:"device_ids"`
	SoftwareIDs    []string               `json:"software_ids"`
	CustomSoftware *domain.CustomSoftware `json:"custom_software,omitempty"`
	FileCopy       *domain.FileCopySpec   `json:"file_copy,omitempty"`
}

// Orchestrator резолвит цели, создает развертывание и раскатывает его по устройствам.
// Отправка асинхронная, исход каждого устройства приходит отдельным отчетом агента.
type Orchestrator struct {
	store      Store
	inventory  Inventory
	dispatcher Dispatcher
	journal    audit.Auditor
	metrics    *Metrics
	logger     *zap.Logger

	gate  *dispatchGate
	locks *deploymentLocks
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(store Store, inventory Inventory, dispatcher Dispatcher, journal audit.Auditor, metrics *Metrics, logger *zap.Logger, opts Options) *Orchestrator {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      store,
		inventory:  inventory,
		dispatcher: dispatcher,
		journal:    journal,
		metrics:    metrics,
		logger:     logger.Named("orchestrator"),
		gate:       newDispatchGate(opts.MaxConcurrentDispatch, opts.DispatchRate, opts.DispatchBurst, metrics),
		locks:      newDeploymentLocks(),
		now:        func() time.Time { return time.Now().UTC() },
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Create резолвит цели и создает развертывание. Пустой набор целей = ErrEmptyTargetSet,
// и в этом случае ни одной строки не создается. Раскатка стартует в фоне.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*domain.Deployment, error) {
	if o.ctx.Err() != nil {
		return nil, domain.ErrShutdown
	}

	// 1. Цели: явные устройства ∪ участники групп, без дублей
	targets, err := o.resolveTargets(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		o.metrics.DeploymentsRejected.WithLabelValues("empty_target_set").Inc()
		return nil, domain.ErrEmptyTargetSet
	}

	// 2. Payload
	payload, err := o.buildPayload(ctx, req)
	if err != nil {
		return nil, err
	}

	// 3. Развертывание и по одному pending юниту на устройство, одной транзакцией
	d := &domain.Deployment{
		ID:              uuid.New().String(),
		Name:            strings.TrimSpace(req.Name),
		Status:          domain.DeploymentPending,
		Payload:         payload,
		TargetDeviceIDs: targets,
		CreatedAt:       o.now(),
	}
	if d.Name == "" {
		d.Name = "deployment-" + d.ID[:8]
	}
	units := make([]domain.WorkUnit, len(targets))
	for i, deviceID := range targets {
		units[i] = domain.WorkUnit{DeploymentID: d.ID, DeviceID: deviceID, Status: domain.WorkPending}
	}
	if err := o.store.CreateDeployment(ctx, d, units); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}

	o.metrics.DeploymentsCreated.Inc()
	o.logger.Info("deployment created",
		zap.String("deployment_id", d.ID),
		zap.String("name", d.Name),
		zap.String("kind", string(payload.Kind)),
		zap.Int("devices", len(targets)))

	// 4. Fan-out
	o.dispatchAsync(d, targets)
	return d, nil
}

// Wait ждет завершения всех фоновых отправок (тесты, shutdown)
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown отменяет ожидающие отправки и ждет уже начатые.
// Юниты, до которых очередь не дошла, падают с ErrShutdown и доступны для RetryFailed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) resolveTargets(ctx context.Context, req CreateRequest) ([]string, error) {
	members, err := o.inventory.GroupMembers(ctx, req.GroupIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve groups: %w", err)
	}

	seen := make(map[string]struct{}, len(req.DeviceIDs)+len(members))
	targets := make([]string, 0, len(req.DeviceIDs)+len(members))
	add := func(ids []string) {
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, id)
		}
	}
	add(req.DeviceIDs)
	add(members)
	return targets, nil
}

func (o *Orchestrator) buildPayload(ctx context.Context, req CreateRequest) (domain.Payload, error) {
	var p domain.Payload
	if req.FileCopy != nil {
		if len(req.SoftwareIDs) > 0 || req.CustomSoftware != nil {
			o.metrics.DeploymentsRejected.WithLabelValues("invalid_payload").Inc()
			return p, fmt.Errorf("%w: file_copy cannot be combined with software", domain.ErrInvalidPayload)
		}
		p = domain.Payload{Kind: domain.PayloadFileCopy, File: req.FileCopy}
	} else {
		p = domain.Payload{Kind: domain.PayloadInstall, Custom: req.CustomSoftware}
		if len(req.SoftwareIDs) > 0 {
			software, err := o.inventory.GetSoftware(ctx, req.SoftwareIDs)
			if err != nil {
				if errors.Is(err, domain.ErrUnknownSoftware) {
					o.metrics.DeploymentsRejected.WithLabelValues("unknown_software").Inc()
				}
				return p, err
			}
			p.Software = software
		}
	}
	if err := p.Validate(); err != nil {
		o.metrics.DeploymentsRejected.WithLabelValues("invalid_payload").Inc()
		return p, err
	}
	return p, nil
}

// dispatchAsync независимая отправка на каждое устройство. Ошибка одного устройства
// не влияет на остальные: она оседает в его WorkUnit.
func (o *Orchestrator) dispatchAsync(d *domain.Deployment, deviceIDs []string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		var wg sync.WaitGroup
		for i, deviceID := range deviceIDs {
			release, err := o.gate.Acquire(o.ctx)
			if err != nil {
				o.logger.Warn("dispatch aborted",
					zap.String("deployment_id", d.ID),
					zap.Int("not_dispatched", len(deviceIDs)-i),
					zap.Error(err))
				for _, rest := range deviceIDs[i:] {
					o.abortUnit(d.ID, rest, domain.ErrShutdown)
				}
				break
			}

			wg.Add(1)
			go func(deviceID string) {
				defer wg.Done()
				defer release()
				o.dispatchOne(o.ctx, d, deviceID)
			}(deviceID)
		}
		wg.Wait()
	}()
}

func (o *Orchestrator) dispatchOne(ctx context.Context, d *domain.Deployment, deviceID string) {
	log := o.logger.With(zap.String("deployment_id", d.ID), zap.String("device_id", deviceID))

	// 1. pending -> in_progress до отправки: ответ агента не может обогнать этот переход
	if err := o.startUnit(ctx, d.ID, deviceID); err != nil {
		// Юнит уже ведет кто-то другой
		if errors.Is(err, domain.ErrStaleWorkUnit) || errors.Is(err, domain.ErrInvalidTransition) {
			o.metrics.Dispatches.WithLabelValues("skipped").Inc()
			log.Debug("work unit not started", zap.Error(err))
			return
		}
		o.metrics.Dispatches.WithLabelValues("error").Inc()
		log.Warn("work unit not started", zap.Error(err))

		cause := fmt.Errorf("start work unit: %w", err)
		if o.ctx.Err() != nil {
			cause = domain.ErrShutdown
		}
		o.abortUnit(d.ID, deviceID, cause)
		return
	}

	// 2. Доставка задания. Исход придет отчетом агента (ReportResult)
	err := o.dispatcher.Dispatch(ctx, deviceID, d)
	if err == nil {
		o.metrics.Dispatches.WithLabelValues("sent").Inc()
		log.Debug("deploy job sent")
		return
	}

	// 3. Устройство оффлайн: юнит падает сразу, без ожидания
	result := "error"
	switch {
	case errors.Is(err, domain.ErrDeviceOffline):
		result = "offline"
	case o.ctx.Err() != nil && errors.Is(err, context.Canceled):
		err = domain.ErrShutdown
	}
	o.metrics.Dispatches.WithLabelValues(result).Inc()
	log.Warn("dispatch failed", zap.Error(err))

	if cerr := o.completeUnit(context.Background(), d.ID, deviceID, err); cerr != nil {
		log.Error("failed to record dispatch failure", zap.Error(cerr))
	}
}

func (o *Orchestrator) startUnit(ctx context.Context, deploymentID, deviceID string) error {
	unlock := o.locks.Lock(deploymentID)
	defer unlock()

	u, err := o.store.GetWorkUnit(ctx, deploymentID, deviceID)
	if err != nil {
		return err
	}
	prev := u.Status
	if err := u.Start(o.now()); err != nil {
		return err
	}
	if err := o.store.UpdateWorkUnit(ctx, u, prev); err != nil {
		return err
	}
	o.recordTransition(u, prev)
	return o.refreshDeployment(ctx, deploymentID)
}

// completeUnit терминальный переход in_progress -> success|failed под блокировкой развертывания
func (o *Orchestrator) completeUnit(ctx context.Context, deploymentID, deviceID string, execErr error) error {
	unlock := o.locks.Lock(deploymentID)
	defer unlock()

	u, err := o.store.GetWorkUnit(ctx, deploymentID, deviceID)
	if err != nil {
		return err
	}
	prev := u.Status
	if err := u.Complete(o.now(), execErr); err != nil {
		return err
	}
	if err := o.store.UpdateWorkUnit(ctx, u, prev); err != nil {
		return err
	}
	o.recordTransition(u, prev)
	return o.refreshDeployment(ctx, deploymentID)
}

// abortUnit валит юнит, который так и не дошел до агента, чтобы RetryFailed мог его подобрать.
// Пишет в обход o.ctx: вызывается в том числе во время Shutdown.
func (o *Orchestrator) abortUnit(deploymentID, deviceID string, cause error) {
	ctx := context.Background()
	unlock := o.locks.Lock(deploymentID)
	defer unlock()

	err := func() error {
		u, err := o.store.GetWorkUnit(ctx, deploymentID, deviceID)
		if err != nil {
			return err
		}
		prev := u.Status
		if err := u.Abort(o.now(), cause); err != nil {
			return err
		}
		if err := o.store.UpdateWorkUnit(ctx, u, prev); err != nil {
			return err
		}
		o.recordTransition(u, prev)
		return o.refreshDeployment(ctx, deploymentID)
	}()
	if err != nil {
		o.logger.Error("failed to record undelivered work unit",
			zap.String("deployment_id", deploymentID),
			zap.String("device_id", deviceID),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

// refreshDeployment пересчитывает агрегат и сохраняет его вместе с started_at/ended_at.
// Вызывается только под блокировкой развертывания.
func (o *Orchestrator) refreshDeployment(ctx context.Context, deploymentID string) error {
	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	units, err := o.store.ListWorkUnits(ctx, deploymentID)
	if err != nil {
		return err
	}
	agg := domain.AggregateUnits(units)

	startedAt := d.StartedAt
	if startedAt == nil && anyStarted(units) {
		now := o.now()
		startedAt = &now
	}

	var endedAt *time.Time
	if agg.Completed {
		endedAt = d.EndedAt
		if endedAt == nil {
			now := o.now()
			endedAt = &now
		}
	}

	status := agg.Status
	if startedAt == nil {
		status = domain.DeploymentPending
	}
	return o.store.UpdateDeploymentState(ctx, deploymentID, status, startedAt, endedAt)
}

func anyStarted(units []domain.WorkUnit) bool {
	for _, u := range units {
		if u.Status != domain.WorkPending || u.StartedAt != nil {
			return true
		}
	}
	return false
}

func (o *Orchestrator) recordTransition(u domain.WorkUnit, from domain.WorkStatus) {
	o.metrics.Transitions.WithLabelValues(string(u.Status)).Inc()
	if o.journal == nil {
		return
	}
	event := audit.Event{
		DeploymentID: u.DeploymentID,
		DeviceID:     u.DeviceID,
		From:         from,
		To:           u.Status,
		Timestamp:    o.now(),
	}
	if u.Status == domain.WorkFailed {
		event.Error = u.Error
	}
	o.journal.Log(event)
}
