package domain

import (
	"time"
)

// DeploymentStatus агрегированный статус развертывания
type DeploymentStatus string

const (
	DeploymentPending         DeploymentStatus = "pending"
	DeploymentInProgress      DeploymentStatus = "in_progress"
	DeploymentCompleted       DeploymentStatus = "completed" // Принимается при чтении, агрегатор его не выдает
	DeploymentSuccess         DeploymentStatus = "success"
	DeploymentFailed          DeploymentStatus = "failed"
	DeploymentPartiallyFailed DeploymentStatus = "partially_failed"
)

// WorkStatus статус конечного автомата WorkUnit
type WorkStatus string

const (
	WorkPending    WorkStatus = "pending"
	WorkInProgress WorkStatus = "in_progress"
	WorkSuccess    WorkStatus = "success"
	WorkFailed     WorkStatus = "failed"
)

// IsTerminal success или failed
func (s WorkStatus) IsTerminal() bool {
	return s == WorkSuccess || s == WorkFailed
}

// Deployment одна операция раскатки на набор устройств.
// TargetDeviceIDs фиксируется при создании и больше не меняется.
type Deployment struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Status          DeploymentStatus `json:"status"`
	Payload         Payload          `json:"payload"`
	TargetDeviceIDs []string         `json:"target_device_ids"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// WorkUnit состояние раскатки на одном устройстве. Ровно один на пару (deployment, device).
type WorkUnit struct {
	DeploymentID string     `json:"deployment_id"`
	DeviceID     string     `json:"device_id"`
	Status       WorkStatus `json:"status"`
	Progress     int        `json:"percent"`
	Error        string     `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CanTransitionTo проверяет правила конечного автомата:
// pending -> in_progress -> {success, failed}; failed -> pending только через retry.
func (u *WorkUnit) CanTransitionTo(next WorkStatus) error {
	switch u.Status {
	case WorkPending:
		if next == WorkInProgress {
			return nil
		}
	case WorkInProgress:
		if next == WorkSuccess || next == WorkFailed {
			return nil
		}
	case WorkFailed:
		if next == WorkPending {
			return nil
		}
	}
	return &TransitionError{From: u.Status, To: next}
}

// Start переводит юнит в in_progress
func (u *WorkUnit) Start(now time.Time) error {
	if err := u.CanTransitionTo(WorkInProgress); err != nil {
		return err
	}
	u.Status = WorkInProgress
	u.Progress = 0
	u.StartedAt = &now
	u.CompletedAt = nil
	return nil
}

// Complete фиксирует терминальный исход. Текст прошлой ошибки перезаписывается.
func (u *WorkUnit) Complete(now time.Time, execErr error) error {
	next := WorkSuccess
	if execErr != nil {
		next = WorkFailed
	}
	if err := u.CanTransitionTo(next); err != nil {
		return err
	}
	u.Status = next
	u.CompletedAt = &now
	if execErr != nil {
		u.Error = execErr.Error()
		return nil
	}
	u.Error = ""
	u.Progress = 100
	return nil
}

// Abort фиксирует срыв до доставки агенту: юнит падает из pending или in_progress.
// Единственный путь pending -> failed, отчеты агента идут через Complete.
func (u *WorkUnit) Abort(now time.Time, cause error) error {
	if u.Status != WorkPending && u.Status != WorkInProgress {
		return &TransitionError{From: u.Status, To: WorkFailed}
	}
	u.Status = WorkFailed
	u.CompletedAt = &now
	u.Error = cause.Error()
	return nil
}

// Reset возвращает упавший юнит в pending (только для Retry Controller)
func (u *WorkUnit) Reset() error {
	if err := u.CanTransitionTo(WorkPending); err != nil {
		return err
	}
	u.Status = WorkPending
	u.Progress = 0
	return nil
}

// SetProgress обновляет процент только пока юнит в работе
func (u *WorkUnit) SetProgress(percent int) error {
	if u.Status != WorkInProgress {
		return &TransitionError{From: u.Status, To: WorkInProgress}
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	u.Progress = percent
	return nil
}
