package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

// CreateDeployment атомарно создает развертывание и по одному WorkUnit на устройство.
// Либо все строки, либо ни одной.
func (s *Store) CreateDeployment(ctx context.Context, d *domain.Deployment, units []domain.WorkUnit) error {
	if err := s.check(); err != nil {
		return err
	}
	if d == nil || d.ID == "" {
		return errors.New("deployment id is required")
	}
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create deployment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO deployments (id, name, status, payload_json, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.Name, string(d.Status), string(payload), formatTime(d.CreatedAt),
		formatTimePtr(d.StartedAt), formatTimePtr(d.EndedAt)); err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}

	for i, u := range units {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO work_units (deployment_id, device_id, position, status, progress, error, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			d.ID, u.DeviceID, i, string(u.Status), u.Progress, u.Error,
			formatTimePtr(u.StartedAt), formatTimePtr(u.CompletedAt)); err != nil {
			return fmt.Errorf("insert work unit %s: %w", u.DeviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create deployment: %w", err)
	}
	return nil
}

func (s *Store) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT id, name, status, payload_json, created_at, started_at, ended_at
		FROM deployments WHERE id = ?`), id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDeploymentNotFound
	}
	if err != nil {
		return nil, err
	}

	targets, err := s.targetsFor(ctx, []string{d.ID})
	if err != nil {
		return nil, err
	}
	d.TargetDeviceIDs = targets[d.ID]
	return d, nil
}

// ListDeployments последние развертывания, новые первыми
func (s *Store) ListDeployments(ctx context.Context, limit int) ([]domain.Deployment, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, s.rebind(`SELECT id, name, status, payload_json, created_at, started_at, ended_at
		FROM deployments ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []domain.Deployment
	var ids []string
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
		ids = append(ids, d.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	targets, err := s.targetsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].TargetDeviceIDs = targets[out[i].ID]
	}
	return out, nil
}

// UpdateDeploymentState сохраняет пересчитанный агрегат и границы по времени
func (s *Store) UpdateDeploymentState(ctx context.Context, id string, status domain.DeploymentStatus, startedAt, endedAt *time.Time) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE deployments SET status = ?, started_at = ?, ended_at = ? WHERE id = ?`),
		string(status), formatTimePtr(startedAt), formatTimePtr(endedAt), id)
	if err != nil {
		return fmt.Errorf("update deployment %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrDeploymentNotFound
	}
	return nil
}

// ListWorkUnits юниты развертывания в порядке целей
func (s *Store) ListWorkUnits(ctx context.Context, deploymentID string) ([]domain.WorkUnit, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, s.rebind(`SELECT deployment_id, device_id, status, progress, error, started_at, completed_at
		FROM work_units WHERE deployment_id = ? ORDER BY position`), deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list work units: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkUnit
	for rows.Next() {
		u, err := scanWorkUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work units: %w", err)
	}
	return out, nil
}

func (s *Store) GetWorkUnit(ctx context.Context, deploymentID, deviceID string) (domain.WorkUnit, error) {
	if err := s.check(); err != nil {
		return domain.WorkUnit{}, err
	}
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT deployment_id, device_id, status, progress, error, started_at, completed_at
		FROM work_units WHERE deployment_id = ? AND device_id = ?`), deploymentID, deviceID)
	u, err := scanWorkUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkUnit{}, domain.ErrWorkUnitNotFound
	}
	return u, err
}

// UpdateWorkUnit compare-and-set: строка меняется, только если ее статус все еще expected.
// Иначе ErrStaleWorkUnit (кто-то успел перевести юнит раньше).
func (s *Store) UpdateWorkUnit(ctx context.Context, u domain.WorkUnit, expected domain.WorkStatus) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE work_units
		SET status = ?, progress = ?, error = ?, started_at = ?, completed_at = ?
		WHERE deployment_id = ? AND device_id = ? AND status = ?`),
		string(u.Status), u.Progress, u.Error, formatTimePtr(u.StartedAt), formatTimePtr(u.CompletedAt),
		u.DeploymentID, u.DeviceID, string(expected))
	if err != nil {
		return fmt.Errorf("update work unit %s/%s: %w", u.DeploymentID, u.DeviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s is no longer %s", domain.ErrStaleWorkUnit, u.DeploymentID, u.DeviceID, expected)
	}
	return nil
}

func (s *Store) targetsFor(ctx context.Context, deploymentIDs []string) (map[string][]string, error) {
	query := `SELECT deployment_id, device_id FROM work_units WHERE deployment_id IN (` +
		inList(len(deploymentIDs)) + `) ORDER BY deployment_id, position`
	rows, err := s.DB.QueryContext(ctx, s.rebind(query), toArgs(deploymentIDs)...)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string, len(deploymentIDs))
	for rows.Next() {
		var depID, deviceID string
		if err := rows.Scan(&depID, &deviceID); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out[depID] = append(out[depID], deviceID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var (
		d                  domain.Deployment
		status, payload    string
		createdAt          string
		startedAt, endedAt sql.NullString
	)
	if err := row.Scan(&d.ID, &d.Name, &status, &payload, &createdAt, &startedAt, &endedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan deployment: %w", err)
	}
	d.Status = domain.DeploymentStatus(status)
	if err := json.Unmarshal([]byte(payload), &d.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", d.ID, err)
	}
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if d.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if d.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return nil, fmt.Errorf("parse ended_at: %w", err)
	}
	return &d, nil
}

func scanWorkUnit(row rowScanner) (domain.WorkUnit, error) {
	var (
		u                      domain.WorkUnit
		status                 string
		startedAt, completedAt sql.NullString
	)
	if err := row.Scan(&u.DeploymentID, &u.DeviceID, &status, &u.Progress, &u.Error, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, err
		}
		return u, fmt.Errorf("scan work unit: %w", err)
	}
	u.Status = domain.WorkStatus(status)
	var err error
	if u.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return u, fmt.Errorf("parse started_at: %w", err)
	}
	if u.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return u, fmt.Errorf("parse completed_at: %w", err)
	}
	return u, nil
}
