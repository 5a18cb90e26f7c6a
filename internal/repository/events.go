package repository

import (
	"context"
	"fmt"

	"github.com/xela07ax/fleet-relay/internal/audit"
	"github.com/xela07ax/fleet-relay/internal/domain"
)

const eventColumns = 7

// WriteBatch пакетная вставка журнала попыток (реализует audit.Writer)
func (s *Store) WriteBatch(ctx context.Context, events []audit.Event) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	vals := make([]interface{}, 0, len(events)*eventColumns)
	for _, e := range events {
		vals = append(vals,
			e.ID, e.DeploymentID, e.DeviceID, string(e.From), string(e.To), e.Error, formatTime(e.Timestamp),
		)
	}

	query := "INSERT INTO deployment_events (id, deployment_id, device_id, from_status, to_status, error, ts) VALUES " +
		placeholders(len(events), eventColumns)

	if _, err := s.DB.ExecContext(ctx, s.rebind(query), vals...); err != nil {
		return fmt.Errorf("write journal batch: %w", err)
	}
	return nil
}

// ListEvents история переходов развертывания в хронологическом порядке
func (s *Store) ListEvents(ctx context.Context, deploymentID string) ([]audit.Event, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, s.rebind(`SELECT id, deployment_id, device_id, from_status, to_status, error, ts
		FROM deployment_events WHERE deployment_id = ? ORDER BY ts, id`), deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			e        audit.Event
			from, to string
			ts       string
		)
		if err := rows.Scan(&e.ID, &e.DeploymentID, &e.DeviceID, &from, &to, &e.Error, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.From = domain.WorkStatus(from)
		e.To = domain.WorkStatus(to)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse event ts: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
