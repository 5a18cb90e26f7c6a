package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

// GroupMembers устройства всех перечисленных групп в порядке (группа, устройство).
// Неизвестная группа ведет себя как пустая.
func (s *Store) GroupMembers(ctx context.Context, groupIDs []string) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if len(groupIDs) == 0 {
		return nil, nil
	}
	query := `SELECT device_id FROM group_members WHERE group_id IN (` + inList(len(groupIDs)) + `) ORDER BY group_id, device_id`
	rows, err := s.DB.QueryContext(ctx, s.rebind(query), toArgs(groupIDs)...)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return out, nil
}

// GetSoftware записи каталога в порядке запроса. Любой неизвестный id = ErrUnknownSoftware.
func (s *Store) GetSoftware(ctx context.Context, ids []string) ([]domain.Software, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT id, name, version, package, install_command FROM software WHERE id IN (` + inList(len(ids)) + `)`
	rows, err := s.DB.QueryContext(ctx, s.rebind(query), toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get software: %w", err)
	}
	defer rows.Close()

	found := make(map[string]domain.Software, len(ids))
	for rows.Next() {
		var sw domain.Software
		if err := rows.Scan(&sw.ID, &sw.Name, &sw.Version, &sw.Package, &sw.InstallCommand); err != nil {
			return nil, fmt.Errorf("scan software: %w", err)
		}
		found[sw.ID] = sw
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate software: %w", err)
	}

	out := make([]domain.Software, 0, len(ids))
	for _, id := range ids {
		sw, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSoftware, id)
		}
		out = append(out, sw)
	}
	return out, nil
}

// DeviceNames имена устройств по id; отсутствующие в инвентаре просто не попадают в map
func (s *Store) DeviceNames(ctx context.Context, ids []string) (map[string]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `SELECT id, name FROM devices WHERE id IN (` + inList(len(ids)) + `)`
	rows, err := s.DB.QueryContext(ctx, s.rebind(query), toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("device names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return out, nil
}

func (s *Store) ListDevices(ctx context.Context) ([]domain.Device, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, name FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	var out []domain.Device
	for rows.Next() {
		var d domain.Device
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertDevice(ctx context.Context, d domain.Device) error {
	if err := s.check(); err != nil {
		return err
	}
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("device id is required")
	}
	_, err := s.DB.ExecContext(ctx, s.rebind(`INSERT INTO devices (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`), d.ID, d.Name)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.ID, err)
	}
	return nil
}

// UpsertGroup заменяет состав группы целиком
func (s *Store) UpsertGroup(ctx context.Context, g domain.Group) error {
	if err := s.check(); err != nil {
		return err
	}
	if strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("group id is required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert group: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO device_groups (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`), g.ID, g.Name); err != nil {
		return fmt.Errorf("upsert group %s: %w", g.ID, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM group_members WHERE group_id = ?`), g.ID); err != nil {
		return fmt.Errorf("clear group %s: %w", g.ID, err)
	}
	for _, deviceID := range g.DeviceIDs {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO group_members (group_id, device_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`), g.ID, deviceID); err != nil {
			return fmt.Errorf("add %s to group %s: %w", deviceID, g.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) UpsertSoftware(ctx context.Context, sw domain.Software) error {
	if err := s.check(); err != nil {
		return err
	}
	if strings.TrimSpace(sw.ID) == "" {
		return fmt.Errorf("software id is required")
	}
	_, err := s.DB.ExecContext(ctx, s.rebind(`INSERT INTO software (id, name, version, package, install_command) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, version = excluded.version,
			package = excluded.package, install_command = excluded.install_command`),
		sw.ID, sw.Name, sw.Version, sw.Package, sw.InstallCommand)
	if err != nil {
		return fmt.Errorf("upsert software %s: %w", sw.ID, err)
	}
	return nil
}

func inList(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
