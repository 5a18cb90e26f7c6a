// Package inventory начальное наполнение устройств, групп и каталога ПО из YAML.
// CRUD инвентаря живет во внешней системе; seed нужен для dev-стенда и демо.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

// Seed содержимое seed-файла
type Seed struct {
	Devices  []domain.Device   `yaml:"devices"`
	Groups   []domain.Group    `yaml:"groups"`
	Software []domain.Software `yaml:"software"`
}

// Writer куда применяется seed (репозиторий)
type Writer interface {
	UpsertDevice(ctx context.Context, d domain.Device) error
	UpsertGroup(ctx context.Context, g domain.Group) error
	UpsertSoftware(ctx context.Context, sw domain.Software) error
}

// LoadSeed читает и проверяет seed-файл
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate уникальные непустые id; группа ссылается только на известные устройства
func (s *Seed) Validate() error {
	devices := make(map[string]struct{}, len(s.Devices))
	for _, d := range s.Devices {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return errors.New("seed: device id is required")
		}
		if _, dup := devices[id]; dup {
			return fmt.Errorf("seed: duplicate device %q", id)
		}
		devices[id] = struct{}{}
	}

	groups := make(map[string]struct{}, len(s.Groups))
	for _, g := range s.Groups {
		if strings.TrimSpace(g.ID) == "" {
			return errors.New("seed: group id is required")
		}
		if _, dup := groups[g.ID]; dup {
			return fmt.Errorf("seed: duplicate group %q", g.ID)
		}
		groups[g.ID] = struct{}{}
		for _, member := range g.DeviceIDs {
			if _, ok := devices[member]; !ok {
				return fmt.Errorf("seed: group %q references unknown device %q", g.ID, member)
			}
		}
	}

	software := make(map[string]struct{}, len(s.Software))
	for _, sw := range s.Software {
		if strings.TrimSpace(sw.ID) == "" {
			return errors.New("seed: software id is required")
		}
		if _, dup := software[sw.ID]; dup {
			return fmt.Errorf("seed: duplicate software %q", sw.ID)
		}
		if strings.TrimSpace(sw.InstallCommand) == "" {
			return fmt.Errorf("seed: software %q has no install_command", sw.ID)
		}
		software[sw.ID] = struct{}{}
	}
	return nil
}

// Apply upsert всего seed; повторный запуск идемпотентен
func (s *Seed) Apply(ctx context.Context, w Writer, logger *zap.Logger) error {
	for _, d := range s.Devices {
		if err := w.UpsertDevice(ctx, d); err != nil {
			return err
		}
	}
	for _, g := range s.Groups {
		if err := w.UpsertGroup(ctx, g); err != nil {
			return err
		}
	}
	for _, sw := range s.Software {
		if err := w.UpsertSoftware(ctx, sw); err != nil {
			return err
		}
	}
	logger.Info("inventory seeded",
		zap.Int("devices", len(s.Devices)),
		zap.Int("groups", len(s.Groups)),
		zap.Int("software", len(s.Software)))
	return nil
}
