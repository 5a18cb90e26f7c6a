package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

type step struct {
	name string
	run  func(ctx context.Context) error
}

// plan раскладывает payload на последовательные шаги; прогресс считается по шагам
func (a *Agent) plan(p domain.Payload) ([]step, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var steps []step
	switch p.Kind {
	case domain.PayloadInstall:
		for _, sw := range p.Software {
			if strings.TrimSpace(sw.InstallCommand) == "" {
				return nil, fmt.Errorf("software %s has no install command", sw.ID)
			}
			steps = append(steps, a.shellStep("install "+sw.Name, sw.InstallCommand))
		}
		if p.Custom != nil {
			steps = append(steps, a.shellStep("install "+p.Custom.Name, p.Custom.InstallCommand))
		}
	case domain.PayloadFileCopy:
		file := *p.File
		steps = append(steps, step{
			name: "copy " + file.Destination,
			run:  func(ctx context.Context) error { return a.copyFile(ctx, file) },
		})
	}
	return steps, nil
}

func (a *Agent) shellStep(name, command string) step {
	return step{
		name: name,
		run: func(ctx context.Context) error {
			out, err := a.runner.Run(ctx, command)
			if err != nil {
				if out = strings.TrimSpace(out); out != "" {
					return fmt.Errorf("%w: %s", err, out)
				}
				return err
			}
			return nil
		},
	}
}
