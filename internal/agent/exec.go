package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

// Runner исполняет shell-команду и возвращает объединенный stdout+stderr
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// ShellRunner запускает команды через sh -c
type ShellRunner struct {
	Shell   string
	Timeout time.Duration
}

func (r ShellRunner) Run(ctx context.Context, command string) (string, error) {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	// Потомки shell держат pipe открытым после kill: не ждем их дольше секунды
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Fetcher источник файлов для file_copy
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}
	return resp.Body, nil
}

const defaultFileMode = 0o644

// copyFile пишет во временный файл рядом с назначением и переименовывает: частичной записи не остается
func (a *Agent) copyFile(ctx context.Context, file domain.FileCopySpec) error {
	mode := os.FileMode(defaultFileMode)
	if file.Mode != "" {
		m, err := strconv.ParseUint(file.Mode, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid file mode %q", file.Mode)
		}
		mode = os.FileMode(m)
	}

	body, err := a.fetcher.Fetch(ctx, file.SourceURL)
	if err != nil {
		return err
	}
	defer body.Close()

	dir := filepath.Dir(file.Destination)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".fleet-copy-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), file.Destination); err != nil {
		return err
	}

	a.logger.Info("file copied",
		zap.String("destination", file.Destination),
		zap.String("size", humanize.Bytes(uint64(n))))
	return nil
}
