// Package postgres открывает хранилище на PostgreSQL через pgx stdlib драйвер
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"go.uber.org/zap"

	"github.com/xela07ax/fleet-relay/internal/repository"
)

type Options struct {
	URL             string
	MaxConns        int
	MinConns        int
	ConnectAttempts uint
}

// Open открывает пул, ждет доступности базы (retry с бэкоффом) и накатывает миграции
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*repository.Store, error) {
	if opts.URL == "" {
		return nil, errors.New("postgres: database url is required")
	}
	db, err := sql.Open("pgx", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		db.SetMaxIdleConns(opts.MinConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	attempts := opts.ConnectAttempts
	if attempts == 0 {
		attempts = 5
	}

	// База в docker-compose поднимается позже сервиса: ждем, а не падаем сразу
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
	)
	if err := r.Do(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			logger.Warn("postgres not ready", zap.Error(err))
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	store := repository.New(db, repository.DialectPostgres)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	logger.Info("postgres connected", zap.Int("max_conns", opts.MaxConns))
	return store, nil
}
