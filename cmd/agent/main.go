package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/xela07ax/fleet-relay/internal/agent"
	"github.com/xela07ax/fleet-relay/internal/infra"
	"github.com/xela07ax/fleet-relay/internal/relay"
)

type options struct {
	relayAddr      string
	agentID        string
	token          string
	commandTimeout time.Duration
	logLevel       string
}

func main() {
	opts := options{}
	hostname, _ := os.Hostname()

	cmd := &cobra.Command{
		Use:           "agent",
		Short:         "Reference fleet agent: executes relay commands and deployments",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.relayAddr, "relay", "localhost:50052", "relay gRPC address")
	f.StringVar(&opts.agentID, "id", hostname, "agent id (must match device id in inventory)")
	f.StringVar(&opts.token, "token", os.Getenv("AGENT_TOKEN"), "shared agent token")
	f.DurationVar(&opts.commandTimeout, "command-timeout", 30*time.Minute, "max duration of a single shell command")
	f.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn, error")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	if opts.agentID == "" {
		return fmt.Errorf("--id is required")
	}
	logger, err := infra.NewLogger(infra.LoggerConfig{Level: opts.logLevel, Format: "console"})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cc, err := grpc.NewClient(opts.relayAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer cc.Close()

	a := agent.New(opts.agentID,
		agent.ShellRunner{Timeout: opts.commandTimeout},
		agent.HTTPFetcher{Client: &http.Client{Timeout: 10 * time.Minute}},
		logger,
	)
	if opts.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, relay.AgentTokenHeader, opts.token)
	}

	// Каждая сессия живет до разрыва; переподключение с бэкоффом, счетчик сбрасывается на новой сессии
	for ctx.Err() == nil {
		var conn relay.Conn
		err := retry.New(
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(time.Second),
			retry.MaxDelay(30*time.Second),
			retry.DelayType(retry.BackOffDelay),
		).Do(func() error {
			c, err := relay.OpenAgentStream(ctx, cc)
			if err != nil {
				logger.Warn("relay unavailable", zap.String("addr", opts.relayAddr), zap.Error(err))
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			break
		}

		err = a.Serve(ctx, conn)
		_ = conn.Close(nil)
		if ctx.Err() == nil {
			logger.Warn("relay session ended", zap.Error(err))
		}
		// Отказ в авторизации закрывает стрим сразу: без паузы цикл крутился бы вхолостую
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
	logger.Info("agent stopped")
	return nil
}
