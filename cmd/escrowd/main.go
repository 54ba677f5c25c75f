package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"escrowd/config"
	"escrowd/native/payment"
	"escrowd/observability/logging"
	telemetry "escrowd/observability/otel"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configFile := flag.String("config", "./escrowd.toml", "Path to the configuration file (.toml, .yaml or .yml)")
	issueToken := flag.String("issue-token", "", "Print an API token for the given caller address and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of tokens minted with -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	env := strings.TrimSpace(os.Getenv("ESCROWD_ENV"))
	if env == "" {
		env = cfg.Telemetry.Environment
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service:    "escrowd",
		Env:        env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	if err := run(cfg, env, logger, *issueToken, *tokenTTL); err != nil {
		logger.Error("escrowd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, env string, logger *slog.Logger, issueFor string, tokenTTL time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrowd",
		Environment: env,
		Operator:    cfg.Operator.Address,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	n, err := buildNode(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}
	defer n.close()

	if issueFor != "" {
		caller, err := payment.ParseAddress(issueFor)
		if err != nil {
			return fmt.Errorf("issue-token: %w", err)
		}
		token, err := n.server.Authenticator().IssueToken(caller, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	logger.Info("escrowd starting",
		"operator", n.operator.Address().String(),
		"fee_bps", n.operator.FeeBps(),
		"storage", cfg.Storage.Backend,
		"hold", n.period.Hold().String(),
		logging.MaskIdentity("arbiter", n.refunds.Arbiter().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.server.Start(cfg.ListenAddress)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return <-errCh
}
