package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/betbot/bracketbot/internal/bootstrap"
	"github.com/betbot/bracketbot/internal/instruments"
	"github.com/betbot/bracketbot/internal/ledger"
	"github.com/betbot/bracketbot/internal/metrics"
	"github.com/betbot/bracketbot/internal/risk"
	"github.com/betbot/bracketbot/internal/server"
	"github.com/betbot/bracketbot/internal/trading"
	"github.com/betbot/bracketbot/pkg/logger"
	"github.com/betbot/bracketbot/pkg/shutdown"
)

func main() {
	// .env is optional; real environment variables still apply
	_ = godotenv.Load()

	var (
		cfgPath = flag.String("config", os.Getenv("BOT_CONFIG"), "optional config file (.yaml, .yml or .json)")
		listen  = flag.String("listen", "", "HTTP listen address, overrides config")
	)
	flag.Parse()

	cfg, err := bootstrap.LoadConfig(*cfgPath)
	if err != nil {
		fatal(err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	broker, err := bootstrap.NewBroker(ctx, cfg)
	if err != nil {
		logger.Errorf("broker setup failed: %v", err)
		os.Exit(1)
	}

	l, err := ledger.Open(ledger.Config{Backend: cfg.Ledger.Backend, Path: cfg.Ledger.Path})
	if err != nil {
		logger.Errorf("open ledger failed: %v", err)
		os.Exit(1)
	}
	ref := instruments.NewFileReference(cfg.InstrumentsFile, cfg.InstrumentsCacheTTL)

	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{MaxConsecutiveErrors: cfg.MaxConsecutiveErrors})
	svc := trading.NewService(broker.Client, l, ref, trading.Config{
		RiskPercent:  cfg.RiskPercent,
		PipValue:     cfg.PipValue,
		PipScale:     cfg.PipScale,
		DedupeWindow: cfg.DedupeWindow,
	}, trading.WithCircuitBreaker(breaker))
	cmds := trading.NewCommands(svc)

	shutdowns := shutdown.NewManager()
	shutdowns.OnShutdown(func(context.Context) { ref.Close() })
	shutdowns.OnShutdown(func(context.Context) {
		if err := l.Close(); err != nil {
			logger.Warnf("close ledger: %v", err)
		}
	})

	if cfg.MetricsListen != "" {
		if _, err := metrics.StartAsync(ctx, cfg.MetricsListen); err != nil {
			logger.Warnf("metrics disabled: %v", err)
		}
	}
	if cfg.ReconcileInterval > 0 {
		go reconcileLoop(ctx, cmds, cfg.ReconcileInterval)
	}

	logger.WithField("ledger", cfg.Ledger.Backend).
		WithField("risk_percent", cfg.RiskPercent).
		Infof("bracket bot starting on %s", cfg.Listen)

	runErr := server.New(ctx, cmds).Run(ctx, cfg.Listen, cfg.ShutdownGrace)
	stop()

	grace, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	shutdowns.Shutdown(grace)

	if runErr != nil {
		logger.Errorf("server stopped: %v", runErr)
		os.Exit(1)
	}
	logger.Info("bot stopped")
}

// reconcileLoop drops ledger entries for orders the broker no longer lists.
func reconcileLoop(ctx context.Context, cmds *trading.Commands, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := cmds.Reconcile(ctx)
			if !res.Success {
				logger.Warnf("reconcile: %s", res.Message)
			}
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
