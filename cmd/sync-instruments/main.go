package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/betbot/bracketbot/internal/bootstrap"
	"github.com/betbot/bracketbot/internal/instruments"
	"github.com/betbot/bracketbot/pkg/logger"
)

// sync-instruments refreshes the local instrument table the bot resolves
// symbols against.
func main() {
	_ = godotenv.Load()

	var (
		cfgPath = flag.String("config", os.Getenv("BOT_CONFIG"), "optional config file (.yaml, .yml or .json)")
		out     = flag.String("out", "", "output file, defaults to instruments_file from config")
	)
	flag.Parse()

	cfg, err := bootstrap.LoadConfig(*cfgPath)
	if err != nil {
		fatal(err)
	}
	if err := logger.Init(logger.Config{Level: cfg.LogLevel}); err != nil {
		fatal(err)
	}
	path := cfg.InstrumentsFile
	if *out != "" {
		path = *out
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, err := bootstrap.NewBroker(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	n, err := instruments.Sync(ctx, broker.Client, path)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "synced %d instruments to %s\n", n, path)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
