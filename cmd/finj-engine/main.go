package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/AlessioNetti/finj-go/internal/config"
	"github.com/AlessioNetti/finj-go/internal/engine"
	"github.com/AlessioNetti/finj-go/internal/logging"
)

func main() {
	configPath := flag.String("c", "/etc/finj/engine.yaml", "path to engine config file")
	listenPort := flag.Int("p", 0, "listen port override")
	flag.Parse()

	cfg, err := config.LoadEngineConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *listenPort > 0 {
		cfg.Engine.ListenPort = *listenPort
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		logger.Warn("automaxprocs: failed to set GOMAXPROCS", "error", err)
	} else {
		defer undo()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := engine.Run(ctx, cfg, logger); err != nil {
		logger.Error("engine exited with error", "error", err)
		os.Exit(1)
	}
}
