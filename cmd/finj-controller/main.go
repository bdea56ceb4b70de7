package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/AlessioNetti/finj-go/internal/config"
	"github.com/AlessioNetti/finj-go/internal/controller"
	"github.com/AlessioNetti/finj-go/internal/logging"
)

func main() {
	configPath := flag.String("c", "/etc/finj/controller.yaml", "path to controller config file")
	workloadPath := flag.String("w", "", "path to workload CSV (omit for pull mode)")
	maxTasks := flag.Int("m", 0, "maximum number of tasks to send (0 means unlimited)")
	hostsFlag := flag.String("a", "", "comma-separated ip:port list, overrides config")
	probe := flag.Bool("p", false, "probe mode: suppress informational output")
	flag.Parse()

	cfg, err := config.LoadControllerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
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

	opts := controller.Options{
		WorkloadPath: *workloadPath,
		MaxTasks:     *maxTasks,
		Probe:        *probe,
	}
	if *hostsFlag != "" {
		opts.HostOverride = strings.Split(*hostsFlag, ",")
	}

	if err := controller.Run(ctx, cfg, opts, logger); err != nil {
		logger.Error("controller exited with error", "error", err)
		os.Exit(1)
	}
}
