// Package controller wires together the client transport and the
// injection driver into the running finj-controller process described
// in spec.md §2: dial every configured engine, become their master,
// and either inject a workload or listen passively.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AlessioNetti/finj-go/internal/archive"
	"github.com/AlessioNetti/finj-go/internal/config"
	"github.com/AlessioNetti/finj-go/internal/inject"
	"github.com/AlessioNetti/finj-go/internal/task"
	"github.com/AlessioNetti/finj-go/internal/transport"

	"golang.org/x/time/rate"
)

// Options carries the per-invocation overrides the CLI surfaces
// (spec.md §6.1): -w selects the workload (empty means pull mode), -m
// caps the number of tasks sent, -a overrides the configured host
// list.
type Options struct {
	WorkloadPath string
	MaxTasks     int
	HostOverride []string
	Probe        bool
}

// Run dials every target engine, runs one injection or pull session,
// and returns once it completes or ctx is cancelled.
func Run(ctx context.Context, cfg *config.ControllerConfig, opts Options, logger *slog.Logger) error {
	hosts := cfg.Controller.Hosts
	if len(opts.HostOverride) > 0 {
		hosts = opts.HostOverride
	}
	if len(hosts) == 0 {
		return fmt.Errorf("controller: no target hosts configured")
	}

	client := transport.NewClient(cfg.Runtime.RetryInterval, cfg.Runtime.RetryPeriod,
		cfg.Controller.RecoverAfterDisconnect, logger.With("component", "transport"))
	defer client.Close()

	if cfg.Controller.DialRateLimit > 0 {
		client.SetDialLimiter(rate.NewLimiter(rate.Limit(cfg.Controller.DialRateLimit), 1))
	}

	for _, h := range hosts {
		addr, err := transport.ParsePeerAddr(h)
		if err != nil {
			return fmt.Errorf("controller: %w", err)
		}
		if err := client.Connect(addr); err != nil {
			logger.Warn("initial connect failed, will retry via dangling-peer recovery", "addr", addr, "error", err)
		}
	}

	go client.Run()

	if len(cfg.Controller.AuxCommands) > 0 {
		task.RunAuxCommands(ctx, cfg.Controller.AuxCommands, 30*time.Second, logger)
	}

	var reader task.Source
	workloadName := "pull"
	if opts.WorkloadPath != "" {
		src, err := task.OpenCSVSource(opts.WorkloadPath)
		if err != nil {
			return fmt.Errorf("controller: %w", err)
		}
		defer src.Close()
		reader = src
		workloadName = workloadBaseName(opts.WorkloadPath)
	}

	if cfg.Archive.Enabled {
		archiver, err := newArchiver(ctx, cfg, logger)
		if err != nil {
			logger.Error("archive scheduler disabled", "error", err)
		} else {
			archiver.Start()
			defer archiver.Stop(context.Background())
		}
	}

	driverCfg := inject.Config{
		ResultsDir:          cfg.Controller.ResultsDir,
		WorkloadName:        workloadName,
		SessionWait:         cfg.Runtime.SessionWait,
		PreSendInterval:     cfg.Runtime.PreSendInterval,
		WorkloadPadding:     cfg.Runtime.WorkloadPadding,
		MaxTasks:            opts.MaxTasks,
		LogOutputs:          cfg.Controller.LogOutputs,
		NumaCoresFaults:     cfg.Controller.NumaCoresFaults,
		NumaCoresBenchmarks: cfg.Controller.NumaCoresBenchmarks,
	}

	driver := inject.NewDriver(client, reader, driverCfg, logger.With("component", "inject"))
	if !opts.Probe {
		logger.Info("starting session", "hosts", hosts, "mode", modeLabel(reader))
	}
	return driver.Run(ctx)
}

func modeLabel(reader task.Source) string {
	if reader == nil {
		return "pull"
	}
	return "inject"
}

func workloadBaseName(path string) string {
	base := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			base = path[i+1:]
			break
		}
	}
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '.' {
			return base[:i]
		}
	}
	return base
}

func newArchiver(ctx context.Context, cfg *config.ControllerConfig, logger *slog.Logger) (*archive.Scheduler, error) {
	var shipper archive.Shipper
	if cfg.Archive.Bucket != "" {
		s3, err := archive.NewS3Shipper(ctx, cfg.Archive.Bucket, cfg.Archive.Region,
			cfg.Archive.AccessKeyID, cfg.Archive.SecretAccessKey)
		if err != nil {
			return nil, fmt.Errorf("building S3 shipper: %w", err)
		}
		shipper = s3
	}
	return archive.NewScheduler(cfg.Archive.Schedule, cfg.Controller.ResultsDir, cfg.Archive.Prefix, shipper,
		logger.With("component", "archive"))
}
