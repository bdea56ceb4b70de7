// Package engine wires together the transport server, the session
// manager, and the worker pool into the running finj-engine process
// described in spec.md §2: one TCP listener, one master-election state
// machine, one worker pool recreated across master takeovers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AlessioNetti/finj-go/internal/archive"
	"github.com/AlessioNetti/finj-go/internal/config"
	"github.com/AlessioNetti/finj-go/internal/protocol"
	"github.com/AlessioNetti/finj-go/internal/session"
	"github.com/AlessioNetti/finj-go/internal/transport"
	"github.com/AlessioNetti/finj-go/internal/worker"
)

// tickInterval is how long the engine waits for an inbound message
// before using the idle gap to reap a MASTER_DANGLING session whose
// grace period has elapsed.
const tickInterval = time.Second

// Run binds the listener, wires the session manager and worker pool,
// and processes inbound messages until ctx is cancelled.
func Run(ctx context.Context, cfg *config.EngineConfig, logger *slog.Logger) error {
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Engine.ListenPort)
	srv, err := transport.Listen(addr, cfg.Engine.RecoverAfterDisconnect, logger.With("component", "transport"))
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer srv.Close()
	logger.Info("engine listening", "addr", srv.Addr())

	poolCfg := worker.Config{
		MaxSlots:     cfg.Engine.MaxRequests,
		SkipExpired:  cfg.Engine.SkipExpired,
		RetryTasks:   cfg.Engine.RetryTasks,
		RetryOnError: cfg.Engine.RetryOnError,
		KillAbruptly: cfg.Engine.AbruptKill,
		LogOutputs:   cfg.Engine.LogOutputs,
	}
	pool := worker.NewPool(poolCfg, srv.Broadcast, logger.With("component", "worker"))

	mgr := session.NewManager(logger.With("component", "session"), pool,
		pool.Start, pool.Stop,
		pool.Submit,
		func() {
			logger.Info("terminate command received, shutting down")
			pool.Stop()
		},
	)
	mgr.SetRecovery(cfg.Engine.RecoverAfterDisconnect, cfg.Engine.RetryInterval)
	mgr.SetAuxCommands(cfg.Engine.AuxCommands, 30*time.Second)

	monitor := session.NewHostMonitor(5*time.Second, session.GopsutilSampler(cfg.Engine.ResultsDir, logger))

	var archiver *archive.Scheduler
	if cfg.Archive.Enabled {
		archiver, err = newArchiver(ctx, cfg, logger)
		if err != nil {
			logger.Error("archive scheduler disabled", "error", err)
		} else {
			archiver.Start()
			defer archiver.Stop(context.Background())
		}
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down engine")
		pool.Stop()
		srv.Close()
	}()

	for {
		popCtx, cancel := context.WithTimeout(ctx, tickInterval)
		in, err := srv.Pop(popCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Timed out waiting for the next inbound message: use the
			// gap to reap any MASTER_DANGLING session past its grace
			// period.
			mgr.Tick(time.Now())
			continue
		}
		handleInbound(srv, mgr, pool, monitor, in)
	}
}

func handleInbound(srv *transport.Server, mgr *session.Manager, pool *worker.Pool, monitor *session.HostMonitor, in transport.Inbound) {
	msg := in.Msg
	if msg == nil {
		return
	}

	switch msg.Type {
	case protocol.TypeDetectedLost:
		mgr.HandleConnectionLost(in.Addr)
		return
	case protocol.TypeCommandGreet:
		stats := monitor.Sample()
		reply := protocol.StatusGreet(msg.Timestamp, pool.ActiveCount(), mgr.IsSessionActive(), &stats)
		srv.Send(in.Addr, reply)
		return
	}

	if reply := mgr.Handle(in.Addr, in.Seq, msg); reply != nil {
		srv.Send(in.Addr, *reply)
	}
}

func newArchiver(ctx context.Context, cfg *config.EngineConfig, logger *slog.Logger) (*archive.Scheduler, error) {
	var shipper archive.Shipper
	if cfg.Archive.Bucket != "" {
		s3, err := archive.NewS3Shipper(ctx, cfg.Archive.Bucket, cfg.Archive.Region,
			cfg.Archive.AccessKeyID, cfg.Archive.SecretAccessKey)
		if err != nil {
			return nil, fmt.Errorf("building S3 shipper: %w", err)
		}
		shipper = s3
	}
	return archive.NewScheduler(cfg.Archive.Schedule, cfg.Engine.ResultsDir, cfg.Archive.Prefix, shipper,
		logger.With("component", "archive"))
}
