// Package main is the entry point for the HedgeEdge core bridge: the
// desktop-side daemon that discovers trading terminals, mirrors their
// account state, copies trades between accounts and exposes the whole
// thing to the host UI over a local HTTP surface.
//
// Startup sequence:
//  1. Load configuration from environment variables
//  2. Initialize logging and the persisted-state store
//  3. Wire the transport stack (ports, control channels, channel reader)
//  4. Wire the domain services (sessions, copier, daily limit tracker)
//  5. Optionally wire the cloud state backup
//  6. Start the scheduler, host glue and HTTP server
//  7. Wait for shutdown signal and tear down in reverse order
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hedgeedge/core/internal/config"
	"github.com/hedgeedge/core/internal/control"
	"github.com/hedgeedge/core/internal/copier"
	"github.com/hedgeedge/core/internal/dailylimit"
	"github.com/hedgeedge/core/internal/events"
	"github.com/hedgeedge/core/internal/host"
	"github.com/hedgeedge/core/internal/persist"
	"github.com/hedgeedge/core/internal/ports"
	"github.com/hedgeedge/core/internal/reader"
	"github.com/hedgeedge/core/internal/reliability"
	"github.com/hedgeedge/core/internal/scheduler"
	"github.com/hedgeedge/core/internal/server"
	"github.com/hedgeedge/core/internal/session"
	"github.com/hedgeedge/core/pkg/logger"
)

// backupSchedule runs the nightly state backup at 03:00 local time.
const backupSchedule = "0 0 3 * * *"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("version", cfg.AppVersion).
		Str("data_dir", cfg.DataDir).
		Msg("Starting HedgeEdge core")

	store, err := persist.NewStore(cfg.DataDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state store")
	}

	bus := events.NewBus(log)

	// Transport stack. The port manager arbitrates the fixed ZMQ port plan;
	// the control server owns the per-terminal liveness channels; the reader
	// is the single command and snapshot surface over both transports.
	portMgr := ports.NewManager(log,
		ports.WithProbeTimeout(cfg.ProbeTimeout),
		ports.WithScanMutexTimeout(cfg.ScanMutexTimeout),
	)
	ctrl := control.NewServer(cfg.AppVersion, bus, log)
	terminals := reader.New(reader.Config{
		RegistrationDir:   cfg.RegistrationDir,
		CommandTimeout:    cfg.CommandTimeout,
		ReconnectInterval: cfg.ReconnectInterval,
	}, portMgr, ctrl, bus, log)

	portMgr.DetectStartupConflicts(map[string]int{
		"http_api": cfg.Port,
	})

	// Domain services.
	sessions := session.NewManager(store, bus, log)
	engine := copier.NewEngine(terminals, store, bus, log)
	engine.Start()
	limits := dailylimit.NewTracker(store, bus, log)

	// Recover follower results recorded while this process was down.
	if applied, err := engine.SyncOfflineTrades(cfg.RegistrationDir); err != nil {
		log.Warn().Err(err).Msg("Offline trade sync failed")
	} else if applied > 0 {
		log.Info().Int("applied", applied).Msg("Applied offline trade results")
	}

	sched := scheduler.New(log)

	glue := host.New(terminals, sessions, bus, log)
	if err := glue.Start(sched); err != nil {
		log.Fatal().Err(err).Msg("Failed to register host glue jobs")
	}

	// Cloud state backup is optional; the bridge runs fine without it.
	var backup *reliability.StateBackupService
	if cfg.Backup.Enabled() {
		objectStore, err := reliability.NewObjectStore(context.Background(), cfg.Backup, log)
		if err != nil {
			log.Error().Err(err).Msg("Backup configured but object store init failed, continuing without backup")
		} else {
			backup = reliability.NewStateBackupService(objectStore, cfg.DataDir, cfg.AppVersion, log)
			backupJob := scheduler.FuncJob{JobName: "state_backup", Fn: func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				defer cancel()
				if err := backup.CreateAndUploadBackup(ctx); err != nil {
					return err
				}
				return backup.RotateOldBackups(ctx, cfg.Backup.Keep)
			}}
			if err := sched.AddJob(backupSchedule, backupJob); err != nil {
				log.Error().Err(err).Msg("Failed to register backup job")
			}
		}
	}

	sched.Start()

	srv := server.New(server.Config{
		Log:       log,
		Cfg:       cfg,
		Bus:       bus,
		Terminals: terminals,
		Sessions:  sessions,
		Copier:    engine,
		Limits:    limits,
		Backup:    backup,
		Port:      cfg.Port,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("HTTP control surface started")

	// Connect whatever terminals are already registered. Later arrivals are
	// picked up by the periodic discovery job.
	connected := terminals.ScanAndConnect(true)
	log.Info().Int("terminals", len(connected)).Msg("Initial terminal scan complete")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	// Stop the inbound surfaces first so no new work arrives, then flush
	// domain state, then tear the transports down. The terminal-side agents
	// see the control sockets close and fall back to offline journaling.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	sched.Stop()
	engine.Shutdown()
	limits.Flush()

	terminals.Shutdown()
	ctrl.CloseAll()

	store.Close()

	log.Info().Msg("Stopped")
}
