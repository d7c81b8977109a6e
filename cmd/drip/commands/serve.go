package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/drip/am"
	"github.com/teranos/drip/drip"
	"github.com/teranos/drip/drip/sender"
	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/logger"
	"github.com/teranos/drip/pulse/schedule"
	"github.com/teranos/drip/server"
	"github.com/teranos/drip/sym"
)

// ServeCmd starts the trigger server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   sym.PulseOpen + " Start the trigger server",
	Long: sym.PulseOpen + ` serve — Start the trigger server

Serves POST /api/drip/run for an external scheduler, the execution history API
and the live run feed on /ws/runs. Every route except /healthz requires
Authorization: Bearer <auth.trigger_secret>.

With --self-trigger the server also invokes the engine itself every
pulse.self_trigger_interval_seconds (or once per bucket when unset). Each tick
still goes through the execution gate, so an external trigger can run
alongside it.

Changes to the loaded am.toml are applied without a restart.

Examples:
  drip serve                      # Wait for external triggers
  drip serve --self-trigger       # Also run on an interval
  drip serve --port 9000`,
	RunE: runServe,
}

var (
	serveSelfTrigger bool
	servePort        int
)

// cleanupInterval is how often finished execution records are pruned
const cleanupInterval = 24 * time.Hour

func init() {
	ServeCmd.Flags().BoolVar(&serveSelfTrigger, "self-trigger", false, "Invoke the engine on an interval from inside the server")
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	port := cfg.GetServerPort()
	if servePort != 0 {
		port = servePort
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	hub := server.NewHub(logger.ComponentLogger("server.hub"))
	// transport.max_sends_per_second follows reloads; kind and url need a restart
	transport, err := sender.NewAdjustable(cfg, logger.ComponentLogger("drip.sender"))
	if err != nil {
		return errors.Wrap(err, "failed to build transport")
	}
	engine := engineWith(database, transport, cfg, drip.WithEmitter(hub))
	srv := server.New(database, engine, hub, cfg, logger.ComponentLogger("server"))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var retentionDays atomic.Int64
	retentionDays.Store(int64(cfg.Drip.ExecutionRetentionDays))

	interval := cfg.SelfTriggerInterval()
	if interval <= 0 {
		interval = cfg.BucketWidth()
	}

	var tickers []*schedule.Ticker
	if serveSelfTrigger {
		tickers = append(tickers, schedule.NewTickerWithContext(ctx,
			func(ctx context.Context, _ time.Time) error {
				res, err := engine.Run(ctx)
				if err != nil {
					return err
				}
				logRunResult(res)
				return nil
			},
			schedule.TickerConfig{Name: "self-trigger", Interval: interval, RunImmediately: true},
			logger.ComponentLogger("pulse")))
	}
	executions := schedule.NewExecutionStore(database)
	tickers = append(tickers, schedule.NewTickerWithContext(ctx,
		func(ctx context.Context, _ time.Time) error {
			days := int(retentionDays.Load())
			if days <= 0 {
				return nil
			}
			n, err := executions.CleanupOldExecutions(ctx, days)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.DBInfow("Pruned execution records", logger.FieldCount, n, "retention_days", days)
			}
			return nil
		},
		schedule.TickerConfig{Name: "cleanup", Interval: cleanupInterval, RunImmediately: true},
		logger.ComponentLogger("pulse")))

	if path := am.ConfigFileUsed(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			logger.Warnw("Config hot reload disabled", "path", path, logger.FieldError, err)
		} else {
			watcher.OnReload(func(next *am.Config) error {
				engine.Apply(next)
				srv.Apply(next)
				transport.SetRate(next.Transport.MaxSendsPerSecond)
				retentionDays.Store(int64(next.Drip.ExecutionRetentionDays))
				return nil
			})
			am.SetGlobalWatcher(watcher)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = logger.VerbosityInfo
	}
	printStartupBanner(verbosity, cfg.GetDatabasePath(), port, serveSelfTrigger, interval)

	for _, t := range tickers {
		t.Start()
	}
	stopTickers := func() {
		for i := len(tickers) - 1; i >= 0; i-- {
			tickers[i].Stop()
		}
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	// GRACE: Wait for shutdown signal (Ctrl+C)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		stopTickers()
		if err != nil {
			return errors.Wrap(err, "server failed to start")
		}
		return nil
	case <-sigChan:
		pterm.Info.Printf("\n%s Shutting down gracefully (press Ctrl+C again to force)...\n", sym.PulseClose)

		shutdownDone := make(chan error, 1)
		go func() {
			// Tickers first so no new run starts while the listener drains
			stopTickers()
			shutdownDone <- srv.Stop(context.Background())
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}

// logRunResult records a self-triggered run
func logRunResult(res *drip.RunResult) {
	if res.Skipped {
		logger.PulseInfow("Self-trigger skipped",
			logger.FieldExecutionID, res.ExecutionID,
			logger.FieldReason, res.Reason)
		return
	}
	logger.PulseInfow("Self-trigger run finished",
		logger.FieldExecutionID, res.ExecutionID,
		logger.FieldProcessed, res.Summary.Processed,
		logger.FieldSuccessful, res.Summary.Successful,
		logger.FieldFailed, res.Summary.Failed,
		logger.FieldDurationMS, res.Duration.Milliseconds())
}
