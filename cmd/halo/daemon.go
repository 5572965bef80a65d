package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/haloruntime/halo/internal/agent"
	"github.com/haloruntime/halo/internal/config"
	"github.com/haloruntime/halo/internal/connectors/localexec"
	"github.com/haloruntime/halo/internal/controlplane"
	"github.com/haloruntime/halo/internal/eventbus"
	"github.com/haloruntime/halo/internal/eventbus/sources/filewatcher"
	"github.com/haloruntime/halo/internal/eventbus/sources/schedulebridge"
	"github.com/haloruntime/halo/internal/eventbus/sources/webhook"
	"github.com/haloruntime/halo/internal/runengine"
	"github.com/haloruntime/halo/internal/scheduler"
	"github.com/haloruntime/halo/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	daemonConfigFile string
	daemonDevMode    bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Halo daemon (scheduler, event bus, run engine, admin API)",
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&daemonConfigFile, "config", "", "path to a YAML config file")
	daemonCmd.Flags().BoolVar(&daemonDevMode, "dev", false, "use a human-readable development logger")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	var zapLogger *zap.Logger
	var err error
	if daemonDevMode {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	cfg, err := config.Load(viper.New(), daemonConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "halo.db")

	s, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	schedCfg := &scheduler.Config{MinInterval: "10s", MaxConsecutiveErrors: cfg.SchedulerMaxConsecutiveErrors}
	sched := scheduler.New(s, schedCfg, log.Named("scheduler"))

	bus := eventbus.New(cfg.DedupCapacity, cfg.DedupTTL, log.Named("eventbus"))

	workDir, _ := os.Getwd()
	allowed := map[string][]string{"halo-agent": {"run"}}
	connector := localexec.New(workDir, allowed)
	invoker := agent.NewSubprocessInvoker(connector, "halo-agent", []string{"run"})

	engCfg := &runengine.Config{
		GlobalConcurrency: cfg.GlobalConcurrency,
		DataDir:           cfg.DataDir,
		EscalationTimeout: cfg.EscalationTimeout,
	}
	eng := runengine.New(s, sched, invoker, engCfg, log.Named("runengine"))
	if err := eng.RecoverOnStartup(); err != nil {
		log.Errorw("recover in-flight runs at startup", "error", err)
	}

	bus.SetSink(eng.Dispatch)

	scheduleSource := schedulebridge.New(sched, nil)
	if err := bus.RegisterSource(scheduleSource); err != nil {
		return fmt.Errorf("register schedule bridge: %w", err)
	}

	watchDir := filepath.Join(cfg.DataDir, "watch")
	if err := os.MkdirAll(watchDir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	fileSource := filewatcher.New([]string{watchDir}, log.Named("filewatcher"))
	if err := bus.RegisterSource(fileSource); err != nil {
		return fmt.Errorf("register filewatcher: %w", err)
	}

	service := controlplane.NewService(s, sched, bus, eng)
	server := controlplane.NewServer(service, s, cfg.Listen, log.Named("controlplane"))

	webhookSource := webhook.New(server.Router(), nil, log.Named("webhook"))
	if err := bus.RegisterSource(webhookSource); err != nil {
		return fmt.Errorf("register webhook source: %w", err)
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if err := bus.Start(); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	defer bus.Stop()

	sweepTicker := time.NewTicker(time.Minute)
	defer sweepTicker.Stop()
	sweepDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-sweepTicker.C:
				if err := eng.EscalationTimeoutSweep(""); err != nil {
					log.Errorw("escalation timeout sweep", "error", err)
				}
			case <-sweepDone:
				return
			}
		}
	}()
	defer close(sweepDone)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	log.Infow("halo daemon started", "listen", cfg.Listen, "data_dir", cfg.DataDir)

	select {
	case sig := <-sigCh:
		log.Infow("received signal, shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			log.Errorw("admin server error", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("admin server shutdown", "error", err)
	}

	log.Info("shutdown complete")
	return nil
}
