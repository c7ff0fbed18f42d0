package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bceverly/sysmanage-sub000/internal/auth"
	"github.com/bceverly/sysmanage-sub000/internal/config"
	"github.com/bceverly/sysmanage-sub000/internal/configpush"
	"github.com/bceverly/sysmanage-sub000/internal/dispatch"
	"github.com/bceverly/sysmanage-sub000/internal/logging"
	"github.com/bceverly/sysmanage-sub000/internal/metrics"
	"github.com/bceverly/sysmanage-sub000/internal/processor"
	"github.com/bceverly/sysmanage-sub000/internal/queue"
	"github.com/bceverly/sysmanage-sub000/internal/server"
	"github.com/bceverly/sysmanage-sub000/internal/store"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "sysmanage-server",
	Short:   "SysManage fleet control plane",
	Long:    "sysmanage-server keeps persistent WebSocket sessions with remote agents\nand drives them through a durable, database-backed message queue.",
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sysmanage-server %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	})
	log := logging.Logger
	log.Info().
		Str("version", Version).
		Str("listen", cfg.Server.Listen).
		Str("database", cfg.Database.Driver).
		Msg("starting sysmanage-server")

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Connection state did not survive the restart; host liveness is
	// re-established by heartbeats and the stale sweep.
	if err := st.ResetHostStatuses(); err != nil {
		return fmt.Errorf("reset host statuses: %w", err)
	}

	hub := server.NewHub(log)
	q := queue.New(st, log)
	limiter := auth.NewRateLimiter(cfg.Auth.RateLimitAttempts, cfg.RateLimitWindow())
	authSvc := auth.New([]byte(cfg.Auth.TokenSecret), cfg.ConnectionTokenTTL(), limiter, log)
	cp := configpush.New(st, hub, cfg.EncryptionKey(), log)

	router := dispatch.NewRouter(log)
	dispatch.NewHandlers(st, cp, log).RegisterAll(router)

	proc := processor.New(q, st, router, hub, processor.Options{
		ExpirationTimeout: cfg.ExpirationTimeout(),
		StuckThreshold:    cfg.StuckThreshold(),
		HostBatchSize:     cfg.Processor.HostBatchSize,
	}, log)

	srv := server.New(server.Deps{
		Config:     cfg,
		Store:      st,
		Queue:      q,
		Hub:        hub,
		Auth:       authSvc,
		ConfigPush: cp,
		Kick:       proc.Kick,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		proc.Run(ctx)
	}()

	jobs, err := scheduleJobs(cfg, st, q, limiter, proc, log)
	if err != nil {
		return fmt.Errorf("schedule jobs: %w", err)
	}
	jobs.Start()
	defer func() { <-jobs.Stop().Done() }()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}

	<-procDone
	log.Info().Msg("shutdown complete")
	return nil
}

// scheduleJobs registers the recurring maintenance work: processor sweeps,
// queue and event retention, host liveness, and rate limiter pruning.
func scheduleJobs(cfg *config.Config, st *store.Store, q *queue.Queue, limiter *auth.RateLimiter, proc *processor.Processor, log zerolog.Logger) (*cron.Cron, error) {
	jobs := cron.New()

	if _, err := jobs.AddFunc(every(cfg.PollInterval()), proc.Kick); err != nil {
		return nil, err
	}

	if _, err := jobs.AddFunc("@every 1h", func() {
		if n, err := q.CleanupOld(cfg.CleanupAge(), true); err != nil {
			log.Error().Err(err).Msg("queue cleanup failed")
		} else if n > 0 {
			log.Info().Int64("removed", n).Msg("queue cleanup")
		}
		if n, err := st.CleanupOldEvents(cfg.CleanupAge()); err != nil {
			log.Error().Err(err).Msg("event cleanup failed")
		} else if n > 0 {
			log.Info().Int64("removed", n).Msg("event cleanup")
		}
	}); err != nil {
		return nil, err
	}

	if _, err := jobs.AddFunc("@every 1m", func() {
		cutoff := time.Now().UTC().Add(-cfg.HeartbeatTimeout())
		n, err := st.MarkStaleHostsDown(cutoff)
		if err != nil {
			log.Error().Err(err).Msg("liveness sweep failed")
			return
		}
		if n > 0 {
			metrics.HostsDown.Add(float64(n))
			log.Warn().Int64("hosts", n).Msg("marked silent hosts down")
		}
	}); err != nil {
		return nil, err
	}

	if _, err := jobs.AddFunc("@every 5m", func() { limiter.Prune() }); err != nil {
		return nil, err
	}

	return jobs, nil
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}
