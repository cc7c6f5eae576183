package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/fieldvisit-monitor/internal/api"
	"github.com/ignite/fieldvisit-monitor/internal/cache"
	"github.com/ignite/fieldvisit-monitor/internal/casemgmt"
	"github.com/ignite/fieldvisit-monitor/internal/config"
	"github.com/ignite/fieldvisit-monitor/internal/followup"
	"github.com/ignite/fieldvisit-monitor/internal/pkg/distlock"
	"github.com/ignite/fieldvisit-monitor/internal/pkg/logger"
	"github.com/ignite/fieldvisit-monitor/internal/snapshot"
	"github.com/ignite/fieldvisit-monitor/internal/stream"
	"github.com/ignite/fieldvisit-monitor/internal/submission"
	"github.com/ignite/fieldvisit-monitor/internal/upstream"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if len(cfg.Monitor.Domains) == 0 {
		logger.Error("no monitored domains configured; set monitor.domains or MONITOR_DOMAIN_ID")
		os.Exit(1)
	}

	ctx := context.Background()

	tokens := newTokenSource(cfg.Auth)
	visitClient := submission.NewClient(cfg.Submission, tokens)
	caseClient := casemgmt.NewClient(cfg.CaseMgmt, tokens)
	engine := followup.NewEngine(followup.NewSchedule(cfg.Monitor.VisitTypes))

	var store cache.Store
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, running without cache", "addr", cfg.Redis.Addr, "error", err)
			rdb = nil
		} else {
			store = cache.NewRedisStore(rdb)
			logger.Info("cache enabled", "addr", cfg.Redis.Addr, "mode", cfg.Cache.Mode)
		}
	}

	var snapStore *snapshot.Store
	var db *sql.DB
	if cfg.Postgres.URL != "" {
		db, err = snapshot.Open(ctx, cfg.Postgres.URL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		var archiver snapshot.Archiver
		if cfg.Archive.Enabled {
			a, err := snapshot.NewS3Archiver(ctx, cfg.Archive.S3Bucket, cfg.Archive.S3Region)
			if err != nil {
				logger.Error("failed to set up snapshot archive", "error", err)
				os.Exit(1)
			}
			archiver = a
			logger.Info("snapshot archive enabled", "bucket", cfg.Archive.S3Bucket)
		}
		snapStore = snapshot.NewStore(db, archiver)
		logger.Info("snapshot store enabled")
	} else {
		logger.Warn("no DATABASE_URL set, snapshots disabled")
	}

	runners := make(map[string]api.Runner, len(cfg.Monitor.Domains))
	for _, d := range cfg.Monitor.Domains {
		var mgr *cache.Manager
		if store != nil {
			mgr = cache.NewManager(store, d.ID, cfg.Cache.Profile())
		}
		var saver stream.SnapshotSaver
		if snapStore != nil {
			saver = snapStore
		}
		runners[d.ID] = stream.NewOrchestrator(stream.RunConfig{
			DomainID:        d.ID,
			DomainName:      d.Name,
			DateRangeDays:   cfg.Monitor.DateRangeDays,
			GPSThresholdKm:  cfg.Monitor.GPSThresholdKm,
			GracePeriodDays: cfg.Monitor.GracePeriodDays,
			TrailingDays:    cfg.Monitor.TrailingDays,
			EligibleOnly:    cfg.Monitor.EligibleOnly,
		}, visitClient, caseClient, engine, mgr, tokens, saver)
		logger.Info("domain pipeline ready", "domain_id", d.ID, "domain_name", d.Name)
	}

	var reader api.SnapshotReader
	if snapStore != nil {
		reader = snapStore
	}
	var locks api.LockFactory
	if rdb != nil || db != nil {
		locks = func(domainID string) distlock.Lock {
			return distlock.New(rdb, db, "monitor:refresh:"+domainID, 2*time.Minute)
		}
	}
	server := api.NewServer(cfg.Server, api.NewHandlers(runners, reader, locks))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		logger.Info("server listening", "addr", addr, "domains", len(runners))
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// newTokenSource builds the bearer-token source. When a refresh URL is
// configured, expired tokens are exchanged against it; otherwise the token
// is fixed for the process lifetime.
func newTokenSource(cfg config.AuthConfig) upstream.TokenSource {
	if cfg.RefreshURL == "" {
		return upstream.NewStaticTokenSource(cfg.Token, nil)
	}
	return upstream.NewStaticTokenSource(cfg.Token, upstream.HTTPRefresh(cfg.RefreshURL, cfg.Token))
}
