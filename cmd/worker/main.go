// The worker runs the scheduled engine pipeline and the outcome sweep.
// It is safe to run multiple replicas: a distributed lock ensures only
// one instance executes the daily run.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/hypeon/decision-engine/internal/archive"
	"github.com/hypeon/decision-engine/internal/config"
	"github.com/hypeon/decision-engine/internal/engine"
	"github.com/hypeon/decision-engine/internal/obs"
	"github.com/hypeon/decision-engine/internal/pkg/distlock"
	"github.com/hypeon/decision-engine/internal/pkg/logger"
	"github.com/hypeon/decision-engine/internal/repository/postgres"
	"github.com/hypeon/decision-engine/internal/snowflake"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	store := postgres.NewStore(db)

	var redisClient *redis.Client
	suppressionRepo := postgres.NewSuppressionRepo(db)
	var suppressionStore engine.SuppressionStore = suppressionRepo
	if cfg.Redis.Enabled && cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed: %v — using Postgres fallbacks", err)
			redisClient.Close()
			redisClient = nil
		} else {
			suppressionStore = engine.NewRedisSuppressionStore(redisClient, "")
		}
		pingCancel()
	}

	sfClient, err := snowflake.NewClient(warehouseConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to initialize Snowflake client: %v", err)
	}
	prober := snowflake.NewProber(sfClient, cfg.Snowflake.MaxStaleDays)
	go prober.Start(ctx)

	var alerter *engine.Alerter
	if cfg.Alerts.Enabled {
		alerter = engine.NewAlerter(cfg.Alerts.WebhookURL, nil)
	}

	var archiver *archive.Archiver
	if cfg.Archive.Enabled && cfg.Archive.Bucket != "" {
		archiver, err = archive.New(ctx, cfg.Archive.Bucket, cfg.Archive.Region, cfg.Archive.Prefix)
		if err != nil {
			log.Printf("Warning: archive init failed, decisions will not be archived: %v", err)
		}
	}

	runner := engine.NewRunner(cfg.RunnerConfig(), sfClient, store,
		engine.WithMMM(engine.NewMMM(cfg.MMMConfig())),
		engine.WithMonitor(engine.NewDisagreementMonitor(cfg.Engine.DisagreementThreshold)),
		engine.WithRanker(engine.NewRanker(cfg.RankerConfig())),
		engine.WithSuppressor(engine.NewSuppressor(cfg.SuppressorConfig(), suppressionStore)),
	)

	w := &worker{
		cfg:         cfg,
		db:          db,
		redis:       redisClient,
		store:       store,
		runner:      runner,
		evaluator:   engine.NewOutcomeEvaluator(store),
		alerter:     alerter,
		archiver:    archiver,
		prober:      prober,
		suppression: suppressionRepo,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go w.runLoop(ctx)
	go w.outcomeLoop(ctx)
	log.Printf("Worker started (daily run at %02d:00 UTC, outcome sweep every %dm)",
		cfg.Worker.RunHourUTC, cfg.Worker.OutcomeSweepMinutes)

	<-done
	log.Println("Shutting down...")
	cancel()
	if redisClient != nil {
		redisClient.Close()
	}
	sfClient.Close()
	db.Close()
}

type worker struct {
	cfg         *config.Config
	db          *sql.DB
	redis       *redis.Client
	store       *postgres.Store
	runner      *engine.Runner
	evaluator   *engine.OutcomeEvaluator
	alerter     *engine.Alerter
	archiver    *archive.Archiver
	prober      *snowflake.Prober
	suppression *postgres.SuppressionRepo
}

// runLoop fires the pipeline once a day at the configured UTC hour.
func (w *worker) runLoop(ctx context.Context) {
	for {
		wait := untilNextRun(time.Now().UTC(), w.cfg.Worker.RunHourUTC)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		w.runOnce(ctx)
	}
}

func (w *worker) runOnce(ctx context.Context) {
	lock := distlock.NewLock(w.redis, w.db, "engine:daily-run",
		time.Duration(w.cfg.Worker.LockTTLSeconds)*time.Second)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		logger.Error("run lock acquire failed", "error", err)
		return
	}
	if !acquired {
		logger.Info("daily run held by another worker, skipping")
		return
	}
	defer lock.Release(context.WithoutCancel(ctx))

	if s := w.prober.Summary(); s != nil && !s.Healthy {
		for _, t := range s.Tables {
			stale := int(time.Since(t.MaxDate).Hours() / 24)
			if stale > w.cfg.Snowflake.MaxStaleDays {
				w.alerter.WarehouseStale(ctx, t.Table, stale)
			}
		}
	}

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -(w.cfg.Engine.LookbackDays - 1))
	rec, err := w.runner.Run(ctx, start, end)
	if err != nil {
		w.alerter.RunFailed(ctx, rec, err)
		return
	}
	if rec.Disagreement > w.cfg.Engine.DisagreementThreshold {
		w.alerter.HighDisagreement(ctx, rec, w.cfg.Engine.DisagreementThreshold)
	}
}

// outcomeLoop sweeps applied decisions whose measurement windows have
// matured, scores them, and archives fully-measured ones.
func (w *worker) outcomeLoop(ctx context.Context) {
	interval := time.Duration(w.cfg.Worker.OutcomeSweepMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOutcomes(ctx)
		}
	}
}

func (w *worker) sweepOutcomes(ctx context.Context) {
	now := time.Now().UTC()
	if n, err := w.suppression.Prune(ctx); err != nil {
		logger.Warn("suppression prune failed", "error", err)
	} else if n > 0 {
		logger.Debug("pruned expired suppressions", "count", n)
	}

	due, err := w.store.DecisionsDueForOutcome(ctx, now)
	if err != nil {
		logger.Error("outcome sweep query failed", "error", err)
		return
	}
	for i := range due {
		d := &due[i]
		had7d, had30d := d.OutcomeAfter7d != nil, d.OutcomeAfter30d != nil

		changed, err := w.evaluator.Evaluate(ctx, d, now)
		if err != nil {
			logger.Error("outcome evaluation failed", "history_id", d.HistoryID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		if !had7d && d.OutcomeAfter7d != nil {
			obs.OutcomesEvaluated.WithLabelValues("7d").Inc()
		}
		if !had30d && d.OutcomeAfter30d != nil {
			obs.OutcomesEvaluated.WithLabelValues("30d").Inc()
		}

		// The 30d outcome is the last write to a decision; archive it
		// once that lands.
		if !had30d && d.OutcomeAfter30d != nil && w.archiver != nil && d.ArchiveKey == "" {
			in, err := w.store.GetInsight(ctx, d.InsightID)
			if err != nil && err != engine.ErrNotFound {
				logger.Warn("archive insight lookup failed", "history_id", d.HistoryID, "error", err)
			}
			key, err := w.archiver.ArchiveDecision(ctx, *d, in)
			if err != nil {
				logger.Error("decision archive failed", "history_id", d.HistoryID, "error", err)
			} else {
				d.ArchiveKey = key
			}
		}

		if err := w.store.SaveDecision(ctx, d); err != nil {
			logger.Error("outcome persist failed", "history_id", d.HistoryID, "error", err)
			continue
		}
		logger.Info("outcome recorded", "history_id", d.HistoryID,
			"insight_id", d.InsightID, "success_score", scoreOrZero(d.SuccessScore))
	}
}

func scoreOrZero(s *float64) float64 {
	if s == nil {
		return 0
	}
	return *s
}

// untilNextRun returns the wait until the next occurrence of hour UTC.
func untilNextRun(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

func warehouseConfig(cfg *config.Config) snowflake.Config {
	sc := snowflake.Config{
		Account:      cfg.Snowflake.Account,
		User:         cfg.Snowflake.User,
		Password:     cfg.Snowflake.Password,
		Database:     cfg.Snowflake.Database,
		Schema:       cfg.Snowflake.Schema,
		Warehouse:    cfg.Snowflake.Warehouse,
		Enabled:      true,
		QueryTimeout: cfg.Snowflake.QueryTimeout(),
		MaxRetries:   cfg.Snowflake.MaxRetries,
	}
	if cfg.Snowflake.ConnectionString != "" {
		parsed := snowflake.ParseConnectionString(cfg.Snowflake.ConnectionString)
		if sc.Account == "" {
			sc.Account = parsed.Account
		}
		if sc.User == "" {
			sc.User = parsed.User
		}
		if sc.Password == "" {
			sc.Password = parsed.Password
		}
		if sc.Database == "" {
			sc.Database = parsed.Database
		}
		if sc.Schema == "" {
			sc.Schema = parsed.Schema
		}
	}
	return sc.WithDefaults()
}
