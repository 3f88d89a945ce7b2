package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/hypeon/decision-engine/internal/api"
	"github.com/hypeon/decision-engine/internal/config"
	"github.com/hypeon/decision-engine/internal/engine"
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

	// Postgres: engine state, insights, decisions
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Database ping failed: %v", err)
	}
	pingCancel()
	store := postgres.NewStore(db)
	log.Println("Postgres connected")

	// Redis is optional: suppression state falls back to Postgres when
	// it is absent so a single-node deploy needs no Redis at all.
	var redisClient *redis.Client
	var suppressionStore engine.SuppressionStore = postgres.NewSuppressionRepo(db)
	if cfg.Redis.Enabled && cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v — using Postgres suppression store", cfg.Redis.Addr, err)
			redisClient.Close()
			redisClient = nil
		} else {
			suppressionStore = engine.NewRedisSuppressionStore(redisClient, "")
			log.Printf("Redis connected: %s", cfg.Redis.Addr)
		}
		pingCancel()
	}

	// Snowflake: the warehouse the engine reads from
	sfClient, err := snowflake.NewClient(warehouseConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to initialize Snowflake client: %v", err)
	}
	prober := snowflake.NewProber(sfClient, cfg.Snowflake.MaxStaleDays)
	go prober.Start(ctx)
	log.Printf("Snowflake connected (database: %s.%s)", cfg.Snowflake.Database, cfg.Snowflake.Schema)

	runner := engine.NewRunner(cfg.RunnerConfig(), sfClient, store,
		engine.WithMMM(engine.NewMMM(cfg.MMMConfig())),
		engine.WithMonitor(engine.NewDisagreementMonitor(cfg.Engine.DisagreementThreshold)),
		engine.WithRanker(engine.NewRanker(cfg.RankerConfig())),
		engine.WithSuppressor(engine.NewSuppressor(cfg.SuppressorConfig(), suppressionStore)),
	)

	handlers := api.NewHandlers(store, runner,
		engine.NewOptimizer(cfg.OptimizerConfig()),
		engine.NewRanker(cfg.RankerConfig()))
	handlers.SetProber(prober)
	server := api.NewServer(handlers, cfg.Server.APIToken)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := cfg.Server.Addr()
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	sfClient.Close()
	db.Close()
	log.Println("Server stopped")
}

// warehouseConfig assembles the Snowflake client config, letting a
// connection string fill whatever the discrete fields leave empty.
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
