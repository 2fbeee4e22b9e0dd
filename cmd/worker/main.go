package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/workspace-mailer/internal/config"
	"github.com/ignite/workspace-mailer/internal/pkg/logger"
	"github.com/ignite/workspace-mailer/internal/quota"
)

func main() {
	log.Println("Workspace Mailer maintenance worker starting")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	// Daily-limit sweeper. The Redis lock keeps concurrent worker
	// replicas from double-sweeping; without Redis it degrades to a
	// Postgres advisory lock.
	scheduler := quota.NewResetScheduler(db)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Printf("Redis unavailable (%s), falling back to Postgres locks: %v", cfg.Redis.Addr, err)
		redisClient.Close()
	} else {
		scheduler.SetRedisClient(redisClient)
		defer redisClient.Close()
		log.Printf("Connected to Redis at %s", cfg.Redis.Addr)
	}

	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start reset scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := scheduler.Stats()
				logger.Info("worker heartbeat",
					"sweeps", stats["sweeps"],
					"accounts_reset", stats["accounts_reset"],
					"errors", stats["errors"])
			}
		}
	}()

	log.Println("Worker running...")

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("Shutting down...")
	cancel()
	scheduler.Stop()
	log.Println("Worker stopped")
}
