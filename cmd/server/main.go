package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/workspace-mailer/internal/api"
	"github.com/ignite/workspace-mailer/internal/config"
	"github.com/ignite/workspace-mailer/internal/credstore"
	"github.com/ignite/workspace-mailer/internal/engine"
	"github.com/ignite/workspace-mailer/internal/queue"
	"github.com/ignite/workspace-mailer/internal/quota"
	"github.com/ignite/workspace-mailer/internal/render"
	"github.com/ignite/workspace-mailer/internal/storage/postgres"
	"github.com/ignite/workspace-mailer/internal/transport/gmail"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

// extractHost pulls the host portion out of a DSN for log lines that
// must not leak credentials.
func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("Workspace Mailer API server starting")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	// Postgres
	log.Printf("Connecting to Postgres at %s", extractHost(cfg.Database.URL))
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		log.Fatalf("Database ping failed: %v", err)
	}

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Redis ping failed (%s): %v", cfg.Redis.Addr, err)
	}
	log.Printf("Connected to Redis at %s", cfg.Redis.Addr)

	// Credential encryption
	creds, err := credstore.New(cfg.Encryption.Key)
	if err != nil {
		log.Fatalf("Failed to initialize credential store: %v", err)
	}

	// Collaborators
	store := postgres.New(db)
	taskQueue := queue.New(redisClient, cfg.Engine.LogCap, cfg.Engine.ProgressTTL())
	limiter := quota.NewLimiter(db)
	transports := gmail.NewFactory(cfg.Gmail.Timeout(), cfg.Gmail.DisableBreaker)

	eng := engine.New(engine.CoreServices{
		Store:      store,
		Transports: transports,
		Creds:      creds,
		Queue:      taskQueue,
		Quota:      limiter,
		Renderer:   render.New(),
	}, engine.Options{
		MaxParallelPerSender: cfg.Engine.MaxParallelPerSender,
		MicroDelay:           cfg.Engine.MicroDelay(),
		StatusPollInterval:   cfg.Engine.StatusPollInterval,
	})

	server := api.NewServer(eng, store, creds, transports, cfg.Server.CORSOrigins, cfg.Engine.DailyLimitDefault)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — server is ready")

	<-done
	log.Println("Shutting down...")

	// Stop accepting requests, then let running dispatches commit what
	// they already resolved.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	eng.Close()

	if err := redisClient.Close(); err != nil {
		log.Printf("Redis close error: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}
	log.Println("Server stopped")
}
