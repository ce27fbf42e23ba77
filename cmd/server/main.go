package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	webAdapter "fulfillment-ledger/internal/adapters/web"
	"fulfillment-ledger/internal/app"
	"fulfillment-ledger/internal/core"
	"fulfillment-ledger/internal/db"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()

	runner := db.NewRunner(pool, txConfigFromEnv())

	audit := core.NewAuditService(pool)
	seq := core.NewSequenceService(runner)
	orders := core.NewOrderService(runner, seq, audit, os.Getenv("VOUCHER_PREFIX"))
	production := core.NewProductionService(runner, audit)
	delivery := core.NewDeliveryService(runner, audit)
	idem := core.NewIdempotencyService(pool, envDuration("IDEMPOTENCY_PENDING_TTL_MS", time.Minute))

	svc := app.NewAppService(pool, orders, production, delivery, idem, audit)

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	handler := webAdapter.NewHandler(svc, allowedOrigins)

	log.Printf("server starting on :%s", port)
	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// txConfigFromEnv starts from the default retry/isolation settings and lets
// operations tune them without a rebuild.
func txConfigFromEnv() db.TxConfig {
	cfg := db.DefaultTxConfig()
	if v := envInt("TX_MAX_ATTEMPTS", 0); v > 0 {
		cfg.MaxAttempts = v
	}
	if v := envDuration("TX_BASE_BACKOFF_MS", 0); v > 0 {
		cfg.BaseBackoff = v
	}
	if v := envDuration("LOCK_TIMEOUT_MS", 0); v > 0 {
		cfg.LockTimeout = v
	}
	if v := envDuration("STATEMENT_TIMEOUT_MS", 0); v > 0 {
		cfg.StatementTimeout = v
	}
	cfg.NoWaitLocks = os.Getenv("LOCK_NOWAIT") == "true"
	return cfg
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s must be an integer, got %q", name, v)
	}
	return n
}

func envDuration(name string, fallback time.Duration) time.Duration {
	ms := envInt(name, 0)
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
