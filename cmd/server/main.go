package main

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tradesim/exchange-core/internal/api"
	"github.com/tradesim/exchange-core/internal/config"
	"github.com/tradesim/exchange-core/internal/exchange"
	"github.com/tradesim/exchange-core/internal/ledger"
	"github.com/tradesim/exchange-core/internal/metrics"
	"github.com/tradesim/exchange-core/internal/model"
	"github.com/tradesim/exchange-core/internal/oracle"
	"github.com/tradesim/exchange-core/internal/p2p"
	"github.com/tradesim/exchange-core/internal/rank"
	"github.com/tradesim/exchange-core/internal/store"
	"github.com/tradesim/exchange-core/internal/transfer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	startingCash, err := decimal.NewFromString(cfg.StartingCash)
	if err != nil {
		slog.Error("invalid STARTING_CASH", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Price oracle ---
	orc := oracle.New(oracle.SeedStocks(), cfg.TickInterval)
	go orc.Run(ctx)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	go func() {
		for stocks := range orc.Subscribe() {
			wsHub.Broadcast(api.WSMessage{Type: "price_tick", Data: stocks})
		}
	}()

	// --- Core services ---
	led := ledger.New(st, startingCash)
	led.OnChange(func(a *model.Account) {
		wsHub.Broadcast(api.WSMessage{Type: "account_changed", Data: a})
	})

	book := p2p.NewBook(led, st)
	if err := book.Restore(context.Background()); err != nil {
		slog.Error("order book restore failed", "err", err)
		os.Exit(1)
	}
	book.OnEvent(func(ev p2p.Event) {
		wsHub.Broadcast(api.WSMessage{Type: ev.Type, Data: ev.Listing})
	})

	exSvc := exchange.New(led, orc)
	trSvc := transfer.New(led, led)
	rkSvc := rank.New(led, orc)

	isAdmin := adminTokenCheck(cfg.AdminToken)
	apiSvc := api.NewService(led, exSvc, book, trSvc, rkSvc, orc, wsHub, isAdmin)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchange-core"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api/v1", apiSvc.Routes())

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exchange-core listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down exchange-core...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("exchange-core stopped")
}

// adminTokenCheck authorizes admin requests by bearer token. An empty
// configured token disables the admin surface entirely.
func adminTokenCheck(token string) api.AdminCheck {
	return func(r *http.Request) bool {
		if token == "" {
			return false
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
	}
}
