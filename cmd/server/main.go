package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/predex/market-engine/internal/config"
	"github.com/predex/market-engine/internal/exposure"
	"github.com/predex/market-engine/internal/loan"
	"github.com/predex/market-engine/internal/metrics"
	"github.com/predex/market-engine/internal/notify"
	"github.com/predex/market-engine/internal/portfolio"
	"github.com/predex/market-engine/internal/resolve"
	"github.com/predex/market-engine/internal/store"
	"github.com/predex/market-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
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
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
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
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
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

	// --- Eligibility + notifications + position limits ---
	eligibility := portfolio.NewStaticEngine()
	dispatcher := notify.NewDispatcher(notify.LogNotifier{})
	limits := exposure.NewLimiter(
		decimal.NewFromFloat(cfg.MaxMarketExposure),
		decimal.NewFromFloat(cfg.MaxGroupExposure),
	)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Services ---
	tradeSvc := trade.NewService(st, eligibility, dispatcher, wsHub, limits).WithRetries(cfg.RetryAttempts)
	resolveSvc := resolve.NewService(st, dispatcher, wsHub).WithRetries(cfg.RetryAttempts)
	loanSvc := loan.NewService(st, eligibility, dispatcher).WithRetries(cfg.RetryAttempts)

	// --- Daily loan pass ---
	c := cron.New()
	if _, err := c.AddFunc(cfg.LoanCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := loanSvc.RunDailyPass(ctx); err != nil {
			slog.Error("loan pass failed", "err", err)
		}
	}); err != nil {
		slog.Error("invalid LOAN_CRON", "schedule", cfg.LoanCron, "err", err)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(rateLimiter(cfg.RateLimit, cfg.RateBurst))

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
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time market updates.
		r.Get("/ws", wsHub.HandleWS)

		// Market management.
		r.Get("/markets", tradeSvc.HandleListMarkets)
		r.Post("/markets", tradeSvc.HandleCreateMarket)
		r.Get("/markets/{marketID}", tradeSvc.HandleGetMarket)
		r.Get("/markets/{marketID}/bets", tradeSvc.HandleGetMarketBets)
		r.Post("/markets/{marketID}/resolve", resolveSvc.HandleResolve)

		// Trading.
		r.Post("/bets", tradeSvc.HandlePlaceBet)
		r.Delete("/bets/{betID}", tradeSvc.HandleCancelBet)
		r.Post("/sell", tradeSvc.HandleSellShares)
		r.Post("/liquidity", tradeSvc.HandleAddLiquidity)

		// Portfolio queries.
		r.Get("/positions/{userID}", tradeSvc.HandleGetPositions)
		r.Get("/balance/{userID}", tradeSvc.HandleGetBalance)
	})

	r.Post("/admin/loans/run", loanSvc.HandleRun)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}

// rateLimiter throttles requests per client IP with a token bucket.
func rateLimiter(rps float64, burst int) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[ip]
		if !ok {
			l = rate.NewLimiter(rate.Limit(rps), burst)
			limiters[ip] = l
		}
		return l
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiterFor(r.RemoteAddr).Allow() {
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
