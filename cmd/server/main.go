package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/KanavDutta/ratefence/api"
	"github.com/KanavDutta/ratefence/config"
	"github.com/KanavDutta/ratefence/internal/logger"
	"github.com/KanavDutta/ratefence/limiter"
	"github.com/KanavDutta/ratefence/metrics"
	"github.com/KanavDutta/ratefence/middleware"
	"github.com/KanavDutta/ratefence/store"
)

const (
	customLimitRoute = "/api/v1/custom-limit"
	unlimitedRoute   = "/api/v1/unlimited"

	janitorInterval = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// CLI is the command line of the rate limiting service
type CLI struct {
	Config    string `short:"c" help:"Path to YAML config file." type:"path" env:"RATEFENCE_CONFIG"`
	Addr      string `help:"Listen address." default:":8080"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides config." env:"LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"LOG_FORMAT"`
	EnvFile   string `help:"Path to .env file." default:".env" type:"path"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("ratefence"),
		kong.Description("Per-client, per-endpoint rate limiting service"),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &cli); err != nil {
		kctx.FatalIfErrorf(err)
	}
}

func run(ctx context.Context, cli *CLI) error {
	if err := config.LoadDotEnv(cli.EnvFile); err != nil {
		return err
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	levelStr := cfg.LogLevel
	if cli.LogLevel != "" {
		levelStr = cli.LogLevel
	}
	log, err := logger.Init(levelStr, cli.LogFormat, os.Stderr)
	if err != nil {
		return err
	}

	addr := cli.Addr
	if port := os.Getenv("PORT"); port != "" && addr == ":8080" {
		addr = ":" + port
	}

	applyDemoRoutes(cfg)

	st, err := store.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("failed to close store", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	router, err := newRouter(cfg, st, m, reg, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting rate limiting service",
			"addr", addr,
			"backend", cfg.Backend(),
			"failure_policy", cfg.FailurePolicy,
			"default_strategy", cfg.DefaultStrategy,
			"capacity", cfg.Capacity,
			"rate", cfg.Rate,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if mem, ok := st.(*store.MemoryStore); ok {
		g.Go(func() error {
			return mem.RunJanitor(gctx, janitorInterval)
		})
	}

	return g.Wait()
}

// applyDemoRoutes adds the demo route policies unless the config already names them
func applyDemoRoutes(cfg *config.Config) {
	if _, ok := cfg.Routes[customLimitRoute]; !ok {
		_ = cfg.SetRoute(customLimitRoute, config.RoutePolicy{Capacity: 10, Rate: 0.5})
	}
	if _, ok := cfg.Routes[unlimitedRoute]; !ok {
		disabled := false
		_ = cfg.SetRoute(unlimitedRoute, config.RoutePolicy{Enabled: &disabled})
	}
}

func newRouter(cfg *config.Config, st store.Store, m *metrics.Metrics, gatherer prometheus.Gatherer, log *slog.Logger) (http.Handler, error) {
	policies, err := limiter.FromConfig(cfg, st,
		limiter.WithRecorder(m),
		limiter.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build rate limiters: %w", err)
	}

	rl, err := middleware.FromConfig(cfg, policies,
		middleware.WithRecorder(m),
		middleware.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build middleware: %w", err)
	}

	check := api.NewHandler(policies, m, log)

	dashboard, err := dashboardHandler(cfg)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/health", healthHandler(st))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Method(http.MethodGet, "/stats", api.NewStatsHandler(m))
	r.Get("/dashboard", dashboard)
	r.Post("/check", check.CheckRateLimit)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rl.Middleware)
		r.Get("/limited", Limited)
		r.Get("/unlimited", Unlimited)
		r.Get("/custom-limit", CustomLimit)
	})

	return r, nil
}

func healthHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p, ok := st.(store.Pinger); ok {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
