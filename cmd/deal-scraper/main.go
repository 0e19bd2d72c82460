package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/generative-ai-go/genai"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/dealhound/deal-scraper/internal/api"
	"github.com/dealhound/deal-scraper/internal/browser"
	"github.com/dealhound/deal-scraper/internal/config"
	"github.com/dealhound/deal-scraper/internal/cost"
	"github.com/dealhound/deal-scraper/internal/database"
	"github.com/dealhound/deal-scraper/internal/events"
	"github.com/dealhound/deal-scraper/internal/extractor"
	"github.com/dealhound/deal-scraper/internal/orchestrator"
	"github.com/dealhound/deal-scraper/internal/ratelimit"
)

func main() {
	// Load configuration first so the log level can honor it.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	// Redis client for the outbox relay
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	relay := database.NewRelay(db, redisClient, logger, database.RelayConfig{
		PollInterval: cfg.Redis.RelayPollInterval,
		BatchSize:    cfg.Redis.RelayBatchSize,
	})
	go func() {
		if err := relay.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("relay stopped with error", "error", err)
		}
	}()

	// Audit trail and cost governor
	publisher := events.NewPublisher(db, logger)
	governor := cost.NewGovernor(cost.Config{
		MaxDailyCostUSD:   cfg.Cost.MaxDailyCostUSD,
		AlertThresholdUSD: cfg.Cost.AlertThresholdUSD,
		InputRatePerMTok:  cfg.Cost.InputRatePerMTok,
		OutputRatePerMTok: cfg.Cost.OutputRatePerMTok,
	}, publisher, logger)

	// Extractor roster. Selector sites always run; vision sites need the
	// Gemini key and a browser, so without a key they are left off the
	// roster instead of failing every cycle.
	roster := selectorRoster(cfg, logger)

	if cfg.Gemini.APIKey != "" {
		b, err := browser.New(&browser.Options{
			Headless:       cfg.Browser.Headless,
			Timeout:        cfg.Browser.Timeout,
			UserAgent:      cfg.Browser.UserAgent,
			ViewportWidth:  cfg.Browser.ViewportWidth,
			ViewportHeight: cfg.Browser.ViewportHeight,
			Locale:         cfg.Browser.Locale,
			ProxyServer:    cfg.Browser.ProxyServer,
		})
		if err != nil {
			logger.Error("failed to initialize browser", "error", err)
			os.Exit(1)
		}
		defer b.Close()

		genaiClient, err := genai.NewClient(ctx, option.WithAPIKey(cfg.Gemini.APIKey))
		if err != nil {
			logger.Error("failed to create gemini client", "error", err)
			os.Exit(1)
		}
		defer genaiClient.Close()

		model := genaiClient.GenerativeModel(cfg.Gemini.Model)
		roster = append(roster, visionRoster(cfg, b, model, logger)...)
	} else {
		logger.Warn("GEMINI_API_KEY not set, vision extractors disabled")
	}

	dealRepo := database.NewDealRepository(db)

	orch := orchestrator.New(orchestrator.Config{
		Interval:       cfg.Scheduler.CycleInterval,
		Retention:      cfg.Retention(),
		ExtractorDelay: cfg.Scheduler.ExtractorDelay,
		Pacer:          ratelimit.NewAdaptiveLimiter(cfg.Scheduler.ExtractorDelay, 2*cfg.Scheduler.ExtractorDelay),
	}, roster, dealRepo, governor, publisher, logger)
	orch.Start()
	defer orch.Stop()

	handlers := api.NewHandlers(orch, governor, dealRepo, logger)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		pendingCount, _ := relay.PendingCount(req.Context())
		deadLetterCount, _ := relay.DeadLetterCount(req.Context())

		health := map[string]interface{}{
			"status": "ok",
			"outbox": map[string]interface{}{
				"pending":     pendingCount,
				"dead_letter": deadLetterCount,
			},
		}

		status := http.StatusOK
		if pendingCount > 1000 {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if deadLetterCount > 100 {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}

		w.WriteHeader(status)
		json.NewEncoder(w).Encode(health)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", handlers.GetStatus)
		r.Get("/cost-summary", handlers.GetCostSummary)
		r.Get("/deals", handlers.ListDeals)

		r.Route("/scheduler", func(r chi.Router) {
			r.Post("/trigger", handlers.TriggerCycle)
			r.Post("/start", handlers.StartScheduler)
			r.Post("/stop", handlers.StopScheduler)
		})
	})

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting",
		"addr", server.Addr,
		"roster_size", len(roster),
		"cycle_interval", cfg.Scheduler.CycleInterval)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// selectorRoster builds the deterministic CSS extractors. Selectors live in
// code: they break together with site redesigns either way, and a deploy is
// how they get fixed.
func selectorRoster(cfg *config.Config, logger *slog.Logger) []extractor.Descriptor {
	sites := []extractor.SiteConfig{
		{
			Name:     "bergfreunde",
			URL:      "https://www.bergfreunde.eu/sale/",
			Currency: "EUR",
			Regions:  []string{"EU"},
			Selectors: extractor.Selectors{
				Item:          ".product-item",
				Name:          ".product-title",
				Brand:         ".manufacturer-title",
				OriginalPrice: ".uvp .strike",
				SalePrice:     ".high-light",
				Image:         ".product-image img",
				Link:          "a.product-link",
			},
		},
		{
			Name:     "snowcountry",
			URL:      "https://www.snowcountry.eu/sale",
			Currency: "EUR",
			Regions:  []string{"EU"},
			Selectors: extractor.Selectors{
				Item:          ".product-tile",
				Name:          ".tile-name",
				Brand:         ".tile-brand",
				OriginalPrice: ".price-old",
				SalePrice:     ".price-new",
				Image:         ".tile-image img",
				Link:          "a.tile-link",
			},
		},
	}

	roster := make([]extractor.Descriptor, 0, len(sites))
	for _, site := range sites {
		roster = append(roster, extractor.Descriptor{
			Name:       site.Name,
			Variant:    extractor.VariantSelector,
			MaxRecords: cfg.Scheduler.ExtractorMaxRecords,
			Timeout:    cfg.Scheduler.ExtractorTimeout,
			Extractor:  extractor.NewSelector(site, logger),
		})
	}
	return roster
}

// visionRoster builds the metered AI extractors for sites whose markup is
// too dynamic for stable selectors.
func visionRoster(cfg *config.Config, shots extractor.Screenshotter, model extractor.VisionModel, logger *slog.Logger) []extractor.Descriptor {
	sites := []extractor.VisionConfig{
		{
			Name:     "sportsdeal-outlet",
			URL:      "https://www.sportsdeal.com/outlet",
			Currency: "EUR",
			Regions:  []string{"EU", "UK"},
		},
	}

	roster := make([]extractor.Descriptor, 0, len(sites))
	for _, site := range sites {
		roster = append(roster, extractor.Descriptor{
			Name:       site.Name,
			Variant:    extractor.VariantVision,
			MaxRecords: cfg.Scheduler.ExtractorMaxRecords,
			Timeout:    cfg.Scheduler.ExtractorTimeout,
			Extractor:  extractor.NewVision(site, shots, model, logger),
		})
	}
	return roster
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
