package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/soradev/kabu-assist/internal/auth"
	"github.com/soradev/kabu-assist/internal/database"
	"github.com/soradev/kabu-assist/internal/exchange"
	"github.com/soradev/kabu-assist/internal/holdings"
	"github.com/soradev/kabu-assist/internal/machine"
	"github.com/soradev/kabu-assist/internal/notify"
	"github.com/soradev/kabu-assist/internal/orders"
	"github.com/soradev/kabu-assist/internal/status"
	"github.com/soradev/kabu-assist/internal/tactics"
	"github.com/soradev/kabu-assist/internal/types"
	"github.com/soradev/kabu-assist/pkg/middleware"
)

// init configures logging. Pretty printing outside production, debug
// level via the DEBUG environment variable.
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// config is everything the assistant reads from the environment, built
// once here and passed down.
type config struct {
	Port          string
	DBPath        string
	RulesFile     string
	WebhookURL    string
	JWTSecret     string
	APIKey        string
	APISecret     string
	MonitorLogDir string

	BrokerUser     string
	BrokerPassword string
	TradePassword  string
}

func loadConfig() config {
	// Missing .env is fine, plain environment variables still apply.
	_ = godotenv.Load()

	getenv := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}

	cfg := config{
		Port:           getenv("PORT", "8080"),
		DBPath:         getenv("DB_PATH", "assist.db"),
		RulesFile:      os.Getenv("RULES_FILE"),
		WebhookURL:     os.Getenv("WEBHOOK_URL"),
		JWTSecret:      getenv("JWT_SECRET", "assist-secret-key"),
		APIKey:         getenv("API_KEY", "assist-api-key"),
		APISecret:      getenv("API_SECRET", "assist-api-secret"),
		MonitorLogDir:  getenv("MONITOR_LOG_DIR", "monitor"),
		BrokerUser:     os.Getenv("BROKER_USER"),
		BrokerPassword: os.Getenv("BROKER_PASSWORD"),
		TradePassword:  os.Getenv("TRADE_PASSWORD"),
	}

	if cfg.RulesFile == "" {
		zlog.Fatal().Msg("RULES_FILE is required")
	}
	if cfg.BrokerUser == "" || cfg.BrokerPassword == "" || cfg.TradePassword == "" {
		zlog.Fatal().Msg("BROKER_USER, BROKER_PASSWORD and TRADE_PASSWORD are required")
	}
	return cfg
}

// standardDay is the default trading schedule: Tokyo 09:00-15:00 with a
// warm-up slot before the open, PTS evening session afterwards.
func standardDay() (machine.TimeTable, error) {
	return machine.NewTimeTable([]machine.Slot{
		{At: types.NewTimeOfDay(8, 55, 0), Mode: machine.ModeIdle},
		{At: types.NewTimeOfDay(9, 0, 0), Mode: machine.ModeTokyo},
		{At: types.NewTimeOfDay(15, 0, 0), Mode: machine.ModeClosed},
		{At: types.NewTimeOfDay(16, 55, 0), Mode: machine.ModeIdle},
		{At: types.NewTimeOfDay(17, 0, 0), Mode: machine.ModePTS},
		{At: types.NewTimeOfDay(23, 59, 0), Mode: machine.ModeClosed},
	})
}

func main() {
	cfg := loadConfig()
	runID := uuid.NewString()
	zlog.Info().Str("run_id", runID).Msg("starting assistant")

	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	notifier := notify.NewJournalNotifier(
		notify.NewWebhookNotifier(cfg.WebhookURL, notify.DefaultMaxLength), db, runID)

	registry := tactics.NewRegistry()
	rules, links, err := tactics.LoadRules(cfg.RulesFile, registry)
	if err != nil {
		zlog.Fatal().Err(err).Str("file", cfg.RulesFile).Msg("Failed to load trading rules")
	}

	// Paper brokerage session. The watched symbols open at a flat
	// reference price and random-walk from there.
	basePrices := map[types.StockCode]float64{}
	for _, link := range links {
		basePrices[link.Code] = 1000
	}
	session := exchange.NewSim(exchange.SimConfig{
		User:       cfg.BrokerUser,
		Password:   cfg.BrokerPassword,
		MinLatency: 50 * time.Millisecond,
		MaxLatency: 300 * time.Millisecond,
	}, basePrices)

	keeper := holdings.NewKeeper(holdings.NewDatabase(db))
	manager := orders.NewManager(session, notifier, keeper, rules, links, registry, 5*time.Minute)
	manager.SetJournal(orders.NewJournal(db, runID))

	timetable, err := standardDay()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to build time table")
	}

	starter := machine.NewStarter(session, notifier, time.Hour)
	engine := machine.New(machine.Config{
		QuoteInterval:  4 * time.Second,
		FillInterval:   15 * time.Second,
		MarginInterval: 5 * time.Minute,
	}, session, notifier, manager, starter, session, timetable, machine.DefaultJPXHolidays())

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()
	go runEngine(engineCtx, engine, cfg)

	// End-of-day dump of the per-symbol monitoring series.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("40 15 * * 1-5", func() {
		manager.WriteMonitoringLogs(cfg.MonitorLogDir, types.DayOf(time.Now()))
	}); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to schedule monitoring dump")
	}
	scheduler.Start()
	defer scheduler.Stop()

	authService := auth.NewService(cfg.JWTSecret)
	authService.RegisterAPICredentials(cfg.APIKey, cfg.APISecret)
	authHandlers := auth.NewGinHandlers(authService)

	statusService := status.NewService(engine, manager, holdings.NewDatabase(db),
		orders.NewJournal(db, runID), runID)
	statusHandlers := status.NewGinHandlers(statusService)

	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, cfg, authHandlers, statusHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down...")
	engineCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Assistant exiting")
}

// runEngine is the trading tick loop. One cycle every 250ms, tick
// counts in elapsed milliseconds.
func runEngine(ctx context.Context, engine *machine.Machine, cfg config) {
	start := time.Now()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	started := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.Update(ctx, time.Since(start).Milliseconds())
			if !started && engine.Ready() {
				engine.Start(cfg.BrokerUser, cfg.BrokerPassword, cfg.TradePassword)
				started = true
			}
		}
	}
}

// setupRoutes wires the API: public auth, authenticated status reads,
// open Prometheus scrape endpoint.
func setupRoutes(router *gin.Engine, cfg config, authHandlers *auth.GinHandlers, statusHandlers *status.GinHandlers) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		statusGroup := v1.Group("/status")
		statusGroup.Use(middleware.JWTAuth([]byte(cfg.JWTSecret)))
		{
			statusGroup.GET("/engine", statusHandlers.EngineHandler())
			statusGroup.GET("/orders", statusHandlers.OrdersHandler())
			statusGroup.GET("/fills/:code", statusHandlers.FillsHandler())
		}
	}
}
