/*
main.go - Application entry point

PURPOSE:
  Starts the storefront: the HTTP API, the Telegram bot, or both, over one
  ledger. Handles configuration, dependency injection, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags, then environment)
  2. Build the logger and tracing
  3. Open the store and load the ledger document
  4. Load the catalog
  5. Assemble notifiers (log, Telegram, Kafka) and the engine
  6. Start the HTTP server, the session sweeper, and the bot loop

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop receiving Telegram updates
  2. Stop accepting new connections and drain active requests (30s)
  3. Stop the sweeper
  4. Flush Kafka and traces, close the store
  5. Exit

EXAMPLES:
  # HTTP only, in-memory
  ./server -store=memory

  # Bot and HTTP on a sqlite file
  ./server -db=./data/shop.db -token=$TOKEN -admin=123456789

SEE ALSO:
  - config/config.go: All settings
  - api/server.go: Router configuration
  - telegram/handler.go: Bot update handling
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/warp/codeshop/api"
	"github.com/warp/codeshop/catalog"
	"github.com/warp/codeshop/config"
	"github.com/warp/codeshop/fulfillment"
	"github.com/warp/codeshop/ledger"
	"github.com/warp/codeshop/ledger/store"
	"github.com/warp/codeshop/notify"
	"github.com/warp/codeshop/observability"
	"github.com/warp/codeshop/store/file"
	"github.com/warp/codeshop/store/sqlite"
	"github.com/warp/codeshop/telegram"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint:   cfg.OTLPEndpoint,
		URLPath:    cfg.OTLPURLPath,
		AuthHeader: cfg.OTLPAuthHeader,
		Insecure:   cfg.OTLPInsecure,
		Version:    version,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	// Store and ledger
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	l, err := ledger.Open(ctx, st, ledger.Options{
		IDBounds: ledger.IDBounds{Min: cfg.RequestIDMin, Max: cfg.RequestIDMax},
	})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		if cat, err = catalog.Load(cfg.CatalogFile); err != nil {
			return err
		}
	}

	// Notifiers
	sinks := notify.Multi{notify.NewLog(logger)}

	var bot *tgbotapi.BotAPI
	if cfg.BotToken != "" {
		bot, err = tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			return fmt.Errorf("telegram login: %w", err)
		}
		logger.Info("telegram authorized", zap.String("account", bot.Self.UserName))
		sinks = append(sinks, telegram.NewNotifier(bot, logger))
	}

	if cfg.KafkaBroker != "" {
		publisher := notify.NewPublisher(notify.NewWriter(cfg.KafkaBroker, cfg.KafkaTopic), logger)
		defer publisher.Close()
		sinks = append(sinks, publisher)
		logger.Info("publishing events", zap.String("broker", cfg.KafkaBroker), zap.String("topic", cfg.KafkaTopic))
	}

	engine := fulfillment.New(l, cat, sinks, logger, fulfillment.Options{
		AdminID:    ledger.UserID(cfg.AdminID),
		MinTopup:   cfg.MinTopup,
		SessionTTL: cfg.SessionTTL,
	})

	sweeper := api.NewSessionSweeper(engine, cfg.SweepInterval, logger)
	sweeper.Start()
	defer sweeper.Stop()

	var wg sync.WaitGroup
	errc := make(chan error, 1)

	// HTTP API
	var server *http.Server
	if cfg.HTTPAddr != "" {
		if cfg.AdminToken == "" {
			logger.Warn("admin token not set, HTTP admin routes are disabled")
		}
		router := api.NewRouter(api.NewHandler(engine, logger), api.RouterOptions{
			AllowedOrigins: cfg.CORSOrigins,
			AdminToken:     cfg.AdminToken,
		})
		server = &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("http: %w", err)
			}
		}()
	}

	// Telegram bot loop
	if bot != nil {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)
		handler := telegram.NewHandler(bot, engine, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			handler.Run(ctx, updates)
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case runErr = <-errc:
	}

	if bot != nil {
		bot.StopReceivingUpdates()
	}
	cancel()
	wg.Wait()

	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server forced to shutdown", zap.Error(err))
		}
	}

	logger.Info("stopped")
	return runErr
}

func openStore(cfg config.Config) (ledger.Store, func() error, error) {
	nop := func() error { return nil }
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverFile:
		s, err := file.New(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return s, nop, nil
	default:
		return store.NewMemory(), nop, nil
	}
}
