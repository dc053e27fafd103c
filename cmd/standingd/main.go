package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"standing_orders/internal/app"
	"standing_orders/internal/domain/reconcile"
	"standing_orders/internal/infra/config"
	idb "standing_orders/internal/infra/database"
	"standing_orders/internal/infra/httpapi"
	"standing_orders/internal/infra/logger"
	"standing_orders/internal/infra/scheduler"
	"standing_orders/internal/infra/telegram"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Could not load application configuration: %v", err)
	}
	logger.Init(cfg)
	mainLogger := logger.For("main")

	mainLogger.WithFields(logrus.Fields{
		"log_level":   cfg.LogLevel,
		"environment": cfg.Environment,
		"admin_id":    cfg.AdminTelegramID,
	}).Info("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Database Connection
	db, err := idb.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		mainLogger.Fatalf("Could not connect to database: %v", err)
	}
	defer db.Close()
	mainLogger.Info("Database connection established")

	// Initialize Repositories
	calendarRepo := idb.NewPostgresCalendarRepository(db)
	seriesRepo := idb.NewPostgresSeriesRepository(db)
	orderRepo := idb.NewPostgresOrderRepository(db)
	shipmentRepo := idb.NewPostgresShipmentRepository(db)

	// Telegram bot is optional; the notifier rides on it.
	var bot *telebot.Bot
	var notifier *telegram.Notifier
	if cfg.TelegramToken != "" {
		botLogger := logger.For("telebot")
		bot, err = telebot.NewBot(telebot.Settings{
			Token:  cfg.TelegramToken,
			Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
			OnError: func(err error, c telebot.Context) {
				entry := botLogger.WithError(err)
				if c != nil && c.Sender() != nil {
					entry = entry.WithFields(logrus.Fields{"sender": c.Sender().ID, "text": c.Text()})
				}
				entry.Error("Telegram handler failed")
			},
		})
		if err != nil {
			mainLogger.Fatalf("Could not create Telegram bot: %v", err)
		}
		if cfg.ManagerTelegramID != 0 {
			notifier = telegram.NewNotifier(telegram.NewTelebotAdapter(bot), cfg.ManagerTelegramID, cfg.NotifyRatePerSec, mainLogger)
		}
	}

	// Initialize Services
	audit := app.MultiSink{app.NewLogSink(mainLogger)}
	if notifier != nil {
		audit = append(audit, notifier)
	}

	policy := reconcile.DefaultPolicy()
	policy.WindowDays = cfg.ReconcileWindowDays
	policy.EnforceShipDateFloor = cfg.EnforceShipDateFloor

	batch := app.NewBatchController(orderRepo, audit, cfg.ReconcileBatchSize, mainLogger)
	reconcileService := app.NewReconcileService(seriesRepo, orderRepo, batch, policy, mainLogger)
	seriesService := app.NewSeriesService(seriesRepo, calendarRepo, reconcileService, mainLogger)
	advancementService := app.NewAdvancementService(
		seriesRepo,
		calendarRepo,
		orderRepo,
		shipmentRepo,
		reconcileService,
		cfg.AdvancePreviewTTL,
		cfg.AdvanceAllowMultipleCycles,
		mainLogger,
	)
	orderService := app.NewOrderService(orderRepo, seriesRepo, shipmentRepo, cfg.ChildOrderType, mainLogger)
	mainLogger.Info("Services initialized")

	// Initialize Scheduler
	nightly := scheduler.NewNightlyScheduler(seriesService, reconcileService, mainLogger, cfg.CronSpecReconcile)
	if err := nightly.Start(); err != nil {
		mainLogger.Fatalf("Could not start scheduler: %v", err)
	}

	if bot != nil {
		telegram.RegisterBotCommands(bot, cfg.AdminTelegramID, mainLogger)
		telegram.RegisterAdminHandlers(bot, telegram.NewAdminHandlers(
			ctx,
			cfg.AdminTelegramID,
			reconcileService,
			advancementService,
			orderService,
			mainLogger,
		))
		if notifier != nil {
			go notifier.Run(ctx)
		}
		go bot.Start()
		mainLogger.Info("Telegram bot started")
	}

	var server *http.Server
	if cfg.HTTPAddr != "" {
		handler := httpapi.NewHandler(reconcileService, advancementService, seriesService, orderService)
		server = httpapi.NewServer(cfg.HTTPAddr, httpapi.NewRouter(handler, cfg.HTTPJWTSecret, mainLogger))
		go func() {
			mainLogger.WithField("addr", cfg.HTTPAddr).Info("HTTP API listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				mainLogger.WithError(err).Error("HTTP server stopped")
				stop()
			}
		}()
	}

	mainLogger.Info("Application setup complete")
	<-ctx.Done()

	mainLogger.Info("Shutting down application...")
	nightly.Stop()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			mainLogger.WithError(err).Warn("HTTP server did not shut down cleanly")
		}
		cancel()
	}
	if bot != nil {
		bot.Stop()
	}
	// Background syncs hold order rows; let them commit before the pool closes.
	reconcileService.Wait()
	mainLogger.Info("Application shut down gracefully")
}
