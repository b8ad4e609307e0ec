package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/havenwatch/sentinel/internal/config"
	"github.com/havenwatch/sentinel/internal/core"
	"github.com/havenwatch/sentinel/internal/handlers"
	"github.com/havenwatch/sentinel/internal/kafka"
	"github.com/havenwatch/sentinel/internal/metrics"
	"github.com/havenwatch/sentinel/internal/notification"
	"github.com/havenwatch/sentinel/internal/scheduler"
)

const serviceName = "sentinel-core"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info("starting service",
		"service", serviceName,
		"environment", cfg.Environment)

	var dispatcher notification.Dispatcher
	if cfg.Notifications.Webhook.Enabled {
		dispatcher = notification.NewWebhookDispatcher(cfg.Notifications.Webhook.URL, cfg.Notifications.RequestTimeout)
	} else {
		dispatcher = &notification.LogDispatcher{Logger: logger}
	}

	c, err := core.New(cfg, logger, dispatcher)
	if err != nil {
		logger.Error("failed to build core", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	collector := metrics.NewCollector(registry, logger, c.Store, c.Alerts, c.Incidents, c.Responses, c.Notifier)

	runner := scheduler.NewRunner(logger)
	escalation, err := scheduler.NewEscalationHandler(cfg.Escalation, logger, c.Incidents, c.Responses, c.Notifier)
	if err != nil {
		logger.Error("failed to build escalation handler", "error", err)
		os.Exit(1)
	}
	tasks := []*scheduler.Task{
		{ID: "escalation-scan", Schedule: cfg.Scheduler.EscalationSchedule, Handler: escalation, Enabled: true},
		{ID: "history-cleanup", Schedule: cfg.Scheduler.CleanupSchedule, Handler: scheduler.NewCleanupHandler(c.Alerts, cfg.Scheduler.AlertRetention, logger), Enabled: true},
		{ID: "metrics-refresh", Schedule: cfg.Scheduler.MetricsSchedule, Handler: scheduler.NewMetricsHandler(collector), Enabled: true},
	}
	for _, task := range tasks {
		if err := runner.Add(task); err != nil {
			logger.Error("failed to register task", "task_id", task.ID, "error", err)
			os.Exit(1)
		}
	}
	runner.Start()
	defer runner.Stop()

	var consumer *kafka.Consumer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.Kafka.Enabled {
		consumer = kafka.NewConsumer(cfg.Kafka, logger, c)
		consumer.Start(ctx)
		defer consumer.Stop()
	}

	router := mux.NewRouter()
	handlers.NewHTTPHandler(logger, c, runner).RegisterRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "port", cfg.Server.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	logger.Info("service stopped")
}

func setupLogging(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
