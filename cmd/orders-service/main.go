// Command orders-service is a thin stub for the orders domain's producer
// service. The real service's REST API, domain validation, and auth
// middleware live in a separate repository; this binary exists only to
// publish well-formed CloudEvents onto orders.events so the consuming side
// of the pipeline has something to chew on.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smile-health/interop-pipeline/internal/cloudevent"
	"github.com/smile-health/interop-pipeline/internal/config"
	"github.com/smile-health/interop-pipeline/internal/eventbus/connection"
	"github.com/smile-health/interop-pipeline/internal/eventbus/publisher"
	"github.com/smile-health/interop-pipeline/internal/logging"
)

// sampleEvents cycles through representative order event types, including
// an "urgent" priority order that exercises content routing.
var sampleEvents = []struct {
	eventType string
	data      map[string]interface{}
}{
	{
		eventType: "order.created",
		data: map[string]interface{}{
			"eventData": map[string]interface{}{
				"orderId": "O1001", "priority": "routine",
			},
		},
	},
	{
		eventType: "order.created",
		data: map[string]interface{}{
			"eventData": map[string]interface{}{
				"orderId": "O1002", "priority": "urgent",
			},
		},
	},
	{
		eventType: "order.lab.result-available",
		data: map[string]interface{}{
			"eventData": map[string]interface{}{
				"orderId": "O1001", "resultStatus": "final",
			},
		},
	},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("orders-service: load config: %v", err)
	}

	logger := logging.New(logging.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath, MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups, MaxAgeDays: cfg.Logging.MaxAgeDays, Compress: cfg.Logging.Compress,
	})

	conn := connection.New(connection.Config{
		URL:               cfg.Broker.URL,
		HeartbeatInterval: cfg.Broker.HeartbeatInterval,
		ConnectionTimeout: cfg.Broker.ConnectionTimeout,
		PrefetchCount:     cfg.Broker.PrefetchCount,
		InitialDelay:      cfg.Broker.InitialDelay,
		MaxDelay:          cfg.Broker.MaxDelay,
		Multiplier:        cfg.Broker.Multiplier,
		JitterFactor:      cfg.Broker.JitterFactor,
		MaxAttempts:       cfg.Broker.MaxAttempts,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		logger.Error("orders-service: failed to connect to broker", "error", err)
		os.Exit(1)
	}

	pub := publisher.New(conn)

	interval := cfg.Broker.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	stop := make(chan struct{})
	go publishLoop(ctx, pub, logger, interval, stop)

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  statusFor(conn.IsHealthy()),
			"service": "orders-service",
			"version": cfg.App.Version,
		})
	})

	server := &http.Server{Addr: cfg.Server.Host + ":" + cfg.Server.Port, Handler: router}
	go func() {
		logger.Info("orders-service listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("orders-service: server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("orders-service: shutting down")
	close(stop)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	_ = conn.Close()
}

// publishLoop publishes one sample event every interval, cycling through
// sampleEvents, until stop is closed.
func publishLoop(ctx context.Context, pub *publisher.Publisher, logger *logging.Logger, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := sampleEvents[i%len(sampleEvents)]
			i++
			event := cloudevent.New(sample.eventType, "smile.orders-service", sample.data)
			if err := pub.Publish(ctx, "orders.events", sample.eventType, event); err != nil {
				logger.Warn("orders-service: publish failed", "type", sample.eventType, "error", err)
				continue
			}
			logger.Info("orders-service: published event", "type", sample.eventType, "id", event.ID)
		}
	}
}

func statusFor(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "degraded"
}
