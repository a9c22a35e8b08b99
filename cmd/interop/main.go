// Command interop is the Interop Layer binary: it wires the Connection
// Manager, two Event Consumers (health.events, orders.events), the Route
// Match Engine, the Transformation Engine, the Multi-Client Fan-Out (or the
// Shared OpenHIM Bridge, mutually exclusive), and an admin/health
// HTTP server into one running process.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/smile-health/interop-pipeline/internal/adminapi"
	"github.com/smile-health/interop-pipeline/internal/cloudevent"
	"github.com/smile-health/interop-pipeline/internal/config"
	"github.com/smile-health/interop-pipeline/internal/eventbus/connection"
	"github.com/smile-health/interop-pipeline/internal/eventbus/consumer"
	"github.com/smile-health/interop-pipeline/internal/eventbus/publisher"
	"github.com/smile-health/interop-pipeline/internal/fanout"
	"github.com/smile-health/interop-pipeline/internal/logging"
	"github.com/smile-health/interop-pipeline/internal/openhim"
	"github.com/smile-health/interop-pipeline/internal/routing"
	"github.com/smile-health/interop-pipeline/internal/telemetry"
	"github.com/smile-health/interop-pipeline/internal/transform"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("interop: load config: %v", err)
	}

	logger := logging.New(logging.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath, MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups, MaxAgeDays: cfg.Logging.MaxAgeDays, Compress: cfg.Logging.Compress,
	})

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("interop: failed to initialize", "error", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		logger.Error("interop: exited with error", "error", err)
		os.Exit(1)
	}
}

// app holds every wired subsystem for the process's lifetime.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	conn         *connection.Manager
	consumers    map[string]*consumer.Consumer
	routeEng     *routing.Engine
	routeWatch   *routing.Watcher
	fallback     string // settings.fallbackBehavior: fallback | drop | error
	transformEng *transform.Engine
	dispatcher   *fanout.Dispatcher
	bridge       *openhim.Bridge
	monitor      *telemetry.Monitor
	pub          *publisher.Publisher
	httpClient   *http.Client

	server *http.Server
}

func newApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	monitor := telemetry.New(telemetry.Config{Enabled: cfg.Metrics.Enabled, Namespace: cfg.Metrics.Namespace})

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

	routeCfg, err := routing.LoadFileConfig(cfg.Routing.Path)
	if err != nil {
		return nil, err
	}
	routeEng := routing.NewEngine(routeCfg.Routes)

	var routeWatch *routing.Watcher
	if routeCfg.Settings.DynamicReload {
		routeWatch = routing.NewWatcher(cfg.Routing.Path, routeEng, routeCfg.Settings.ReloadInterval, func(_ *routing.FileConfig, err error) {
			if err != nil {
				logger.Warn("routing config reload failed", "error", err)
			} else {
				logger.Info("routing config reloaded")
			}
		})
		if err := routeWatch.Start(); err != nil {
			return nil, err
		}
	}

	transformEng := transform.NewEngine(cfg.Rules.Dir)
	if err := transformEng.Reload(); err != nil {
		return nil, err
	}

	clientsCfg, err := fanout.LoadClientsFileConfig(cfg.Clients.Path)
	if err != nil {
		return nil, err
	}
	registry := fanout.NewRegistry(clientsCfg.Clients)
	breakers := fanout.NewBreakerPool(fanout.BreakerSettings{
		Enabled:       clientsCfg.GlobalSettings.EnableCircuitBreaker,
		Threshold:     clientsCfg.GlobalSettings.CircuitBreakerThreshold,
		Timeout:       clientsCfg.GlobalSettings.CircuitBreakerTimeout,
		OnStateChange: monitor.RecordCircuitBreakerState,
	})
	delivery := fanout.NewDelivery(&http.Client{}, breakers)
	dispatcher := fanout.NewDispatcher(registry, transformEng, delivery, breakers, monitor)

	var bridge *openhim.Bridge
	if cfg.OpenHIM.Enabled {
		bridge = openhim.New(openhim.Config{
			Health:  openhim.EndpointConfig{URL: cfg.OpenHIM.HealthURL, Username: cfg.OpenHIM.HealthUser, Password: cfg.OpenHIM.HealthPass, Timeout: cfg.OpenHIM.Timeout, RetryAttempts: cfg.OpenHIM.RetryAttempts},
			Orders:  openhim.EndpointConfig{URL: cfg.OpenHIM.OrdersURL, Username: cfg.OpenHIM.OrdersUser, Password: cfg.OpenHIM.OrdersPass, Timeout: cfg.OpenHIM.Timeout, RetryAttempts: cfg.OpenHIM.RetryAttempts},
			Default: openhim.EndpointConfig{URL: cfg.OpenHIM.DefaultURL, Username: cfg.OpenHIM.DefaultUser, Password: cfg.OpenHIM.DefaultPass, Timeout: cfg.OpenHIM.Timeout, RetryAttempts: cfg.OpenHIM.RetryAttempts},
		})
	}

	conn.On("connected", func(interface{}) { monitor.RecordConnectionState("rabbitmq", 2) })
	conn.On("disconnected", func(interface{}) { monitor.RecordConnectionState("rabbitmq", 0) })
	conn.On("reconnecting", func(interface{}) {
		monitor.RecordConnectionState("rabbitmq", 3)
		monitor.RecordReconnect("rabbitmq", "attempt")
	})
	conn.On("reconnect_failed", func(interface{}) { monitor.RecordReconnect("rabbitmq", "failed") })

	pub := publisher.New(conn)

	a := &app{
		cfg: cfg, logger: logger, conn: conn,
		consumers: make(map[string]*consumer.Consumer),
		routeEng:  routeEng, routeWatch: routeWatch,
		fallback:     routeCfg.Settings.FallbackBehavior,
		transformEng: transformEng, dispatcher: dispatcher, bridge: bridge,
		monitor: monitor, pub: pub,
		httpClient: &http.Client{},
	}

	a.consumers["interop.health.queue"] = consumer.New(consumer.Config{
		Exchange: "health.events", ExchangeType: "topic", Queue: "interop.health.queue",
		RoutingKeys: []string{"health.#"}, DeadLetter: "interop.dlq", Durable: true,
		MessageTTL: cfg.Consumer.MessageTTL, MaxLength: cfg.Consumer.MaxLength,
		RequeueOnFailure: cfg.Consumer.RequeueOnFailure, MaxParallel: cfg.Consumer.MaxParallel,
		DedupWindow: cfg.Consumer.DedupWindow, DedupSweepEvery: cfg.Consumer.DedupWindow,
		Observer: monitor,
	}, conn, logger, a.handle)

	a.consumers["interop.orders.queue"] = consumer.New(consumer.Config{
		Exchange: "orders.events", ExchangeType: "topic", Queue: "interop.orders.queue",
		RoutingKeys: []string{"orders.#"}, DeadLetter: "interop.dlq", Durable: true,
		MessageTTL: cfg.Consumer.MessageTTL, MaxLength: cfg.Consumer.MaxLength,
		RequeueOnFailure: cfg.Consumer.RequeueOnFailure, MaxParallel: cfg.Consumer.MaxParallel,
		DedupWindow: cfg.Consumer.DedupWindow, DedupSweepEvery: cfg.Consumer.DedupWindow,
		Observer: monitor,
	}, conn, logger, a.handle)

	a.setupRouter()

	return a, nil
}

// handle is the shared consumer Handler for both queues: it matches a route
// for side-channel delivery (http/queue/gateway), then fans the event out to
// every subscribed client (or the OpenHIM bridge, when configured).
func (a *app) handle(ctx context.Context, event *cloudevent.Event) error {
	start := time.Now()
	result := a.routeEng.Match(event)
	a.monitor.RecordRouteMatch(result.Matched, time.Since(start))

	if result.Matched {
		if err := a.deliverToRouteDestination(ctx, event, result.Route); err != nil {
			a.logger.Warn("route destination delivery failed", "route", result.Route.Name, "error", err)
		}
	} else {
		// route-not-found policy: with "error" the message is nacked (and
		// dead-lettered); "fallback" and "drop" both ack. The fallback case
		// normally never reaches here because a catch-all route matches first.
		if a.fallback == "error" {
			return fmt.Errorf("interop: %s", result.Reason)
		}
		a.logger.Info("no route matched event, dropping", "type", event.Type, "source", event.Source, "policy", a.fallback)
	}

	if a.bridge != nil {
		if err := a.bridge.Send(ctx, event); err != nil {
			a.logger.Warn("openhim bridge delivery failed", "error", err)
		}
		return nil
	}

	agg := a.dispatcher.Dispatch(ctx, event)
	for _, r := range agg.Results {
		a.monitor.RecordFanoutDelivery(r.ClientID, r.Success, time.Duration(r.DurationMs)*time.Millisecond)
	}
	return nil
}

// deliverToRouteDestination sends event to a single matched route's
// destination: republish to another exchange, a one-off HTTP POST, or
// (when type is "gateway") the OpenHIM bridge.
func (a *app) deliverToRouteDestination(ctx context.Context, event *cloudevent.Event, route *routing.Route) error {
	dest := route.Destination
	switch dest.Type {
	case "queue":
		exchange := dest.Exchange
		routingKey := dest.RoutingKey
		if routingKey == "" {
			routingKey = dest.Queue
		}
		return a.pub.Publish(ctx, exchange, routingKey, event)
	case "http":
		return a.postToEndpoint(ctx, event, dest)
	case "gateway":
		if a.bridge == nil {
			return nil
		}
		return a.bridge.Send(ctx, event)
	default:
		return nil
	}
}

// postToEndpoint is the one-off HTTP destination for a matched route: the
// raw CloudEvent POSTed as structured-mode JSON, with the route's headers
// and timeout. Per-client transformation and retry belong to the fan-out,
// not here.
func (a *app) postToEndpoint(ctx context.Context, event *cloudevent.Event, dest routing.Destination) error {
	body, err := event.ToJSON()
	if err != nil {
		return err
	}

	timeout := 10 * time.Second
	if dest.Timeout > 0 {
		timeout = time.Duration(dest.Timeout) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := dest.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(reqCtx, method, dest.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range dest.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("interop: route endpoint %s responded %d", dest.Endpoint, resp.StatusCode)
	}
	return nil
}

func (a *app) setupRouter() {
	if a.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	handler := adminapi.NewHandler(a.conn, a.consumers, a.routeEng, a.bridge, a.cfg.App.Name, a.cfg.App.Version)
	adminapi.SetupRoutes(router, &adminapi.Dependencies{
		Handler:      handler,
		JWTSecret:    a.cfg.Admin.JWTSecret,
		AdminEnabled: a.cfg.Admin.Enabled,
		ReloadRoutes: func() error {
			if a.routeWatch != nil {
				return a.routeWatch.Reload()
			}
			routeCfg, err := routing.LoadFileConfig(a.cfg.Routing.Path)
			if err != nil {
				return err
			}
			a.routeEng.Replace(routeCfg.Routes)
			return nil
		},
	})
	if a.cfg.Metrics.Enabled {
		router.GET("/metrics", gin.WrapH(a.monitor.GetHandler()))
	}

	a.server = &http.Server{
		Addr:    a.cfg.Server.Host + ":" + a.cfg.Server.Port,
		Handler: router,
	}
}

// Run connects the broker, starts both consumers, serves the admin HTTP
// API, and blocks until SIGINT/SIGTERM triggers a graceful shutdown.
func (a *app) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.conn.Connect(ctx); err != nil {
		return err
	}
	for name, c := range a.consumers {
		if err := c.Start(ctx); err != nil {
			return err
		}
		a.logger.Info("consumer started", "queue", name)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("admin server listening", "address", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			a.logger.Info("received shutdown signal", "signal", sig)
			return a.shutdown()
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	return g.Wait()
}

func (a *app) shutdown() error {
	a.logger.Info("shutting down interop layer")

	for name, c := range a.consumers {
		c.Stop()
		a.logger.Info("consumer stopped", "queue", name)
	}
	if a.routeWatch != nil {
		a.routeWatch.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("admin server shutdown failed", "error", err)
	}

	if err := a.conn.Close(); err != nil {
		a.logger.Error("connection close failed", "error", err)
		return err
	}
	a.logger.Info("interop layer shutdown complete")
	return nil
}
