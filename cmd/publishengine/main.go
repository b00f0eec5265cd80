// Package main is the entry point for the OPC UA Publish Engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/nexus-edge/opcua-publish-engine/internal/config"
	"github.com/nexus-edge/opcua-publish-engine/internal/engine"
	"github.com/nexus-edge/opcua-publish-engine/internal/health"
	"github.com/nexus-edge/opcua-publish-engine/internal/metrics"
	"github.com/nexus-edge/opcua-publish-engine/internal/subscription"
	"github.com/nexus-edge/opcua-publish-engine/internal/transport"
	"github.com/nexus-edge/opcua-publish-engine/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	serviceVersion     = "0.1.0"
	tickInterval       = 20 * time.Millisecond
	demoSubscriptionID = 1
)

// request is one unit of work submitted to the engine's owning goroutine.
type request struct {
	publish *publishCall
	add     *addCall
}

type publishCall struct {
	req     *ua.PublishRequest
	deliver func(*ua.PublishResponse, *ua.ServiceFault)
}

type addCall struct {
	cfg    subscription.Config
	result chan *subscription.Subscription
}

// runner owns the Engine exclusively, serializing every operation through a
// single channel and goroutine so that Engine's single-threaded contract
// holds regardless of how many producers call Submit.
type runner struct {
	eng *engine.Engine
	ops chan request
}

func newRunner(eng *engine.Engine) *runner {
	return &runner{eng: eng, ops: make(chan request, 256)}
}

// Submit implements transport.Submitter.
func (r *runner) Submit(req *ua.PublishRequest, deliver func(*ua.PublishResponse, *ua.ServiceFault)) {
	r.ops <- request{publish: &publishCall{req: req, deliver: deliver}}
}

func (r *runner) AddSubscription(cfg subscription.Config) *subscription.Subscription {
	result := make(chan *subscription.Subscription, 1)
	r.ops <- request{add: &addCall{cfg: cfg, result: result}}
	return <-result
}

func (r *runner) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.eng.Shutdown()
			return
		case now := <-ticker.C:
			r.eng.Tick(now)
		case op := <-r.ops:
			switch {
			case op.publish != nil:
				r.eng.OnPublishRequest(op.publish.req, op.publish.deliver)
			case op.add != nil:
				op.add.result <- r.eng.AddSubscription(op.add.cfg)
			}
		}
	}
}

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Service.Name, serviceVersion, cfg.Logging.Level, cfg.Logging.Format)
	logger.Info().Msg("starting opc ua publish engine")

	metricsRegistry := metrics.NewRegistry()

	eng := engine.New(engine.Options{
		MaxPublishRequestInQueue:  cfg.Engine.MaxPublishRequestInQueue,
		MinimumPublishingInterval: cfg.Engine.MinimumPublishingInterval(),
		MaximumPublishingInterval: cfg.Engine.MaximumPublishingInterval(),
		DefaultPublishingInterval: cfg.Engine.DefaultPublishingInterval(),
		Metrics:                   metricsRegistry,
		Logger:                    logger,
	})

	r := newRunner(eng)

	ctx, cancel := context.WithCancel(context.Background())

	go r.run(ctx)

	sub := r.AddSubscription(subscription.Config{
		ID:                         demoSubscriptionID,
		PublishingInterval:         cfg.Engine.DefaultPublishingInterval(),
		MaxKeepAliveCount:          10,
		MaxNotificationsPerPublish: 50,
		PublishingEnabled:          true,
		MaxRetransmissionQueueLen:  cfg.Engine.MaxRetransmissionQueueLen,
	})

	device := transport.NewDevice("demo-sensor", 1, 500*time.Millisecond, logger)
	sub.AttachMonitoredItem(device.Source)

	stopDemo := make(chan struct{})
	go device.Run(stopDemo)

	client := transport.NewClient(r, demoSubscriptionID, 2, logger)
	go client.Run(stopDemo)

	healthChecker := health.NewChecker(eng, true, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LiveHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadyHandler)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("starting http server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutdown signal received, initiating graceful shutdown")
	close(stopDemo)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down http server")
	}

	logger.Info().Msg("publish engine shutdown complete")
}
