package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/someipd/someipd/internal/capability"
	"github.com/someipd/someipd/internal/config"
	"github.com/someipd/someipd/internal/endpointmgr"
	"github.com/someipd/someipd/internal/localtransport"
	"github.com/someipd/someipd/internal/reactor"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/router"
	"github.com/someipd/someipd/internal/sd"
	"github.com/someipd/someipd/internal/stats"
	"github.com/someipd/someipd/internal/wire"
)

func newCmdRun() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the someipd routing daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

// runDaemon wires configuration, logging and the network reactor
// together and blocks until ctx is cancelled or a termination signal
// arrives, grounded on linkerd2's controller/cmd/destination/main.go
// signal-handling and ordered-shutdown shape.
func runDaemon(ctx context.Context) error {
	cfg, errs := config.FromEnv(config.Default())
	log := newLogger(cfg.LogLevel)
	for _, err := range errs {
		log.WithError(err).Warn("ignoring malformed environment override")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("shutdown signal received")
		cancel()
	}()

	reg := registry.New()
	eps := endpointmgr.New(log)

	sdCfg := sd.Config{
		InitialDelayMin:      cfg.SDInitialDelayMin,
		InitialDelayMax:      cfg.SDInitialDelayMax,
		RepetitionsBaseDelay: cfg.SDRepetitionsBaseDelay,
		RepetitionsMax:       cfg.SDRepetitionsMax,
		CyclicOfferDelay:     cfg.SDCyclicOfferDelay,
		UnicastSupported:     true,
	}
	sdEngine := sd.NewEngine(sdCfg, reg, log)

	clientPool, err := localtransport.NewClientPool(cfg.ClientLockDir, wire.ClientID(cfg.ClientIDRangeMin), wire.ClientID(cfg.ClientIDRangeMax), log)
	if err != nil {
		return fmt.Errorf("create client pool: %w", err)
	}
	defer clientPool.Close()

	broker := localtransport.NewBroker(cfg.LocalSocketPath, clientPool, localtransport.Dispatcher{}, localtransport.WithBrokerLogger(log))

	var transport *sdTransport
	if cfg.SDEnabled {
		transport = newSDTransport(cfg, sdEngine, log)
	}

	metricsReg := prometheus.NewRegistry()
	metrics := stats.New(metricsReg)

	reactorPool := reactor.New(4, 256, reactor.WithLogger(log), reactor.WithDropHandler(metrics.ReactorTasksDropped.Inc))
	reactorPool.Start(ctx)
	defer reactorPool.Stop()

	// managerRef is filled in once router.New returns below. The
	// server/client factories close over its address rather than a
	// *router.Manager directly because they must exist before New can
	// be called, and New is what produces the Manager they dispatch
	// into.
	var managerRef *router.Manager
	sink := &dispatchSink{pool: reactorPool, mgr: &managerRef, metrics: metrics}

	opts := []router.Option{
		router.WithBroker(broker),
		router.WithServerFactory(buildServerFactory(cfg, log, sink)),
		router.WithClientFactory(buildClientFactory(cfg, log, sink)),
		router.WithLocalFactory(buildLocalFactory(broker, reg, log)),
		router.WithPortResolver(buildPortResolver(cfg)),
		router.WithSecurityPolicy(capability.AllowAll{}),
		router.WithE2EProvider(capability.NoopE2E{}),
		router.WithSecOCRuntime(capability.NoopSecOC{}),
		router.WithHostApplication(capability.AcceptAllSubscriptions{}),
		router.WithPingTimeout(cfg.PingTimeout),
		router.WithLogger(log),
	}
	if transport != nil {
		opts = append(opts, router.WithSDTransport(transport))
	}

	manager, err := router.New(reg, eps, sdEngine, opts...)
	if err != nil {
		return fmt.Errorf("create routing manager: %w", err)
	}
	managerRef = manager
	manager.SetNetworkUp(true)

	periodic := stats.NewPeriodicLogger(metrics, log, cfg.LogMemoryInterval, cfg.LogStatusInterval)
	go periodic.Run(ctx)

	if err := broker.Start(ctx); err != nil {
		return fmt.Errorf("start local transport broker: %w", err)
	}
	defer broker.Stop()

	if transport != nil {
		dispatcher := newSDDispatcher(sdEngine, reg, transport, log)
		transport.server.SetMessageHandler(dispatcher.handle)
		if err := transport.start(ctx); err != nil {
			return fmt.Errorf("start sd transport: %w", err)
		}
		defer transport.stop()

		go runExpiryLoop(ctx, sdEngine, reg, cfg.SDCyclicOfferDelay, log)
	}

	admin := newAdminServer(cfg.MetricsAddress, metricsReg)
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("admin server stopped")
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		admin.Shutdown(shutdownCtx)
	}()

	log.WithFields(logrus.Fields{
		"unicast": cfg.UnicastAddress,
		"sd_port": cfg.SDPort,
		"metrics": cfg.MetricsAddress,
		"socket":  cfg.LocalSocketPath,
	}).Info("someipd started")

	<-ctx.Done()
	log.Info("someipd shutting down")
	return nil
}

// runExpiryLoop periodically ticks every tracked remote service
// instance's TTL down and removes the ones that expire, the daemon-
// side complement to sd.Engine.ExpireTick (a pure helper with no
// timer of its own).
func runExpiryLoop(ctx context.Context, engine *sd.Engine, reg *registry.Registry, period time.Duration, log *logrus.Entry) {
	if period <= 0 {
		period = 2 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			expired := engine.ExpireTick(reg.AllServices(), elapsed)
			for _, key := range expired {
				reg.RemoveService(key)
				log.WithField("instance", key.String()).Info("remote service instance expired")
			}
		}
	}
}

func newLogger(level string) *logrus.Entry {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logrus.NewEntry(l).WithField("component", "someipd")
}
