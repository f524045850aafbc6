// Command pubsubd runs the in-memory pub/sub broker: a WebSocket data
// plane for subscribe/publish traffic and an HTTP control plane for topic
// management, health and stats.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/pubsub-ws/internal/api"
	"github.com/adred-codev/pubsub-ws/internal/auth"
	"github.com/adred-codev/pubsub-ws/internal/bridge"
	"github.com/adred-codev/pubsub-ws/internal/broker"
	"github.com/adred-codev/pubsub-ws/internal/config"
	"github.com/adred-codev/pubsub-ws/internal/limits"
	"github.com/adred-codev/pubsub-ws/internal/logging"
	"github.com/adred-codev/pubsub-ws/internal/metrics"
	"github.com/adred-codev/pubsub-ws/internal/session"
	"github.com/adred-codev/pubsub-ws/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pubsubd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	debug := flag.Bool("debug", false, "enable debug logging regardless of PUBSUB_LOG_LEVEL")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	cfg.LogConfig(logger)

	reg := metrics.NewRegistry()
	keyring := auth.NewKeyring(cfg.APIKeys)

	manager := broker.NewManager(broker.Config{
		DefaultRingSize:       cfg.DefaultRingSize,
		MaxRingSize:           cfg.MaxRingSize,
		SubscriberQueueSize:   cfg.SubscriberQueueSize,
		SlowConsumerThreshold: cfg.SlowConsumerThreshold,
	}, logger, reg)

	guardCtx, stopGuard := context.WithCancel(context.Background())
	defer stopGuard()
	guard := limits.NewResourceGuard(cfg.MaxConnections, cfg.CPURejectThreshold, logger)
	guard.Start(guardCtx, 5*time.Second)
	limiter := limits.NewConnectionRateLimiter(cfg.ConnectionRate, cfg.ConnectionBurst)

	mirror, err := bridge.Connect(bridge.Config{URL: cfg.NATSUrl, SubjectPrefix: cfg.NATSSubjectPrefix}, logger)
	if err != nil {
		return err
	}

	wsServer := transport.New(transport.Config{
		Addr:         cfg.WSAddr,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}, manager, keyring, limiter, guard, mirrorOrNil(mirror), logger, reg)
	if err := wsServer.Start(); err != nil {
		return fmt.Errorf("start WebSocket server: %w", err)
	}

	apiServer := api.New(api.Config{Addr: cfg.APIAddr}, manager, keyring, guard, logger, reg)
	apiServer.Start()

	// Shutdown comes from a signal or from POST /shutdown, whichever is
	// first. Both paths converge on the same drain.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-manager.Done():
		logger.Info().Msg("Shutdown initiated via control API")
	}

	manager.Shutdown(cfg.ShutdownTimeout)
	wsServer.Stop()

	apiCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	apiServer.Stop(apiCtx)

	if mirror != nil {
		mirror.Close()
	}

	logger.Info().Msg("Server exited")
	return nil
}

// mirrorOrNil avoids handing the transport a non-nil interface wrapping a
// nil *bridge.Bridge when the bridge is disabled.
func mirrorOrNil(b *bridge.Bridge) session.Mirror {
	if b == nil {
		return nil
	}
	return b
}
