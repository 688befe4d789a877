// Command hubd is the realtime hub: one WebSocket endpoint carrying
// every topic the platform pushes, backed by NATS for upstream events
// and domain request/reply.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	_ "go.uber.org/automaxprocs"

	"github.com/BranchManager69/degenduel-sub000/internal/audit"
	"github.com/BranchManager69/degenduel-sub000/internal/auth"
	"github.com/BranchManager69/degenduel-sub000/internal/bridge"
	"github.com/BranchManager69/degenduel-sub000/internal/config"
	"github.com/BranchManager69/degenduel-sub000/internal/domain"
	"github.com/BranchManager69/degenduel-sub000/internal/hub"
	"github.com/BranchManager69/degenduel-sub000/internal/limits"
	"github.com/BranchManager69/degenduel-sub000/internal/logging"
	"github.com/BranchManager69/degenduel-sub000/internal/metrics"
	"github.com/BranchManager69/degenduel-sub000/internal/protocol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.NewLogger("info", "json")
		fallback.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	nc, err := nats.Connect(cfg.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Warn().Msg("nats connection closed")
		}),
	)
	if err != nil {
		logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect to nats")
	}
	defer nc.Close()

	domainClient := domain.NewNATSClient(nc, cfg.DomainTimeout, logger)
	services := domainClient.Services()

	gate := auth.NewGate(cfg.JWTSecret, services.Profiles.Nickname, logger)

	catalog := hub.NewCatalog()
	topics := hub.NewTopicIndex(catalog)
	registry := hub.NewRegistry(topics)
	codec := protocol.NewCodec(cfg.MaxPayloadBytes)
	dispatcher := hub.NewDispatcher(registry, topics, codec, logger)

	upstream := bridge.New(nc, dispatcher, bridge.Caps{
		User:  cfg.BridgeUserCap,
		Admin: cfg.BridgeAdminCap,
	}, logger)
	if err := upstream.StartMarketFeeds(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start market feeds")
	}
	defer upstream.Close()

	msgLimiter := limits.NewMessageLimiter(limits.MessageLimiterConfig{
		Burst:           cfg.MessageBurst,
		PerMinute:       cfg.MessagesPerMinute,
		ViolationLimit:  cfg.ViolationLimit,
		ViolationWindow: cfg.ViolationWindow,
	})
	connLimiter := limits.NewConnLimiter(limits.ConnLimiterConfig{
		IPBurst:     cfg.ConnRateIPBurst,
		IPRate:      cfg.ConnRateIPPerSec,
		GlobalBurst: cfg.ConnRateGlobalBurst,
		GlobalRate:  cfg.ConnRateGlobalRate,
	}, logger)

	auditSink := audit.NewLogSink(logger, cfg.AuditBuffer)
	defer auditSink.Close()

	router := hub.NewRouter(codec, gate, msgLimiter, registry, topics, dispatcher, upstream, services, logger)
	server := hub.NewServer(cfg, gate, connLimiter, msgLimiter, registry, topics, dispatcher, router, upstream, auditSink, logger)

	collectorCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	metrics.StartSystemCollector(collectorCtx, cfg.MetricsInterval, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
