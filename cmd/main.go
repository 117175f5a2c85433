package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weiawesome/wes-io-live/viewer-service/internal/bus"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/config"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/control"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/domain"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/handler"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/hub"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/kafka"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/presence"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/viewers"
	pkglog "github.com/weiawesome/wes-io-live/viewer-service/pkg/log"
	"github.com/weiawesome/wes-io-live/viewer-service/pkg/pubsub"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize structured logger
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("bus_driver", cfg.Bus.Driver).
		Msg("starting viewer-service")

	// Connect to the bus. Without it counts would silently be per-process.
	ps, err := pubsub.NewPubSub(cfg.PubSub())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to bus")
	}
	defer ps.Close()

	adapter := bus.NewAdapter(ps, bus.Config{
		InstanceID:        cfg.Server.InstanceID,
		Channel:           cfg.Bus.Channel,
		HeartbeatInterval: cfg.Bus.HeartbeatInterval,
		PeerTimeout:       cfg.Bus.PeerTimeout,
	})

	// Create hubs, one per namespace
	hubConfig := hub.Config{
		PingInterval:   cfg.Transport.PingInterval,
		PongWait:       cfg.Transport.PongWait,
		WriteWait:      cfg.Transport.WriteWait,
		MaxMessageSize: cfg.Transport.MaxMessageSize,
	}
	playbackHub := hub.NewHub(domain.NamespacePlayback, hubConfig)
	channelHub := hub.NewHub(domain.NamespaceChannel, hubConfig)
	go playbackHub.Run()
	go channelHub.Run()

	// Create channels
	playbackNS := adapter.Namespace(domain.NamespacePlayback, playbackHub)
	channelNS := adapter.Namespace(domain.NamespaceChannel, channelHub)

	presenceChannel := presence.NewChannel(playbackNS, playbackHub, presence.Config{
		ReannounceInterval: cfg.Presence.ReannounceInterval,
	})
	controlChannel := control.NewChannel(channelNS, channelHub, control.Config{
		GracePeriod: cfg.Control.GracePeriod,
	})
	viewerService := viewers.NewService(playbackNS)

	ctx, cancel := context.WithCancel(context.Background())

	if err := adapter.Start(ctx); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("failed to start bus adapter")
	}

	// Start Kafka consumer for broadcast events
	var kafkaConsumer *kafka.ConfluentConsumer
	consumerCtx, consumerCancel := context.WithCancel(ctx)
	if cfg.Kafka.BroadcastEvents {
		// Shared group: one process handles each event, Relay multicasts it to all.
		groupID := cfg.Kafka.GroupID + "-broadcast"
		if kc, err := kafka.NewConfluentConsumer(
			cfg.Kafka.Brokers,
			cfg.Kafka.BroadcastTopic,
			groupID,
			controlChannel, // control channel implements BroadcastEventHandler
		); err != nil {
			logger.Warn().Err(err).Msg("failed to create kafka consumer, broadcast events disabled")
		} else if err := kc.Start(consumerCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to start kafka consumer")
			kc.Close()
		} else {
			kafkaConsumer = kc
		}
	}

	// Create handlers
	router := handler.NewRouter(handler.Routes{
		Playback: handler.NewWSHandler(domain.NamespacePlayback, playbackHub, presenceChannel),
		Channel:  handler.NewWSHandler(domain.NamespaceChannel, channelHub, controlChannel),
		HTTP:     handler.NewHTTPHandler(viewerService, controlChannel),
		APIKey:   cfg.Admin.APIKey,
	})
	if cfg.Admin.APIKey == "" {
		logger.Warn().Msg("API_KEY is not set, admin endpoint rejects every request")
	}

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      pkglog.HTTPMiddleware(logger)(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Str("addr", addr).Msg("viewer-service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// A dead bus loop leaves counts frozen, so exit and let the
	// orchestrator restart us.
	select {
	case <-quit:
		logger.Info().Msg("shutting down viewer-service")
	case <-adapter.Done():
		logger.Error().Err(adapter.Err()).Msg("bus adapter stopped, shutting down viewer-service")
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		consumerCancel() // 1. stop Kafka consumer
		if kafkaConsumer != nil {
			kafkaConsumer.Close() // 2. wait for in-flight broadcast event
		}

		playbackHub.Stop() // 3. close all WS clients, stop Hub.Run()
		channelHub.Stop()

		presenceChannel.Stop() // 4. cancel re-announce timers
		controlChannel.Stop()

		goodbyeCtx, goodbyeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := adapter.Stop(goodbyeCtx); err != nil { // 5. let peers drop our members now
			logger.Warn().Err(err).Msg("failed to publish goodbye")
		}
		goodbyeCancel()

		cancel() // 6. stop bus receive loop
		<-adapter.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	select {
	case <-shutdownDone:
		logger.Info().Msg("viewer-service stopped")
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("shutdown timed out after 30s")
	}

	if err := adapter.Err(); err != nil {
		logger.Fatal().Err(err).Msg("viewer-service exited on bus failure")
	}
}
