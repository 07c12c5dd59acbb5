package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lexiqai/voice-chat/internal/audio"
	"github.com/lexiqai/voice-chat/internal/chat"
	"github.com/lexiqai/voice-chat/internal/config"
	"github.com/lexiqai/voice-chat/internal/observability"
	"github.com/lexiqai/voice-chat/internal/pipeline"
	"github.com/lexiqai/voice-chat/internal/resilience"
	"github.com/lexiqai/voice-chat/internal/segmenter"
	"github.com/lexiqai/voice-chat/internal/session"
	"github.com/lexiqai/voice-chat/internal/transcript"
	"github.com/lexiqai/voice-chat/internal/transcription"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("chat_url", cfg.ChatURL).
		Str("chat_model", cfg.ChatModel).
		Str("advanced_provider", cfg.AdvancedProvider).
		Str("advanced_model", cfg.AdvancedChatModel()).
		Bool("chat_stream", cfg.ChatStream).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice chat service starting")

	chatClient, err := chat.NewClient(
		chat.ClientConfig{URL: cfg.ChatURL, Timeout: cfg.ChatRequestTimeout()},
		chat.WithCircuitBreaker(newBreaker("chat", cfg)),
		chat.WithRetryConfig(&resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}),
		chat.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid chat backend configuration")
	}
	backends := buildBackends(cfg, chatClient)

	transcriber := transcription.NewDeepgramTranscriber(cfg).
		WithMetrics(observability.NewSessionMetrics()).
		WithLogger(logger)

	checks := map[string]observability.HealthCheckFunc{
		"chat": func(ctx context.Context) (bool, error) {
			if err := chatClient.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
		"deepgram": transcriber.Healthy,
	}

	var store transcript.Store = transcript.NopStore{}
	if cfg.RedisURL != "" {
		redisStore, err := transcript.NewRedisStore(cfg.RedisURL, cfg.TranscriptRetention())
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid REDIS_URL")
		}
		defer redisStore.Close()
		store = redisStore
		checks["redis"] = redisStore.Ping
		logger.Info().Dur("ttl", cfg.TranscriptRetention()).Msg("Transcript persistence enabled")
	}

	vadConfig := &audio.VADConfig{
		EnergyThreshold:  cfg.VADEnergyThreshold,
		FrameMs:          cfg.VADFrameMs,
		MinSpeechFrames:  3,
		MinSilenceFrames: 4,
	}
	segConfig := segmenter.Config{
		SampleRate:     cfg.AudioSampleRate,
		PauseThreshold: cfg.PauseThreshold(),
	}

	factory := func(sessionID string, sessionLogger zerolog.Logger, metrics *observability.Metrics) *pipeline.Pipeline {
		seg := segmenter.New(audio.NewEnergyDetector(vadConfig), segConfig)
		opts := []pipeline.Option{
			pipeline.WithLogger(sessionLogger),
			pipeline.WithMetrics(metrics),
			pipeline.WithSystemPrompt(cfg.ChatSystemPrompt),
			pipeline.WithHistoryLimit(cfg.ChatHistoryTurns),
			pipeline.WithTranscriptStore(store, sessionID),
		}
		if !cfg.ChatStream {
			opts = append(opts, pipeline.WithBlockingReplies())
		}
		return pipeline.New(seg, transcriber, backends, opts...)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/streams/mic", session.HandleMicWS(cfg, factory))
	r.Get("/sessions/{sessionID}/transcript", transcript.Handler(store))
	r.Get("/health", observability.HealthCheckHandler())
	r.Get("/ready", observability.ReadinessHandler(checks))

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	grpcHealth := observability.NewGRPCHealth(checks)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("Failed to listen for gRPC health")
	}
	go grpcHealth.Watch(ctx, 15*time.Second)
	go func() {
		logger.Info().Str("port", cfg.GRPCPort).Msg("gRPC health service listening")
		if err := grpcHealth.Serve(grpcListener); err != nil {
			logger.Error().Err(err).Msg("gRPC health service stopped")
		}
	}()

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/mic", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	stop()
	grpcHealth.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

func newBreaker(name string, cfg *config.Config) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(
		name,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	).Observe(func(service string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(service, int(state))
	})
}

// buildBackends wires the baseline and advanced chat backends
func buildBackends(cfg *config.Config, client *chat.Client) chat.Backends {
	baseline := chat.SessionConfig{
		Model:       cfg.ChatModel,
		Temperature: cfg.ChatTemperature,
		TopP:        cfg.ChatTopP,
		MaxTokens:   cfg.ChatMaxTokens,
	}
	advanced := baseline
	advanced.Model = cfg.AdvancedChatModel()

	backends := chat.Backends{
		chat.ModeBaseline: chat.NewSession(client, baseline, "baseline"),
	}

	switch strings.ToLower(cfg.AdvancedProvider) {
	case "openai":
		backends[chat.ModeAdvanced] = chat.NewOpenAISession(
			cfg.OpenAIAPIKey,
			cfg.OpenAIBaseURL,
			advanced,
			&http.Client{Timeout: cfg.ChatRequestTimeout()},
		)
	default:
		backends[chat.ModeAdvanced] = chat.NewSession(client, advanced, "advanced")
	}

	return backends
}
