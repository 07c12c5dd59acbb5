package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice chat service
type Config struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9090"` // gRPC health service

	// Chat backend (Ollama-style /api/chat endpoint)
	ChatURL          string  `envconfig:"CHAT_URL" default:"http://localhost:11434/api/chat"`
	ChatTimeout      int     `envconfig:"CHAT_TIMEOUT" default:"300"` // seconds
	ChatModel        string  `envconfig:"CHAT_MODEL" default:"llama3.2:1b"`
	ChatTemperature  float64 `envconfig:"CHAT_TEMPERATURE" default:"0.0"`
	ChatTopP         float64 `envconfig:"CHAT_TOP_P" default:"0.9"`
	ChatMaxTokens    int     `envconfig:"CHAT_MAX_TOKENS" default:"8192"`
	ChatSystemPrompt string  `envconfig:"CHAT_SYSTEM_PROMPT" default:""`
	ChatHistoryTurns int     `envconfig:"CHAT_HISTORY_TURNS" default:"20"` // completed turns kept as context
	ChatStream       bool    `envconfig:"CHAT_STREAM" default:"true"`      // false asks for whole replies

	// Advanced mode backend. "ollama" reuses CHAT_URL with ADVANCED_MODEL,
	// "openai" talks to any OpenAI-compatible endpoint.
	AdvancedProvider string `envconfig:"ADVANCED_PROVIDER" default:"ollama"`
	AdvancedModel    string `envconfig:"ADVANCED_MODEL" default:""` // falls back to CHAT_MODEL
	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIBaseURL    string `envconfig:"OPENAI_BASE_URL" default:""`

	// Deepgram transcription
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Audio / segmentation
	AudioSampleRate    int     `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`
	AudioChunkMs       int     `envconfig:"AUDIO_CHUNK_MS" default:"500"`        // mic chunk duration
	SpeechPauseMs      int     `envconfig:"SPEECH_PAUSE_MS" default:"1000"`      // silence that ends an utterance
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"0.02"` // RMS on [-1,1] samples
	VADFrameMs         int     `envconfig:"VAD_FRAME_MS" default:"30"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Transcript persistence (optional)
	RedisURL      string `envconfig:"REDIS_URL" default:""`
	TranscriptTTL int    `envconfig:"TRANSCRIPT_TTL" default:"86400"` // seconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.AudioSampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive, got %d", c.AudioSampleRate)
	}
	if c.AudioChunkMs <= 0 {
		return fmt.Errorf("AUDIO_CHUNK_MS must be positive, got %d", c.AudioChunkMs)
	}
	if c.ChatTimeout <= 0 {
		return fmt.Errorf("CHAT_TIMEOUT must be positive, got %d", c.ChatTimeout)
	}

	switch strings.ToLower(c.AdvancedProvider) {
	case "ollama":
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when ADVANCED_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("unknown ADVANCED_PROVIDER %q (want ollama or openai)", c.AdvancedProvider)
	}

	return nil
}

// ChatRequestTimeout bounds every request to the chat backend
func (c *Config) ChatRequestTimeout() time.Duration {
	return time.Duration(c.ChatTimeout) * time.Second
}

// PauseThreshold is the silence gap that finalizes an utterance
func (c *Config) PauseThreshold() time.Duration {
	return time.Duration(c.SpeechPauseMs) * time.Millisecond
}

// ChunkDuration is the expected mic chunk interval, also used as the liveness tick period
func (c *Config) ChunkDuration() time.Duration {
	return time.Duration(c.AudioChunkMs) * time.Millisecond
}

// ChunkBytes is the size in bytes of one PCM16 mono chunk
func (c *Config) ChunkBytes() int {
	return c.AudioSampleRate * c.AudioChunkMs / 1000 * 2
}

// AdvancedChatModel returns the model used in advanced mode
func (c *Config) AdvancedChatModel() string {
	if c.AdvancedModel != "" {
		return c.AdvancedModel
	}
	return c.ChatModel
}

// TranscriptRetention is how long a session transcript is kept in Redis
func (c *Config) TranscriptRetention() time.Duration {
	return time.Duration(c.TranscriptTTL) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
