package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir    string `envconfig:"DOWNLOAD_DIR" default:"downloads"`
	DestinationURL string `envconfig:"DESTINATION_URL" required:"true"`
	PutioToken     string `envconfig:"PUTIO_TOKEN"`

	Aria2 struct {
		RPCURL        string `envconfig:"RPC_URL" default:"http://localhost:6800/jsonrpc"`
		Secret        string `split_words:"true"`
		Spawn         bool   `split_words:"true" default:"false"`
		Binary        string `split_words:"true" default:"aria2c"`
		MaxConcurrent int    `split_words:"true" default:"5"`
	}

	PollInterval           time.Duration `envconfig:"POLL_INTERVAL" default:"2s"`
	UploadProgressInterval time.Duration `envconfig:"UPLOAD_PROGRESS_INTERVAL" default:"3s"`
	StatusMinInterval      time.Duration `envconfig:"STATUS_MIN_INTERVAL" default:"2s"`
	AutoExtract            bool          `envconfig:"AUTO_EXTRACT" default:"true"`
	FFprobePath            string        `envconfig:"FFPROBE_PATH" default:"ffprobe"`

	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string        `envconfig:"DB_PATH" default:"jobs.db"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	OrphanAge         time.Duration `envconfig:"ORPHAN_AGE" default:"1h"`
	StatusRetention   time.Duration `envconfig:"STATUS_RETENTION" default:"24h"`

	Operator struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"urlrelay"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DestinationURL == "" {
		return fmt.Errorf("DESTINATION_URL must not be empty")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}

	if c.UploadProgressInterval <= 0 {
		return fmt.Errorf("UPLOAD_PROGRESS_INTERVAL must be positive, got %s", c.UploadProgressInterval)
	}

	if strings.HasPrefix(c.DestinationURL, "putio://") && c.PutioToken == "" {
		return fmt.Errorf("PUTIO_TOKEN is required for a putio destination")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
