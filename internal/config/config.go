// Package config loads service settings from the environment (optionally
// seeded from a .env file) and validates them before anything else starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// OTELConfig defines OpenTelemetry tracing settings.
type OTELConfig struct {
	Enabled     bool    `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	ServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"whatsapp-crm"`
	SampleRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1.0"`
}

// BotConfig controls the conversation state machine.
type BotConfig struct {
	// PhoneNumberID is the only channel the bot answers on.
	PhoneNumberID   string        `env:"BOT_PHONE_NUMBER_ID"`
	ResetKeywords   []string      `env:"BOT_RESET_KEYWORDS" envSeparator:"," envDefault:"hola,reset"`
	HandoffKeywords []string      `env:"BOT_HANDOFF_KEYWORDS" envSeparator:"," envDefault:"asesor,humano,persona,ayuda"`
	MaxRetries      int           `env:"BOT_MAX_RETRIES" envDefault:"2"`
	Timeout         time.Duration `env:"BOT_TIMEOUT" envDefault:"30s"`
}

// DispatchConfig controls the campaign worker pool.
type DispatchConfig struct {
	Workers        int           `env:"DISPATCH_WORKERS" envDefault:"8"`
	QueueSize      int           `env:"DISPATCH_QUEUE_SIZE" envDefault:"1024"`
	MaxAttempts    int           `env:"DISPATCH_MAX_ATTEMPTS" envDefault:"3"`
	AttemptTimeout time.Duration `env:"DISPATCH_ATTEMPT_TIMEOUT" envDefault:"120s"`
	RetryBackoff   time.Duration `env:"DISPATCH_RETRY_BACKOFF" envDefault:"10s"`
	SweepCron      string        `env:"DISPATCH_SWEEP_CRON" envDefault:"*/5 * * * *"`
}

type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	GinMode   string `env:"GIN_MODE" envDefault:"release"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	DBDriver    string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBPath      string `env:"DB_PATH" envDefault:"./whatsapp.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	VerifyToken               string `env:"VERIFY_TOKEN"`
	WhatsAppToken             string `env:"WHATSAPP_TOKEN"`
	PhoneNumberID             string `env:"PHONE_NUMBER_ID"`
	WhatsAppBusinessAccountID string `env:"WABA_ID"`
	GraphAPIBase              string `env:"GRAPH_API_BASE" envDefault:"https://graph.facebook.com"`
	GraphAPIVersion           string `env:"GRAPH_API_VERSION" envDefault:"v19.0"`

	SendTimeout time.Duration `env:"SEND_TIMEOUT" envDefault:"15s"`
	SendRPS     float64       `env:"SEND_RPS" envDefault:"20"`
	SendBurst   int           `env:"SEND_BURST" envDefault:"40"`

	FlowCacheTTL time.Duration `env:"FLOW_CACHE_TTL" envDefault:"5m"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	Bot      BotConfig
	Dispatch DispatchConfig
	OTEL     OTELConfig
}

// Load reads .env (when present), parses the environment and validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	// The bot runs on the main number unless told otherwise.
	if cfg.Bot.PhoneNumberID == "" {
		cfg.Bot.PhoneNumberID = cfg.PhoneNumberID
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	// "off" turns the pending sweeper off; an empty value takes the default.
	if strings.EqualFold(strings.TrimSpace(cfg.Dispatch.SweepCron), "off") {
		cfg.Dispatch.SweepCron = ""
	}
	cfg.Bot.ResetKeywords = normalizeKeywords(cfg.Bot.ResetKeywords)
	cfg.Bot.HandoffKeywords = normalizeKeywords(cfg.Bot.HandoffKeywords)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig is Load for process entry points: it panics on invalid settings.
func LoadConfig() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		return errors.New("GIN_MODE must be one of: debug, release, test")
	}
	switch c.DBDriver {
	case "sqlite":
		if strings.TrimSpace(c.DBPath) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return errors.New("DB_DRIVER must be sqlite or postgres")
	}
	if c.SendTimeout <= 0 || c.Bot.Timeout <= 0 || c.Dispatch.AttemptTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if c.SendRPS <= 0 || c.SendBurst < 1 {
		return errors.New("SEND_RPS must be > 0 and SEND_BURST >= 1")
	}
	if c.Bot.MaxRetries < 1 {
		return errors.New("BOT_MAX_RETRIES must be >= 1")
	}
	if c.Dispatch.Workers < 1 || c.Dispatch.QueueSize < 1 {
		return errors.New("DISPATCH_WORKERS and DISPATCH_QUEUE_SIZE must be >= 1")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return errors.New("DISPATCH_MAX_ATTEMPTS must be >= 1")
	}
	if c.Dispatch.RetryBackoff < 0 {
		return errors.New("DISPATCH_RETRY_BACKOFF must be >= 0")
	}
	// An empty schedule means no sweeper.
	if c.Dispatch.SweepCron != "" && !gronx.New().IsValid(c.Dispatch.SweepCron) {
		return fmt.Errorf("DISPATCH_SWEEP_CRON %q is not a valid cron expression", c.Dispatch.SweepCron)
	}
	if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// MessagesURL is the Cloud API endpoint used for every outbound send.
func (c *Config) MessagesURL() string {
	base := strings.TrimRight(c.GraphAPIBase, "/")
	return fmt.Sprintf("%s/%s/%s/messages", base, c.GraphAPIVersion, c.PhoneNumberID)
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}
