package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/secrets"
	"github.com/gregtusar/fundingarb/pkg/trader"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const envPrefix = "FUNDINGARB"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Events   EventsConfig   `mapstructure:"events"`
	GCP      GCPConfig      `mapstructure:"gcp"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Venues   []VenueConfig  `mapstructure:"venues"`
}

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	AllowOrigin string `mapstructure:"allow_origin"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type EventsConfig struct {
	Backend string      `mapstructure:"backend"` // "none", "redis" or "kafka"
	Redis   RedisConfig `mapstructure:"redis"`
	Kafka   KafkaConfig `mapstructure:"kafka"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type GCPConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	UseSecrets      bool   `mapstructure:"use_secrets"`
	CredentialsFile string `mapstructure:"credentials_file"`
	SecretPrefix    string `mapstructure:"secret_prefix"`
}

type StrategyConfig struct {
	Tokens                   []string                      `mapstructure:"tokens"`
	PositionSizeUSD          float64                       `mapstructure:"position_size_usd"`
	Leverage                 float64                       `mapstructure:"leverage"`
	MinSpreadHourly          float64                       `mapstructure:"min_spread_hourly"`
	ExitMinSpreadHourly      float64                       `mapstructure:"exit_min_spread_hourly"`
	CompressionThreshold     float64                       `mapstructure:"compression_threshold"`
	MaxPositionDurationHours float64                       `mapstructure:"max_position_duration_hours"`
	MaxLossPct               float64                       `mapstructure:"max_loss_pct"`
	MinVolume24h             float64                       `mapstructure:"min_volume_24h"`
	PriceBuffer              float64                       `mapstructure:"price_buffer"`
	MarginBuffer             float64                       `mapstructure:"margin_buffer"`
	TickInterval             time.Duration                 `mapstructure:"tick_interval"`
	MaxNewPositionsPerTick   int                           `mapstructure:"max_new_positions_per_tick"`
	MaxOpenPositions         int                           `mapstructure:"max_open_positions"`
	PendingTimeout           time.Duration                 `mapstructure:"pending_timeout"`
	LeverageCaps             map[string]map[string]float64 `mapstructure:"leverage_caps"`
}

type VenueConfig struct {
	Name               string  `mapstructure:"name"`
	Quote              string  `mapstructure:"quote"`
	FundingIntervalSec int     `mapstructure:"funding_interval"`
	BaseURL            string  `mapstructure:"base_url"`
	StreamURL          string  `mapstructure:"stream_url"`
	RateLimit          float64 `mapstructure:"rate_limit"`
	Paper              bool    `mapstructure:"paper"`
	PaperBalance       float64 `mapstructure:"paper_balance"`

	AuthType      string `mapstructure:"auth_type"` // "hmac" or "jwt"
	APIKey        string `mapstructure:"api_key"`
	APISecret     string `mapstructure:"api_secret"`
	Passphrase    string `mapstructure:"passphrase"`
	APIKeyName    string `mapstructure:"api_key_name"`    // JWT: organizations/{org_id}/apiKeys/{key_id}
	PrivateKeyPEM string `mapstructure:"private_key_pem"` // JWT: EC private key in PEM format
}

func (v VenueConfig) Info() models.VenueInfo {
	return models.VenueInfo{
		Name:            v.Name,
		Quote:           strings.ToUpper(v.Quote),
		FundingInterval: time.Duration(v.FundingIntervalSec) * time.Second,
	}
}

func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/fundingarb")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		sm, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		defer sm.Close()
		applySecrets(ctx, &config, sm)
		logger.Info("Loaded venue credentials from GCP Secret Manager")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allow_origin", "*")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("database.path", "./data/fundingarb.db")

	v.SetDefault("events.backend", "none")
	v.SetDefault("events.redis.addr", "localhost:6379")
	v.SetDefault("events.redis.db", 0)
	v.SetDefault("events.redis.channel", "fundingarb:events")
	v.SetDefault("events.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("events.kafka.topic", "fundingarb.events")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")
	v.SetDefault("gcp.secret_prefix", "fundingarb")

	v.SetDefault("strategy.tokens", []string{"BTC", "ETH"})
	v.SetDefault("strategy.position_size_usd", 1000.0)
	v.SetDefault("strategy.leverage", 3.0)
	v.SetDefault("strategy.min_spread_hourly", 0.003)
	v.SetDefault("strategy.exit_min_spread_hourly", 0.002)
	v.SetDefault("strategy.compression_threshold", 0.4)
	v.SetDefault("strategy.max_position_duration_hours", 24.0)
	v.SetDefault("strategy.max_loss_pct", 0.03)
	v.SetDefault("strategy.min_volume_24h", 0.0)
	v.SetDefault("strategy.price_buffer", 0.001)
	v.SetDefault("strategy.margin_buffer", trader.DefaultMarginBuffer)
	v.SetDefault("strategy.tick_interval", 10*time.Second)
	v.SetDefault("strategy.max_new_positions_per_tick", 1)
	v.SetDefault("strategy.max_open_positions", 0)
	v.SetDefault("strategy.pending_timeout", 2*time.Minute)
}

// overrideFromEnv fills venue credentials from FUNDINGARB_VENUE_<NAME>_* variables.
func overrideFromEnv(config *Config) {
	for i := range config.Venues {
		vc := &config.Venues[i]
		prefix := envPrefix + "_VENUE_" + envName(vc.Name) + "_"

		if val := os.Getenv(prefix + "API_KEY"); val != "" {
			vc.APIKey = val
		}
		if val := os.Getenv(prefix + "API_SECRET"); val != "" {
			vc.APISecret = val
		}
		if val := os.Getenv(prefix + "PASSPHRASE"); val != "" {
			vc.Passphrase = val
		}
		if val := os.Getenv(prefix + "AUTH_TYPE"); val != "" {
			vc.AuthType = val
		}
		if val := os.Getenv(prefix + "API_KEY_NAME"); val != "" {
			vc.APIKeyName = val
		}
		if val := os.Getenv(prefix + "PRIVATE_KEY"); val != "" {
			vc.PrivateKeyPEM = val
		}
	}
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

// applySecrets only fills credentials that are not already set.
func applySecrets(ctx context.Context, config *Config, sm secrets.Getter) {
	for i := range config.Venues {
		vc := &config.Venues[i]
		names := secrets.NamesForVenue(config.GCP.SecretPrefix, vc.Name)

		if vc.APIKey == "" {
			vc.APIKey = sm.GetSecretWithDefault(ctx, names.APIKey, "")
		}
		if vc.APISecret == "" {
			vc.APISecret = sm.GetSecretWithDefault(ctx, names.APISecret, "")
		}
		if vc.Passphrase == "" {
			vc.Passphrase = sm.GetSecretWithDefault(ctx, names.Passphrase, "")
		}
		if vc.APIKeyName == "" {
			vc.APIKeyName = sm.GetSecretWithDefault(ctx, names.APIKeyName, "")
		}
		if vc.PrivateKeyPEM == "" {
			vc.PrivateKeyPEM = sm.GetSecretWithDefault(ctx, names.PrivateKeyPEM, "")
		}
	}
}

func (c *Config) Validate() error {
	if len(c.Venues) < 2 {
		return fmt.Errorf("at least two venues are required, got %d", len(c.Venues))
	}
	seen := make(map[string]bool, len(c.Venues))
	for _, vc := range c.Venues {
		if vc.Name == "" {
			return fmt.Errorf("venue name is required")
		}
		key := strings.ToLower(vc.Name)
		if seen[key] {
			return fmt.Errorf("duplicate venue %q", vc.Name)
		}
		seen[key] = true
		if vc.FundingIntervalSec <= 0 {
			return fmt.Errorf("venue %s: funding_interval must be positive", vc.Name)
		}
		if vc.Quote == "" {
			return fmt.Errorf("venue %s: quote is required", vc.Name)
		}
		if vc.BaseURL == "" {
			return fmt.Errorf("venue %s: base_url is required", vc.Name)
		}
		// live legs are only ever confirmed through the event stream
		if !vc.Paper && vc.StreamURL == "" {
			return fmt.Errorf("venue %s: stream_url is required unless paper is set", vc.Name)
		}
		switch vc.AuthType {
		case "", "none", "hmac", "jwt":
		default:
			return fmt.Errorf("venue %s: unknown auth_type %q", vc.Name, vc.AuthType)
		}
	}

	s := c.Strategy
	if len(s.Tokens) == 0 {
		return fmt.Errorf("strategy.tokens must not be empty")
	}
	if s.PositionSizeUSD <= 0 {
		return fmt.Errorf("strategy.position_size_usd must be positive")
	}
	if s.Leverage <= 0 {
		return fmt.Errorf("strategy.leverage must be positive")
	}
	if s.MinSpreadHourly <= 0 || s.ExitMinSpreadHourly < 0 {
		return fmt.Errorf("strategy spread thresholds must be positive")
	}
	if s.CompressionThreshold < 0 || s.CompressionThreshold > 1 {
		return fmt.Errorf("strategy.compression_threshold must be within [0, 1]")
	}
	if s.MaxLossPct <= 0 || s.MaxLossPct >= 1 {
		return fmt.Errorf("strategy.max_loss_pct must be within (0, 1)")
	}
	if s.MaxPositionDurationHours <= 0 {
		return fmt.Errorf("strategy.max_position_duration_hours must be positive")
	}
	if s.PriceBuffer < 0 || s.MarginBuffer < 0 {
		return fmt.Errorf("strategy price and margin buffers must not be negative")
	}
	if s.TickInterval <= 0 {
		return fmt.Errorf("strategy.tick_interval must be positive")
	}
	if s.PendingTimeout < 0 {
		return fmt.Errorf("strategy.pending_timeout must not be negative")
	}

	switch c.Events.Backend {
	case "", "none", "redis", "kafka":
	default:
		return fmt.Errorf("unknown events.backend %q", c.Events.Backend)
	}
	return nil
}

// TraderConfig maps the strategy section onto the engine configuration.
func (c *Config) TraderConfig() trader.Config {
	s := c.Strategy

	tokens := make([]string, 0, len(s.Tokens))
	for _, t := range s.Tokens {
		tokens = append(tokens, strings.ToUpper(t))
	}

	// viper lowercases map keys; restore the configured venue names.
	caps := make(map[string]map[string]float64, len(s.LeverageCaps))
	for token, venues := range s.LeverageCaps {
		byVenue := make(map[string]float64, len(venues))
		for name, limit := range venues {
			byVenue[c.venueName(name)] = limit
		}
		caps[strings.ToUpper(token)] = byVenue
	}

	return trader.Config{
		Tokens:          tokens,
		PositionSize:    s.PositionSizeUSD,
		Leverage:        s.Leverage,
		LeverageCaps:    caps,
		MarginBuffer:    s.MarginBuffer,
		PriceBuffer:     s.PriceBuffer,
		MinHourlySpread: s.MinSpreadHourly,
		MinVolume24h:    s.MinVolume24h,
		Exit: trader.ExitRules{
			MinHourlySpread:      s.ExitMinSpreadHourly,
			CompressionThreshold: s.CompressionThreshold,
			MaxDuration:          time.Duration(s.MaxPositionDurationHours * float64(time.Hour)),
			MaxLossPct:           s.MaxLossPct,
		},
		TickInterval:     s.TickInterval,
		PendingTimeout:   s.PendingTimeout,
		MaxNewPerTick:    s.MaxNewPositionsPerTick,
		MaxOpenPositions: s.MaxOpenPositions,
	}
}

func (c *Config) venueName(name string) string {
	for _, vc := range c.Venues {
		if strings.EqualFold(vc.Name, name) {
			return vc.Name
		}
	}
	return name
}
