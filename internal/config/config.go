package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/smacross/pkg/models"
	"github.com/gregtusar/smacross/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Assets     []string         `mapstructure:"assets" yaml:"assets"`
	Trading    TradingConfig    `mapstructure:"trading" yaml:"trading"`
	Averages   AveragesConfig   `mapstructure:"averages" yaml:"averages"`
	Schedule   ScheduleConfig   `mapstructure:"schedule" yaml:"schedule"`
	Timeseries TimeseriesConfig `mapstructure:"timeseries" yaml:"timeseries"`
	State      StateConfig      `mapstructure:"state" yaml:"state"`
	Feed       FeedConfig       `mapstructure:"feed" yaml:"feed"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Journal    JournalConfig    `mapstructure:"journal" yaml:"journal"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	GCP        GCPConfig        `mapstructure:"gcp" yaml:"gcp"`
}

type TradingConfig struct {
	// TradeFraction is the fraction of one asset unit bought or sold per trade.
	TradeFraction  string        `mapstructure:"trade_fraction" yaml:"trade_fraction"`
	InitialBalance string        `mapstructure:"initial_balance" yaml:"initial_balance"`
	BalanceKey     string        `mapstructure:"balance_key" yaml:"balance_key"`
	CASRetries     int           `mapstructure:"cas_retries" yaml:"cas_retries"`
	AssetTimeout   time.Duration `mapstructure:"asset_timeout" yaml:"asset_timeout"`
	PriceLookback  time.Duration `mapstructure:"price_lookback" yaml:"price_lookback"`
}

type WindowConfig struct {
	Size    int    `mapstructure:"size" yaml:"size"`
	Measure string `mapstructure:"measure" yaml:"measure"`
}

type AveragesConfig struct {
	Short             WindowConfig  `mapstructure:"short" yaml:"short"`
	Long              WindowConfig  `mapstructure:"long" yaml:"long"`
	PriceMeasure      string        `mapstructure:"price_measure" yaml:"price_measure"`
	SampleInterval    time.Duration `mapstructure:"sample_interval" yaml:"sample_interval"`
	HorizonMultiplier int           `mapstructure:"horizon_multiplier" yaml:"horizon_multiplier"`
	Lookback          time.Duration `mapstructure:"lookback" yaml:"lookback"`
}

type ScheduleConfig struct {
	IngestInterval time.Duration `mapstructure:"ingest_interval" yaml:"ingest_interval"`
	SMAInterval    time.Duration `mapstructure:"sma_interval" yaml:"sma_interval"`
	CycleInterval  time.Duration `mapstructure:"cycle_interval" yaml:"cycle_interval"`
}

type TimeseriesConfig struct {
	Driver  string `mapstructure:"driver" yaml:"driver"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	Migrate bool   `mapstructure:"migrate" yaml:"migrate"`
}

type StateConfig struct {
	Driver  string        `mapstructure:"driver" yaml:"driver"`
	URL     string        `mapstructure:"url" yaml:"url"`
	Bucket  string        `mapstructure:"bucket" yaml:"bucket"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type FeedConfig struct {
	Mode          string            `mapstructure:"mode" yaml:"mode"`
	BaseURL       string            `mapstructure:"base_url" yaml:"base_url"`
	WebSocketURL  string            `mapstructure:"websocket_url" yaml:"websocket_url"`
	Products      map[string]string `mapstructure:"products" yaml:"products"`
	RateLimit     float64           `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst         int               `mapstructure:"burst" yaml:"burst"`
	Timeout       time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	APIKeyName    string            `mapstructure:"api_key_name" yaml:"api_key_name"`
	PrivateKeyPEM string            `mapstructure:"private_key_pem" yaml:"-"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

type JournalConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id" yaml:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets" yaml:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file" yaml:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names" yaml:"-"`
}

func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/sma-trader")
	}

	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
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
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("assets", []string{"bitcoin"})

	v.SetDefault("trading.trade_fraction", "0.0005")
	v.SetDefault("trading.initial_balance", "1000")
	v.SetDefault("trading.balance_key", "balance")
	v.SetDefault("trading.cas_retries", 5)
	v.SetDefault("trading.asset_timeout", 10*time.Second)
	v.SetDefault("trading.price_lookback", 5*time.Minute)

	v.SetDefault("averages.short.size", 3)
	v.SetDefault("averages.short.measure", "sma_short")
	v.SetDefault("averages.long.size", 6)
	v.SetDefault("averages.long.measure", "sma_long")
	v.SetDefault("averages.price_measure", "price")
	v.SetDefault("averages.sample_interval", time.Minute)
	v.SetDefault("averages.horizon_multiplier", 10)
	v.SetDefault("averages.lookback", 40*time.Minute)

	v.SetDefault("schedule.ingest_interval", time.Minute)
	v.SetDefault("schedule.sma_interval", time.Minute)
	v.SetDefault("schedule.cycle_interval", time.Minute)

	v.SetDefault("timeseries.driver", "postgres")
	v.SetDefault("timeseries.dsn", "postgres://localhost:5432/prices")
	v.SetDefault("timeseries.migrate", true)

	v.SetDefault("state.driver", "nats")
	v.SetDefault("state.url", "nats://127.0.0.1:4222")
	v.SetDefault("state.bucket", "trade_state")
	v.SetDefault("state.timeout", 5*time.Second)

	v.SetDefault("feed.mode", "poll")
	v.SetDefault("feed.base_url", "https://api.exchange.coinbase.com")
	v.SetDefault("feed.websocket_url", "wss://ws-feed.exchange.coinbase.com")
	v.SetDefault("feed.products", map[string]string{"bitcoin": "BTC-USD"})
	v.SetDefault("feed.rate_limit", 3.0)
	v.SetDefault("feed.burst", 1)
	v.SetDefault("feed.timeout", 15*time.Second)

	v.SetDefault("server.port", 8080)
	v.SetDefault("journal.path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.feed_api_key_name", secretNames.FeedAPIKeyName)
	v.SetDefault("gcp.secret_names.feed_private_key", secretNames.FeedPrivateKey)
	v.SetDefault("gcp.secret_names.timeseries_dsn", secretNames.TimeseriesDSN)
	v.SetDefault("gcp.secret_names.state_url", secretNames.StateURL)
}

func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		config.Timeseries.DSN = dsn
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		config.State.URL = url
	}

	if keyName := os.Getenv("COINBASE_API_KEY_NAME"); keyName != "" {
		config.Feed.APIKeyName = keyName
	}
	if privateKey := os.Getenv("COINBASE_PRIVATE_KEY"); privateKey != "" {
		config.Feed.PrivateKeyPEM = privateKey
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	names := config.GCP.SecretNames
	if config.Feed.APIKeyName == "" {
		config.Feed.APIKeyName = secretManager.GetSecretWithDefault(ctx, names.FeedAPIKeyName, "")
	}
	if config.Feed.PrivateKeyPEM == "" {
		config.Feed.PrivateKeyPEM = secretManager.GetSecretWithDefault(ctx, names.FeedPrivateKey, "")
	}
	if os.Getenv("DATABASE_URL") == "" {
		config.Timeseries.DSN = secretManager.GetSecretWithDefault(ctx, names.TimeseriesDSN, config.Timeseries.DSN)
	}
	if os.Getenv("NATS_URL") == "" {
		config.State.URL = secretManager.GetSecretWithDefault(ctx, names.StateURL, config.State.URL)
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if len(c.Assets) == 0 {
		errs = append(errs, errors.New("at least one asset is required"))
	}
	seen := make(map[string]bool, len(c.Assets))
	for _, asset := range c.Assets {
		if asset == "" || seen[asset] {
			errs = append(errs, fmt.Errorf("asset %q is empty or repeated", asset))
		}
		seen[asset] = true
	}

	if fraction, err := decimal.NewFromString(c.Trading.TradeFraction); err != nil || !fraction.IsPositive() {
		errs = append(errs, fmt.Errorf("trading.trade_fraction must be a positive decimal, got %q", c.Trading.TradeFraction))
	}
	if initial, err := decimal.NewFromString(c.Trading.InitialBalance); err != nil || initial.IsNegative() {
		errs = append(errs, fmt.Errorf("trading.initial_balance must be a non-negative decimal, got %q", c.Trading.InitialBalance))
	}
	if c.Trading.AssetTimeout <= 0 {
		errs = append(errs, errors.New("trading.asset_timeout must be positive"))
	}

	if c.Averages.Short.Size < 1 || c.Averages.Long.Size < 1 {
		errs = append(errs, errors.New("averages window sizes must be positive"))
	} else if c.Averages.Short.Size >= c.Averages.Long.Size {
		errs = append(errs, fmt.Errorf("averages.short.size (%d) must be smaller than averages.long.size (%d)",
			c.Averages.Short.Size, c.Averages.Long.Size))
	}
	if c.Averages.Short.Measure == "" || c.Averages.Long.Measure == "" || c.Averages.Short.Measure == c.Averages.Long.Measure {
		errs = append(errs, errors.New("averages need distinct measure names"))
	}
	if c.Averages.SampleInterval <= 0 || c.Averages.HorizonMultiplier < 1 {
		errs = append(errs, errors.New("averages.sample_interval and averages.horizon_multiplier must be positive"))
	}

	switch c.Timeseries.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown timeseries.driver %q", c.Timeseries.Driver))
	}
	switch c.State.Driver {
	case "nats", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown state.driver %q", c.State.Driver))
	}
	switch c.Feed.Mode {
	case "poll", "stream":
	default:
		errs = append(errs, fmt.Errorf("unknown feed.mode %q", c.Feed.Mode))
	}
	for _, asset := range c.Assets {
		if c.Feed.Products[asset] == "" {
			errs = append(errs, fmt.Errorf("feed.products has no product for asset %q", asset))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) TradeFraction() decimal.Decimal {
	return decimal.RequireFromString(c.Trading.TradeFraction)
}

func (c *Config) InitialBalance() decimal.Decimal {
	return decimal.RequireFromString(c.Trading.InitialBalance)
}

func (c *Config) ShortWindow() models.Window {
	return models.Window{Label: models.WindowShort, Size: c.Averages.Short.Size, Measure: c.Averages.Short.Measure}
}

func (c *Config) LongWindow() models.Window {
	return models.Window{Label: models.WindowLong, Size: c.Averages.Long.Size, Measure: c.Averages.Long.Measure}
}

// HasFeedCredentials reports whether feed requests should be signed.
func (c *Config) HasFeedCredentials() bool {
	return c.Feed.APIKeyName != "" && c.Feed.PrivateKeyPEM != ""
}
