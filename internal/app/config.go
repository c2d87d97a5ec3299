package app

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/database"
	"github.com/driftline/driftline/internal/strategy"
	apperrors "github.com/driftline/driftline/pkg/errors"
	"github.com/driftline/driftline/pkg/validator"
)

// Config represents the runtime configuration for the driftline engine.
type Config struct {
	LogLevel     string             `mapstructure:"log_level"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Strategy     StrategyConfig     `mapstructure:"strategy"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Maintenance  MaintenanceConfig  `mapstructure:"maintenance"`
}

// DatabaseConfig describes connection options for the persistent store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

// CacheConfig enumerates the cache tables and the install-time precache list.
type CacheConfig struct {
	Tables   map[string]TableSettings `mapstructure:"tables"`
	Precache []string                 `mapstructure:"precache"`
}

// TableSettings fixes one table's bookkeeping rules.
type TableSettings struct {
	MaxEntries int           `mapstructure:"max_entries" validate:"gte=0"`
	MaxAge     time.Duration `mapstructure:"max_age" validate:"gte=0"`
}

// StrategyConfig holds the ordered URL→strategy pattern table.
type StrategyConfig struct {
	NetworkTimeout time.Duration  `mapstructure:"network_timeout" validate:"gte=0"`
	Default        RuleSettings   `mapstructure:"default"`
	Rules          []RuleSettings `mapstructure:"rules"`
}

// RuleSettings is one row of the pattern table.
type RuleSettings struct {
	Method   string `mapstructure:"method"`
	Pattern  string `mapstructure:"pattern"`
	Strategy string `mapstructure:"strategy"`
	Table    string `mapstructure:"table"`
}

// QueueConfig tunes the offline sync queue.
type QueueConfig struct {
	MaxRetries  int           `mapstructure:"max_retries" validate:"gte=0"`
	Workers     int           `mapstructure:"workers" validate:"gte=0"`
	BackoffBase time.Duration `mapstructure:"backoff_base" validate:"gte=0"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" validate:"gte=0"`
}

// ConnectivityConfig tunes the optional connectivity probe.
type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" validate:"gte=0"`
}

// MaintenanceConfig schedules the background cache sweep.
type MaintenanceConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// LoadConfig initialises configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("DRIFTLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyFallbacks(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/driftline.sqlite")

	v.SetDefault("strategy.network_timeout", "3s")

	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.workers", 3)
	v.SetDefault("queue.backoff_base", "500ms")
	v.SetDefault("queue.backoff_max", "30s")

	v.SetDefault("connectivity.probe_interval", "15s")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.sweep_schedule", "@hourly")
}

// applyFallbacks fills the structured sections viper defaults cannot express.
func applyFallbacks(cfg *Config) {
	if len(cfg.Cache.Tables) == 0 {
		cfg.Cache.Tables = map[string]TableSettings{
			"static": {MaxEntries: 60, MaxAge: 7 * 24 * time.Hour},
			"api":    {MaxEntries: 50, MaxAge: 5 * time.Minute},
			"media":  {MaxEntries: 40, MaxAge: 30 * 24 * time.Hour},
		}
	}

	if cfg.Strategy.Default == (RuleSettings{}) {
		cfg.Strategy.Default = RuleSettings{
			Strategy: string(strategy.KindNetworkFirst),
			Table:    firstTable(cfg.Cache.Tables, "api"),
		}
	}

	if len(cfg.Strategy.Rules) == 0 && tableExists(cfg.Cache.Tables, "static", "api", "media") {
		cfg.Strategy.Rules = []RuleSettings{
			{Pattern: `\.(?:png|jpe?g|svg|gif|webp|ico)(?:\?|$)`, Strategy: string(strategy.KindCacheFirst), Table: "media"},
			{Pattern: `\.(?:js|css|woff2?)(?:\?|$)`, Strategy: string(strategy.KindCacheFirst), Table: "static"},
			{Pattern: `/api/models`, Strategy: string(strategy.KindStaleWhileRevalidate), Table: "api"},
			{Pattern: `/api/`, Strategy: string(strategy.KindNetworkFirst), Table: "api"},
		}
	}
}

func firstTable(tables map[string]TableSettings, preferred string) string {
	if _, ok := tables[preferred]; ok {
		return preferred
	}
	for name := range tables {
		return name
	}
	return preferred
}

func tableExists(tables map[string]TableSettings, names ...string) bool {
	for _, name := range names {
		if _, ok := tables[name]; !ok {
			return false
		}
	}
	return true
}

// Validate checks the configuration, surfacing failures as ConfigErrors.
func (c *Config) Validate() error {
	if err := validator.ValidateStruct(c); err != nil {
		return apperrors.ErrConfig.WithInternal(err)
	}

	if len(c.Cache.Tables) == 0 {
		return apperrors.NewConfig("at least one cache table must be configured")
	}
	for name := range c.Cache.Tables {
		if strings.TrimSpace(name) == "" {
			return apperrors.NewConfig("cache table name must not be empty")
		}
	}

	rules := append([]RuleSettings{}, c.Strategy.Rules...)
	rules = append(rules, c.Strategy.Default)
	for _, rule := range rules {
		if !strategy.KnownKind(strategy.Kind(rule.Strategy)) {
			return apperrors.NewConfig(fmt.Sprintf("unknown strategy %q", rule.Strategy))
		}
		if _, ok := c.Cache.Tables[rule.Table]; !ok {
			return apperrors.NewConfig(fmt.Sprintf("strategy rule references unknown table %q", rule.Table))
		}
		if rule.Pattern != "" {
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return apperrors.NewConfig(fmt.Sprintf("invalid pattern %q: %v", rule.Pattern, err))
			}
		}
	}
	for _, rule := range c.Strategy.Rules {
		if rule.Pattern == "" {
			return apperrors.NewConfig("strategy rule requires a pattern")
		}
	}

	return nil
}

// StoreConfig converts the section into the database package representation.
func (c DatabaseConfig) StoreConfig() database.Config {
	return database.Config{
		Driver:   strings.TrimSpace(c.Driver),
		Path:     strings.TrimSpace(c.Path),
		DSN:      strings.TrimSpace(c.DSN),
		Host:     strings.TrimSpace(c.Host),
		Port:     c.Port,
		User:     strings.TrimSpace(c.User),
		Password: c.Password,
		Name:     strings.TrimSpace(c.Name),
	}
}

// TableConfigs converts the cache section into the cache package representation.
func (c CacheConfig) TableConfigs() map[string]cache.TableConfig {
	tables := make(map[string]cache.TableConfig, len(c.Tables))
	for name, settings := range c.Tables {
		tables[name] = cache.TableConfig{
			MaxEntries: settings.MaxEntries,
			MaxAge:     settings.MaxAge,
		}
	}
	return tables
}

// CompileRules converts the strategy section into compiled rules. Validate
// must have passed first; compile failures here are reported all the same.
func (c StrategyConfig) CompileRules() ([]strategy.Rule, strategy.Rule, error) {
	rules := make([]strategy.Rule, 0, len(c.Rules))
	for _, settings := range c.Rules {
		pattern, err := regexp.Compile(settings.Pattern)
		if err != nil {
			return nil, strategy.Rule{}, apperrors.NewConfig(fmt.Sprintf("invalid pattern %q: %v", settings.Pattern, err))
		}
		rules = append(rules, strategy.Rule{
			Method:   strings.ToUpper(strings.TrimSpace(settings.Method)),
			Pattern:  pattern,
			Strategy: strategy.Kind(settings.Strategy),
			Table:    settings.Table,
		})
	}

	fallback := strategy.Rule{
		Strategy: strategy.Kind(c.Default.Strategy),
		Table:    c.Default.Table,
	}
	if c.Default.Pattern != "" {
		pattern, err := regexp.Compile(c.Default.Pattern)
		if err != nil {
			return nil, strategy.Rule{}, apperrors.NewConfig(fmt.Sprintf("invalid pattern %q: %v", c.Default.Pattern, err))
		}
		fallback.Pattern = pattern
	}

	return rules, fallback, nil
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
