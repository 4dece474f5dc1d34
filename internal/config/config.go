package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Mission   MissionConfig   `yaml:"mission" mapstructure:"mission"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Judges    JudgesConfig    `yaml:"judges" mapstructure:"judges"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Geofence  GeofenceConfig  `yaml:"geofence" mapstructure:"geofence"`
	Coupon    CouponConfig    `yaml:"coupon" mapstructure:"coupon"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend and the per-key lock used to
// serialize session and coupon mutations.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Lock        string `yaml:"lock" mapstructure:"lock"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// RedisConfig holds the connection used by the distributed lock.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// MissionConfig configures session lifetime and quotas.
type MissionConfig struct {
	TTLMinutes       int    `yaml:"ttl_minutes" mapstructure:"ttl_minutes"`
	MaxSubmissions   int    `yaml:"max_submissions" mapstructure:"max_submissions"`
	SiteRadiusMeters int    `yaml:"site_radius_meters" mapstructure:"site_radius_meters"`
	DefaultSiteID    string `yaml:"default_site_id" mapstructure:"default_site_id"`
	CatalogPath      string `yaml:"catalog_path" mapstructure:"catalog_path"`
	Timezone         string `yaml:"timezone" mapstructure:"timezone"`
	SkipMetadata     bool   `yaml:"skip_metadata" mapstructure:"skip_metadata"`

	// Pin today's answer instead of the daily pick; empty means no pin.
	DefaultAnswerLocation   string `yaml:"default_answer_location" mapstructure:"default_answer_location"`
	DefaultAnswerAtmosphere string `yaml:"default_answer_atmosphere" mapstructure:"default_answer_atmosphere"`
}

// PipelineConfig configures judge selection and evidence fusion.
type PipelineConfig struct {
	LocationThreshold   float64                       `yaml:"location_threshold" mapstructure:"location_threshold"`
	AtmosphereThreshold float64                       `yaml:"atmosphere_threshold" mapstructure:"atmosphere_threshold"`
	LocationSelection   string                        `yaml:"location_selection" mapstructure:"location_selection"`
	AtmosphereSelection string                        `yaml:"atmosphere_selection" mapstructure:"atmosphere_selection"`
	LocationEnsemble    string                        `yaml:"location_ensemble" mapstructure:"location_ensemble"`
	AtmosphereEnsemble  string                        `yaml:"atmosphere_ensemble" mapstructure:"atmosphere_ensemble"`
	Weights             map[string]map[string]float64 `yaml:"weights" mapstructure:"weights"`
	JudgeTimeoutSecs    int                           `yaml:"judge_timeout_secs" mapstructure:"judge_timeout_secs"`
	ParallelFanout      bool                          `yaml:"parallel_fanout" mapstructure:"parallel_fanout"`
}

// JudgesConfig configures the HTTP inference endpoints behind each judge.
type JudgesConfig struct {
	BaseURL          string            `yaml:"base_url" mapstructure:"base_url"`
	Endpoints        map[string]string `yaml:"endpoints" mapstructure:"endpoints"`
	CaptionURL       string            `yaml:"caption_url" mapstructure:"caption_url"`
	RateLimitRPS     float64           `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RetryAttempts    int               `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs   int               `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	CircuitFailures  int               `yaml:"circuit_failures" mapstructure:"circuit_failures"`
	CircuitResetSecs int               `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// AnthropicConfig holds settings for hint generation and mood verification.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// GeofenceConfig is the bounding box photos must be taken inside.
type GeofenceConfig struct {
	MinLat float64 `yaml:"min_lat" mapstructure:"min_lat"`
	MaxLat float64 `yaml:"max_lat" mapstructure:"max_lat"`
	MinLon float64 `yaml:"min_lon" mapstructure:"min_lon"`
	MaxLon float64 `yaml:"max_lon" mapstructure:"max_lon"`
}

// CouponConfig configures reward issuance.
type CouponConfig struct {
	DefaultDiscountRule string `yaml:"default_discount_rule" mapstructure:"default_discount_rule"`
	LifetimeDays        int    `yaml:"lifetime_days" mapstructure:"lifetime_days"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxUploadMB int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml and environment.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom reads configuration from path, or ./config.yaml when path is
// empty, and the environment. Only the default file may be missing.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("MISSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "mission.db")
	v.SetDefault("store.lock", "local")
	v.SetDefault("store.lock_ttl_secs", 10)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_upload_mb", 20)
	v.SetDefault("mission.ttl_minutes", 60)
	v.SetDefault("mission.max_submissions", 3)
	v.SetDefault("mission.site_radius_meters", 300)
	v.SetDefault("mission.default_site_id", "pazule-default")
	v.SetDefault("mission.catalog_path", "missions.yaml")
	v.SetDefault("mission.timezone", "Asia/Seoul")
	v.SetDefault("mission.default_answer_location", "")
	v.SetDefault("mission.default_answer_atmosphere", "")
	v.SetDefault("pipeline.location_threshold", 0.70)
	v.SetDefault("pipeline.atmosphere_threshold", 0.62)
	v.SetDefault("pipeline.location_selection", "blip")
	v.SetDefault("pipeline.atmosphere_selection", "ensemble")
	v.SetDefault("pipeline.location_ensemble", "blip,qwen,clip")
	v.SetDefault("pipeline.atmosphere_ensemble", "siglip2,qwen,blip,clip")
	v.SetDefault("pipeline.judge_timeout_secs", 30)
	v.SetDefault("pipeline.parallel_fanout", true)
	v.SetDefault("judges.base_url", "http://localhost:9000")
	v.SetDefault("judges.rate_limit_rps", 5.0)
	v.SetDefault("judges.retry_attempts", 2)
	v.SetDefault("judges.retry_backoff_ms", 250)
	v.SetDefault("judges.circuit_failures", 5)
	v.SetDefault("judges.circuit_reset_secs", 30)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("geofence.min_lat", 37.704316)
	v.SetDefault("geofence.max_lat", 37.719660)
	v.SetDefault("geofence.min_lon", 126.683397)
	v.SetDefault("geofence.max_lon", 126.690022)
	v.SetDefault("coupon.default_discount_rule", "10%_OFF")
	v.SetDefault("coupon.lifetime_days", 7)
}

// Validate checks that the loaded values are usable.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}
	switch c.Store.Lock {
	case "local", "redis":
	default:
		return eris.Errorf("config: unsupported lock %q", c.Store.Lock)
	}
	for name, th := range map[string]float64{
		"pipeline.location_threshold":   c.Pipeline.LocationThreshold,
		"pipeline.atmosphere_threshold": c.Pipeline.AtmosphereThreshold,
	} {
		if th < 0 || th > 1 {
			return eris.Errorf("config: %s must be within [0,1], got %v", name, th)
		}
	}
	if c.Mission.MaxSubmissions <= 0 {
		return eris.New("config: mission.max_submissions must be positive")
	}
	if c.Mission.TTLMinutes <= 0 {
		return eris.New("config: mission.ttl_minutes must be positive")
	}
	if c.Geofence.MinLat > c.Geofence.MaxLat || c.Geofence.MinLon > c.Geofence.MaxLon {
		return eris.New("config: geofence min must not exceed max")
	}
	return nil
}

// ParseList splits a comma-separated judge list into trimmed, lower-cased names.
func ParseList(value string) []string {
	var out []string
	for _, tok := range strings.Split(value, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
