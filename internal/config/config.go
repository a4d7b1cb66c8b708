package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from .env, YAML and environment overrides.
type Config struct {
	ServerPort string `validate:"required,numeric"`

	WeatherAPIKey     string        `validate:"required"`
	WeatherAPIURL     string        `validate:"required,url"`
	WeatherAPITimeout time.Duration `validate:"gt=0"`

	RequestTimeout time.Duration `validate:"gt=0"`

	CacheMaxSize         int           `validate:"min=1"`
	CacheTTL             time.Duration `validate:"gt=0"`
	CacheFetchTimeout    time.Duration `validate:"gt=0"`
	CacheCleanupInterval time.Duration `validate:"gt=0"`

	RetryAttempts  int           `validate:"min=1,max=10"`
	RetryBaseDelay time.Duration `validate:"gt=0"`
	RetryMaxDelay  time.Duration `validate:"gtefield=RetryBaseDelay"`
	RateLimitRPS   int           `validate:"min=1"`
	RateLimitBurst int           `validate:"min=1"`

	CircuitBreaker CircuitBreakerConfig

	CORSAllowedOrigins []string `validate:"dive,required"`

	WarmingEnabled  bool
	WarmingInterval time.Duration `validate:"gt=0"`
	WarmingCities   []string

	TrackedCities []string

	DegradedWindow   time.Duration `validate:"gt=0,lte=5m"`
	DegradedErrorPct int           `validate:"min=1,max=100"`

	ShutdownTimeout time.Duration `validate:"gt=0"`
	InFlightTimeout time.Duration `validate:"gt=0"`

	TracingEndpoint    string
	TracingServiceName string `validate:"required"`

	CityMinLength int `validate:"min=1"`
	CityMaxLength int `validate:"gtefield=CityMinLength"`
}

// CircuitBreakerConfig configures the breaker around upstream calls.
type CircuitBreakerConfig struct {
	FailureThreshold int           `validate:"min=1"`
	SuccessThreshold int           `validate:"min=1"`
	Timeout          time.Duration `validate:"gt=0"`
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		MaxSize         int    `yaml:"max_size"`
		TTL             string `yaml:"ttl"`
		FetchTimeout    string `yaml:"fetch_timeout"`
		CleanupInterval string `yaml:"cleanup_interval"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`

	Warming struct {
		Enabled  *bool    `yaml:"enabled"`
		Interval string   `yaml:"interval"`
		Cities   []string `yaml:"cities"`
	} `yaml:"warming"`

	Metrics struct {
		TrackedCities []string `yaml:"tracked_cities"`
	} `yaml:"metrics"`

	Health struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout         string `yaml:"timeout"`
		InFlightTimeout string `yaml:"in_flight_timeout"`
	} `yaml:"shutdown"`

	Tracing struct {
		Endpoint    string `yaml:"endpoint"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"tracing"`

	Validation struct {
		CityMinLength int `yaml:"city_min_length"`
		CityMaxLength int `yaml:"city_max_length"`
	} `yaml:"validation"`
}

// envOverrides are optional environment overrides applied after the YAML file.
// Unset variables leave the pointer nil.
type envOverrides struct {
	CacheMaxSize       *int           `envconfig:"CACHE_MAX_SIZE"`
	CacheTTL           *time.Duration `envconfig:"CACHE_TTL"`
	CacheFetchTimeout  *time.Duration `envconfig:"CACHE_FETCH_TIMEOUT"`
	ServerPort         *string        `envconfig:"SERVER_PORT"`
	WeatherAPIURL      *string        `envconfig:"WEATHER_API_URL"`
	CORSAllowedOrigins []string       `envconfig:"CORS_ALLOWED_ORIGINS"`
	TracingEndpoint    *string        `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

var validate = validator.New()

// Load reads configuration from .env, config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml, then applies environment overrides. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}

	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := fromFile(fc)

	cfg.WeatherAPIKey, err = loadAPIKey(cwd)
	if err != nil {
		return nil, err
	}
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	adjust(cfg)
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func fromFile(fc fileConfig) *Config {
	cfg := &Config{}

	cfg.ServerPort = strings.TrimSpace(fc.Server.Port)
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.WeatherAPIURL = strings.TrimSpace(fc.WeatherAPI.URL)
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	cfg.WeatherAPITimeout = parseDuration(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)

	cfg.CacheMaxSize = fc.Cache.MaxSize
	if cfg.CacheMaxSize <= 0 {
		cfg.CacheMaxSize = 100
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.CacheFetchTimeout = parseDuration(fc.Cache.FetchTimeout, 10*time.Second)
	cfg.CacheCleanupInterval = parseDuration(fc.Cache.CleanupInterval, time.Minute)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreaker.FailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	cfg.CircuitBreaker.SuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreaker.SuccessThreshold <= 0 {
		cfg.CircuitBreaker.SuccessThreshold = 2
	}
	cfg.CircuitBreaker.Timeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.CORSAllowedOrigins = trimAll(fc.CORS.AllowedOrigins)
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"http://localhost:3000"}
	}

	cfg.WarmingEnabled = true
	if fc.Warming.Enabled != nil {
		cfg.WarmingEnabled = *fc.Warming.Enabled
	}
	cfg.WarmingInterval = parseDuration(fc.Warming.Interval, 5*time.Minute)
	cfg.WarmingCities = trimAll(fc.Warming.Cities)

	cfg.TrackedCities = trimAll(fc.Metrics.TrackedCities)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)

	cfg.TracingEndpoint = strings.TrimSpace(fc.Tracing.Endpoint)
	cfg.TracingServiceName = strings.TrimSpace(fc.Tracing.ServiceName)
	if cfg.TracingServiceName == "" {
		cfg.TracingServiceName = "weather-search-cache"
	}

	cfg.CityMinLength = fc.Validation.CityMinLength
	if cfg.CityMinLength <= 0 {
		cfg.CityMinLength = 1
	}
	cfg.CityMaxLength = fc.Validation.CityMaxLength
	if cfg.CityMaxLength <= 0 {
		cfg.CityMaxLength = 100
	}
	return cfg
}

// loadAPIKey prefers WEATHER_API_KEY and falls back to config/secrets.yaml.
func loadAPIKey(cwd string) (string, error) {
	if key := strings.TrimSpace(os.Getenv("WEATHER_API_KEY")); key != "" {
		return key, nil
	}
	secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
	data, err := os.ReadFile(secretsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.WeatherAPIKey), nil
}

func applyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process("", &o); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}
	if o.CacheMaxSize != nil {
		cfg.CacheMaxSize = *o.CacheMaxSize
	}
	if o.CacheTTL != nil {
		cfg.CacheTTL = *o.CacheTTL
	}
	if o.CacheFetchTimeout != nil {
		cfg.CacheFetchTimeout = *o.CacheFetchTimeout
	}
	if o.ServerPort != nil {
		cfg.ServerPort = strings.TrimSpace(*o.ServerPort)
	}
	if o.WeatherAPIURL != nil {
		cfg.WeatherAPIURL = strings.TrimSpace(*o.WeatherAPIURL)
	}
	if len(o.CORSAllowedOrigins) > 0 {
		cfg.CORSAllowedOrigins = trimAll(o.CORSAllowedOrigins)
	}
	if o.TracingEndpoint != nil {
		cfg.TracingEndpoint = strings.TrimSpace(*o.TracingEndpoint)
	}
	return nil
}

// adjust keeps the timeout chain consistent: one lookup fetch must outlast a single
// upstream attempt, and the request must outlast the fetch.
func adjust(cfg *Config) {
	if cfg.CacheFetchTimeout < cfg.WeatherAPITimeout {
		cfg.CacheFetchTimeout = cfg.WeatherAPITimeout
	}
	if cfg.RequestTimeout <= cfg.CacheFetchTimeout {
		cfg.RequestTimeout = cfg.CacheFetchTimeout + time.Second
	}
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
