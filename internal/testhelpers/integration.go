//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-search-cache/internal/cache"
	"github.com/kjstillabower/weather-search-cache/internal/circuitbreaker"
	"github.com/kjstillabower/weather-search-cache/internal/client"
	"github.com/kjstillabower/weather-search-cache/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey     string
	APIURL     string
	MaxEntries int
	TTL        time.Duration
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}

	apiURL := os.Getenv("WEATHER_API_URL")
	if apiURL == "" {
		apiURL = "https://api.openweathermap.org/data/2.5/weather"
	}

	return IntegrationTestConfig{
		APIKey:     apiKey,
		APIURL:     apiURL,
		MaxEntries: 100,
		TTL:        10 * time.Minute,
	}
}

// SetupIntegrationService wires a live client, breaker and store into a WeatherService.
// The store is returned so tests can inspect its counters.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig, logger *zap.Logger) (*service.WeatherService, *cache.Store) {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	weatherClient := SetupIntegrationClient(t, cfg)
	store := cache.NewStore(cache.Options{MaxEntries: cfg.MaxEntries, TTL: cfg.TTL, Logger: logger})
	return service.NewWeatherService(weatherClient, store, 10*time.Second, logger), store
}

// SetupIntegrationClient creates a retrying weather client guarded by a circuit breaker.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenWeatherClient {
	t.Helper()
	c, err := client.NewOpenWeatherClientWithRetry(cfg.APIKey, cfg.APIURL, 5*time.Second, 2, 100*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClientWithRetry() error = %v", err)
	}
	c.SetCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{
		Component: "weather_api",
		IsFailure: client.CountsAsBreakerFailure,
	}))
	return c
}
