package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kjstillabower/weather-search-cache/internal/client"
)

// Lookup failures. Every error returned by GetWeather matches exactly one of these
// with errors.Is; the upstream cause stays wrapped underneath.
var (
	// ErrInvalidInput means the city was empty or whitespace. Nothing was looked up.
	ErrInvalidInput = errors.New("invalid input: city is required")
	// ErrCityNotFound means the provider does not know the city.
	ErrCityNotFound = errors.New("city not found")
	// ErrUpstreamUnavailable covers server errors, timeouts, open circuits, malformed
	// responses and callers that stopped waiting.
	ErrUpstreamUnavailable = errors.New("weather provider unavailable")
	// ErrInternal is a failure inside the lookup path itself.
	ErrInternal = errors.New("internal error")
)

// classifyFetchError maps an upstream client error onto the lookup taxonomy.
func classifyFetchError(err error) error {
	if client.Classify(err) == client.FetchNotFound {
		return fmt.Errorf("%w: %w", ErrCityNotFound, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}

// classifyWaitError makes sure an error coming back from the coalescer carries exactly
// one lookup sentinel.
func classifyWaitError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrCityNotFound),
		errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrInternal):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
}

// resultLabel is the weatherLookupsTotal label for a failed lookup.
func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	case errors.Is(err, ErrCityNotFound):
		return "not_found"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}
