package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/weather-search-cache/internal/models"
)

type mockWeatherRefresher struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	count atomic.Int64
}

func (m *mockWeatherRefresher) Refresh(ctx context.Context, city string) (models.WeatherRecord, error) {
	m.count.Add(1)
	m.mu.Lock()
	m.calls = append(m.calls, city)
	m.mu.Unlock()
	if err := m.fail[city]; err != nil {
		return models.WeatherRecord{}, err
	}
	return models.WeatherRecord{CityName: city, Temperature: 10}, nil
}

// TestCacheWarmer_Warm_Success verifies that every city is refreshed once.
func TestCacheWarmer_Warm_Success(t *testing.T) {
	refresher := &mockWeatherRefresher{}
	warmer := NewCacheWarmer(refresher, nil)

	err := warmer.Warm(context.Background(), []string{"seattle", "boston"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"seattle", "boston"}, refresher.calls)
}

// TestCacheWarmer_Warm_EmptyCities verifies that nil and empty lists are no-ops.
func TestCacheWarmer_Warm_EmptyCities(t *testing.T) {
	refresher := &mockWeatherRefresher{}
	warmer := NewCacheWarmer(refresher, nil)

	require.NoError(t, warmer.Warm(context.Background(), nil))
	require.NoError(t, warmer.Warm(context.Background(), []string{}))
	assert.Zero(t, refresher.count.Load())
}

// TestCacheWarmer_Warm_PartialFailure verifies that failures are joined and the
// remaining cities are still refreshed.
func TestCacheWarmer_Warm_PartialFailure(t *testing.T) {
	apiDown := errors.New("api down")
	refresher := &mockWeatherRefresher{fail: map[string]error{"atlantis": apiDown}}
	warmer := NewCacheWarmer(refresher, nil)

	err := warmer.Warm(context.Background(), []string{"seattle", "atlantis"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apiDown)
	assert.Contains(t, err.Error(), "warm atlantis")
	assert.Len(t, refresher.calls, 2)
}

// TestCacheWarmer_WarmPeriodic_RunsUntilCancelled verifies that the first run happens
// right away and the call returns once ctx is cancelled.
func TestCacheWarmer_WarmPeriodic_RunsUntilCancelled(t *testing.T) {
	refresher := &mockWeatherRefresher{}
	warmer := NewCacheWarmer(refresher, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- warmer.WarmPeriodic(ctx, []string{"seattle"}, time.Hour) }()

	require.Eventually(t, func() bool { return refresher.count.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("WarmPeriodic() did not return after cancel")
	}
}

// TestCacheWarmer_WarmPeriodic_RejectsZeroInterval verifies that a non-positive
// interval is refused up front.
func TestCacheWarmer_WarmPeriodic_RejectsZeroInterval(t *testing.T) {
	warmer := NewCacheWarmer(&mockWeatherRefresher{}, nil)
	err := warmer.WarmPeriodic(context.Background(), []string{"seattle"}, 0)
	require.Error(t, err)
}
