package service

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-search-cache/internal/models"
)

// requestCoalescer prevents cache stampede by coalescing concurrent fetches for the same key.
// A key's slot is released before its waiters are woken, so a call arriving after
// completion always starts a fresh fetch.
type requestCoalescer struct {
	group singleflight.Group
}

func newRequestCoalescer() *requestCoalescer {
	return &requestCoalescer{}
}

// GetOrDo runs fn unless a fetch for key is already in flight, in which case it waits for
// that one. Every waiter gets the identical value or error. ctx only bounds this caller's
// wait: when it ends, GetOrDo returns ctx.Err() and fn keeps running for the others.
// joined reports whether this caller attached to someone else's fetch. It is only
// known once the result arrives, so an abandoned wait always reports joined=false.
//
// fn must not panic; singleflight re-panics on a fresh goroutine.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.WeatherRecord, error)) (rec models.WeatherRecord, joined bool, err error) {
	led := false
	ch := rc.group.DoChan(key, func() (interface{}, error) {
		led = true
		return fn()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.WeatherRecord{}, !led, res.Err
		}
		rec, ok := res.Val.(models.WeatherRecord)
		if !ok {
			return models.WeatherRecord{}, !led, fmt.Errorf("%w: unexpected fetch result %T", ErrInternal, res.Val)
		}
		return rec, !led, nil
	case <-ctx.Done():
		// led is written on the fetch goroutine and may not be set yet; do not read it here.
		return models.WeatherRecord{}, false, ctx.Err()
	}
}
