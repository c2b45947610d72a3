package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"oms/pkg/types"
)

// HTTPRepository serves instrument lookups from an immutable snapshot and
// refreshes that snapshot from a reference-data HTTP endpoint. Refresh
// failures keep the previous snapshot; a circuit breaker stops hammering a
// broken endpoint. Every successful refresh is mirrored to a cache file so
// a restart can come up while the endpoint is down.
type HTTPRepository struct {
	http      *resty.Client
	breaker   *gobreaker.CircuitBreaker
	interval  time.Duration
	cachePath string
	logger    *slog.Logger

	snapshot atomic.Pointer[Snapshot]

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHTTPRepository builds the repository and performs the initial load:
// the endpoint first, the cache file second. Both failing is a startup
// error.
func NewHTTPRepository(url, cachePath string, interval time.Duration, logger *slog.Logger) (*HTTPRepository, error) {
	r := &HTTPRepository{
		http: resty.New().
			SetBaseURL(url).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(resp *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return resp.StatusCode() >= 500
			}),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "instrument-refresh",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		interval:  interval,
		cachePath: cachePath,
		logger:    logger.With("component", "instruments"),
	}

	if err := r.refresh(context.Background()); err != nil {
		r.logger.Warn("initial refresh failed, falling back to cache", "error", err)
		if cachePath == "" {
			return nil, fmt.Errorf("load instruments: %w", err)
		}
		snap, cacheErr := LoadFile(cachePath)
		if cacheErr != nil {
			return nil, fmt.Errorf("load instruments: %w (cache: %v)", err, cacheErr)
		}
		r.snapshot.Store(snap)
	}
	return r, nil
}

// Find implements Repository.
func (r *HTTPRepository) Find(market types.Market, symbol string) (Instrument, bool) {
	return r.snapshot.Load().Find(market, symbol)
}

// Instruments implements Repository.
func (r *HTTPRepository) Instruments() []Instrument {
	return r.snapshot.Load().Instruments()
}

// Start launches the periodic refresh loop. A zero interval disables it.
func (r *HTTPRepository) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.interval <= 0 {
		return
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop halts the refresh loop and waits for it to exit.
func (r *HTTPRepository) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.cancel()
	<-r.done
	r.started = false
}

func (r *HTTPRepository) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.refresh(ctx); err != nil {
				r.logger.Warn("refresh failed, keeping previous snapshot", "error", err)
			}
		}
	}
}

func (r *HTTPRepository) refresh(ctx context.Context) error {
	out, err := r.breaker.Execute(func() (any, error) {
		resp, err := r.http.R().SetContext(ctx).Get("")
		if err != nil {
			return nil, fmt.Errorf("get instruments: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("get instruments: status %d: %s", resp.StatusCode(), resp.String())
		}
		return decodeInstruments(resp.Body())
	})
	if err != nil {
		return err
	}
	instruments := out.([]Instrument)

	r.snapshot.Store(NewSnapshot(instruments))
	r.logger.Info("instruments refreshed", "count", len(instruments))

	if r.cachePath != "" {
		if err := saveCache(r.cachePath, instruments); err != nil {
			r.logger.Warn("cache write failed", "path", r.cachePath, "error", err)
		}
	}
	return nil
}
