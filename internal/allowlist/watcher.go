package allowlist

import (
	"context"
	"fmt"
	"time"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/log"
)

const (
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff after consecutive version check failures.
	maxBackoff = 5 * time.Minute

	defaultStaleThreshold = 30 * time.Minute
)

type pollResult int

const (
	pollNoChange pollResult = iota
	pollSwapped
	pollVersionError // source unreachable; back off
	pollLoadError    // version changed but the new document could not be loaded or built
)

// SnapshotLoader is what the Watcher needs from a *Loader.
type SnapshotLoader interface {
	Version(ctx context.Context) (string, error)
	Load(ctx context.Context) (*Snapshot, error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncAllowlistPolls()
	IncAllowlistSwaps()
	IncAllowlistError(stage string)
	ObserveAllowlistLoadDuration(seconds float64)
	SetAllowlistLastSuccess(unixSeconds float64)
	SetAllowlistStale(stale bool)
}

type WatcherOptions struct {
	Logger       log.Logger
	Loader       SnapshotLoader
	Manager      *Manager
	PollInterval time.Duration

	// Events triggers an immediate check, for example FileSource.Events.
	// Optional.
	Events <-chan struct{}

	// OnSwap runs on the watcher goroutine after each successful swap.
	OnSwap func(s *Snapshot)

	Metrics WatcherMetrics

	// StaleThreshold is how long version checks may keep failing before the
	// watcher reports the allow-list as stale. Zero means 30 minutes.
	StaleThreshold time.Duration
}

// Watcher reloads the allow-list when its source version changes. A document
// that fails to load or validate never replaces the active one.
type Watcher struct {
	loader   SnapshotLoader
	manager  *Manager
	logger   log.Logger
	interval time.Duration
	events   <-chan struct{}
	onSwap   func(*Snapshot)
	metrics  WatcherMetrics

	currentVersion  string
	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount int64
	swapCount int64
}

func NewWatcher(opts *WatcherOptions) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	stale := opts.StaleThreshold
	if stale <= 0 {
		stale = defaultStaleThreshold
	}

	return &Watcher{
		loader:         opts.Loader,
		manager:        opts.Manager,
		logger:         logger.With("component", "allowlist-watcher"),
		interval:       interval,
		events:         opts.Events,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		currentVersion: opts.Manager.Version(),
		staleThreshold: stale,
		lastSuccessAt:  time.Now(),
	}
}

// Run polls until ctx is cancelled and returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "allowlist watcher starting",
		"poll_interval", w.interval.String(),
		"current_version", w.currentVersion,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	events := w.events
	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "allowlist watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				// source stopped sending events; polling carries on
				events = nil
				continue
			}
			w.afterPoll(ctx, ticker, w.checkOnce(ctx))
		case <-ticker.C:
			w.afterPoll(ctx, ticker, w.checkOnce(ctx))
		}
	}
}

// afterPoll adjusts the ticker for backoff and tracks staleness.
func (w *Watcher) afterPoll(ctx context.Context, ticker *time.Ticker, result pollResult) {
	if result == pollVersionError {
		w.consecutiveErrs++
		backoff := w.backoffDuration()
		w.logger.Warn(ctx, "allowlist watcher backing off",
			"consecutive_errors", w.consecutiveErrs,
			"next_poll_in", backoff.String(),
		)
		ticker.Reset(backoff)

		if since := time.Since(w.lastSuccessAt); since > w.staleThreshold && !w.staleLogged {
			w.logger.Error(ctx, fmt.Errorf("last successful version check was %s ago", since.Truncate(time.Second)),
				"allowlist is stale, unable to confirm it is current",
			)
			w.staleLogged = true
			if w.metrics != nil {
				w.metrics.SetAllowlistStale(true)
			}
		}
		return
	}

	if w.consecutiveErrs > 0 {
		w.logger.Info(ctx, "allowlist watcher recovered",
			"had_consecutive_errors", w.consecutiveErrs,
		)
		w.consecutiveErrs = 0
		ticker.Reset(w.interval)
	}
	if w.staleLogged {
		w.logger.Info(ctx, "allowlist staleness recovered")
		w.staleLogged = false
		if w.metrics != nil {
			w.metrics.SetAllowlistStale(false)
		}
	}
}

// checkOnce runs one compare-and-swap cycle.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncAllowlistPolls()
	}

	version, err := w.loader.Version(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "allowlist version check failed")
		if w.metrics != nil {
			w.metrics.IncAllowlistError("version")
		}
		return pollVersionError
	}

	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetAllowlistLastSuccess(float64(now.Unix()))
	}

	if version == w.currentVersion {
		return pollNoChange
	}

	w.logger.Info(ctx, "allowlist change detected",
		"old_version", w.currentVersion,
		"new_version", version,
	)

	start := time.Now()
	snap, err := w.loader.Load(ctx)
	if w.metrics != nil {
		w.metrics.ObserveAllowlistLoadDuration(time.Since(start).Seconds())
	}
	if err != nil {
		w.logger.Error(ctx, err, "allowlist reload failed, keeping current list",
			"rejected_version", version,
			"current_version", w.currentVersion,
		)
		if w.metrics != nil {
			w.metrics.IncAllowlistError("load")
		}
		return pollLoadError
	}

	old := w.currentVersion
	w.manager.Set(snap)
	w.swapCount++
	// the source may have moved again between Version and Load; track what was loaded
	w.currentVersion = snap.Version
	if w.currentVersion == "" {
		w.currentVersion = version
	}

	w.logger.Info(ctx, "allowlist swapped",
		"old_version", old,
		"new_version", w.currentVersion,
		"entries", snap.Validator.Len(),
		"total_swaps", w.swapCount,
	)
	if w.metrics != nil {
		w.metrics.IncAllowlistSwaps()
	}

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"allowlist OnSwap callback panicked, continuing",
					)
				}
			}()
			w.onSwap(snap)
		}()
	}
	return pollSwapped
}

// backoffDuration doubles the interval per consecutive error, capped at maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	d := w.interval
	for i := 0; i < w.consecutiveErrs && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}
