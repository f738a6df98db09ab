// Package ratelimit implements C3, the per-provider rate limiter: a file-
// persisted RPM sliding window and RPD daily cap, shared across processes
// via a lock file, with an in-process admission layer on top so goroutines
// in one process don't all hit the file lock for every check. See
// spec.md §4.3.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/time/rate"

	"github.com/craexpense/receipt-processor/internal/model"
)

// Transport wraps an http.RoundTripper with admission through a Limiter,
// so any HTTP client (the LLM client, the accounting client) gets C3's
// RPM/RPD enforcement just by swapping its Transport. A nil Limiter makes
// this a passthrough, so call sites can wire it unconditionally.
type Transport struct {
	Limiter *Limiter
	Base    http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Limiter != nil {
		if err := t.Limiter.Allow(req.Context()); err != nil {
			return nil, err
		}
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// RateLimiterState is the persisted per-provider counter state. See
// spec.md §3.
type RateLimiterState struct {
	Provider          string    `json:"provider"`
	RequestTimestamps []time.Time `json:"request_timestamps"`
	DailyCount        int       `json:"daily_count"`
	DailyResetDate    string    `json:"daily_reset_date"` // YYYY-MM-DD in ReferenceZone
}

const (
	lockAcquireTimeout = 10 * time.Second
	slidingWindow      = 60 * time.Second
)

// DefaultReferenceZone is the timezone the daily quota resets in absent
// explicit configuration (spec.md §4.3).
const DefaultReferenceZone = "America/Los_Angeles"

// Limiter enforces RPM and RPD caps for a single provider.
type Limiter struct {
	provider  string
	path      string
	flock     *flock.Flock
	rpm       int
	rpd       int
	refZone   *time.Location
	clock     func() time.Time
	inProcess *rate.Limiter
}

// Config configures a Limiter.
type Config struct {
	Provider      string
	StatePath     string
	RPM           int
	RPD           int
	ReferenceZone string // IANA zone name; empty means DefaultReferenceZone
}

// New constructs a Limiter backed by the JSON state file at cfg.StatePath.
func New(cfg Config) (*Limiter, error) {
	zoneName := cfg.ReferenceZone
	if zoneName == "" {
		zoneName = DefaultReferenceZone
	}
	loc, err := time.LoadLocation(zoneName)
	if err != nil {
		return nil, fmt.Errorf("load reference zone %q: %w", zoneName, err)
	}

	// in-process admission: steady-state RPM requests evenly spread across
	// 60s, with a burst equal to RPM so a fresh process can use its whole
	// window immediately; the persisted state below is still the source of
	// truth that actually enforces the cap across processes.
	everyPerRequest := slidingWindow / time.Duration(maxInt(cfg.RPM, 1))

	return &Limiter{
		provider:  cfg.Provider,
		path:      cfg.StatePath,
		flock:     flock.New(cfg.StatePath + ".lock"),
		rpm:       cfg.RPM,
		rpd:       cfg.RPD,
		refZone:   loc,
		clock:     time.Now,
		inProcess: rate.NewLimiter(rate.Every(everyPerRequest), maxInt(cfg.RPM, 1)),
	}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Allow blocks (respecting ctx) on the in-process limiter, then atomically
// checks and updates the persisted RPM/RPD state. It returns a typed
// RateLimited or DailyQuotaExceeded error when admission is refused rather
// than blocking indefinitely past the persisted caps, matching spec.md §4.3
// ("bounded re-entry sleep-and-retry" is the caller's responsibility, not
// an unbounded wait inside Allow).
func (l *Limiter) Allow(ctx context.Context) error {
	if err := l.inProcess.Wait(ctx); err != nil {
		return model.New(model.KindCanceled, "rate limiter wait canceled", err)
	}

	release, err := l.acquireLock()
	if err != nil {
		return model.New(model.KindUpstreamUnavailable, "failed to acquire rate limiter lock", err)
	}
	defer release()

	state, err := l.readLocked()
	if err != nil {
		return model.New(model.KindUpstreamUnavailable, "failed to read rate limiter state", err)
	}

	now := l.clock()
	today := now.In(l.refZone).Format("2006-01-02")
	if state.DailyResetDate != today {
		state.DailyResetDate = today
		state.DailyCount = 0
	}

	state.RequestTimestamps = pruneOlderThan(state.RequestTimestamps, now, slidingWindow)

	if len(state.RequestTimestamps) >= l.rpm {
		return model.New(model.KindRateLimited, fmt.Sprintf("RPM cap of %d reached", l.rpm), nil)
	}
	if state.DailyCount >= l.rpd {
		return model.New(model.KindDailyQuotaExceeded, fmt.Sprintf("RPD cap of %d reached", l.rpd), nil)
	}

	state.RequestTimestamps = append(state.RequestTimestamps, now)
	state.DailyCount++
	state.Provider = l.provider

	return l.writeLocked(state)
}

func pruneOlderThan(timestamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func (l *Limiter) acquireLock() (release func(), err error) {
	ctx, cancel := context.WithTimeout(context.Background(), lockAcquireTimeout)
	defer cancel()

	locked, err := l.flock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("timed out after %s acquiring rate limiter lock", lockAcquireTimeout)
	}
	return func() { l.flock.Unlock() }, nil
}

func (l *Limiter) readLocked() (*RateLimiterState, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return &RateLimiterState{Provider: l.provider}, nil
	}
	if err != nil {
		return nil, err
	}
	var state RateLimiterState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (l *Limiter) writeLocked(state *RateLimiterState) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".ratelimit-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, l.path)
}
