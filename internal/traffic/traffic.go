package traffic

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MaxWindow is how long outcomes are retained. Windows longer than this see only MaxWindow.
const MaxWindow = 5 * time.Minute

// Tracker maintains sliding windows of upstream outcome timestamps per provider.
// It backs the per-provider checks reported by /health.
type Tracker struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	providers map[string]*outcomes
}

type outcomes struct {
	successTimes []time.Time
	errorTimes   []time.Time
}

// NewTracker returns an empty tracker. A nil clock selects the wall clock.
func NewTracker(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{clock: clock, providers: make(map[string]*outcomes)}
}

// RecordSuccess records a successful upstream call for provider.
func (t *Tracker) RecordSuccess(provider string) {
	t.record(provider, func(o *outcomes) *[]time.Time { return &o.successTimes })
}

// RecordError records a failed upstream call (status, timeout, parse) for provider.
func (t *Tracker) RecordError(provider string) {
	t.record(provider, func(o *outcomes) *[]time.Time { return &o.errorTimes })
}

func (t *Tracker) record(provider string, pick func(*outcomes) *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.providers[provider]
	if !ok {
		o = &outcomes{}
		t.providers[provider] = o
	}
	now := t.clock.Now()
	slice := pick(o)
	*slice = append(*slice, now)
	o.prune(now)
}

// ErrorRate returns (errorCount, totalCount) for provider within the window.
func (t *Tracker) ErrorRate(provider string, window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.providers[provider]
	if !ok {
		return 0, 0
	}
	cutoff := t.clock.Now().Add(-window)
	errCount := countInWindow(o.errorTimes, cutoff)
	return errCount, errCount + countInWindow(o.successTimes, cutoff)
}

// Providers returns the names of providers with recorded outcomes, sorted.
func (t *Tracker) Providers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.providers))
	for name := range t.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.providers = make(map[string]*outcomes)
}

// countInWindow counts timestamps that are not before the cutoff time.
func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// prune drops timestamps older than MaxWindow. Timestamps are appended in order,
// so the stale ones form a prefix.
func (o *outcomes) prune(now time.Time) {
	cutoff := now.Add(-MaxWindow)
	trim := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	trim(&o.successTimes)
	trim(&o.errorTimes)
}
