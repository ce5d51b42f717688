package housekeep

import (
	"sync"
	"time"

	"github.com/pacsd/pacsd/index"
)

// StableEventTracker fires StableSeries/StableStudy/StablePatient change
// events once a resource has gone StableEventIdleTimeout seconds without
// a new child instance landing (spec.md §9's resolution of the "stable"
// Open Question: a configurable idle timer, default 60s).
type StableEventTracker struct {
	reg     *Registry
	idle    time.Duration
	appendChange func(index.ChangeEvent) error

	mu      sync.Mutex
	pending map[trackKey]time.Time // resets on every Touch
}

type trackKey struct {
	level    index.Level
	publicID string
}

// NewStableEventTracker wires a tracker into reg, polling every idle/4
// (floor 1s) to catch resources that have gone quiet.
func NewStableEventTracker(reg *Registry, idle time.Duration, appendChange func(index.ChangeEvent) error) *StableEventTracker {
	t := &StableEventTracker{reg: reg, idle: idle, appendChange: appendChange, pending: map[trackKey]time.Time{}}
	poll := idle / 4
	if poll < time.Second {
		poll = time.Second
	}
	reg.Reg("stable-event.scan", t.scan, poll)
	return t
}

// Touch records that publicID (at level) received activity just now,
// resetting its idle clock. Called once per StoreInstance for the
// patient/study/series chain.
func (t *StableEventTracker) Touch(level index.Level, publicID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[trackKey{level, publicID}] = time.Now()
}

func (t *StableEventTracker) scan() time.Duration {
	t.mu.Lock()
	now := time.Now()
	var fire []trackKey
	for k, last := range t.pending {
		if now.Sub(last) >= t.idle {
			fire = append(fire, k)
		}
	}
	for _, k := range fire {
		delete(t.pending, k)
	}
	t.mu.Unlock()

	for _, k := range fire {
		kind := stableKindFor(k.level)
		_ = t.appendChange(index.ChangeEvent{Kind: kind, ResourceType: k.level, PublicID: k.publicID})
	}

	poll := t.idle / 4
	if poll < time.Second {
		poll = time.Second
	}
	return poll
}

func stableKindFor(level index.Level) index.ChangeKind {
	switch level {
	case index.LevelSeries:
		return index.ChangeStableSeries
	case index.LevelStudy:
		return index.ChangeStableStudy
	default:
		return index.ChangeStablePatient
	}
}
