package fsm

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"tv-signal-bot/internal/clock"
)

// fieldLogThrottleMs limits non-state change logs to once per symbol per 1.5 s.
const fieldLogThrottleMs = 1500

// PersistedSymbol is the persisted per-symbol record: the published snapshot
// plus the store's last-price / last-threshold memos.
type PersistedSymbol struct {
	Snapshot
	LastPrice     *float64 `json:"last_price"`
	LastThreshold *float64 `json:"last_threshold"`
}

// Store is the process-wide symbol -> snapshot mapping with pub/sub fan-out.
// Runners write through Update; everyone else reads copies.
type Store struct {
	mu            sync.RWMutex
	snaps         map[string]Snapshot
	lastPrice     map[string]float64
	lastThreshold map[string]float64

	subs      []func(map[string]Snapshot)
	markDirty func()
	clock     clock.Clock

	lastFieldLogMs map[string]int64
}

// NewStore creates an empty snapshot store. markDirty, when non-nil, is
// invoked after every effective change so persistence can debounce.
func NewStore(clk clock.Clock, markDirty func()) *Store {
	return &Store{
		snaps:          make(map[string]Snapshot),
		lastPrice:      make(map[string]float64),
		lastThreshold:  make(map[string]float64),
		markDirty:      markDirty,
		clock:          clk,
		lastFieldLogMs: make(map[string]int64),
	}
}

// Subscribe registers a listener invoked with the whole mapping on every
// effective change. Listeners run synchronously on the writer's goroutine,
// which is what gives the trade engine its strictly-after ordering.
func (s *Store) Subscribe(fn func(map[string]Snapshot)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Update merges partial snapshots in. Memos update from non-nil fields, and
// subscribers fire only when at least one entry actually changed.
func (s *Store) Update(partial map[string]Snapshot) {
	s.mu.Lock()
	changed := false
	nowMs := clock.Millis(s.clock.Now())
	for sym, next := range partial {
		prev, had := s.snaps[sym]
		if next.LTP != nil {
			s.lastPrice[sym] = *next.LTP
		}
		if next.Threshold != nil {
			s.lastThreshold[sym] = *next.Threshold
		}
		if had && prev.Equal(next) {
			continue
		}
		s.snaps[sym] = next
		changed = true
		s.logChange(sym, prev, next, had, nowMs)
	}
	var snap map[string]Snapshot
	var subs []func(map[string]Snapshot)
	if changed {
		snap = s.copyLocked()
		subs = s.subs
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range subs {
		fn(snap)
	}
	if s.markDirty != nil {
		s.markDirty()
	}
}

func (s *Store) logChange(sym string, prev, next Snapshot, had bool, nowMs int64) {
	if !had || prev.State != next.State || !floatPtrEq(prev.Threshold, next.Threshold) {
		ev := log.Info().Str("symbol", sym).Str("state", next.State.String())
		if next.Threshold != nil {
			ev = ev.Float64("threshold", *next.Threshold)
		}
		if next.LTP != nil {
			ev = ev.Float64("ltp", *next.LTP)
		}
		ev.Msg("fsm update")
		return
	}
	if nowMs-s.lastFieldLogMs[sym] < fieldLogThrottleMs {
		return
	}
	s.lastFieldLogMs[sym] = nowMs
	ev := log.Debug().Str("symbol", sym).Str("state", next.State.String())
	if next.LTP != nil {
		ev = ev.Float64("ltp", *next.LTP)
	}
	ev.Msg("fsm tick")
}

// Snapshot returns a copy of the whole mapping.
func (s *Store) Snapshot() map[string]Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() map[string]Snapshot {
	out := make(map[string]Snapshot, len(s.snaps))
	for k, v := range s.snaps {
		out[k] = v
	}
	return out
}

// Get returns one symbol's snapshot.
func (s *Store) Get(sym string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[sym]
	return snap, ok
}

// LastPrice returns the last non-nil price seen for a symbol.
func (s *Store) LastPrice(sym string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	px, ok := s.lastPrice[sym]
	return px, ok
}

// LastThreshold returns the last non-nil threshold seen for a symbol.
func (s *Store) LastThreshold(sym string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.lastThreshold[sym]
	return th, ok
}

// Clear resets the given symbols' entries and memos.
func (s *Store) Clear(symbols []string) {
	s.mu.Lock()
	for _, sym := range symbols {
		delete(s.snaps, sym)
		delete(s.lastPrice, sym)
		delete(s.lastThreshold, sym)
	}
	s.mu.Unlock()
	if s.markDirty != nil {
		s.markDirty()
	}
}

// ClearPrefix resets every entry whose symbol starts with the prefix.
func (s *Store) ClearPrefix(prefix string) {
	s.mu.Lock()
	for sym := range s.snaps {
		if strings.HasPrefix(sym, prefix) {
			delete(s.snaps, sym)
		}
	}
	for sym := range s.lastPrice {
		if strings.HasPrefix(sym, prefix) {
			delete(s.lastPrice, sym)
		}
	}
	for sym := range s.lastThreshold {
		if strings.HasPrefix(sym, prefix) {
			delete(s.lastThreshold, sym)
		}
	}
	s.mu.Unlock()
	if s.markDirty != nil {
		s.markDirty()
	}
}

// ClearAll resets every entry.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.snaps = make(map[string]Snapshot)
	s.lastPrice = make(map[string]float64)
	s.lastThreshold = make(map[string]float64)
	s.mu.Unlock()
	if s.markDirty != nil {
		s.markDirty()
	}
}

// Export returns the persisted form of the store.
func (s *Store) Export() map[string]PersistedSymbol {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]PersistedSymbol, len(s.snaps))
	for sym, snap := range s.snaps {
		rec := PersistedSymbol{Snapshot: snap}
		if px, ok := s.lastPrice[sym]; ok {
			rec.LastPrice = Float(px)
		}
		if th, ok := s.lastThreshold[sym]; ok {
			rec.LastThreshold = Float(th)
		}
		out[sym] = rec
	}
	return out
}

// Restore rehydrates the store from a persisted document. Used at boot,
// before any event is consumed; no subscribers fire.
func (s *Store) Restore(doc map[string]PersistedSymbol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sym, rec := range doc {
		s.snaps[sym] = rec.Snapshot
		if rec.LastPrice != nil {
			s.lastPrice[sym] = *rec.LastPrice
		}
		if rec.LastThreshold != nil {
			s.lastThreshold[sym] = *rec.LastThreshold
		}
	}
}
