package engine

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Rule runtime state housekeeping: entries idle longer than stateIdleExpiry
// are dropped by a sweep every stateSweepInterval.
const (
	stateSweepInterval = 5 * time.Minute
	stateIdleExpiry    = 24 * time.Hour
)

type stateEntry struct {
	value   int64
	touched int64 // ms since epoch, for the idle sweep
}

// RuleState is the ephemeral per-rule evaluation state: condition start
// times for duration gates (keyed per rule and signal) and last-emission
// times for debounce (keyed per alarm code). All evaluators share one
// instance so a rule moved between families cannot double-fire.
type RuleState struct {
	clk clock.Clock

	mu        sync.Mutex
	condStart map[string]stateEntry // (rule, device, tag) -> condition start ms
	lastEmit  map[string]stateEntry // alarm code -> last emission ms
}

// NewRuleState returns empty runtime state.
func NewRuleState(clk clock.Clock) *RuleState {
	if clk == nil {
		clk = clock.New()
	}
	return &RuleState{
		clk:       clk,
		condStart: map[string]stateEntry{},
		lastEmit:  map[string]stateEntry{},
	}
}

// GateKey identifies one duration gate: a rule applied to one signal.
func GateKey(ruleID, deviceID, tagID string) string {
	return ruleID + "\x00" + deviceID + "\x00" + tagID
}

// Arm records when the condition became true, keeping an earlier start.
// Returns the effective start.
func (s *RuleState) Arm(key string, nowMs int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.condStart[key]; ok {
		e.touched = nowMs
		s.condStart[key] = e
		return e.value
	}
	s.condStart[key] = stateEntry{value: nowMs, touched: nowMs}
	return nowMs
}

// Disarm clears the duration gate; called whenever the condition is false
// and after every fire decision.
func (s *RuleState) Disarm(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.condStart, key)
}

// LastEmit reports when an alarm with this code last fired, if known.
func (s *RuleState) LastEmit(code string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lastEmit[code]
	return e.value, ok
}

// RecordEmit stamps the debounce clock for a code. Also recorded when an
// emission is suppressed by an existing open alarm, so the store is not
// re-queried every sample.
func (s *RuleState) RecordEmit(code string, nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEmit[code] = stateEntry{value: nowMs, touched: nowMs}
}

// Sweep drops entries untouched for longer than stateIdleExpiry.
func (s *RuleState) Sweep(nowMs int64) int {
	cutoff := nowMs - stateIdleExpiry.Milliseconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.condStart {
		if e.touched < cutoff {
			delete(s.condStart, k)
			removed++
		}
	}
	for k, e := range s.lastEmit {
		if e.touched < cutoff {
			delete(s.lastEmit, k)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until ctx is done.
func (s *RuleState) Run(ctx context.Context) error {
	t := s.clk.Ticker(stateSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Sweep(s.clk.Now().UnixMilli())
		}
	}
}

// Size reports the number of live entries; used by tests.
func (s *RuleState) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.condStart) + len(s.lastEmit)
}
