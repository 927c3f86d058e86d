package engine

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestRuleStateArmKeepsEarliestStart(t *testing.T) {
	s := NewRuleState(clock.NewMock())
	key := GateKey("r1", "D", "T")

	assert.Equal(t, int64(1000), s.Arm(key, 1000))
	assert.Equal(t, int64(1000), s.Arm(key, 5000), "re-arming keeps the original start")

	s.Disarm(key)
	assert.Equal(t, int64(9000), s.Arm(key, 9000), "a disarmed gate restarts")
}

func TestRuleStateDebounceStamps(t *testing.T) {
	s := NewRuleState(clock.NewMock())

	_, ok := s.LastEmit("RULE:r1")
	assert.False(t, ok)

	s.RecordEmit("RULE:r1", 4000)
	ts, ok := s.LastEmit("RULE:r1")
	assert.True(t, ok)
	assert.Equal(t, int64(4000), ts)
}

func TestRuleStateSweepDropsIdleEntries(t *testing.T) {
	s := NewRuleState(clock.NewMock())
	now := int64(100_000_000)
	s.Arm(GateKey("r1", "D", "T"), now)
	s.RecordEmit("RULE:r1", now)
	s.RecordEmit("RULE:r2", now+time.Hour.Milliseconds())
	assert.Equal(t, 3, s.Size())

	// One entry stays fresh; the rest idle past the 24 h expiry.
	removed := s.Sweep(now + 25*time.Hour.Milliseconds())
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, s.Size())
	_, ok := s.LastEmit("RULE:r2")
	assert.True(t, ok)
}
