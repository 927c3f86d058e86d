package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
)

const rulesYAML = `
rules:
  - id: oil-high
    name: Oil temperature high
    device: press-01
    tag: OilTemp
    condition: gt
    threshold: 85
    severity: 4
    duration_ms: 5000
    message: "{rule}: {tag}={value} over {threshold}"
  - id: press-offline
    device: press-01
    condition: offline
    threshold: 120
    severity: 9
  - id: temp-spike
    tag: OilTemp
    condition: roc_percent
    threshold: 15
    severity: 3
    debounce_ms: 30000
  - id: rpm-noise
    tag: Rpm
    condition: volatility
    threshold: 50
    severity: 2
  - id: disabled-rule
    tag: OilTemp
    condition: gt
    threshold: 1
    enabled: false
  - id: bad-op
    tag: OilTemp
    condition: between
    threshold: 1
  - id: ""
    tag: OilTemp
    condition: gt
    threshold: 1
  - id: oil-high
    tag: OilTemp
    condition: lt
    threshold: 2
`

func TestFileRulesListEnabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	rules, err := NewFileRules(path, zap.NewNop()).ListEnabled(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 4, "disabled, invalid and duplicate entries are skipped")

	byID := map[string]model.AlarmRule{}
	for _, r := range rules {
		byID[r.RuleID] = r
	}

	oil := byID["oil-high"]
	assert.Equal(t, model.RuleThreshold, oil.Family)
	assert.Equal(t, model.OpGT, oil.ConditionType)
	assert.Equal(t, int64(model.DefaultDebounceMs), oil.DebounceMs)
	assert.Equal(t, int64(5000), oil.DurationMs)
	assert.Equal(t, 4, oil.Severity)
	assert.True(t, oil.Matches("press-01", "OilTemp"))
	assert.False(t, oil.Matches("press-02", "OilTemp"))

	off := byID["press-offline"]
	assert.Equal(t, model.RuleOffline, off.Family)
	assert.Equal(t, int64(120000), off.TimeoutMs(), "offline thresholds are seconds")
	assert.Equal(t, 5, off.Severity, "severity is clamped to 1..5")
	assert.Equal(t, "press-offline", off.Name, "name falls back to id")

	roc := byID["temp-spike"]
	assert.Equal(t, model.RuleRoc, roc.Family)
	assert.Equal(t, int64(30000), roc.DebounceMs)
	assert.Equal(t, int64(defaultWindowMs), roc.RocWindowMs, "window defaults when omitted")

	vol := byID["rpm-noise"]
	assert.Equal(t, model.RuleVolatility, vol.Family)
	assert.Equal(t, int64(defaultWindowMs), vol.RocWindowMs)
}

func TestFileRulesBadFile(t *testing.T) {
	_, err := NewFileRules(filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop()).
		ListEnabled(context.Background())
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [oops"), 0o600))
	_, err = NewFileRules(path, zap.NewNop()).ListEnabled(context.Background())
	assert.Error(t, err)
}

func TestFileRulesOfflineValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: bad-offline
    device: d1
    condition: offline
    threshold: 0
`), 0o600))
	rules, err := NewFileRules(path, zap.NewNop()).ListEnabled(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules, "offline rules need a positive timeout")
}
