package store

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/intellimaint/edge/model"
)

// FileRules is a RuleRepository backed by a YAML file. The file is re-read on
// every ListEnabled call; the registry decides how often that happens.
//
// Invalid entries are skipped with a warning rather than failing the load: a
// hand-edited rule must not take the whole rule set down with it.
type FileRules struct {
	path string
	log  *zap.Logger
}

// NewFileRules wraps a rules file path.
func NewFileRules(path string, log *zap.Logger) *FileRules {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileRules{path: path, log: log}
}

type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	ID            string  `yaml:"id"`
	Name          string  `yaml:"name"`
	Device        string  `yaml:"device"`
	Tag           string  `yaml:"tag"`
	Condition     string  `yaml:"condition"`
	Threshold     float64 `yaml:"threshold"`
	ThresholdHigh float64 `yaml:"threshold_high"`
	Severity      int     `yaml:"severity"`
	Enabled       *bool   `yaml:"enabled"` // default true
	DebounceMs    int64   `yaml:"debounce_ms"`
	DurationMs    int64   `yaml:"duration_ms"`
	WindowMs      int64   `yaml:"window_ms"`
	Message       string  `yaml:"message"`
}

// defaultWindowMs is used by rate-of-change and volatility rules that omit
// window_ms.
const defaultWindowMs = 60000

func (f *FileRules) ListEnabled(_ context.Context) ([]model.AlarmRule, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", f.path, err)
	}

	out := make([]model.AlarmRule, 0, len(rf.Rules))
	seen := map[string]bool{}
	for i, e := range rf.Rules {
		if e.Enabled != nil && !*e.Enabled {
			continue
		}
		r, err := e.toRule()
		if err != nil {
			f.log.Warn("skipping rule", zap.Int("index", i), zap.String("id", e.ID), zap.Error(err))
			continue
		}
		if seen[r.RuleID] {
			f.log.Warn("skipping rule with duplicate id", zap.String("id", r.RuleID))
			continue
		}
		seen[r.RuleID] = true
		out = append(out, r)
	}
	return out, nil
}

func (e *ruleEntry) toRule() (model.AlarmRule, error) {
	if e.ID == "" {
		return model.AlarmRule{}, fmt.Errorf("missing id")
	}
	if e.Condition == "" {
		return model.AlarmRule{}, fmt.Errorf("missing condition")
	}
	family := model.FamilyForCondition(e.Condition)

	switch family {
	case model.RuleThreshold:
		if !model.ValidOperator(e.Condition) {
			return model.AlarmRule{}, fmt.Errorf("unknown condition %q", e.Condition)
		}
	case model.RuleRoc:
		if e.Condition != model.OpRocAbs && e.Condition != model.OpRocPercent {
			return model.AlarmRule{}, fmt.Errorf("unknown rate-of-change condition %q", e.Condition)
		}
	case model.RuleOffline:
		if e.Threshold <= 0 {
			return model.AlarmRule{}, fmt.Errorf("offline threshold must be positive seconds")
		}
	}

	sev := e.Severity
	if sev < 1 {
		sev = 1
	}
	if sev > 5 {
		sev = 5
	}

	name := e.Name
	if name == "" {
		name = e.ID
	}
	debounce := e.DebounceMs
	if debounce <= 0 {
		debounce = model.DefaultDebounceMs
	}
	window := e.WindowMs
	if window <= 0 && (family == model.RuleRoc || family == model.RuleVolatility) {
		window = defaultWindowMs
	}

	return model.AlarmRule{
		RuleID:        e.ID,
		Name:          name,
		DeviceID:      e.Device,
		TagID:         e.Tag,
		Family:        family,
		ConditionType: e.Condition,
		Threshold:     e.Threshold,
		ThresholdHigh: e.ThresholdHigh,
		Severity:      sev,
		Enabled:       true,
		DebounceMs:    debounce,
		DurationMs:    e.DurationMs,
		RocWindowMs:   window,
		MessageTmpl:   e.Message,
	}, nil
}
