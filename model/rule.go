package model

import (
	"strconv"
	"strings"
)

// RuleFamily partitions alarm rules by the evaluator that owns them. The
// family is stamped once when rules are loaded; evaluators never inspect
// condition strings.
type RuleFamily int

const (
	RuleThreshold RuleFamily = iota
	RuleOffline
	RuleRoc
	RuleVolatility
)

func (f RuleFamily) String() string {
	switch f {
	case RuleThreshold:
		return "threshold"
	case RuleOffline:
		return "offline"
	case RuleRoc:
		return "roc"
	case RuleVolatility:
		return "volatility"
	}
	return "unknown"
}

// Threshold and rate-of-change condition operators.
const (
	OpGT         = "gt"
	OpGTE        = "gte"
	OpLT         = "lt"
	OpLTE        = "lte"
	OpEQ         = "eq"
	OpNE         = "ne"
	OpRocAbs     = "roc_abs"
	OpRocPercent = "roc_percent"
)

// DefaultDebounceMs is stamped on rules that omit a debounce.
const DefaultDebounceMs = 5000

// FamilyForCondition derives the rule family from a raw condition string.
// This is the only place condition strings are inspected; loaders call it
// once per rule.
func FamilyForCondition(condition string) RuleFamily {
	switch {
	case condition == "offline":
		return RuleOffline
	case strings.HasPrefix(condition, "roc_"):
		return RuleRoc
	case condition == "volatility" || condition == "stddev":
		return RuleVolatility
	default:
		return RuleThreshold
	}
}

// ValidOperator reports whether op belongs to the threshold operator set.
func ValidOperator(op string) bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNE:
		return true
	}
	return false
}

// AlarmRule is one enabled alarm definition. Rules are owned by an external
// store and refreshed into the registry; evaluators see immutable snapshots.
type AlarmRule struct {
	RuleID        string
	Name          string
	DeviceID      string // optional filter; empty matches any device
	TagID         string
	Family        RuleFamily
	ConditionType string  // operator for Threshold, roc_abs/roc_percent for Roc
	Threshold     float64 // seconds for Offline rules (see TimeoutMs)
	ThresholdHigh float64 // optional upper bound, reserved for range rules
	Severity      int     // 1..5
	Enabled       bool
	DebounceMs    int64
	DurationMs    int64
	RocWindowMs   int64
	MessageTmpl   string
}

// Matches reports whether the rule applies to the sample's (device, tag).
func (r *AlarmRule) Matches(deviceID, tagID string) bool {
	if r.TagID != "" && r.TagID != tagID {
		return false
	}
	if r.DeviceID != "" && r.DeviceID != deviceID {
		return false
	}
	return true
}

// TimeoutMs converts an Offline rule threshold into milliseconds. Offline
// thresholds are configured in seconds.
func (r *AlarmRule) TimeoutMs() int64 {
	return int64(r.Threshold * 1000)
}

// Message renders the rule's message template, or a generic description when
// no template is configured. Supported placeholders: {device} {tag} {value}
// {threshold} {rule}.
func (r *AlarmRule) Message(deviceID, tagID, value string) string {
	if r.MessageTmpl == "" {
		return r.Name + ": " + tagID + "=" + value + " on " + deviceID
	}
	rep := strings.NewReplacer(
		"{device}", deviceID,
		"{tag}", tagID,
		"{value}", value,
		"{threshold}", trimFloat(r.Threshold),
		"{rule}", r.Name,
	)
	return rep.Replace(r.MessageTmpl)
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
