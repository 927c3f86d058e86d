package model

import "time"

// AlarmStatus is the lifecycle state of an alarm or group. Transitions are
// monotonic: Open → Acknowledged → Closed, or Open → Closed.
type AlarmStatus int

const (
	StatusOpen AlarmStatus = iota
	StatusAcknowledged
	StatusClosed
)

func (s AlarmStatus) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusAcknowledged:
		return "Acknowledged"
	case StatusClosed:
		return "Closed"
	}
	return "Unknown"
}

// Alarm code prefixes. Threshold, RoC and volatility rules share the RULE
// code space; offline rules are isolated under OFFLINE.
const (
	RuleCodePrefix    = "RULE:"
	OfflineCodePrefix = "OFFLINE:"
)

// RuleCode builds the dedup code for a rule-driven alarm.
func RuleCode(ruleID string) string { return RuleCodePrefix + ruleID }

// OfflineCode builds the dedup code for an offline alarm.
func OfflineCode(ruleID string) string { return OfflineCodePrefix + ruleID }

// AlarmIntent is an evaluator's request to raise an alarm. Intents flow to
// the aggregator sink, which owns deduplication and persistence.
type AlarmIntent struct {
	DeviceID string
	TagID    string
	RuleID   string
	Ts       int64 // ms since epoch, timestamp of the triggering sample
	Severity int
	Code     string
	Message  string
}

// Time returns the intent timestamp as UTC time.
func (i AlarmIntent) Time() time.Time { return time.UnixMilli(i.Ts).UTC() }

// AlarmRecord is one persisted alarm.
type AlarmRecord struct {
	AlarmID    string
	DeviceID   string
	TagID      string
	Ts         int64 // ms since epoch
	Severity   int
	Code       string
	Message    string
	Status     AlarmStatus
	GroupID    string
	AckUser    string
	AckNote    string
	CreatedUTC time.Time
	UpdatedUTC time.Time
}

// AlarmGroup aggregates correlated alarms sharing (deviceId, ruleId).
type AlarmGroup struct {
	GroupID     string
	DeviceID    string
	RuleID      string
	Severity    int // rolling max of member severities
	AlarmCount  int
	FirstUTC    time.Time
	LastUTC     time.Time
	Status      AlarmStatus
	LastMessage string
}

// AlarmFilter selects alarms for queries. Zero fields match everything.
type AlarmFilter struct {
	DeviceID string
	TagID    string
	Code     string
	GroupID  string
	Status   *AlarmStatus
	Since    int64 // ms since epoch, inclusive
	Until    int64 // ms since epoch, exclusive; 0 = open-ended
}

// Page bounds a query result.
type Page struct {
	Offset int
	Limit  int
}
