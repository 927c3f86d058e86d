package model

import "time"

// CollectorState is the aggregated connection state of one endpoint's
// collector.
type CollectorState int

const (
	StateDisconnected CollectorState = iota
	StateDegraded
	StateConnected
)

func (s CollectorState) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateDegraded:
		return "Degraded"
	case StateDisconnected:
		return "Disconnected"
	}
	return "Unknown"
}

// CollectorHealth is a point-in-time health report for one endpoint.
type CollectorHealth struct {
	EndpointID        string
	Protocol          string
	State             CollectorState
	LastSuccessTime   time.Time
	ConsecutiveErrors int
	TypeMismatchCount int64
	AvgLatencyMs      float64
	P95LatencyMs      float64
	LastError         string
	ActiveConnections int
	TotalTags         int
	HealthyTags       int
}
