package model

// PLCFamily names an Allen-Bradley controller family. The family bounds how
// many concurrent connections a single endpoint tolerates.
type PLCFamily string

const (
	FamilyControlLogix PLCFamily = "controllogix"
	FamilyCompactLogix PLCFamily = "compactlogix"
	FamilyMicro800     PLCFamily = "micro800"
)

// MaxConnections returns the hard per-endpoint connection clamp for the
// family. Unknown families get the conservative default.
func (f PLCFamily) MaxConnections() int {
	switch f {
	case FamilyControlLogix:
		return 8
	case FamilyCompactLogix:
		return 4
	case FamilyMicro800:
		return 2
	}
	return 4
}

// TagDescriptor describes one configured tag on an endpoint. Descriptors are
// loaded from configuration and immutable within a scan cycle.
type TagDescriptor struct {
	TagID          string
	DeviceID       string
	Address        string // protocol-native identifier (CIP symbol, UA node id)
	DeclaredType   string // protocol type hint, e.g. CIP "REAL", UA "Float"
	ScanGroup      string
	ScanIntervalMs int64
	Unit           string
	Enabled        bool
}

// ScanGroup is a named set of tags polled together at one interval.
type ScanGroup struct {
	Name           string
	ScanIntervalMs int64
	BatchSize      int
	Tags           []TagDescriptor
}

// EndpointDescriptor identifies one PLC or OPC UA server plus the
// protocol-specific extras needed to talk to it.
type EndpointDescriptor struct {
	EndpointID string
	Protocol   string // "cip", "opcua" or "sim"
	Host       string
	Port       int

	// CIP extras.
	Family PLCFamily
	Slot   int

	// OPC UA extras.
	SecurityPolicy string
	SecurityMode   string
	Username       string
	Password       string

	// MaxConnections is the configured pool size; ConnectionLimit clamps it.
	MaxConnections int

	ScanGroups []ScanGroup
}

// ConnectionLimit returns the effective connection cap: the configured value
// clamped by the PLC family (OPC UA endpoints use the configured value with
// the default clamp).
func (e *EndpointDescriptor) ConnectionLimit() int {
	limit := e.Family.MaxConnections()
	if e.MaxConnections > 0 && e.MaxConnections < limit {
		return e.MaxConnections
	}
	return limit
}

// AllTags returns the tags of every scan group, in group order.
func (e *EndpointDescriptor) AllTags() []TagDescriptor {
	var out []TagDescriptor
	for _, g := range e.ScanGroups {
		out = append(out, g.Tags...)
	}
	return out
}
