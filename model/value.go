package model

import (
	"fmt"
	"strconv"
	"time"
)

// ValueType identifies the canonical type carried by a TypedSample.
type ValueType int

const (
	TypeUnknown ValueType = iota
	TypeBool
	TypeInt8
	TypeUInt8
	TypeInt16
	TypeUInt16
	TypeInt32
	TypeUInt32
	TypeInt64
	TypeUInt64
	TypeFloat32
	TypeFloat64
	TypeString
	TypeDateTime
	TypeByteArray
)

func (t ValueType) String() string {
	switch t {
	case TypeBool:
		return "Bool"
	case TypeInt8:
		return "Int8"
	case TypeUInt8:
		return "UInt8"
	case TypeInt16:
		return "Int16"
	case TypeUInt16:
		return "UInt16"
	case TypeInt32:
		return "Int32"
	case TypeUInt32:
		return "UInt32"
	case TypeInt64:
		return "Int64"
	case TypeUInt64:
		return "UInt64"
	case TypeFloat32:
		return "Float32"
	case TypeFloat64:
		return "Float64"
	case TypeString:
		return "String"
	case TypeDateTime:
		return "DateTime"
	case TypeByteArray:
		return "ByteArray"
	}
	return "Unknown"
}

// Quality levels follow the OPC convention.
const (
	QualityBad       = 0
	QualityUncertain = 64
	QualityGood      = 192
)

// slot identifies which union member of a sample value is populated.
type slot int

const (
	slotNone slot = iota
	slotBool
	slotInt
	slotUint
	slotFloat
	slotString
	slotBytes
)

// slotFor returns the union member a ValueType must populate.
func slotFor(t ValueType) slot {
	switch t {
	case TypeBool:
		return slotBool
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64, TypeDateTime:
		return slotInt
	case TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64:
		return slotUint
	case TypeFloat32, TypeFloat64:
		return slotFloat
	case TypeString:
		return slotString
	case TypeByteArray:
		return slotBytes
	}
	return slotNone
}

// value is the tagged union backing a TypedSample. Exactly one member is
// meaningful, selected by slot.
type value struct {
	slot  slot
	b     bool
	i     int64
	u     uint64
	f     float64
	s     string
	bytes []byte
}

// SampleMeta carries the identity and provenance fields shared by all
// sample constructors.
type SampleMeta struct {
	DeviceID string
	TagID    string
	Ts       int64 // milliseconds since epoch
	Seq      int64 // monotonic per producer
	Quality  int
	Unit     string
	Protocol string
}

// TypedSample is one immutable measurement. The value is a tagged union;
// only the constructors in this package may populate it (the type mapper is
// the single producer of variants from raw protocol values).
type TypedSample struct {
	SampleMeta
	ValueType ValueType
	val       value
}

// NewBoolSample builds a Bool sample.
func NewBoolSample(meta SampleMeta, v bool) TypedSample {
	return TypedSample{SampleMeta: meta, ValueType: TypeBool, val: value{slot: slotBool, b: v}}
}

// NewIntSample builds a sample for the signed integer family. vt must be one
// of Int8/Int16/Int32/Int64.
func NewIntSample(meta SampleMeta, vt ValueType, v int64) (TypedSample, error) {
	switch vt {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
	default:
		return TypedSample{}, fmt.Errorf("value type %s is not a signed integer", vt)
	}
	return TypedSample{SampleMeta: meta, ValueType: vt, val: value{slot: slotInt, i: v}}, nil
}

// NewUintSample builds a sample for the unsigned integer family.
func NewUintSample(meta SampleMeta, vt ValueType, v uint64) (TypedSample, error) {
	switch vt {
	case TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64:
	default:
		return TypedSample{}, fmt.Errorf("value type %s is not an unsigned integer", vt)
	}
	return TypedSample{SampleMeta: meta, ValueType: vt, val: value{slot: slotUint, u: v}}, nil
}

// NewFloatSample builds a Float32 or Float64 sample.
func NewFloatSample(meta SampleMeta, vt ValueType, v float64) (TypedSample, error) {
	if vt != TypeFloat32 && vt != TypeFloat64 {
		return TypedSample{}, fmt.Errorf("value type %s is not a float", vt)
	}
	return TypedSample{SampleMeta: meta, ValueType: vt, val: value{slot: slotFloat, f: v}}, nil
}

// NewStringSample builds a String sample.
func NewStringSample(meta SampleMeta, v string) TypedSample {
	return TypedSample{SampleMeta: meta, ValueType: TypeString, val: value{slot: slotString, s: v}}
}

// NewDateTimeSample builds a DateTime sample storing epoch milliseconds.
func NewDateTimeSample(meta SampleMeta, epochMs int64) TypedSample {
	return TypedSample{SampleMeta: meta, ValueType: TypeDateTime, val: value{slot: slotInt, i: epochMs}}
}

// NewBytesSample builds a ByteArray sample.
func NewBytesSample(meta SampleMeta, v []byte) TypedSample {
	return TypedSample{SampleMeta: meta, ValueType: TypeByteArray, val: value{slot: slotBytes, bytes: v}}
}

// IsValid reports whether exactly the slot demanded by ValueType is
// populated and the timestamp is positive.
func (s TypedSample) IsValid() bool {
	return s.Ts > 0 && s.ValueType != TypeUnknown && s.val.slot == slotFor(s.ValueType)
}

// Bool returns the boolean value, if this is a Bool sample.
func (s TypedSample) Bool() (bool, bool) {
	if s.val.slot != slotBool {
		return false, false
	}
	return s.val.b, true
}

// Int returns the signed integer value for the Int family and DateTime.
func (s TypedSample) Int() (int64, bool) {
	if s.val.slot != slotInt {
		return 0, false
	}
	return s.val.i, true
}

// Uint returns the unsigned integer value for the UInt family.
func (s TypedSample) Uint() (uint64, bool) {
	if s.val.slot != slotUint {
		return 0, false
	}
	return s.val.u, true
}

// Float returns the floating point value for Float32/Float64.
func (s TypedSample) Float() (float64, bool) {
	if s.val.slot != slotFloat {
		return 0, false
	}
	return s.val.f, true
}

// Str returns the string value for String samples.
func (s TypedSample) Str() (string, bool) {
	if s.val.slot != slotString {
		return "", false
	}
	return s.val.s, true
}

// Bytes returns the raw byte payload for ByteArray samples.
func (s TypedSample) Bytes() ([]byte, bool) {
	if s.val.slot != slotBytes {
		return nil, false
	}
	return s.val.bytes, true
}

// Numeric extracts a float64 scalar for rule evaluation: Bool maps to 0/1,
// integer and float families convert directly. Strings, DateTime and
// ByteArray do not participate (the threshold evaluator parses strings
// itself, per its own rules).
func (s TypedSample) Numeric() (float64, bool) {
	switch s.val.slot {
	case slotBool:
		if s.val.b {
			return 1, true
		}
		return 0, true
	case slotInt:
		if s.ValueType == TypeDateTime {
			return 0, false
		}
		return float64(s.val.i), true
	case slotUint:
		return float64(s.val.u), true
	case slotFloat:
		return s.val.f, true
	}
	return 0, false
}

// ValueString renders the value for logs, the overflow sink and the
// dashboard.
func (s TypedSample) ValueString() string {
	switch s.val.slot {
	case slotBool:
		return strconv.FormatBool(s.val.b)
	case slotInt:
		if s.ValueType == TypeDateTime {
			return time.UnixMilli(s.val.i).UTC().Format(time.RFC3339Nano)
		}
		return strconv.FormatInt(s.val.i, 10)
	case slotUint:
		return strconv.FormatUint(s.val.u, 10)
	case slotFloat:
		return strconv.FormatFloat(s.val.f, 'g', -1, 64)
	case slotString:
		return s.val.s
	case slotBytes:
		return fmt.Sprintf("0x%x", s.val.bytes)
	}
	return ""
}

// Time returns the sample timestamp as a time.Time.
func (s TypedSample) Time() time.Time {
	return time.UnixMilli(s.Ts)
}
