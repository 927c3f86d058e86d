package collector

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/intellimaint/edge/model"
)

// declaredTypes maps protocol type hints to canonical value types. CIP names
// follow the Logix data-type table; OPC UA names follow the built-in type
// names delivered by the node's DataType attribute.
var declaredTypes = map[string]model.ValueType{
	// Allen-Bradley / CIP
	"bool":   model.TypeBool,
	"sint":   model.TypeInt8,
	"usint":  model.TypeUInt8,
	"int":    model.TypeInt16,
	"uint":   model.TypeUInt16,
	"dint":   model.TypeInt32,
	"udint":  model.TypeUInt32,
	"lint":   model.TypeInt64,
	"ulint":  model.TypeUInt64,
	"real":   model.TypeFloat32,
	"lreal":  model.TypeFloat64,
	"string": model.TypeString,

	// OPC UA built-ins
	"boolean":    model.TypeBool,
	"sbyte":      model.TypeInt8,
	"byte":       model.TypeUInt8,
	"int16":      model.TypeInt16,
	"uint16":     model.TypeUInt16,
	"int32":      model.TypeInt32,
	"uint32":     model.TypeUInt32,
	"int64":      model.TypeInt64,
	"uint64":     model.TypeUInt64,
	"float":      model.TypeFloat32,
	"double":     model.TypeFloat64,
	"datetime":   model.TypeDateTime,
	"bytestring": model.TypeByteArray,
}

// MapType resolves the canonical value type for a tag. The declared hint is
// authoritative; only when it is absent may the raw value's own type decide.
func MapType(tagID, declared string, raw any) (model.ValueType, error) {
	if declared != "" {
		vt, ok := declaredTypes[strings.ToLower(declared)]
		if !ok {
			return model.TypeUnknown, fmt.Errorf("tag %s: unknown declared type %q", tagID, declared)
		}
		return vt, nil
	}
	if vt, ok := inferType(raw); ok {
		return vt, nil
	}
	return model.TypeUnknown, fmt.Errorf("tag %s: no declared type and raw %T is not mappable", tagID, raw)
}

func inferType(raw any) (model.ValueType, bool) {
	switch raw.(type) {
	case bool:
		return model.TypeBool, true
	case int8:
		return model.TypeInt8, true
	case uint8:
		return model.TypeUInt8, true
	case int16:
		return model.TypeInt16, true
	case uint16:
		return model.TypeUInt16, true
	case int32:
		return model.TypeInt32, true
	case uint32:
		return model.TypeUInt32, true
	case int64, int:
		return model.TypeInt64, true
	case uint64, uint:
		return model.TypeUInt64, true
	case float32:
		return model.TypeFloat32, true
	case float64:
		return model.TypeFloat64, true
	case string:
		return model.TypeString, true
	case time.Time:
		return model.TypeDateTime, true
	case []byte:
		return model.TypeByteArray, true
	}
	return model.TypeUnknown, false
}

// MapValue converts a raw protocol value into a typed sample. The raw type
// must match the expected value type exactly; there is no numeric widening or
// narrowing. A mismatch returns TypeMismatchError and the sample is dropped.
func MapValue(meta model.SampleMeta, expected model.ValueType, raw any) (model.TypedSample, error) {
	mismatch := func() (model.TypedSample, error) {
		return model.TypedSample{}, &model.TypeMismatchError{
			DeviceID: meta.DeviceID,
			TagID:    meta.TagID,
			Expected: expected,
			Actual:   fmt.Sprintf("%T", raw),
		}
	}
	switch expected {
	case model.TypeBool:
		v, ok := raw.(bool)
		if !ok {
			return mismatch()
		}
		return model.NewBoolSample(meta, v), nil

	case model.TypeInt8:
		v, ok := raw.(int8)
		if !ok {
			return mismatch()
		}
		return model.NewIntSample(meta, expected, int64(v))
	case model.TypeInt16:
		v, ok := raw.(int16)
		if !ok {
			return mismatch()
		}
		return model.NewIntSample(meta, expected, int64(v))
	case model.TypeInt32:
		v, ok := raw.(int32)
		if !ok {
			return mismatch()
		}
		return model.NewIntSample(meta, expected, int64(v))
	case model.TypeInt64:
		v, ok := raw.(int64)
		if !ok {
			return mismatch()
		}
		return model.NewIntSample(meta, expected, v)

	case model.TypeUInt8:
		v, ok := raw.(uint8)
		if !ok {
			return mismatch()
		}
		return model.NewUintSample(meta, expected, uint64(v))
	case model.TypeUInt16:
		v, ok := raw.(uint16)
		if !ok {
			return mismatch()
		}
		return model.NewUintSample(meta, expected, uint64(v))
	case model.TypeUInt32:
		v, ok := raw.(uint32)
		if !ok {
			return mismatch()
		}
		return model.NewUintSample(meta, expected, uint64(v))
	case model.TypeUInt64:
		v, ok := raw.(uint64)
		if !ok {
			return mismatch()
		}
		return model.NewUintSample(meta, expected, v)

	case model.TypeFloat32:
		v, ok := raw.(float32)
		if !ok {
			return mismatch()
		}
		return model.NewFloatSample(meta, expected, float64(v))
	case model.TypeFloat64:
		v, ok := raw.(float64)
		if !ok {
			return mismatch()
		}
		return model.NewFloatSample(meta, expected, v)

	case model.TypeString:
		switch v := raw.(type) {
		case string:
			return model.NewStringSample(meta, v), nil
		case []byte:
			// AB STRING layout: [len int32 LE][bytes].
			str, err := parseABString(v)
			if err != nil {
				return mismatch()
			}
			return model.NewStringSample(meta, str), nil
		}
		return mismatch()

	case model.TypeDateTime:
		switch v := raw.(type) {
		case time.Time:
			return model.NewDateTimeSample(meta, v.UnixMilli()), nil
		case int64:
			return model.NewDateTimeSample(meta, v), nil
		}
		return mismatch()

	case model.TypeByteArray:
		v, ok := raw.([]byte)
		if !ok {
			return mismatch()
		}
		return model.NewBytesSample(meta, v), nil
	}
	return mismatch()
}

// parseABString decodes the Allen-Bradley STRING structure: a little-endian
// int32 length followed by the character data. The length is clamped to the
// bytes actually present.
func parseABString(b []byte) (string, error) {
	if len(b) < 4 {
		return "", fmt.Errorf("ab string: %d bytes is too short", len(b))
	}
	n := int32(binary.LittleEndian.Uint32(b))
	if n < 0 {
		return "", fmt.Errorf("ab string: negative length %d", n)
	}
	count := int(n)
	if max := len(b) - 4; count > max {
		count = max
	}
	return string(b[4 : 4+count]), nil
}
