package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Variable and return types understood by the payload codec. The describe
// response reports integer tags for these; TranslateIntTypes normalizes them.
const (
	TypeBool   = "bool"
	TypeInt8   = "int8"
	TypeUint8  = "uint8"
	TypeInt16  = "int16"
	TypeUint16 = "uint16"
	TypeInt32  = "int32"
	TypeUint32 = "uint32"
	TypeFloat  = "float"
	TypeDouble = "double"
	TypeString = "string"
	TypeBuffer = "buffer"
)

// FromBinary decodes a device payload into the typed value for typeName.
// All multi-byte integers on the wire are big-endian.
func FromBinary(data []byte, typeName string) (interface{}, error) {
	switch typeName {
	case TypeBool:
		if err := wantLen(data, 1, typeName); err != nil {
			return nil, err
		}
		return data[0] != 0, nil
	case TypeInt8:
		if err := wantLen(data, 1, typeName); err != nil {
			return nil, err
		}
		return int8(data[0]), nil
	case TypeUint8:
		if err := wantLen(data, 1, typeName); err != nil {
			return nil, err
		}
		return data[0], nil
	case TypeInt16:
		if err := wantLen(data, 2, typeName); err != nil {
			return nil, err
		}
		return int16(binary.BigEndian.Uint16(data)), nil
	case TypeUint16:
		if err := wantLen(data, 2, typeName); err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint16(data), nil
	case TypeInt32:
		if err := wantLen(data, 4, typeName); err != nil {
			return nil, err
		}
		return int32(binary.BigEndian.Uint32(data)), nil
	case TypeUint32:
		if err := wantLen(data, 4, typeName); err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint32(data), nil
	case TypeFloat:
		if err := wantLen(data, 4, typeName); err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.BigEndian.Uint32(data)), nil
	case TypeDouble:
		if err := wantLen(data, 8, typeName); err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
	case TypeString:
		return string(data), nil
	case TypeBuffer:
		return append([]byte(nil), data...), nil
	}
	return nil, fmt.Errorf("unknown payload type %q", typeName)
}

// ToBinary is the inverse of FromBinary.
func ToBinary(value interface{}, typeName string) ([]byte, error) {
	switch typeName {
	case TypeBool:
		v, ok := value.(bool)
		if !ok {
			return nil, typeMismatch(value, typeName)
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeInt8:
		v, ok := value.(int8)
		if !ok {
			return nil, typeMismatch(value, typeName)
		}
		return []byte{byte(v)}, nil
	case TypeUint8:
		v, ok := value.(uint8)
		if !ok {
			return nil, typeMismatch(value, typeName)
		}
		return []byte{v}, nil
	case TypeInt16:
		v, ok := value.(int16)
		if !ok {
			return nil, typeMismatch(value, typeName)
		}
		return binary.BigEndian.AppendUint16(nil, uint16(v)), nil
	case TypeUint16:
		v, ok := value.(uint16)
		if !ok {
			return nil, typeMismatch(value, typeName)
		}
		return binary.BigEndian.AppendUint16(nil, v), nil
	case TypeInt32:
		v, ok := value.(int32)
		if !ok {
			return nil, typeMismatch(value, typeName)
		}
		return binary.BigEndian.AppendUint32(nil, uint32(v)), nil
	case TypeUint32:
		v, ok := value.(uint32)
		if !ok {
			return nil, typeMismatch(value, typeName)
		}
		return binary.BigEndian.AppendUint32(nil, v), nil
	case TypeFloat:
		v, ok := value.(float32)
		if !ok {
			return nil, typeMismatch(value, typeName)
		}
		return binary.BigEndian.AppendUint32(nil, math.Float32bits(v)), nil
	case TypeDouble:
		v, ok := value.(float64)
		if !ok {
			return nil, typeMismatch(value, typeName)
		}
		return binary.BigEndian.AppendUint64(nil, math.Float64bits(v)), nil
	case TypeString:
		v, ok := value.(string)
		if !ok {
			return nil, typeMismatch(value, typeName)
		}
		return []byte(v), nil
	case TypeBuffer:
		v, ok := value.([]byte)
		if !ok {
			return nil, typeMismatch(value, typeName)
		}
		return append([]byte(nil), v...), nil
	}
	return nil, fmt.Errorf("unknown payload type %q", typeName)
}

func wantLen(data []byte, n int, typeName string) error {
	if len(data) != n {
		return fmt.Errorf("%s payload needs %d bytes, got %d", typeName, n, len(data))
	}
	return nil
}

func typeMismatch(value interface{}, typeName string) error {
	return fmt.Errorf("value %T does not encode as %s", value, typeName)
}

// Integer type tags reported by firmware in describe responses.
const (
	varTagBool   = 1
	varTagInt    = 2
	varTagString = 4
	varTagDouble = 9
)

// TranslateIntTypes normalizes a describe response's variable map: integer
// tags become codec type names, string tags pass through unchanged.
func TranslateIntTypes(variables map[string]interface{}) map[string]string {
	out := make(map[string]string, len(variables))
	for name, tag := range variables {
		switch v := tag.(type) {
		case string:
			out[name] = v
		case float64: // JSON numbers decode as float64
			out[name] = tagName(int(v))
		case int:
			out[name] = tagName(v)
		default:
			out[name] = TypeString
		}
	}
	return out
}

func tagName(tag int) string {
	switch tag {
	case varTagBool:
		return TypeBool
	case varTagInt:
		return TypeInt32
	case varTagString:
		return TypeString
	case varTagDouble:
		return TypeDouble
	}
	return TypeString
}

// ArgSpec is one declared function argument: a name (may be empty) and a
// codec type.
type ArgSpec struct {
	Name string
	Type string
}

// BuildArguments encodes a function call's arguments per the introspected
// signature. The encoded form is the comma-joined textual rendering the
// firmware parses out of the Uri-Query.
func BuildArguments(args []interface{}, spec []ArgSpec) ([]byte, error) {
	if len(args) > len(spec) {
		return nil, fmt.Errorf("%d arguments for %d declared parameters", len(args), len(spec))
	}

	parts := make([]string, 0, len(args))
	for i, arg := range args {
		s, err := renderArgument(arg, spec[i].Type)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		parts = append(parts, s)
	}
	return []byte(strings.Join(parts, ",")), nil
}

func renderArgument(arg interface{}, typeName string) (string, error) {
	switch typeName {
	case TypeString, TypeBuffer:
		switch v := arg.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case TypeBool:
		if v, ok := arg.(bool); ok {
			return strconv.FormatBool(v), nil
		}
	case TypeFloat, TypeDouble:
		switch v := arg.(type) {
		case float32:
			return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64), nil
		}
	default:
		switch v := arg.(type) {
		case int:
			return strconv.Itoa(v), nil
		case int32:
			return strconv.FormatInt(int64(v), 10), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case uint32:
			return strconv.FormatUint(uint64(v), 10), nil
		case float64:
			return strconv.FormatInt(int64(v), 10), nil
		case string:
			return v, nil
		}
	}
	return "", typeMismatch(arg, typeName)
}
