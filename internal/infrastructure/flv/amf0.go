package flv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// AMF0 type markers.
const (
	amfNumber      = 0x00
	amfBoolean     = 0x01
	amfString      = 0x02
	amfObject      = 0x03
	amfNull        = 0x05
	amfUndefined   = 0x06
	amfECMAArray   = 0x08
	amfObjectEnd   = 0x09
	amfStrictArray = 0x0A
	amfLongString  = 0x0C
)

var ErrAMFMalformed = errors.New("malformed amf0 data")

// Property is one key of an AMF0 object. Objects are ordered lists so the
// encoded bytes are deterministic.
type Property struct {
	Key   string
	Value interface{}
}

// Object encodes as an AMF0 anonymous object.
type Object []Property

// ECMAArray encodes as an AMF0 associative array.
type ECMAArray []Property

// Get returns the value stored under key.
func (o Object) Get(key string) (interface{}, bool) {
	for _, p := range o {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// EncodeAMF0 serializes values in order. Supported Go types: nil, bool,
// string, every integer and float kind, Object, ECMAArray,
// map[string]interface{} (keys sorted) and []interface{}.
func EncodeAMF0(values ...interface{}) ([]byte, error) {
	var b []byte
	var err error
	for _, v := range values {
		if b, err = AppendAMF0(b, v); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func AppendAMF0(b []byte, v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(b, amfNull), nil
	case bool:
		if t {
			return append(b, amfBoolean, 1), nil
		}
		return append(b, amfBoolean, 0), nil
	case string:
		if len(t) > math.MaxUint16 {
			b = append(b, amfLongString)
			b = binary.BigEndian.AppendUint32(b, uint32(len(t)))
			return append(b, t...), nil
		}
		b = append(b, amfString)
		return appendKey(b, t), nil
	case float64:
		return appendNumber(b, t), nil
	case float32:
		return appendNumber(b, float64(t)), nil
	case int:
		return appendNumber(b, float64(t)), nil
	case int32:
		return appendNumber(b, float64(t)), nil
	case int64:
		return appendNumber(b, float64(t)), nil
	case uint32:
		return appendNumber(b, float64(t)), nil
	case uint64:
		return appendNumber(b, float64(t)), nil
	case Object:
		b = append(b, amfObject)
		return appendProperties(b, t)
	case ECMAArray:
		b = append(b, amfECMAArray)
		b = binary.BigEndian.AppendUint32(b, uint32(len(t)))
		return appendProperties(b, t)
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := make(Object, 0, len(keys))
		for _, k := range keys {
			obj = append(obj, Property{Key: k, Value: t[k]})
		}
		return AppendAMF0(b, obj)
	case []interface{}:
		b = append(b, amfStrictArray)
		b = binary.BigEndian.AppendUint32(b, uint32(len(t)))
		var err error
		for _, e := range t {
			if b, err = AppendAMF0(b, e); err != nil {
				return nil, err
			}
		}
		return b, nil
	default:
		return nil, fmt.Errorf("amf0: unsupported type %T", v)
	}
}

func appendNumber(b []byte, v float64) []byte {
	b = append(b, amfNumber)
	return binary.BigEndian.AppendUint64(b, math.Float64bits(v))
}

func appendKey(b []byte, k string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(k)))
	return append(b, k...)
}

func appendProperties(b []byte, props []Property) ([]byte, error) {
	var err error
	for _, p := range props {
		b = appendKey(b, p.Key)
		if b, err = AppendAMF0(b, p.Value); err != nil {
			return nil, err
		}
	}
	return append(b, 0, 0, amfObjectEnd), nil
}

// DecodeAMF0 parses every value in b. Objects decode to Object, ECMA
// arrays to ECMAArray, numbers to float64.
func DecodeAMF0(b []byte) ([]interface{}, error) {
	var out []interface{}
	for len(b) > 0 {
		v, n, err := decodeValue(b)
		if err != nil {
			return out, err
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}

func decodeValue(b []byte) (interface{}, int, error) {
	if len(b) == 0 {
		return nil, 0, ErrAMFMalformed
	}
	switch b[0] {
	case amfNumber:
		if len(b) < 9 {
			return nil, 0, ErrAMFMalformed
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b[1:])), 9, nil
	case amfBoolean:
		if len(b) < 2 {
			return nil, 0, ErrAMFMalformed
		}
		return b[1] != 0, 2, nil
	case amfString:
		s, n, err := decodeKey(b[1:])
		return s, n + 1, err
	case amfLongString:
		if len(b) < 5 {
			return nil, 0, ErrAMFMalformed
		}
		l := int(binary.BigEndian.Uint32(b[1:]))
		if len(b) < 5+l {
			return nil, 0, ErrAMFMalformed
		}
		return string(b[5 : 5+l]), 5 + l, nil
	case amfNull, amfUndefined:
		return nil, 1, nil
	case amfObject:
		props, n, err := decodeProperties(b[1:])
		return Object(props), n + 1, err
	case amfECMAArray:
		if len(b) < 5 {
			return nil, 0, ErrAMFMalformed
		}
		props, n, err := decodeProperties(b[5:])
		return ECMAArray(props), n + 5, err
	case amfStrictArray:
		if len(b) < 5 {
			return nil, 0, ErrAMFMalformed
		}
		count := int(binary.BigEndian.Uint32(b[1:]))
		off := 5
		arr := make([]interface{}, 0, min(count, 64))
		for i := 0; i < count; i++ {
			v, n, err := decodeValue(b[off:])
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, v)
			off += n
		}
		return arr, off, nil
	default:
		return nil, 0, fmt.Errorf("amf0 marker 0x%02x: %w", b[0], ErrAMFMalformed)
	}
}

func decodeKey(b []byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, ErrAMFMalformed
	}
	l := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+l {
		return "", 0, ErrAMFMalformed
	}
	return string(b[2 : 2+l]), 2 + l, nil
}

func decodeProperties(b []byte) ([]Property, int, error) {
	var props []Property
	off := 0
	for {
		if len(b) >= off+3 && b[off] == 0 && b[off+1] == 0 && b[off+2] == amfObjectEnd {
			return props, off + 3, nil
		}
		key, n, err := decodeKey(b[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		v, n, err := decodeValue(b[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		props = append(props, Property{Key: key, Value: v})
	}
}
