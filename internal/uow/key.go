package uow

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Key is a primary-key value tuple in primary-key column order.
type Key []any

// Identity names one row: an entity type plus its canonically encoded key.
// Identities are comparable and used as identity-map keys.
type Identity struct {
	Entity string
	Key    string
}

// String renders the identity as entity[key], e.g. user[4].
func (id Identity) String() string {
	return id.Entity + "[" + id.Key + "]"
}

// NewIdentity encodes key for the named entity.
func NewIdentity(entity string, key Key) (Identity, error) {
	enc, err := encodeKey(key)
	if err != nil {
		return Identity{}, fmt.Errorf("identity %s: %w", entity, err)
	}
	return Identity{Entity: entity, Key: enc}, nil
}

// encodeKey produces a canonical encoding so that equal keys of different Go
// types (int vs int64 from the driver, composed vs decomposed Unicode) share
// one identity.
//
// Encoding rules:
//   - integers (any width, signed or unsigned): decimal
//   - strings: NFC-normalized, Go-quoted
//   - []byte: x'hex'
//   - bool: true / false
//   - time.Time: UTC RFC 3339 with nanoseconds, quoted
//   - floats and nil are rejected
func encodeKey(key Key) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("empty key")
	}
	parts := make([]string, len(key))
	for i, v := range key {
		s, err := encodeKeyValue(v)
		if err != nil {
			return "", fmt.Errorf("key column %d: %w", i, err)
		}
		parts[i] = s
	}
	return strings.Join(parts, ","), nil
}

func encodeKeyValue(v any) (string, error) {
	if n, ok := asInt64(v); ok {
		return strconv.FormatInt(n, 10), nil
	}
	switch x := v.(type) {
	case nil:
		return "", fmt.Errorf("value is not set")
	case string:
		return strconv.Quote(norm.NFC.String(x)), nil
	case []byte:
		return "x'" + hex.EncodeToString(x) + "'", nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		return strconv.Quote(x.UTC().Format(time.RFC3339Nano)), nil
	case float32, float64:
		return "", fmt.Errorf("floating-point values cannot be keys")
	default:
		return "", fmt.Errorf("unsupported key type %T", v)
	}
}

// asInt64 normalizes every integer kind to int64. Unsigned values above
// math.MaxInt64 are not representable and report false.
func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return uintToInt64(uint64(x))
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return uintToInt64(x)
	}
	return 0, false
}

func uintToInt64(u uint64) (int64, bool) {
	if u > math.MaxInt64 {
		return 0, false
	}
	return int64(u), true
}

// sameValue compares attribute values the way the database would see them:
// integer widths are ignored, byte slices and times compare by content.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := asInt64(a); ok {
		y, ok := asInt64(b)
		return ok && x == y
	}
	switch x := a.(type) {
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case string:
		y, ok := b.(string)
		return ok && x == y
	}
	return reflect.DeepEqual(a, b)
}
