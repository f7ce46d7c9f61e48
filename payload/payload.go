// Package payload holds the opaque data maps attached to jobs and triggers.
//
// The coordination core never interprets a DataMap beyond a handful of
// reserved keys (see the trigger package's recovery markers). Maps are
// serialized with a pluggable Codec; JSON is the default and MessagePack is
// available for compact storage.
package payload

import (
	"encoding/json"
	"math"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
)

// DataMap is a string-keyed bag of values.
type DataMap map[string]any

// Clone returns a shallow copy of m. A nil map clones to an empty map.
func (m DataMap) Clone() DataMap {
	out := make(DataMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String returns the string stored under key.
func (m DataMap) String(key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

// Bool returns the bool stored under key.
func (m DataMap) Bool(key string) bool {
	v, _ := m[key].(bool)
	return v
}

// Int64 returns the integer stored under key. Both codecs decode numbers
// into different Go types, so every numeric kind is accepted.
func (m DataMap) Int64(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float32:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// SetTime stores t as Unix milliseconds.
func (m DataMap) SetTime(key string, t time.Time) {
	m[key] = t.UnixMilli()
}

// Time returns the time stored under key by SetTime.
func (m DataMap) Time(key string) (time.Time, bool) {
	ms, ok := m.Int64(key)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// Encode serializes m with the default codec.
func Encode(m DataMap) ([]byte, error) {
	return Default().Encode(m)
}

// Decode deserializes data written by any registered codec. Empty input
// decodes to an empty map. Undecodable input is reported as
// beacon.ErrPayloadCorrupt.
func Decode(data []byte) (DataMap, error) {
	if len(data) == 0 {
		return DataMap{}, nil
	}
	return Detect(data).Decode(data)
}

func corrupt(codec string, err error) error {
	return errors.WithSecondaryError(
		errors.Wrapf(beacon.ErrPayloadCorrupt, "beacon/payload: %s decode", codec),
		err,
	)
}
