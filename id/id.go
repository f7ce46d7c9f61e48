// Package id defines the TypeID-based identifiers used by Beacon.
//
// Fired-trigger entries and generated instance names carry a prefix that
// identifies their kind, followed by a K-sortable UUIDv7 suffix, for example
// "fired_01h2xcejqtf2nbrexx3vqjhp41".
package id

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity kind encoded in a TypeID.
type Prefix string

// Prefix constants for Beacon identifiers.
const (
	PrefixFired    Prefix = "fired"
	PrefixInstance Prefix = "inst"
)

// RecoveryPrefix starts the name of every trigger synthesized to re-run a
// job that was executing on a failed instance.
const RecoveryPrefix = "recover_"

// ID wraps a TypeID in the format "prefix_suffix". The zero value is Nil.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// FiredID identifies one row of the fired-trigger ledger (prefix: "fired").
type FiredID = ID

// New generates a new ID with the given prefix. It panics on an invalid
// prefix, which is a programming error.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// NewFiredID generates a new fired-trigger entry id.
func NewFiredID() FiredID { return New(PrefixFired) }

// NewInstanceID generates a unique scheduler instance name. Instance ids
// are stored as plain strings so operators may also pick their own.
func NewInstanceID() string { return New(PrefixInstance).String() }

// Parse parses a TypeID string into an ID.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and checks that its prefix is expected.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

// ParseFiredID parses a string and validates the "fired" prefix.
func ParseFiredID(s string) (FiredID, error) { return ParseWithPrefix(s, PrefixFired) }

// MustParse is like Parse but panics on error.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}
	return parsed
}

// RecoveryName derives the name of the recovery trigger for a fired entry.
// The name is a pure function of the entry id, so recovering the same entry
// twice always targets the same trigger key.
func RecoveryName(entry FiredID) string {
	return RecoveryPrefix + entry.Suffix()
}

// IsRecoveryName reports whether name was produced by RecoveryName.
func IsRecoveryName(name string) bool {
	return strings.HasPrefix(name, RecoveryPrefix)
}

// String returns the full "prefix_suffix" form, or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the prefix component.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// Suffix returns the encoded UUID component without the prefix.
func (i ID) Suffix() string {
	if !i.valid {
		return ""
	}
	return strings.TrimPrefix(i.inner.String(), i.inner.Prefix()+"_")
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}
	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}
	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
