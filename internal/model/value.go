package model

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValueKind identifies the concrete type carried by a Value.
type ValueKind uint8

const (
	ValueInt64 ValueKind = iota + 1
	ValueString
	ValueBool
	ValueInstant
	ValueUUID
	ValueKeyword
	ValueDecimal
	ValueBytes
	ValueVector
)

// Keyword is a namespaced identifier with value equality. The namespace may
// be empty for bare keywords.
type Keyword struct {
	Namespace string
	Name      string
}

// String renders the keyword in :namespace/name form.
func (k Keyword) String() string {
	if k.Namespace == "" {
		return ":" + k.Name
	}
	return ":" + k.Namespace + "/" + k.Name
}

// IsZero reports whether the keyword is the zero value.
func (k Keyword) IsZero() bool {
	return k.Namespace == "" && k.Name == ""
}

// Value is a tagged union covering every datom value type that appears in a
// transaction log. Exactly one payload field is meaningful, selected by Kind.
// Instants are stored as epoch-milliseconds in Int. Decimals are stored in
// string form to preserve arbitrary precision.
type Value struct {
	Kind  ValueKind
	Int   int64
	Str   string
	Bool  bool
	UUID  uuid.UUID
	Kw    Keyword
	Bytes []byte
	Vec   []Value
}

func Int64Value(v int64) Value     { return Value{Kind: ValueInt64, Int: v} }
func StringValue(v string) Value   { return Value{Kind: ValueString, Str: v} }
func BoolValue(v bool) Value       { return Value{Kind: ValueBool, Bool: v} }
func UUIDValue(v uuid.UUID) Value  { return Value{Kind: ValueUUID, UUID: v} }
func KeywordValue(k Keyword) Value { return Value{Kind: ValueKeyword, Kw: k} }
func DecimalValue(v string) Value  { return Value{Kind: ValueDecimal, Str: v} }
func BytesValue(v []byte) Value    { return Value{Kind: ValueBytes, Bytes: v} }
func VectorValue(vs []Value) Value { return Value{Kind: ValueVector, Vec: vs} }
func InstantValue(t time.Time) Value {
	return Value{Kind: ValueInstant, Int: t.UnixMilli()}
}

// InstantMillis builds an instant value from raw epoch-milliseconds.
func InstantMillis(ms int64) Value { return Value{Kind: ValueInstant, Int: ms} }

// Time returns the instant payload as a time.Time. Only meaningful when
// Kind is ValueInstant.
func (v Value) Time() time.Time { return time.UnixMilli(v.Int).UTC() }

// IsZero reports whether the value is unset.
func (v Value) IsZero() bool { return v.Kind == 0 }

// Equal reports deep value equality.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case ValueInt64, ValueInstant:
		return v.Int == o.Int
	case ValueString, ValueDecimal:
		return v.Str == o.Str
	case ValueBool:
		return v.Bool == o.Bool
	case ValueUUID:
		return v.UUID == o.UUID
	case ValueKeyword:
		return v.Kw == o.Kw
	case ValueBytes:
		return bytes.Equal(v.Bytes, o.Bytes)
	case ValueVector:
		if len(v.Vec) != len(o.Vec) {
			return false
		}
		for i := range v.Vec {
			if !v.Vec[i].Equal(o.Vec[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value for logs and error messages.
func (v Value) String() string {
	switch v.Kind {
	case ValueInt64:
		return fmt.Sprintf("%d", v.Int)
	case ValueString:
		return fmt.Sprintf("%q", v.Str)
	case ValueBool:
		return fmt.Sprintf("%t", v.Bool)
	case ValueInstant:
		return v.Time().Format(time.RFC3339Nano)
	case ValueUUID:
		return v.UUID.String()
	case ValueKeyword:
		return v.Kw.String()
	case ValueDecimal:
		return v.Str + "M"
	case ValueBytes:
		return fmt.Sprintf("#bytes[%d]", len(v.Bytes))
	case ValueVector:
		return fmt.Sprintf("#vec[%d]", len(v.Vec))
	}
	return "#unset"
}
