package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValueEqual(t *testing.T) {
	u := uuid.New()
	now := time.Now()

	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"equal ints", Int64Value(42), Int64Value(42), true},
		{"unequal ints", Int64Value(42), Int64Value(43), false},
		{"int vs string", Int64Value(42), StringValue("42"), false},
		{"equal strings", StringValue("a"), StringValue("a"), true},
		{"equal bools", BoolValue(true), BoolValue(true), true},
		{"unequal bools", BoolValue(true), BoolValue(false), false},
		{"equal instants", InstantValue(now), InstantValue(now), true},
		{"equal uuids", UUIDValue(u), UUIDValue(u), true},
		{"unequal uuids", UUIDValue(u), UUIDValue(uuid.New()), false},
		{"equal keywords", KeywordValue(Keyword{"person", "name"}), KeywordValue(Keyword{"person", "name"}), true},
		{"unequal keyword ns", KeywordValue(Keyword{"person", "name"}), KeywordValue(Keyword{"user", "name"}), false},
		{"equal decimals", DecimalValue("3.14"), DecimalValue("3.14"), true},
		{"equal bytes", BytesValue([]byte{1, 2}), BytesValue([]byte{1, 2}), true},
		{"unequal bytes", BytesValue([]byte{1, 2}), BytesValue([]byte{1, 3}), false},
		{
			"equal vectors",
			VectorValue([]Value{Int64Value(1), StringValue("x")}),
			VectorValue([]Value{Int64Value(1), StringValue("x")}),
			true,
		},
		{
			"unequal vector lengths",
			VectorValue([]Value{Int64Value(1)}),
			VectorValue([]Value{Int64Value(1), Int64Value(2)}),
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
			assert.Equal(t, tt.want, tt.b.Equal(tt.a))
		})
	}
}

func TestKeywordString(t *testing.T) {
	assert.Equal(t, ":person/name", Keyword{"person", "name"}.String())
	assert.Equal(t, ":bare", Keyword{Name: "bare"}.String())
}

func TestEntityIndex(t *testing.T) {
	idx := int64(12345)
	eid := PartUserLike<<EntityIndexBits | idx

	assert.Equal(t, idx, EntityIndex(eid))
	assert.Equal(t, PartUserLike, Partition(eid))
	assert.Equal(t, idx, EntityIndex(idx))
	assert.Equal(t, int64(0), Partition(idx))
}

// PartUserLike mirrors a typical user partition value.
const PartUserLike = int64(4)

func TestInstantRoundTrip(t *testing.T) {
	ts := time.Date(2021, 6, 15, 12, 30, 0, 0, time.UTC)
	v := InstantValue(ts)
	assert.Equal(t, ts, v.Time())
}
