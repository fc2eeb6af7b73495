package codec

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dcberrors "github.com/fulcrologic/datomic-cloud-backup/internal/errors"
	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

func sampleSegment() *model.Segment {
	u := uuid.MustParse("8f14e45f-ceea-4e7c-b2d1-74f8a1b0c3d9")
	return &model.Segment{
		StartT: 7,
		EndT:   9,
		Refs:   map[int64]struct{}{101: {}, 205: {}},
		IDToAttr: map[int64]model.Keyword{
			10: {Namespace: "db", Name: "ident"},
			13: {Namespace: "db", Name: "txInstant"},
		},
		Transactions: []model.TxLogEntry{
			{
				T: 7,
				Datoms: []model.Datom{
					{E: 1001, A: 13, V: model.InstantValue(time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC)), Tx: 1001, Added: true},
					{E: 2001, A: 101, V: model.Int64Value(2002), Tx: 1001, Added: true},
					{E: 2001, A: 102, V: model.StringValue("Bob"), Tx: 1001, Added: true},
					{E: 2001, A: 103, V: model.UUIDValue(u), Tx: 1001, Added: true},
					{E: 2001, A: 104, V: model.BoolValue(true), Tx: 1001, Added: false},
				},
			},
			{
				T: 9,
				Datoms: []model.Datom{
					{E: 2002, A: 105, V: model.KeywordValue(model.Keyword{Namespace: "status", Name: "active"}), Tx: 1002, Added: true},
					{E: 2002, A: 106, V: model.DecimalValue("1234.5678901234567890"), Tx: 1002, Added: true},
					{E: 2002, A: 107, V: model.BytesValue([]byte{0x00, 0x01, 0xFF}), Tx: 1002, Added: true},
					{E: 2002, A: 108, V: model.VectorValue([]model.Value{
						model.Int64Value(5),
						model.StringValue("x"),
						model.KeywordValue(model.Keyword{Namespace: "a", Name: "b"}),
					}), Tx: 1002, Added: true},
				},
			},
		},
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	seg := sampleSegment()

	data, err := Encode(seg)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, seg.StartT, got.StartT)
	assert.Equal(t, seg.EndT, got.EndT)
	assert.Equal(t, seg.Refs, got.Refs)
	assert.Equal(t, seg.IDToAttr, got.IDToAttr)
	require.Len(t, got.Transactions, len(seg.Transactions))

	for i, tx := range seg.Transactions {
		gotTx := got.Transactions[i]
		assert.Equal(t, tx.T, gotTx.T)
		require.Len(t, gotTx.Datoms, len(tx.Datoms))
		for j, d := range tx.Datoms {
			gd := gotTx.Datoms[j]
			assert.Equal(t, d.E, gd.E)
			assert.Equal(t, d.A, gd.A)
			assert.Equal(t, d.Tx, gd.Tx)
			assert.Equal(t, d.Added, gd.Added)
			assert.True(t, d.V.Equal(gd.V), "value mismatch at tx %d datom %d: %s vs %s", i, j, d.V, gd.V)
		}
	}
}

func TestEmptySegmentRoundTrip(t *testing.T) {
	seg := &model.Segment{
		StartT:   1,
		EndT:     1,
		Refs:     map[int64]struct{}{},
		IDToAttr: map[int64]model.Keyword{},
	}

	data, err := Encode(seg)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.StartT)
	assert.Empty(t, got.Transactions)
}

func TestDecodeCorruptedData(t *testing.T) {
	data, err := Encode(sampleSegment())
	require.NoError(t, err)

	corrupted := append([]byte{}, data...)
	corrupted[len(corrupted)/2] ^= 0xFF

	_, err = Decode(corrupted)
	require.Error(t, err)
	assert.Equal(t, dcberrors.ErrCodeCorruptedSegment, dcberrors.GetCode(err))
}

func TestDecodeTruncatedData(t *testing.T) {
	data, err := Encode(sampleSegment())
	require.NoError(t, err)

	_, err = Decode(data[:3])
	require.Error(t, err)
}

func TestDecodeBadMagic(t *testing.T) {
	data, err := Encode(sampleSegment())
	require.NoError(t, err)

	// Flip the magic and re-seal, so the trailer check passes and the magic
	// check is what rejects the blob.
	body, ok := openSegment(data)
	require.True(t, ok)
	body[0] ^= 0xFF
	_, err = Decode(sealSegment(body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")
}

func TestEncodeDeterministic(t *testing.T) {
	seg := sampleSegment()
	a, err := Encode(seg)
	require.NoError(t, err)
	b, err := Encode(seg)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
