// Package codec serializes segments to a length-prefixed, self-describing
// binary form, compressed with zstd and protected by a CRC32 trailer.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	dcberrors "github.com/fulcrologic/datomic-cloud-backup/internal/errors"
	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

// FileExtension is the suffix used by stores that persist encoded segments.
const FileExtension = ".seg.zst"

const (
	magic   uint32 = 0x53454731 // "SEG1"
	version byte   = 1
)

// Value type tags on the wire.
const (
	tagInt64 byte = iota + 1
	tagString
	tagBool
	tagInstant
	tagUUID
	tagKeyword
	tagDecimal
	tagBytes
	tagVector
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("zstd encoder init: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("zstd decoder init: %v", err))
	}
}

// Encode serializes a segment. The layout is a fixed header (magic, version)
// followed by the zstd-compressed payload and a CRC32 trailer over the
// header and compressed bytes.
func Encode(seg *model.Segment) ([]byte, error) {
	var payload bytes.Buffer
	if err := writePayload(&payload, seg); err != nil {
		return nil, fmt.Errorf("failed to serialize segment: %w", err)
	}

	compressed := encoder.EncodeAll(payload.Bytes(), nil)

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, magic); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	out.WriteByte(version)
	out.Write(compressed)

	return sealSegment(out.Bytes()), nil
}

// Decode deserializes a segment produced by Encode.
func Decode(data []byte) (*model.Segment, error) {
	body, ok := openSegment(data)
	if !ok {
		return nil, dcberrors.CorruptedSegment("segment trailer mismatch", nil)
	}
	if len(body) < 5 {
		return nil, dcberrors.CorruptedSegment("segment truncated", nil)
	}

	if got := binary.LittleEndian.Uint32(body[:4]); got != magic {
		return nil, dcberrors.CorruptedSegment(fmt.Sprintf("bad segment magic %#x", got), nil)
	}
	if body[4] != version {
		return nil, dcberrors.CorruptedSegment(fmt.Sprintf("unsupported segment version %d", body[4]), nil)
	}

	payload, err := decoder.DecodeAll(body[5:], nil)
	if err != nil {
		return nil, dcberrors.CorruptedSegment("segment decompression failed", err)
	}

	seg, err := readPayload(bytes.NewReader(payload))
	if err != nil {
		return nil, dcberrors.CorruptedSegment("segment payload invalid", err)
	}
	return seg, nil
}

func writePayload(w *bytes.Buffer, seg *model.Segment) error {
	writeInt64(w, seg.StartT)
	writeInt64(w, seg.EndT)

	// Side tables are written in sorted order so encoding is deterministic.
	refs := make([]int64, 0, len(seg.Refs))
	for eid := range seg.Refs {
		refs = append(refs, eid)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	writeUint32(w, uint32(len(refs)))
	for _, eid := range refs {
		writeInt64(w, eid)
	}

	attrs := make([]int64, 0, len(seg.IDToAttr))
	for eid := range seg.IDToAttr {
		attrs = append(attrs, eid)
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i] < attrs[j] })
	writeUint32(w, uint32(len(attrs)))
	for _, eid := range attrs {
		writeInt64(w, eid)
		writeKeyword(w, seg.IDToAttr[eid])
	}

	writeUint32(w, uint32(len(seg.Transactions)))
	for _, tx := range seg.Transactions {
		writeInt64(w, tx.T)
		writeUint32(w, uint32(len(tx.Datoms)))
		for _, d := range tx.Datoms {
			writeInt64(w, d.E)
			writeInt64(w, d.A)
			writeInt64(w, d.Tx)
			if d.Added {
				w.WriteByte(1)
			} else {
				w.WriteByte(0)
			}
			if err := writeValue(w, d.V); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeValue(w *bytes.Buffer, v model.Value) error {
	switch v.Kind {
	case model.ValueInt64:
		w.WriteByte(tagInt64)
		writeInt64(w, v.Int)
	case model.ValueString:
		w.WriteByte(tagString)
		writeString(w, v.Str)
	case model.ValueBool:
		w.WriteByte(tagBool)
		if v.Bool {
			w.WriteByte(1)
		} else {
			w.WriteByte(0)
		}
	case model.ValueInstant:
		w.WriteByte(tagInstant)
		writeInt64(w, v.Int)
	case model.ValueUUID:
		w.WriteByte(tagUUID)
		w.Write(v.UUID[:])
	case model.ValueKeyword:
		w.WriteByte(tagKeyword)
		writeKeyword(w, v.Kw)
	case model.ValueDecimal:
		w.WriteByte(tagDecimal)
		writeString(w, v.Str)
	case model.ValueBytes:
		w.WriteByte(tagBytes)
		writeUint32(w, uint32(len(v.Bytes)))
		w.Write(v.Bytes)
	case model.ValueVector:
		w.WriteByte(tagVector)
		writeUint32(w, uint32(len(v.Vec)))
		for _, e := range v.Vec {
			if err := writeValue(w, e); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unencodable value kind %d", v.Kind)
	}
	return nil
}

func readPayload(r *bytes.Reader) (*model.Segment, error) {
	seg := &model.Segment{
		Refs:     make(map[int64]struct{}),
		IDToAttr: make(map[int64]model.Keyword),
	}

	var err error
	if seg.StartT, err = readInt64(r); err != nil {
		return nil, err
	}
	if seg.EndT, err = readInt64(r); err != nil {
		return nil, err
	}

	nRefs, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nRefs; i++ {
		eid, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		seg.Refs[eid] = struct{}{}
	}

	nAttrs, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nAttrs; i++ {
		eid, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		kw, err := readKeyword(r)
		if err != nil {
			return nil, err
		}
		seg.IDToAttr[eid] = kw
	}

	nTx, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	seg.Transactions = make([]model.TxLogEntry, 0, nTx)
	for i := uint32(0); i < nTx; i++ {
		var tx model.TxLogEntry
		if tx.T, err = readInt64(r); err != nil {
			return nil, err
		}
		nDatoms, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		tx.Datoms = make([]model.Datom, 0, nDatoms)
		for j := uint32(0); j < nDatoms; j++ {
			var d model.Datom
			if d.E, err = readInt64(r); err != nil {
				return nil, err
			}
			if d.A, err = readInt64(r); err != nil {
				return nil, err
			}
			if d.Tx, err = readInt64(r); err != nil {
				return nil, err
			}
			added, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			d.Added = added == 1
			if d.V, err = readValue(r); err != nil {
				return nil, err
			}
			tx.Datoms = append(tx.Datoms, d)
		}
		seg.Transactions = append(seg.Transactions, tx)
	}
	return seg, nil
}

func readValue(r *bytes.Reader) (model.Value, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return model.Value{}, err
	}
	switch tag {
	case tagInt64:
		n, err := readInt64(r)
		return model.Int64Value(n), err
	case tagString:
		s, err := readString(r)
		return model.StringValue(s), err
	case tagBool:
		b, err := r.ReadByte()
		return model.BoolValue(b == 1), err
	case tagInstant:
		n, err := readInt64(r)
		return model.InstantMillis(n), err
	case tagUUID:
		var u uuid.UUID
		if _, err := io.ReadFull(r, u[:]); err != nil {
			return model.Value{}, err
		}
		return model.UUIDValue(u), nil
	case tagKeyword:
		kw, err := readKeyword(r)
		return model.KeywordValue(kw), err
	case tagDecimal:
		s, err := readString(r)
		return model.DecimalValue(s), err
	case tagBytes:
		n, err := readUint32(r)
		if err != nil {
			return model.Value{}, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return model.Value{}, err
		}
		return model.BytesValue(b), nil
	case tagVector:
		n, err := readUint32(r)
		if err != nil {
			return model.Value{}, err
		}
		vec := make([]model.Value, 0, n)
		for i := uint32(0); i < n; i++ {
			e, err := readValue(r)
			if err != nil {
				return model.Value{}, err
			}
			vec = append(vec, e)
		}
		return model.VectorValue(vec), nil
	}
	return model.Value{}, fmt.Errorf("unknown value tag %d", tag)
}

func writeInt64(w *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.Write(b[:])
}

func writeUint32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeString(w *bytes.Buffer, s string) {
	writeUint32(w, uint32(len(s)))
	w.WriteString(s)
}

func writeKeyword(w *bytes.Buffer, k model.Keyword) {
	writeString(w, k.Namespace)
	writeString(w, k.Name)
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readKeyword(r *bytes.Reader) (model.Keyword, error) {
	ns, err := readString(r)
	if err != nil {
		return model.Keyword{}, err
	}
	name, err := readString(r)
	if err != nil {
		return model.Keyword{}, err
	}
	return model.Keyword{Namespace: ns, Name: name}, nil
}
