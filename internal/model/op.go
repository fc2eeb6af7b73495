package model

import "strconv"

// ERefKind identifies how an entity is referenced in an output operation.
type ERefKind uint8

const (
	// ERefEID references a concrete entity ID already allocated by the target.
	ERefEID ERefKind = iota + 1
	// ERefTempID references an entity by a tempid string the target resolves
	// on commit.
	ERefTempID
	// ERefIdent references a fixed entity by its ident keyword.
	ERefIdent
)

// ERef is an entity reference inside an output operation.
type ERef struct {
	Kind   ERefKind
	EID    int64
	TempID string
	Ident  Keyword
}

func EIDRef(eid int64) ERef   { return ERef{Kind: ERefEID, EID: eid} }
func TempIDRef(t string) ERef { return ERef{Kind: ERefTempID, TempID: t} }
func IdentRef(k Keyword) ERef { return ERef{Kind: ERefIdent, Ident: k} }

// NumericTempID builds the canonical tempid for a source EID: its decimal
// string form. The replayer harvests these from the target's commit result
// to learn source-to-target ID mappings.
func NumericTempID(srcEID int64) string { return strconv.FormatInt(srcEID, 10) }

// String renders the reference for logs and map keys.
func (r ERef) String() string {
	switch r.Kind {
	case ERefEID:
		return strconv.FormatInt(r.EID, 10)
	case ERefTempID:
		return "tmp:" + r.TempID
	case ERefIdent:
		return r.Ident.String()
	}
	return "?"
}

// OpType is the kind of an output operation.
type OpType uint8

const (
	OpAdd OpType = iota + 1
	OpRetract
	OpCAS
)

// Op is a single operation submitted to the target inside one transaction.
//
// For OpAdd and OpRetract, E/A/V carry the fact. When A is a reference-typed
// attribute the value is either Int64 (a concrete target EID) or String (a
// tempid), following the target's own transaction grammar. For OpCAS, Prev
// and V are the expected and new values; the whole transaction is rejected
// on mismatch.
type Op struct {
	Type OpType
	E    ERef
	A    ERef
	V    Value
	Prev Value
}

func Add(e ERef, a ERef, v Value) Op     { return Op{Type: OpAdd, E: e, A: a, V: v} }
func Retract(e ERef, a ERef, v Value) Op { return Op{Type: OpRetract, E: e, A: a, V: v} }
func CAS(e ERef, a ERef, prev, next Value) Op {
	return Op{Type: OpCAS, E: e, A: a, Prev: prev, V: next}
}
