package model

// EntityIndexBits is the width of the globally-monotonic low portion of an
// entity ID. The remaining high bits encode the partition.
const EntityIndexBits = 42

// EntityIndexMask selects the entity-index portion of an EID.
const EntityIndexMask = (int64(1) << EntityIndexBits) - 1

// EntityIndex extracts the low 42 bits of an EID. The entity index is
// monotonic across the source database's history.
func EntityIndex(eid int64) int64 { return eid & EntityIndexMask }

// Partition extracts the partition bits of an EID.
func Partition(eid int64) int64 { return eid >> EntityIndexBits }

// Datom is a single fact from the source transaction log. E, A and Tx are
// source entity IDs; Added distinguishes assertion from retraction.
type Datom struct {
	E     int64
	A     int64
	V     Value
	Tx    int64
	Added bool
}

// TxLogEntry is one transaction read from the source log: its log position T
// and the datoms asserted or retracted in it.
type TxLogEntry struct {
	T      int64
	Datoms []Datom
}

// TxEID returns the transaction entity's EID, taken from the Tx field of the
// first datom. Returns 0 for an empty transaction.
func (e TxLogEntry) TxEID() int64 {
	if len(e.Datoms) == 0 {
		return 0
	}
	return e.Datoms[0].Tx
}
