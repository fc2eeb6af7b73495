package model

// SegmentInfo identifies a stored segment by its inclusive transaction range.
type SegmentInfo struct {
	StartT int64
	EndT   int64
}

// Covers reports whether t falls inside the segment's inclusive range.
func (i SegmentInfo) Covers(t int64) bool { return t >= i.StartT && t <= i.EndT }

// Segment is a durable, contiguous slice of the source transaction log.
//
// Refs holds the source EIDs of reference-typed attributes so a consumer can
// tell a reference value apart from a scalar. IDToAttr snapshots the source's
// base-schema EID-to-ident mapping, taken before any user schema exists, so
// early schema-evolution history can be resolved during replay.
type Segment struct {
	StartT       int64
	EndT         int64
	Refs         map[int64]struct{}
	IDToAttr     map[int64]Keyword
	Transactions []TxLogEntry
}

// Info returns the segment's range descriptor.
func (s *Segment) Info() SegmentInfo { return SegmentInfo{StartT: s.StartT, EndT: s.EndT} }

// Covers reports whether t falls inside the segment's inclusive range.
func (s *Segment) Covers(t int64) bool { return t >= s.StartT && t <= s.EndT }

// LastT returns the log position of the last transaction actually contained
// in the segment, or 0 if the segment is empty.
func (s *Segment) LastT() int64 {
	if len(s.Transactions) == 0 {
		return 0
	}
	return s.Transactions[len(s.Transactions)-1].T
}
