package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

// attrDef is the installed schema of one attribute.
type attrDef struct {
	ident     model.Keyword
	valueType model.Keyword
	card      Cardinality
	noHistory bool
	composite bool
}

func (d *attrDef) isRef() bool { return d.valueType == TypeRef }

// MemTarget is an in-memory transactional database standing in for a real
// target. It resolves tempids, enforces CAS atomically, detects same
// transaction datom conflicts on cardinality-one attributes, indexes
// original-id, and records its own transaction log so a restored replica can
// itself serve as a source (chained restores).
type MemTarget struct {
	mu            sync.Mutex
	entities      map[int64]map[model.Keyword][]model.Value
	identToEID    map[model.Keyword]int64
	eidToIdent    map[int64]model.Keyword
	attrs         map[model.Keyword]*attrDef
	originalIndex map[int64]int64
	baseAttrEIDs  map[int64]model.Keyword
	log           []model.TxLogEntry
	nextIdx       int64

	failErr   error
	failCount int
}

// NewMemTarget creates an empty target with the base schema installed.
func NewMemTarget() *MemTarget {
	t := &MemTarget{
		entities:      make(map[int64]map[model.Keyword][]model.Value),
		identToEID:    make(map[model.Keyword]int64),
		eidToIdent:    make(map[int64]model.Keyword),
		attrs:         make(map[model.Keyword]*attrDef),
		originalIndex: make(map[int64]int64),
		baseAttrEIDs:  make(map[int64]model.Keyword),
	}
	base := []struct {
		kw   model.Keyword
		vt   model.Keyword
		card Cardinality
	}{
		{DBIdent, model.Keyword{Namespace: "db.type", Name: "keyword"}, CardinalityOne},
		{DBTxInstant, model.Keyword{Namespace: "db.type", Name: "instant"}, CardinalityOne},
		{DBValueType, model.Keyword{Namespace: "db.type", Name: "keyword"}, CardinalityOne},
		{DBCardinality, model.Keyword{Namespace: "db.type", Name: "keyword"}, CardinalityOne},
		{DBUnique, model.Keyword{Namespace: "db.type", Name: "keyword"}, CardinalityOne},
		{DBNoHistory, model.Keyword{Namespace: "db.type", Name: "boolean"}, CardinalityOne},
		{DBTupleAttrs, model.Keyword{Namespace: "db.type", Name: "tuple"}, CardinalityOne},
		{DBInstallAttribute, model.Keyword{Namespace: "db.type", Name: "string"}, CardinalityMany},
	}
	for _, b := range base {
		eid := t.allocEID(PartDB)
		t.identToEID[b.kw] = eid
		t.eidToIdent[eid] = b.kw
		t.baseAttrEIDs[eid] = b.kw
		t.attrs[b.kw] = &attrDef{ident: b.kw, valueType: b.vt, card: b.card}
	}
	return t
}

func (t *MemTarget) allocEID(partition int64) int64 {
	t.nextIdx++
	return partition<<model.EntityIndexBits | t.nextIdx
}

// FailNextTransacts makes the next n calls to Transact fail with err before
// touching any state. Used to simulate transient target outages.
func (t *MemTarget) FailNextTransacts(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failCount = n
	t.failErr = err
}

// Transact implements Target. The operation list is applied atomically
// against a staged copy of the database; any failure leaves state untouched.
func (t *MemTarget) Transact(ctx context.Context, ops []model.Op, timeout time.Duration) (*TxResult, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("empty transaction")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failCount > 0 {
		t.failCount--
		return nil, t.failErr
	}

	st := t.stage()
	txEID := st.allocEID(PartTx)
	tempids := map[string]int64{}

	resolveE := func(r model.ERef) (int64, error) {
		switch r.Kind {
		case model.ERefEID:
			return r.EID, nil
		case model.ERefTempID:
			if r.TempID == TxTempID {
				tempids[TxTempID] = txEID
				return txEID, nil
			}
			if eid, ok := tempids[r.TempID]; ok {
				return eid, nil
			}
			eid := st.allocEID(PartUser)
			tempids[r.TempID] = eid
			return eid, nil
		case model.ERefIdent:
			if eid, ok := st.identToEID[r.Ident]; ok {
				return eid, nil
			}
			return 0, fmt.Errorf("unknown ident %s", r.Ident)
		}
		return 0, fmt.Errorf("unresolvable entity reference")
	}

	// Register idents installed by this transaction before anything needs to
	// resolve them. db/ident is a unique identity: asserting an existing
	// ident with a tempid resolves the tempid to the existing entity.
	for _, op := range ops {
		if op.Type != model.OpAdd {
			continue
		}
		if op.A.Kind == model.ERefIdent && op.A.Ident == DBIdent && op.V.Kind == model.ValueKeyword {
			if existing, ok := st.identToEID[op.V.Kw]; ok {
				if op.E.Kind == model.ERefTempID && op.E.TempID != TxTempID {
					if already, have := tempids[op.E.TempID]; have && already != existing {
						return nil, fmt.Errorf("ident conflict: %s already names entity %d", op.V.Kw, existing)
					}
					tempids[op.E.TempID] = existing
					continue
				}
				eid, err := resolveE(op.E)
				if err != nil {
					return nil, err
				}
				if eid != existing {
					return nil, fmt.Errorf("ident conflict: %s already names entity %d", op.V.Kw, existing)
				}
				continue
			}
			eid, err := resolveE(op.E)
			if err != nil {
				return nil, err
			}
			st.identToEID[op.V.Kw] = eid
			st.eidToIdent[eid] = op.V.Kw
		}
	}

	attrIdentOf := func(r model.ERef) (model.Keyword, error) {
		switch r.Kind {
		case model.ERefIdent:
			return r.Ident, nil
		case model.ERefEID:
			if kw, ok := st.eidToIdent[r.EID]; ok {
				return kw, nil
			}
			return model.Keyword{}, fmt.Errorf("EID %d is not an attribute", r.EID)
		case model.ERefTempID:
			eid, err := resolveE(r)
			if err != nil {
				return model.Keyword{}, err
			}
			if kw, ok := st.eidToIdent[eid]; ok {
				return kw, nil
			}
			return model.Keyword{}, fmt.Errorf("tempid %q is not an attribute", r.TempID)
		}
		return model.Keyword{}, fmt.Errorf("unresolvable attribute reference")
	}

	// Collect schema definitions arriving in this transaction.
	pendingSchema := map[int64]*attrDef{}
	schemaFor := func(eid int64) *attrDef {
		if d, ok := pendingSchema[eid]; ok {
			return d
		}
		d := &attrDef{card: CardinalityOne}
		pendingSchema[eid] = d
		return d
	}
	for _, op := range ops {
		if op.Type != model.OpAdd || op.A.Kind != model.ERefIdent {
			continue
		}
		eid, err := resolveE(op.E)
		if err != nil {
			return nil, err
		}
		switch op.A.Ident {
		case DBIdent:
			schemaFor(eid).ident = op.V.Kw
		case DBValueType:
			schemaFor(eid).valueType = op.V.Kw
		case DBCardinality:
			if op.V.Kw.Name == "many" {
				schemaFor(eid).card = CardinalityMany
			} else {
				schemaFor(eid).card = CardinalityOne
			}
		case DBNoHistory:
			schemaFor(eid).noHistory = op.V.Bool
		case DBTupleAttrs:
			schemaFor(eid).composite = true
		}
	}
	for _, d := range pendingSchema {
		if !d.ident.IsZero() && !d.valueType.IsZero() {
			st.attrs[d.ident] = d
		}
	}

	type applied struct {
		e     int64
		attr  model.Keyword
		v     model.Value
		added bool
	}
	var datoms []applied
	txAdds := map[string]model.Value{}
	pairKey := func(e int64, kw model.Keyword) string { return fmt.Sprintf("%d|%s", e, kw) }

	resolveV := func(def *attrDef, v model.Value) (model.Value, error) {
		if def == nil || !def.isRef() {
			return v, nil
		}
		switch v.Kind {
		case model.ValueInt64:
			return v, nil
		case model.ValueString:
			if v.Str == TxTempID {
				return model.Int64Value(txEID), nil
			}
			if eid, ok := tempids[v.Str]; ok {
				return model.Int64Value(eid), nil
			}
			return model.Value{}, fmt.Errorf("unresolvable tempid %q as ref value", v.Str)
		case model.ValueKeyword:
			if eid, ok := st.identToEID[v.Kw]; ok {
				return model.Int64Value(eid), nil
			}
			return model.Value{}, fmt.Errorf("unknown ident %s as ref value", v.Kw)
		}
		return model.Value{}, fmt.Errorf("value kind %d invalid for ref attribute", v.Kind)
	}

	for _, op := range ops {
		switch op.Type {
		case model.OpCAS:
			e, err := resolveE(op.E)
			if err != nil {
				return nil, err
			}
			kw, err := attrIdentOf(op.A)
			if err != nil {
				return nil, err
			}
			cur, ok := st.value(e, kw)
			if !ok || !cur.Equal(op.Prev) {
				return nil, fmt.Errorf("compare-and-swap failed on %s: expected %s, have %s", kw, op.Prev, cur)
			}
			st.put(e, kw, op.V, CardinalityOne)
			datoms = append(datoms, applied{e: e, attr: kw, v: op.V, added: true})

		case model.OpAdd:
			e, err := resolveE(op.E)
			if err != nil {
				return nil, err
			}
			kw, err := attrIdentOf(op.A)
			if err != nil {
				return nil, err
			}
			def := st.attrs[kw]
			if def == nil {
				return nil, fmt.Errorf("attribute %s is not installed", kw)
			}
			v, err := resolveV(def, op.V)
			if err != nil {
				return nil, err
			}
			if def.card == CardinalityOne {
				key := pairKey(e, kw)
				if prev, dup := txAdds[key]; dup && !prev.Equal(v) {
					return nil, fmt.Errorf("datom conflict: two assertions for %s on %d in one transaction", kw, e)
				}
				txAdds[key] = v
			}
			if kw == OriginalID {
				if existing, ok := st.originalIndex[v.Int]; ok && existing != e {
					return nil, fmt.Errorf("original-id %d already mapped to entity %d", v.Int, existing)
				}
				st.originalIndex[v.Int] = e
			}
			st.put(e, kw, v, def.card)
			datoms = append(datoms, applied{e: e, attr: kw, v: v, added: true})

		case model.OpRetract:
			e, err := resolveE(op.E)
			if err != nil {
				return nil, err
			}
			kw, err := attrIdentOf(op.A)
			if err != nil {
				return nil, err
			}
			def := st.attrs[kw]
			if def == nil {
				return nil, fmt.Errorf("attribute %s is not installed", kw)
			}
			v, err := resolveV(def, op.V)
			if err != nil {
				return nil, err
			}
			if def.card == CardinalityOne {
				if _, dup := txAdds[pairKey(e, kw)]; dup {
					return nil, fmt.Errorf("datom conflict: assert and retract of %s on %d in one transaction", kw, e)
				}
			}
			st.remove(e, kw, v)
			datoms = append(datoms, applied{e: e, attr: kw, v: v, added: false})
		}
	}

	// Stamp the transaction instant if the transaction did not carry one.
	if _, ok := st.value(txEID, DBTxInstant); !ok {
		now := model.InstantValue(time.Now())
		st.put(txEID, DBTxInstant, now, CardinalityOne)
		datoms = append(datoms, applied{e: txEID, attr: DBTxInstant, v: now, added: true})
	}

	// Commit the staged state and record the log entry.
	st.commit(t)

	entry := model.TxLogEntry{T: int64(len(t.log)) + 1}
	for _, d := range datoms {
		attrEID := t.identToEID[d.attr]
		entry.Datoms = append(entry.Datoms, model.Datom{
			E: d.e, A: attrEID, V: d.v, Tx: txEID, Added: d.added,
		})
	}
	t.log = append(t.log, entry)

	out := make(map[string]int64, len(tempids))
	for k, v := range tempids {
		out[k] = v
	}
	return &TxResult{TxEID: txEID, TempIDs: out}, nil
}

// stagedState is a deep copy of the target's mutable state; Transact applies
// against it and swaps it in only on success.
type stagedState struct {
	entities      map[int64]map[model.Keyword][]model.Value
	identToEID    map[model.Keyword]int64
	eidToIdent    map[int64]model.Keyword
	attrs         map[model.Keyword]*attrDef
	originalIndex map[int64]int64
	nextIdx       int64
}

func (t *MemTarget) stage() *stagedState {
	st := &stagedState{
		entities:      make(map[int64]map[model.Keyword][]model.Value, len(t.entities)),
		identToEID:    make(map[model.Keyword]int64, len(t.identToEID)),
		eidToIdent:    make(map[int64]model.Keyword, len(t.eidToIdent)),
		attrs:         make(map[model.Keyword]*attrDef, len(t.attrs)),
		originalIndex: make(map[int64]int64, len(t.originalIndex)),
		nextIdx:       t.nextIdx,
	}
	for e, av := range t.entities {
		m := make(map[model.Keyword][]model.Value, len(av))
		for kw, vals := range av {
			m[kw] = append([]model.Value(nil), vals...)
		}
		st.entities[e] = m
	}
	for k, v := range t.identToEID {
		st.identToEID[k] = v
	}
	for k, v := range t.eidToIdent {
		st.eidToIdent[k] = v
	}
	for k, v := range t.attrs {
		cp := *v
		st.attrs[k] = &cp
	}
	for k, v := range t.originalIndex {
		st.originalIndex[k] = v
	}
	return st
}

func (st *stagedState) commit(t *MemTarget) {
	t.entities = st.entities
	t.identToEID = st.identToEID
	t.eidToIdent = st.eidToIdent
	t.attrs = st.attrs
	t.originalIndex = st.originalIndex
	t.nextIdx = st.nextIdx
}

func (st *stagedState) allocEID(partition int64) int64 {
	st.nextIdx++
	return partition<<model.EntityIndexBits | st.nextIdx
}

func (st *stagedState) value(e int64, kw model.Keyword) (model.Value, bool) {
	vals := st.entities[e][kw]
	if len(vals) == 0 {
		return model.Value{}, false
	}
	return vals[len(vals)-1], true
}

func (st *stagedState) put(e int64, kw model.Keyword, v model.Value, card Cardinality) {
	if st.entities[e] == nil {
		st.entities[e] = make(map[model.Keyword][]model.Value)
	}
	if card == CardinalityOne {
		st.entities[e][kw] = []model.Value{v}
		return
	}
	for _, existing := range st.entities[e][kw] {
		if existing.Equal(v) {
			return
		}
	}
	st.entities[e][kw] = append(st.entities[e][kw], v)
}

func (st *stagedState) remove(e int64, kw model.Keyword, v model.Value) {
	vals := st.entities[e][kw]
	for i, existing := range vals {
		if existing.Equal(v) {
			st.entities[e][kw] = append(vals[:i], vals[i+1:]...)
			return
		}
	}
}

// CursorT implements Target.
func (t *MemTarget) CursorT(ctx context.Context) (int64, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	eid, ok := t.identToEID[LastSourceTransaction]
	if !ok {
		return 0, false, nil
	}
	vals := t.entities[eid][LastSourceTransaction]
	if len(vals) == 0 {
		return 0, false, nil
	}
	return vals[len(vals)-1].Int, true, nil
}

// EIDByOriginalID implements Target.
func (t *MemTarget) EIDByOriginalID(ctx context.Context, srcEID int64) (int64, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	eid, ok := t.originalIndex[srcEID]
	return eid, ok, nil
}

// MaxOriginalID implements Target.
func (t *MemTarget) MaxOriginalID(ctx context.Context) (int64, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var max int64
	found := false
	for srcEID := range t.originalIndex {
		if !found || srcEID > max {
			max = srcEID
			found = true
		}
	}
	return max, found, nil
}

// RefAttrs implements Target.
func (t *MemTarget) RefAttrs(ctx context.Context) (map[model.Keyword]struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[model.Keyword]struct{})
	for kw, def := range t.attrs {
		if def.isRef() {
			out[kw] = struct{}{}
		}
	}
	return out, nil
}

// Cardinalities implements Target.
func (t *MemTarget) Cardinalities(ctx context.Context) (map[model.Keyword]Cardinality, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[model.Keyword]Cardinality, len(t.attrs))
	for kw, def := range t.attrs {
		out[kw] = def.card
	}
	return out, nil
}

// CompositeAttrs implements Target.
func (t *MemTarget) CompositeAttrs(ctx context.Context) (map[model.Keyword]struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[model.Keyword]struct{})
	for kw, def := range t.attrs {
		if def.composite {
			out[kw] = struct{}{}
		}
	}
	return out, nil
}

// HasBookkeeping implements Target.
func (t *MemTarget) HasBookkeeping(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, a := t.identToEID[OriginalID]
	_, b := t.identToEID[LastSourceTransaction]
	return a && b, nil
}

// BookkeepingEIDs implements Target.
func (t *MemTarget) BookkeepingEIDs(ctx context.Context) (int64, int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identToEID[OriginalID], t.identToEID[LastSourceTransaction], nil
}

// EIDByIdent returns the EID an ident resolves to.
func (t *MemTarget) EIDByIdent(kw model.Keyword) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	eid, ok := t.identToEID[kw]
	return eid, ok
}

// EntityValue returns the current value of (e, attr), if any.
func (t *MemTarget) EntityValue(e int64, kw model.Keyword) (model.Value, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	vals := t.entities[e][kw]
	if len(vals) == 0 {
		return model.Value{}, false
	}
	return vals[len(vals)-1], true
}

// EntityValues returns all current values of (e, attr).
func (t *MemTarget) EntityValues(e int64, kw model.Keyword) []model.Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Value(nil), t.entities[e][kw]...)
}

// FindByValue scans for an entity currently holding (attr, v).
func (t *MemTarget) FindByValue(kw model.Keyword, v model.Value) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for e, av := range t.entities {
		for _, existing := range av[kw] {
			if existing.Equal(v) {
				return e, true
			}
		}
	}
	return 0, false
}

// EntitiesWithAttr returns every entity currently holding the attribute.
func (t *MemTarget) EntitiesWithAttr(kw model.Keyword) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int64
	for e, av := range t.entities {
		if len(av[kw]) > 0 {
			out = append(out, e)
		}
	}
	return out
}

// The following methods expose the target's own recorded transaction log,
// letting a restored replica serve as the source of a chained restore.

// TxRange implements Log over the recorded log.
func (t *MemTarget) TxRange(ctx context.Context, startT, endT int64) ([]model.TxLogEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.TxLogEntry
	for _, tx := range t.log {
		if tx.T < startT {
			continue
		}
		if endT > 0 && tx.T >= endT {
			break
		}
		out = append(out, tx)
	}
	return out, nil
}

// LatestT implements Log over the recorded log.
func (t *MemTarget) LatestT(ctx context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.log)), nil
}

// RefAttrs is implemented for both interfaces; the Log-side variant is
// RefAttrEIDs, returning source EIDs the way a log client would.
func (t *MemTarget) RefAttrEIDs(ctx context.Context) (map[int64]struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]struct{})
	for kw, def := range t.attrs {
		if def.isRef() {
			if eid, ok := t.identToEID[kw]; ok {
				out[eid] = struct{}{}
			}
		}
	}
	return out, nil
}

// BaseIdents implements Log over the recorded log.
func (t *MemTarget) BaseIdents(ctx context.Context) (map[int64]model.Keyword, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]model.Keyword, len(t.baseAttrEIDs))
	for eid, kw := range t.baseAttrEIDs {
		out[eid] = kw
	}
	return out, nil
}

// AsLog adapts the target's recorded history to the Log interface.
func (t *MemTarget) AsLog() Log { return memTargetLog{t} }

type memTargetLog struct{ t *MemTarget }

func (l memTargetLog) TxRange(ctx context.Context, startT, endT int64) ([]model.TxLogEntry, error) {
	return l.t.TxRange(ctx, startT, endT)
}

func (l memTargetLog) LatestT(ctx context.Context) (int64, error) {
	return l.t.LatestT(ctx)
}

func (l memTargetLog) RefAttrs(ctx context.Context) (map[int64]struct{}, error) {
	return l.t.RefAttrEIDs(ctx)
}

func (l memTargetLog) BaseIdents(ctx context.Context) (map[int64]model.Keyword, error) {
	return l.t.BaseIdents(ctx)
}
