package service

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fulcrologic/datomic-cloud-backup/internal/cache"
	"github.com/fulcrologic/datomic-cloud-backup/internal/database"
	dcberrors "github.com/fulcrologic/datomic-cloud-backup/internal/errors"
	"github.com/fulcrologic/datomic-cloud-backup/internal/metrics"
	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

// preEpoch is the cutoff below which a transaction instant marks source
// preamble rather than user history.
var preEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// syntheticInstant fabricates a monotonic timestamp for replayed preamble
// transactions: epoch + 1 day + t milliseconds.
func syntheticInstant(t int64) model.Value {
	return model.InstantMillis(24*int64(time.Hour/time.Millisecond) + t)
}

// ReplayOptions tune the transaction rewriter.
type ReplayOptions struct {
	// Blacklist drops every data op on the named attributes.
	Blacklist map[model.Keyword]struct{}
	// Rewrites transforms asserted values of the named attributes.
	Rewrites map[model.Keyword]func(model.Value) model.Value
	// VerifyProbability samples "new EID" decisions and probes the target's
	// original-id index to catch watermark bugs. Zero disables.
	VerifyProbability float64
	// Rand overrides the sampling source. Nil uses math/rand.
	Rand func() float64
	// TransactTimeout bounds each target transaction.
	TransactTimeout time.Duration
}

// ReplayService rewrites source transactions into semantically equivalent
// target transactions: every EID carried in the log is remapped to the
// target's IDs while history, timestamps and per-transaction auditing are
// preserved. One instance serves one restore session of one source database.
type ReplayService struct {
	db      string
	target  database.Target
	cache   *cache.IDCache
	opts    ReplayOptions
	logger  *zap.Logger
	metrics *metrics.Metrics

	cursor   int64
	refs     map[int64]struct{}
	idToAttr map[int64]model.Keyword

	targetRefs       map[model.Keyword]struct{}
	cards            map[model.Keyword]database.Cardinality
	targetComposites map[model.Keyword]struct{}
	bkOriginalEID    int64
	bkCursorEID      int64

	// compositeAttrs holds source EIDs of composite-tuple attributes seen
	// installed during this session; their values are target-generated.
	compositeAttrs map[int64]struct{}

	pending *carryover
}

// carryover holds datoms deferred past a composite-tuple installation; they
// are reinjected at the head of the next transaction.
type carryover struct {
	tupleEnt int64
	datoms   []model.Datom
}

// NewReplayService creates a replayer for one source database.
func NewReplayService(
	db string,
	target database.Target,
	idCache *cache.IDCache,
	opts ReplayOptions,
	logger *zap.Logger,
	m *metrics.Metrics,
) *ReplayService {
	if opts.TransactTimeout <= 0 {
		opts.TransactTimeout = database.DefaultTransactTimeout
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &ReplayService{
		db:             db,
		target:         target,
		cache:          idCache,
		opts:           opts,
		logger:         logger,
		metrics:        m,
		idToAttr:       make(map[int64]model.Keyword),
		compositeAttrs: make(map[int64]struct{}),
	}
}

// SetCursor primes the last-applied source t, read from the target.
func (s *ReplayService) SetCursor(t int64) { s.cursor = t }

// BeginSegment installs the segment's side tables. The base-schema ident
// snapshot is merged, not replaced: user-schema idents accumulated from
// replayed installs stay visible. The segment's own transactions are
// pre-scanned for ident installs so attributes installed mid-segment resolve
// by ident throughout it.
func (s *ReplayService) BeginSegment(seg *model.Segment) {
	s.refs = seg.Refs
	for eid, kw := range seg.IDToAttr {
		s.idToAttr[eid] = kw
	}
	identEIDs := map[int64]struct{}{}
	for eid, kw := range s.idToAttr {
		if kw == database.DBIdent {
			identEIDs[eid] = struct{}{}
		}
	}
	for _, tx := range seg.Transactions {
		for _, d := range tx.Datoms {
			if !d.Added || d.V.Kind != model.ValueKeyword {
				continue
			}
			if _, ok := identEIDs[d.A]; ok {
				s.idToAttr[d.E] = d.V.Kw
			}
		}
	}
}

// RefreshSchema re-reads the target's ref set, cardinalities and composite
// attributes. Called at segment entry and after each schema installation.
func (s *ReplayService) RefreshSchema(ctx context.Context) error {
	refs, err := s.target.RefAttrs(ctx)
	if err != nil {
		return fmt.Errorf("failed to read target ref attributes: %w", err)
	}
	cards, err := s.target.Cardinalities(ctx)
	if err != nil {
		return fmt.Errorf("failed to read target cardinalities: %w", err)
	}
	comps, err := s.target.CompositeAttrs(ctx)
	if err != nil {
		return fmt.Errorf("failed to read target composite attributes: %w", err)
	}
	origEID, cursorEID, err := s.target.BookkeepingEIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to read bookkeeping EIDs: %w", err)
	}
	s.targetRefs = refs
	s.cards = cards
	s.targetComposites = comps
	s.bkOriginalEID = origEID
	s.bkCursorEID = cursorEID
	return nil
}

// isBookkeepingAttr recognizes the replicator's own attributes when they
// arrive as data from a chained source's log; replaying them would fight the
// bookkeeping this restore writes itself.
func (s *ReplayService) isBookkeepingAttr(ref model.ERef, kw model.Keyword) bool {
	if kw == database.OriginalID || kw == database.LastSourceTransaction {
		return true
	}
	if ref.Kind == model.ERefEID && ref.EID != 0 {
		return ref.EID == s.bkOriginalEID || ref.EID == s.bkCursorEID
	}
	return false
}

// ApplyTransaction rewrites one source transaction and submits it to the
// target. Returns whether the transaction installed schema (so the caller can
// refresh cached schema state).
func (s *ReplayService) ApplyTransaction(ctx context.Context, tx model.TxLogEntry) (schemaChanged bool, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ReplayDuration.Observe(time.Since(start).Seconds())
	}()

	txEID := tx.TxEID()
	instant, hasInstant := txInstant(tx, txEID)
	if !hasInstant || instant.Before(preEpoch) {
		return false, s.applyPreamble(ctx, tx.T)
	}
	return s.applyNormal(ctx, tx, txEID)
}

// txInstant extracts the transaction entity's instant.
func txInstant(tx model.TxLogEntry, txEID int64) (time.Time, bool) {
	for _, d := range tx.Datoms {
		if d.E == txEID && d.V.Kind == model.ValueInstant {
			return d.V.Time(), true
		}
	}
	return time.Time{}, false
}

// applyPreamble advances the cursor past a source-internal transaction
// without replaying its contents. Exactly two ops: the cursor CAS and a
// synthetic txInstant that keeps target timestamps monotonic.
func (s *ReplayService) applyPreamble(ctx context.Context, t int64) error {
	ops := []model.Op{
		model.CAS(
			model.IdentRef(database.LastSourceTransaction),
			model.IdentRef(database.LastSourceTransaction),
			model.Int64Value(s.cursor),
			model.Int64Value(t),
		),
		model.Add(
			model.TempIDRef(database.TxTempID),
			model.IdentRef(database.DBTxInstant),
			syntheticInstant(t),
		),
	}
	if err := s.submit(ctx, t, ops); err != nil {
		return err
	}
	return nil
}

func (s *ReplayService) applyNormal(ctx context.Context, tx model.TxLogEntry, txEID int64) (bool, error) {
	t := tx.T
	datoms := tx.Datoms

	// Reinject datoms deferred past a composite-tuple installation, stamped
	// with this transaction's tx entity.
	injected := false
	if s.pending != nil {
		merged := make([]model.Datom, 0, len(s.pending.datoms)+len(datoms))
		for _, d := range s.pending.datoms {
			d.Tx = txEID
			merged = append(merged, d)
		}
		datoms = append(merged, datoms...)
		s.pending = nil
		injected = true
	}

	// A transaction that installs a composite tuple attribute cannot also
	// carry the datoms that mention it: the target rejects references to an
	// attribute in its installation transaction. Split them off for the next
	// transaction.
	tupleEnt := int64(0)
	for _, d := range datoms {
		if d.Added && s.attrIdentOf(d.A) == database.DBTupleAttrs {
			if tupleEnt != 0 && tupleEnt != d.E {
				return false, dcberrors.InvariantViolation(
					fmt.Sprintf("t=%d installs more than one composite tuple attribute", t))
			}
			tupleEnt = d.E
		}
	}
	if tupleEnt != 0 {
		if injected {
			return false, dcberrors.InvariantViolation(
				fmt.Sprintf("t=%d installs a composite tuple attribute while a deferred payload is pending", t))
		}
		s.compositeAttrs[tupleEnt] = struct{}{}
		var keep, deferred []model.Datom
		for _, d := range datoms {
			switch {
			case d.E == tupleEnt:
				keep = append(keep, d)
			case s.attrIdentOf(d.A) == database.DBInstallAttribute:
				keep = append(keep, d)
			case d.A == tupleEnt, d.V.Kind == model.ValueInt64 && d.V.Int == tupleEnt:
				deferred = append(deferred, d)
			default:
				keep = append(keep, d)
			}
		}
		datoms = keep
		s.pending = &carryover{tupleEnt: tupleEnt, datoms: deferred}
	}

	// Record user-schema idents installed here so later transactions can
	// resolve their attributes, and collect them for intra-transaction
	// forward references.
	localIdents := map[model.Keyword]int64{}
	for _, d := range datoms {
		if d.Added && s.attrIdentOf(d.A) == database.DBIdent && d.V.Kind == model.ValueKeyword {
			localIdents[d.V.Kw] = d.E
			s.idToAttr[d.E] = d.V.Kw
		}
	}

	// Tuple values may name idents installed in this same transaction; those
	// forward references resolve to the installing entity's tempid. The datom
	// list is copied first: the input aliases the loaded segment.
	if len(localIdents) > 0 {
		datoms = append([]model.Datom(nil), datoms...)
		for i, d := range datoms {
			if d.V.Kind != model.ValueVector {
				continue
			}
			for j, el := range d.V.Vec {
				if el.Kind != model.ValueKeyword {
					continue
				}
				if e, ok := localIdents[el.Kw]; ok {
					vec := append([]model.Value(nil), d.V.Vec...)
					vec[j] = model.StringValue(model.NumericTempID(e))
					datoms[i].V = model.VectorValue(vec)
				}
			}
		}
	}

	// Cursor CAS first: it is the barrier that makes partial progress and
	// silent duplication impossible.
	ops := []model.Op{
		model.CAS(
			model.IdentRef(database.LastSourceTransaction),
			model.IdentRef(database.LastSourceTransaction),
			model.Int64Value(s.cursor),
			model.Int64Value(t),
		),
	}

	// Resolve every distinct entity position and assert original-id for the
	// ones minted in this transaction.
	eRefs := map[int64]model.ERef{}
	tempidsAsserted := map[string]struct{}{database.TxTempID: {}}
	for _, d := range datoms {
		if _, done := eRefs[d.E]; done {
			continue
		}
		var ref model.ERef
		if d.E == txEID {
			ref = model.TempIDRef(database.TxTempID)
		} else {
			var err error
			ref, err = s.resolveEID(ctx, d.E)
			if err != nil {
				return false, err
			}
		}
		eRefs[d.E] = ref
		if ref.Kind == model.ERefTempID && ref.TempID != database.TxTempID {
			tempidsAsserted[ref.TempID] = struct{}{}
			ops = append(ops, model.Add(ref, model.IdentRef(database.OriginalID), model.Int64Value(d.E)))
		}
	}
	ops = append(ops, model.Add(
		model.TempIDRef(database.TxTempID),
		model.IdentRef(database.OriginalID),
		model.Int64Value(txEID),
	))

	// Rewrite the data datoms.
	var dataOps []model.Op
	for _, d := range datoms {
		attrRef, attrKw, err := s.resolveAttr(ctx, d.A)
		if err != nil {
			return false, err
		}

		// Composite tuple values are generated by the target.
		if _, comp := s.compositeAttrs[d.A]; comp {
			continue
		}
		if s.isBookkeepingAttr(attrRef, attrKw) {
			continue
		}
		if !attrKw.IsZero() {
			if _, comp := s.targetComposites[attrKw]; comp {
				continue
			}
			if _, bl := s.opts.Blacklist[attrKw]; bl {
				continue
			}
		}

		v, refTempid, err := s.resolveValue(ctx, d, attrKw, txEID)
		if err != nil {
			return false, err
		}
		// A ref to a tempid nothing asserts in this transaction would dangle.
		if refTempid != "" {
			if _, ok := tempidsAsserted[refTempid]; !ok {
				continue
			}
		}

		op := model.Op{Type: model.OpAdd, E: eRefs[d.E], A: attrRef, V: v}
		if !d.Added {
			op.Type = model.OpRetract
		}
		if d.Added && !attrKw.IsZero() {
			if fn, ok := s.opts.Rewrites[attrKw]; ok {
				op.V = fn(op.V)
			}
		}
		dataOps = append(dataOps, op)
	}

	// Asserts first, then retractions. A rewrite can make an add and a
	// retract collide on a cardinality-one attribute; the retract is a noop.
	sort.SliceStable(dataOps, func(i, j int) bool {
		return dataOps[i].Type == model.OpAdd && dataOps[j].Type == model.OpRetract
	})
	added := map[string]struct{}{}
	kept := dataOps[:0]
	for _, op := range dataOps {
		key := op.E.String() + "|" + op.A.String()
		switch op.Type {
		case model.OpAdd:
			added[key] = struct{}{}
		case model.OpRetract:
			if _, dup := added[key]; dup && s.cardinalityOf(op.A) == database.CardinalityOne {
				continue
			}
		}
		kept = append(kept, op)
	}
	ops = append(ops, kept...)

	if len(ops) == 0 {
		return false, dcberrors.Structural(fmt.Sprintf("t=%d produced an empty transaction after filtering", t), nil)
	}

	if err := s.submit(ctx, t, ops); err != nil {
		return false, err
	}

	schemaChanged := false
	for _, d := range datoms {
		kw := s.attrIdentOf(d.A)
		if kw == database.DBInstallAttribute || kw == database.DBValueType {
			schemaChanged = true
			break
		}
	}
	return schemaChanged, nil
}

// submit hands the op list to the target and harvests the tempid map into
// the ID cache.
func (s *ReplayService) submit(ctx context.Context, t int64, ops []model.Op) error {
	res, err := s.target.Transact(ctx, ops, s.opts.TransactTimeout)
	if err != nil {
		s.metrics.TransactionFailures.Inc()
		return dcberrors.TransactionFailed(t, err)
	}

	for tempid, newEID := range res.TempIDs {
		if srcEID, perr := strconv.ParseInt(tempid, 10, 64); perr == nil {
			s.cache.Store(srcEID, newEID)
		}
	}

	s.cursor = t
	s.metrics.TransactionsReplayed.Inc()
	s.metrics.OpsSubmitted.Add(float64(len(ops)))
	s.logger.Debug("Applied transaction",
		zap.String("db", s.db),
		zap.Int64("t", t),
		zap.Int("ops", len(ops)))
	return nil
}

// resolveEID maps a source EID to a target reference: a concrete EID when the
// mapping is known (cache or original-id probe), a numeric tempid when the
// entity is minted by this transaction.
func (s *ReplayService) resolveEID(ctx context.Context, eid int64) (model.ERef, error) {
	if newEID, ok := s.cache.Lookup(eid); ok {
		s.metrics.CacheHitsTotal.Inc()
		return model.EIDRef(newEID), nil
	}

	if s.cache.IsNew(eid) {
		s.metrics.CacheShortCircuitsTotal.Inc()
		if s.opts.VerifyProbability > 0 && s.opts.Rand() < s.opts.VerifyProbability {
			s.metrics.VerificationProbesTotal.Inc()
			if _, found, err := s.target.EIDByOriginalID(ctx, eid); err != nil {
				return model.ERef{}, fmt.Errorf("verification probe failed: %w", err)
			} else if found {
				s.metrics.InvariantViolations.Inc()
				return model.ERef{}, dcberrors.InvariantViolation(
					fmt.Sprintf("EID %d judged new by the watermark but present at the target", eid)).
					WithDetail("watermark", s.cache.Watermark())
			}
		}
		return model.TempIDRef(model.NumericTempID(eid)), nil
	}

	// Below the watermark but evicted from the LRU: rebuild from the target.
	s.metrics.CacheMissesTotal.Inc()
	newEID, found, err := s.target.EIDByOriginalID(ctx, eid)
	if err != nil {
		return model.ERef{}, fmt.Errorf("failed to probe original-id index: %w", err)
	}
	if found {
		s.cache.Store(eid, newEID)
		return model.EIDRef(newEID), nil
	}
	return model.TempIDRef(model.NumericTempID(eid)), nil
}

// resolveAttr maps a source attribute EID to an output reference. Base-schema
// attributes and already-replayed user attributes resolve by ident; anything
// else falls back to entity resolution.
func (s *ReplayService) resolveAttr(ctx context.Context, a int64) (model.ERef, model.Keyword, error) {
	if kw, ok := s.idToAttr[a]; ok {
		return model.IdentRef(kw), kw, nil
	}
	ref, err := s.resolveEID(ctx, a)
	if err != nil {
		return model.ERef{}, model.Keyword{}, err
	}
	return ref, model.Keyword{}, nil
}

// resolveValue rewrites a datom's value. The value is treated as an EID when
// it names the transaction entity, when the attribute is base schema with an
// integral value, or when the attribute is reference-typed. Install values
// are stringified into the installed attribute's tempid. Everything else is
// carried verbatim. refTempid is the tempid the value resolved to, when it
// did; callers prune dangling ones.
func (s *ReplayService) resolveValue(ctx context.Context, d model.Datom, attrKw model.Keyword, txEID int64) (model.Value, string, error) {
	if attrKw == database.DBInstallAttribute && d.V.Kind == model.ValueInt64 {
		return model.StringValue(model.NumericTempID(d.V.Int)), "", nil
	}

	isEID := false
	if d.V.Kind == model.ValueInt64 {
		switch {
		case d.V.Int == txEID:
			return model.StringValue(database.TxTempID), "", nil
		case !attrKw.IsZero() && database.IsBaseSchema(attrKw):
			isEID = true
		default:
			if _, ok := s.refs[d.A]; ok {
				isEID = true
			} else if !attrKw.IsZero() {
				_, isEID = s.targetRefs[attrKw]
			}
		}
	}
	if !isEID {
		return d.V, "", nil
	}

	// Base-schema and already-known attribute entities resolve to their
	// idents; this is what lets early schema-evolution history replay before
	// any mapping for those entities exists on the target.
	if kw, ok := s.idToAttr[d.V.Int]; ok {
		return model.KeywordValue(kw), "", nil
	}

	ref, err := s.resolveEID(ctx, d.V.Int)
	if err != nil {
		return model.Value{}, "", err
	}
	if ref.Kind == model.ERefEID {
		return model.Int64Value(ref.EID), "", nil
	}
	return model.StringValue(ref.TempID), ref.TempID, nil
}

func (s *ReplayService) attrIdentOf(a int64) model.Keyword {
	return s.idToAttr[a]
}

func (s *ReplayService) cardinalityOf(a model.ERef) database.Cardinality {
	if a.Kind == model.ERefIdent {
		if card, ok := s.cards[a.Ident]; ok {
			return card
		}
	}
	return database.CardinalityMany
}
