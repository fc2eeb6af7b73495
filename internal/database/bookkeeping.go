package database

import (
	"context"
	"fmt"

	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

// EnsureBookkeeping installs the two bookkeeping idents on the target if they
// are not present, then seeds the cursor to 0 in a follow-up transaction.
// Safe to call repeatedly; installation happens at most once.
func EnsureBookkeeping(ctx context.Context, t Target) error {
	has, err := t.HasBookkeeping(ctx)
	if err != nil {
		return fmt.Errorf("failed to check bookkeeping schema: %w", err)
	}
	if has {
		return nil
	}

	install := []model.Op{
		model.Add(model.TempIDRef("original-id"), model.IdentRef(DBIdent), model.KeywordValue(OriginalID)),
		model.Add(model.TempIDRef("original-id"), model.IdentRef(DBValueType), model.KeywordValue(TypeLong)),
		model.Add(model.TempIDRef("original-id"), model.IdentRef(DBCardinality), model.KeywordValue(CardinalityOneK)),
		model.Add(model.TempIDRef("cursor"), model.IdentRef(DBIdent), model.KeywordValue(LastSourceTransaction)),
		model.Add(model.TempIDRef("cursor"), model.IdentRef(DBValueType), model.KeywordValue(TypeLong)),
		model.Add(model.TempIDRef("cursor"), model.IdentRef(DBCardinality), model.KeywordValue(CardinalityOneK)),
		model.Add(model.TempIDRef("cursor"), model.IdentRef(DBNoHistory), model.BoolValue(true)),
	}
	if _, err := t.Transact(ctx, install, DefaultTransactTimeout); err != nil {
		return fmt.Errorf("failed to install bookkeeping schema: %w", err)
	}

	seed := []model.Op{
		model.Add(model.IdentRef(LastSourceTransaction), model.IdentRef(LastSourceTransaction), model.Int64Value(0)),
	}
	if _, err := t.Transact(ctx, seed, DefaultTransactTimeout); err != nil {
		return fmt.Errorf("failed to seed replication cursor: %w", err)
	}
	return nil
}
