package database

import (
	"strings"

	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

// Bookkeeping idents installed on the target exactly once.
var (
	// OriginalID is stamped on every restored non-transaction entity with its
	// source EID. It is the durable source-to-target ID index on the target.
	OriginalID = model.Keyword{Namespace: "datomic-cloud-backup", Name: "original-id"}

	// LastSourceTransaction names the distinguished cursor entity. Its only
	// datom is (self, self, t); no history is retained.
	LastSourceTransaction = model.Keyword{Namespace: "datomic-cloud-backup", Name: "last-source-transaction"}
)

// Base-schema idents referenced during replay.
var (
	DBIdent            = model.Keyword{Namespace: "db", Name: "ident"}
	DBTxInstant        = model.Keyword{Namespace: "db", Name: "txInstant"}
	DBValueType        = model.Keyword{Namespace: "db", Name: "valueType"}
	DBCardinality      = model.Keyword{Namespace: "db", Name: "cardinality"}
	DBUnique           = model.Keyword{Namespace: "db", Name: "unique"}
	DBNoHistory        = model.Keyword{Namespace: "db", Name: "noHistory"}
	DBTupleAttrs       = model.Keyword{Namespace: "db", Name: "tupleAttrs"}
	DBInstallAttribute = model.Keyword{Namespace: "db.install", Name: "attribute"}

	TypeLong        = model.Keyword{Namespace: "db.type", Name: "long"}
	TypeRef         = model.Keyword{Namespace: "db.type", Name: "ref"}
	CardinalityOneK = model.Keyword{Namespace: "db.cardinality", Name: "one"}
)

// TxTempID is the reserved tempid naming the transaction entity itself.
const TxTempID = "datomic.tx"

// IsBaseSchema reports whether an attribute ident belongs to the database's
// own schema namespaces (db, db.install, db.type, ...).
func IsBaseSchema(k model.Keyword) bool {
	return k.Namespace == "db" || strings.HasPrefix(k.Namespace, "db.")
}
