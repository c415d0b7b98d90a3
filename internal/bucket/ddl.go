package bucket

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

func quoteIdent(s string) string {
	return pq.QuoteIdentifier(s)
}

// IndexName returns the name of the per-field partial index.
func IndexName(bucket, field string) string {
	return bucket + "_" + field + "_idx"
}

// CreateTableSQL returns the statements that materialise a new bucket:
// the backing relation with its system columns plus one typed column
// per indexed field, and all indexes.
func CreateTableSQL(name string, index map[string]FieldConfig) []string {
	cols := []string{
		"_key TEXT PRIMARY KEY",
		"_value TEXT NOT NULL",
		"_etag TEXT NOT NULL",
		"_id BIGSERIAL",
		"_mtime BIGINT NOT NULL",
		"_txn_snap BIGINT",
	}
	b := &Bucket{Name: name, Index: index}
	for _, field := range b.SortedFields() {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(field), index[field].Type.ColumnSQL()))
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(cols, ", ")),
		fmt.Sprintf("CREATE INDEX %s ON %s (_id)", quoteIdent(IndexName(name, "_id")), quoteIdent(name)),
		fmt.Sprintf("CREATE INDEX %s ON %s (_mtime)", quoteIdent(IndexName(name, "_mtime")), quoteIdent(name)),
	}
	for _, field := range b.SortedFields() {
		stmts = append(stmts, CreateFieldIndexSQL(name, field, index[field]))
	}
	return stmts
}

// CreateFieldIndexSQL returns the partial index statement for one
// indexed field: UNIQUE for unique fields, otherwise GIN for array
// columns and BTREE for scalars.
func CreateFieldIndexSQL(bucket, field string, fc FieldConfig) string {
	col := quoteIdent(field)
	if fc.Unique {
		return fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s) WHERE %s IS NOT NULL",
			quoteIdent(IndexName(bucket, field)), quoteIdent(bucket), col, col)
	}
	return fmt.Sprintf("CREATE INDEX %s ON %s USING %s (%s) WHERE %s IS NOT NULL",
		quoteIdent(IndexName(bucket, field)), quoteIdent(bucket), fc.Type.IndexMethod(), col, col)
}

// AddColumnSQL returns the statement adding the column for field.
func AddColumnSQL(bucket, field string, fc FieldConfig) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		quoteIdent(bucket), quoteIdent(field), fc.Type.ColumnSQL())
}

// DropColumnSQL returns the statement dropping the column for field.
// The per-field index goes with it.
func DropColumnSQL(bucket, field string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s",
		quoteIdent(bucket), quoteIdent(field))
}

// EnsureRverSQL returns the statements that add the row-version column
// and its index to a bucket relation. Both are idempotent.
func EnsureRverSQL(bucket string) []string {
	return []string{
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS _rver INTEGER", quoteIdent(bucket)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING BTREE (_rver) WHERE _rver IS NOT NULL",
			quoteIdent(IndexName(bucket, "_rver")), quoteIdent(bucket)),
	}
}

// DropTableSQL returns the statement removing a bucket's relation.
func DropTableSQL(bucket string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(bucket))
}
