package objects

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/misterdjules/moray/internal/apperr"
	"github.com/misterdjules/moray/internal/bucket"
	"github.com/misterdjules/moray/internal/pipeline"
	"github.com/misterdjules/moray/internal/types"
)

// DefaultLimit caps findObjects result sets when the caller specifies
// neither limit nor noLimit.
const DefaultLimit = 1000

// rowMap is one scanned object row keyed by column name. Reads select
// every column of the relation so a descriptor that is ahead of or
// behind the actual schema can never make the query itself fail.
type rowMap map[string]any

func scanRowMap(rows pgx.Rows) (rowMap, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	m := make(rowMap, len(values))
	for i, fd := range rows.FieldDescriptions() {
		m[fd.Name] = values[i]
	}
	return m, nil
}

// rowVersion returns the row's _rver stamp, 0 when the column is
// missing or NULL.
func rowVersion(m rowMap) int {
	switch v := m["_rver"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

// refreshOnDrift shoots down the cached descriptor when a scanned row
// carries a version stamp newer than it: some other process evolved the
// schema since the descriptor was cached. Reconstruction then proceeds
// against the fresh descriptor.
func refreshOnDrift(ctx context.Context, r *pipeline.Request, scanned []rowMap) error {
	for _, m := range scanned {
		if rv := rowVersion(m); rv > r.Bucket.Options.Version {
			r.Log.Debug("stale bucket descriptor, reloading",
				"bucket", r.BucketName, "rver", rv, "version", r.Bucket.Options.Version)
			return reloadBucket(ctx, r)
		}
	}
	return nil
}

// reconstruct rebuilds the JSON object from a scanned row. Projected
// columns override the serialised JSON for their fields: a NULL column
// deletes the field, a non-NULL column replaces any non-array value.
// Arrays already present in the JSON win over the column copy. Fields
// in ignore, and fields whose column no longer exists, are left exactly
// as serialised.
func reconstruct(b *bucket.Bucket, row rowMap, ignore map[string]bool) (map[string]any, error) {
	raw, _ := row["_value"].(string)
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "bad stored value for key %v", row["_key"])
	}

	for _, f := range b.SortedFields() {
		if ignore[f] {
			continue
		}
		col, present := row[f]
		if !present {
			continue
		}
		if col == nil {
			delete(obj, f)
			continue
		}
		cur, exists := obj[f]
		if _, isArray := cur.([]any); !exists || !isArray {
			obj[f] = types.FromColumn(b.Index[f].Type, col)
		}
	}

	obj["_id"] = row["_id"]
	obj["_etag"] = row["_etag"]
	obj["_mtime"] = row["_mtime"]
	obj["_txn_snap"] = row["_txn_snap"]
	obj["_count"] = row["_count"]
	return obj, nil
}

func ignoreSet(ignore []string) map[string]bool {
	if len(ignore) == 0 {
		return nil
	}
	out := make(map[string]bool, len(ignore))
	for _, f := range ignore {
		out[f] = true
	}
	return out
}

// Get loads and reconstructs a single object by key, leaving it in
// r.Result.
func Get(ctx context.Context, r *pipeline.Request) error {
	q := fmt.Sprintf("SELECT *, COUNT(*) OVER() AS _count FROM %s WHERE _key = $1",
		quoteIdent(r.Bucket.Name))

	rows, err := r.Tx.Query(ctx, q, r.Key)
	if err != nil {
		return apperr.FromPg(err, "get object "+r.Key)
	}
	var row rowMap
	if rows.Next() {
		row, err = scanRowMap(rows)
	}
	rows.Close()
	if err != nil {
		return apperr.FromPg(err, "scan object "+r.Key)
	}
	if err := rows.Err(); err != nil {
		return apperr.FromPg(err, "get object "+r.Key)
	}
	if row == nil {
		return apperr.New(apperr.ObjectNotFound, "key %q does not exist in %q", r.Key, r.Bucket.Name)
	}

	if err := refreshOnDrift(ctx, r, []rowMap{row}); err != nil {
		return err
	}
	obj, err := reconstruct(r.Bucket, row, ignoreSet(r.Ignore))
	if err != nil {
		return err
	}
	r.Result = obj
	return nil
}

// Find streams every object matching the compiled filter to r.Sink,
// honouring sort, limit and offset. Rows are buffered before
// reconstruction so a descriptor reload, itself a query, never runs
// while the cursor is open.
func Find(ctx context.Context, r *pipeline.Request) error {
	b := r.Bucket

	var q strings.Builder
	fmt.Fprintf(&q, "SELECT *, COUNT(*) OVER() AS _count FROM %s WHERE %s",
		quoteIdent(b.Name), r.Where.SQL)

	if len(r.Sort) > 0 {
		orders := make([]string, 0, len(r.Sort))
		for _, s := range r.Sort {
			attr, dir := s, "ASC"
			if strings.HasPrefix(s, "-") {
				attr, dir = s[1:], "DESC"
			}
			if !sortable(b, attr) {
				return apperr.New(apperr.InvalidQuery, "cannot sort on %q", attr)
			}
			orders = append(orders, quoteIdent(attr)+" "+dir)
		}
		q.WriteString(" ORDER BY " + strings.Join(orders, ", "))
	}
	if !r.NoLimit {
		limit := r.Limit
		if limit <= 0 {
			limit = DefaultLimit
		}
		fmt.Fprintf(&q, " LIMIT %d", limit)
	}
	if r.Offset > 0 {
		fmt.Fprintf(&q, " OFFSET %d", r.Offset)
	}

	rows, err := r.Tx.Query(ctx, q.String(), r.Where.Args...)
	if err != nil {
		return apperr.FromPg(err, "find objects in "+b.Name)
	}
	var scanned []rowMap
	for rows.Next() {
		m, err := scanRowMap(rows)
		if err != nil {
			rows.Close()
			return apperr.FromPg(err, "scan object row")
		}
		scanned = append(scanned, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apperr.FromPg(err, "find objects in "+b.Name)
	}

	if err := refreshOnDrift(ctx, r, scanned); err != nil {
		return err
	}
	ignore := ignoreSet(r.Ignore)
	for _, m := range scanned {
		obj, err := reconstruct(r.Bucket, m, ignore)
		if err != nil {
			return err
		}
		if err := r.Sink(obj); err != nil {
			return err
		}
	}
	return nil
}

var internalSortable = map[string]bool{
	"_key": true, "_id": true, "_etag": true, "_mtime": true,
}

func sortable(b *bucket.Bucket, attr string) bool {
	if internalSortable[attr] {
		return true
	}
	_, ok := b.Index[attr]
	return ok
}
