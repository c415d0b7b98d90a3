// Package objects implements the handlers and SQL of the object
// pipelines: get, put, delete, find, bulk update, batch and reindex.
package objects

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/misterdjules/moray/internal/apperr"
	"github.com/misterdjules/moray/internal/filter"
	"github.com/misterdjules/moray/internal/pipeline"
	"github.com/misterdjules/moray/internal/trigger"
)

func quoteIdent(s string) string {
	return pq.QuoteIdentifier(s)
}

// LoadBucket resolves the request's bucket descriptor, preferring the
// cache unless the caller opted out.
func LoadBucket(ctx context.Context, r *pipeline.Request) error {
	if !r.NoCache {
		if b, ok := r.Cache.Get(r.BucketName); ok {
			r.Bucket = b
			return nil
		}
	}
	b, err := r.Catalog.Load(ctx, r.Tx, r.BucketName, r.Triggers)
	if err != nil {
		return err
	}
	r.Cache.Put(b)
	r.Bucket = b
	return nil
}

// reloadBucket refreshes the descriptor from the catalog after a cache
// shootdown.
func reloadBucket(ctx context.Context, r *pipeline.Request) error {
	r.Cache.Invalidate(r.BucketName)
	b, err := r.Catalog.Load(ctx, r.Tx, r.BucketName, r.Triggers)
	if err != nil {
		return err
	}
	r.Cache.Put(b)
	r.Bucket = b
	return nil
}

// SelectForUpdate loads the row for the request's key under FOR UPDATE,
// serialising concurrent writers on the key. A row stamped with a
// version newer than the cached descriptor proves schema drift: the
// cache entry is shot down and the descriptor reloaded before the
// pipeline continues.
func SelectForUpdate(ctx context.Context, r *pipeline.Request) error {
	row, err := loadRow(ctx, r, true)
	if err != nil {
		return err
	}
	r.Previous = row

	if row != nil && row.Rver != nil && *row.Rver > r.Bucket.Options.Version {
		r.Log.Debug("stale bucket descriptor, reloading",
			"bucket", r.BucketName, "rver", *row.Rver, "version", r.Bucket.Options.Version)
		if err := reloadBucket(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// loadRow reads one row by key. It selects all columns so buckets that
// never grew a _rver column keep working; values are mapped by name.
func loadRow(ctx context.Context, r *pipeline.Request, forUpdate bool) (*pipeline.Row, error) {
	q := fmt.Sprintf("SELECT * FROM %s WHERE _key = $1", quoteIdent(r.BucketName))
	if forUpdate {
		q += " FOR UPDATE"
	}
	rows, err := r.Tx.Query(ctx, q, r.Key)
	if err != nil {
		return nil, apperr.FromPg(err, "load object "+r.Key)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, apperr.FromPg(err, "load object "+r.Key)
		}
		return nil, nil
	}
	values, err := rows.Values()
	if err != nil {
		return nil, apperr.FromPg(err, "scan object "+r.Key)
	}
	byName := make(map[string]any, len(values))
	for i, fd := range rows.FieldDescriptions() {
		byName[fd.Name] = values[i]
	}
	return rowFromColumns(byName), nil
}

func rowFromColumns(m map[string]any) *pipeline.Row {
	row := &pipeline.Row{}
	if v, ok := m["_id"].(int64); ok {
		row.ID = v
	}
	if v, ok := m["_key"].(string); ok {
		row.Key = v
	}
	if v, ok := m["_value"].(string); ok {
		row.Value = v
	}
	if v, ok := m["_etag"].(string); ok {
		row.Etag = v
	}
	if v, ok := m["_mtime"].(int64); ok {
		row.Mtime = v
	}
	if v, ok := m["_txn_snap"].(int64); ok {
		row.TxnSnap = &v
	}
	switch v := m["_rver"].(type) {
	case int32:
		n := int(v)
		row.Rver = &n
	case int64:
		n := int(v)
		row.Rver = &n
	}
	return row
}

// CheckEtag enforces the write precondition: an explicit null etag
// requires the key to be free; a concrete etag must match the stored
// row exactly.
func CheckEtag(ctx context.Context, r *pipeline.Request) error {
	switch {
	case r.EtagNull:
		if r.Previous != nil {
			return apperr.New(apperr.EtagConflict,
				"key %q already exists with etag %q", r.Key, r.Previous.Etag)
		}
	case r.Etag != nil:
		if r.Previous == nil {
			return apperr.New(apperr.EtagConflict, "key %q does not exist", r.Key)
		}
		if r.Previous.Etag != *r.Etag {
			return apperr.New(apperr.EtagConflict,
				"key %q has etag %q, expected %q", r.Key, r.Previous.Etag, *r.Etag)
		}
	}
	return nil
}

// RunPreTriggers invokes the bucket's pre triggers in order.
func RunPreTriggers(ctx context.Context, r *pipeline.Request) error {
	return runTriggers(ctx, r, r.Bucket.Pre)
}

// RunPostTriggers invokes the bucket's post triggers in order.
func RunPostTriggers(ctx context.Context, r *pipeline.Request) error {
	return runTriggers(ctx, r, r.Bucket.Post)
}

func runTriggers(ctx context.Context, r *pipeline.Request, fns []trigger.Func) error {
	if len(fns) == 0 {
		return nil
	}
	cookie := &trigger.Cookie{
		Bucket:  r.BucketName,
		ID:      r.RowID,
		Key:     r.Key,
		Log:     r.Log,
		Tx:      r.Tx,
		Schema:  r.Bucket.TriggerSchema(),
		Value:   r.Value,
		Headers: r.Headers,
		Update:  r.Previous != nil,
	}
	if cookie.ID == 0 && r.Previous != nil {
		cookie.ID = r.Previous.ID
	}
	for _, fn := range fns {
		if err := fn(ctx, cookie); err != nil {
			return err
		}
	}
	return nil
}

// CompileFilter parses the request's filter string and compiles it to
// a WHERE clause against the loaded bucket's indexed fields.
func CompileFilter(ctx context.Context, r *pipeline.Request) error {
	f, err := filter.Parse(r.Filter)
	if err != nil {
		return err
	}
	where, err := filter.Compile(f, r.Bucket.FilterSchema())
	if err != nil {
		return err
	}
	r.Where = where
	return nil
}
