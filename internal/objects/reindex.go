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
)

// ReindexResult reports one backfill pass.
type ReindexResult struct {
	Processed int
	// Remaining is true while rows below the current version are (or
	// may be) left.
	Remaining bool
}

// DefaultReindexCount bounds a pass when the caller supplies none.
const DefaultReindexCount = 100

// Reindex backfills projected columns for up to r.Limit rows whose
// _rver predates the bucket version, in _id order. When a pass comes
// up short the bucket is fully reindexed: drained versions are cleared
// from reindex_active and the cached descriptor shot down so queries
// can start using the new fields.
func Reindex(ctx context.Context, r *pipeline.Request) error {
	b := r.Bucket
	version := b.Options.Version

	if len(b.ReindexActive) == 0 {
		r.Result = &ReindexResult{}
		return nil
	}

	count := r.Limit
	if count <= 0 {
		count = DefaultReindexCount
	}

	type pending struct {
		key   string
		value string
	}
	q := fmt.Sprintf(
		"SELECT _key, _value FROM %s WHERE _rver IS NULL OR _rver < $1 ORDER BY _id LIMIT $2 FOR UPDATE",
		quoteIdent(b.Name))
	rows, err := r.Tx.Query(ctx, q, version, count)
	if err != nil {
		return apperr.FromPg(err, "select rows to reindex in "+b.Name)
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.key, &p.value); err != nil {
			rows.Close()
			return apperr.FromPg(err, "scan row to reindex")
		}
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apperr.FromPg(err, "select rows to reindex in "+b.Name)
	}

	fields := b.SortedFields()
	batch := &pgx.Batch{}
	for _, p := range todo {
		var obj map[string]any
		if err := json.Unmarshal([]byte(p.value), &obj); err != nil {
			return apperr.Wrap(apperr.Internal, err, "bad stored value for key %q", p.key)
		}
		proj, err := IndexObject(b.Index, obj)
		if err != nil {
			return apperr.Wrap(apperr.KindOf(err), err, "reindex key %q", p.key)
		}
		var sets []string
		var args []any
		for _, f := range fields {
			args = append(args, proj[f])
			sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdent(f), len(args)))
		}
		args = append(args, version)
		sets = append(sets, fmt.Sprintf("_rver = $%d", len(args)))
		args = append(args, p.key)
		batch.Queue(fmt.Sprintf("UPDATE %s SET %s WHERE _key = $%d",
			quoteIdent(b.Name), strings.Join(sets, ", "), len(args)), args...)
	}
	if batch.Len() > 0 {
		br := r.Tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return apperr.FromPg(err, "reindex rows in "+b.Name)
			}
		}
		if err := br.Close(); err != nil {
			return apperr.FromPg(err, "reindex rows in "+b.Name)
		}
	}

	res := &ReindexResult{Processed: len(todo), Remaining: len(todo) == count}
	if !res.Remaining {
		// Every row now carries the current version; clear the drained
		// version buckets and force readers onto a fresh descriptor.
		remaining := bucket.ReindexMap{}
		for v, fs := range b.ReindexActive {
			if v > version {
				remaining[v] = fs
			}
		}
		if err := r.Catalog.SetReindexActive(ctx, r.Tx, b.Name, remaining); err != nil {
			return err
		}
		r.Cache.Invalidate(b.Name)
	}
	r.Log.Debug("reindex pass", "bucket", b.Name, "processed", res.Processed,
		"remaining", res.Remaining)
	r.Result = res
	return nil
}
