package objects

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/misterdjules/moray/internal/apperr"
	"github.com/misterdjules/moray/internal/pipeline"
	"github.com/misterdjules/moray/internal/types"
)

// Update rewrites indexed columns on every row matching the compiled
// filter. The serialised _value is deliberately untouched; each row
// gets a refreshed etag and mtime so optimistic readers notice the
// change. r.Value carries the field -> new value mapping. The affected
// row count lands in r.Result.
func Update(ctx context.Context, r *pipeline.Request) error {
	b := r.Bucket

	names := make([]string, 0, len(r.Value))
	for f := range r.Value {
		if _, ok := b.Index[f]; !ok {
			return apperr.New(apperr.NotIndexed, "field %q is not indexed in %q", f, b.Name)
		}
		names = append(names, f)
	}
	if len(names) == 0 {
		return apperr.New(apperr.InvalidQuery, "no fields to update")
	}
	sort.Strings(names)

	// The WHERE clause owns placeholders $1..$n; SET expressions
	// continue the numbering.
	args := append([]any{}, r.Where.Args...)
	var sets []string
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	for _, f := range names {
		cv, err := types.Coerce(b.Index[f].Type, r.Value[f])
		if err != nil {
			return err
		}
		set(quoteIdent(f), cv)
	}
	set("_etag", RandomEtag())
	set("_mtime", time.Now().UnixMilli())

	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		quoteIdent(b.Name), strings.Join(sets, ", "), r.Where.SQL)
	tag, err := r.Tx.Exec(ctx, q, args...)
	if err != nil {
		return apperr.FromPg(err, "update objects in "+b.Name)
	}
	r.Log.Debug("objects updated", "bucket", b.Name, "count", tag.RowsAffected())
	r.Result = tag.RowsAffected()
	return nil
}

// DeleteMany removes every row matching the compiled filter, leaving
// the count in r.Result.
func DeleteMany(ctx context.Context, r *pipeline.Request) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(r.BucketName), r.Where.SQL)
	tag, err := r.Tx.Exec(ctx, q, r.Where.Args...)
	if err != nil {
		return apperr.FromPg(err, "delete objects in "+r.BucketName)
	}
	r.Result = tag.RowsAffected()
	return nil
}
