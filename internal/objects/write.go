package objects

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/misterdjules/moray/internal/apperr"
	"github.com/misterdjules/moray/internal/pipeline"
)

// Put writes the request's value under its key: INSERT when the key is
// free, UPDATE otherwise. Indexed fields are projected into their
// typed columns, and the row gets a fresh etag and mtime. The new etag
// is left in r.Result.
func Put(ctx context.Context, r *pipeline.Request) error {
	b := r.Bucket
	valueJSON, err := json.Marshal(r.Value)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "serialize value for %q", r.Key)
	}
	proj, err := IndexObject(b.Index, r.Value)
	if err != nil {
		return err
	}

	etag := ComputeEtag(b.Name, r.Key, valueJSON)
	mtime := time.Now().UnixMilli()
	fields := b.SortedFields()
	trackVersion := len(b.ReindexActive) > 0

	if r.Previous == nil {
		cols := []string{"_key", "_value", "_etag", "_mtime"}
		args := []any{r.Key, string(valueJSON), etag, mtime}
		for _, f := range fields {
			cols = append(cols, quoteIdent(f))
			args = append(args, proj[f])
		}
		if trackVersion {
			cols = append(cols, "_rver")
			args = append(args, b.Options.Version)
		}
		ph := make([]string, len(args))
		for i := range args {
			ph[i] = "$" + strconv.Itoa(i+1)
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING _id",
			quoteIdent(b.Name), strings.Join(cols, ", "), strings.Join(ph, ", "))
		if err := r.Tx.QueryRow(ctx, q, args...).Scan(&r.RowID); err != nil {
			return apperr.FromPg(err, "insert object "+r.Key)
		}
	} else {
		var sets []string
		var args []any
		set := func(col string, v any) {
			args = append(args, v)
			sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
		}
		set("_value", string(valueJSON))
		set("_etag", etag)
		set("_mtime", mtime)
		for _, f := range fields {
			set(quoteIdent(f), proj[f])
		}
		if trackVersion {
			set("_rver", b.Options.Version)
		}
		args = append(args, r.Key)
		q := fmt.Sprintf("UPDATE %s SET %s WHERE _key = $%d RETURNING _id",
			quoteIdent(b.Name), strings.Join(sets, ", "), len(args))
		if err := r.Tx.QueryRow(ctx, q, args...).Scan(&r.RowID); err != nil {
			return apperr.FromPg(err, "update object "+r.Key)
		}
	}

	r.Log.Debug("object written", "bucket", b.Name, "key", r.Key, "etag", etag)
	r.Result = etag
	return nil
}

// Del removes the previously loaded row.
func Del(ctx context.Context, r *pipeline.Request) error {
	if r.Previous == nil {
		return apperr.New(apperr.ObjectNotFound, "key %q does not exist in %q", r.Key, r.BucketName)
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE _key = $1", quoteIdent(r.BucketName))
	if _, err := r.Tx.Exec(ctx, q, r.Key); err != nil {
		return apperr.FromPg(err, "delete object "+r.Key)
	}
	r.RowID = r.Previous.ID
	return nil
}
