// Package pipeline implements the per-request staged executor. Every
// client operation is materialised as a Request threaded through an
// ordered sequence of handlers; the executor owns the database session
// and the surrounding transaction.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/misterdjules/moray/internal/apperr"
	"github.com/misterdjules/moray/internal/bucket"
	"github.com/misterdjules/moray/internal/filter"
	"github.com/misterdjules/moray/internal/trigger"
)

// Row is an object row as loaded from a bucket relation.
type Row struct {
	ID      int64
	Key     string
	Value   string // serialised JSON of the full object
	Etag    string
	Mtime   int64
	TxnSnap *int64
	Rver    *int
}

// Request is the record threaded through a pipeline. Earlier handlers
// populate fields for later ones. A Request owns its database session
// for its whole lifetime.
type Request struct {
	ID  string
	Log *slog.Logger

	Pool     *pgxpool.Pool
	Conn     *pgxpool.Conn
	Tx       pgx.Tx
	Cache    *bucket.Cache
	Catalog  *bucket.Catalog
	Triggers *trigger.Registry

	// Caller arguments.
	BucketName string
	Key        string
	Filter     string
	Value      map[string]any
	Headers    map[string]string

	// Caller options.
	Etag      *string // nil: unspecified
	EtagNull  bool    // etag explicitly null: require absence
	NoCache   bool
	NoReindex bool
	Sort      []string
	Limit     int
	Offset    int
	NoLimit   bool
	Ignore    []string

	// Populated by handlers.
	Bucket   *bucket.Bucket
	Previous *Row
	RowID    int64
	Where    *filter.Clause
	Diff     *bucket.IndexDiff

	// Response plumbing.
	Sink   func(obj map[string]any) error
	Result any
}

// Handler is one pipeline stage. Handlers run strictly sequentially;
// an error short-circuits the remainder.
type Handler func(ctx context.Context, r *Request) error

// New builds a request with a fresh id and a request-scoped logger.
func New(pool *pgxpool.Pool, cache *bucket.Cache, cat *bucket.Catalog, reg *trigger.Registry, log *slog.Logger) *Request {
	id := uuid.NewString()
	return &Request{
		ID:       id,
		Log:      log.With("req_id", id),
		Pool:     pool,
		Cache:    cache,
		Catalog:  cat,
		Triggers: reg,
	}
}

// Run executes handlers inside one transaction on a freshly acquired
// session. Write pipelines commit on success; read-only pipelines roll
// back regardless, releasing locks early.
func Run(ctx context.Context, r *Request, readOnly bool, handlers ...Handler) error {
	conn, err := r.Pool.Acquire(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "acquire session")
	}
	defer conn.Release()
	r.Conn = conn

	var txOpts pgx.TxOptions
	if readOnly {
		txOpts.AccessMode = pgx.ReadOnly
	}
	tx, err := conn.BeginTx(ctx, txOpts)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "begin transaction")
	}
	r.Tx = tx

	if err := RunInTx(ctx, r, handlers...); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if readOnly {
		_ = tx.Rollback(ctx)
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.FromPg(err, "commit")
	}
	return nil
}

// RunInTx executes handlers against the request's existing transaction.
// Batch operations use this to thread several sub-requests through one
// transaction.
func RunInTx(ctx context.Context, r *Request, handlers ...Handler) error {
	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			return apperr.Wrap(apperr.Transient, err, "request cancelled")
		}
		if err := h(ctx, r); err != nil {
			r.Log.Debug("pipeline aborted", "bucket", r.BucketName, "err", err)
			return err
		}
	}
	return nil
}
