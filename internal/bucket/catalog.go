package bucket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/misterdjules/moray/internal/apperr"
	"github.com/misterdjules/moray/internal/trigger"
)

// Catalog persists bucket descriptors in the buckets_config relation.
// All values are stored JSON-serialised.
type Catalog struct {
	log *slog.Logger
}

func NewCatalog(log *slog.Logger) *Catalog {
	return &Catalog{log: log}
}

// execer is satisfied by pgxpool.Pool, pgxpool.Conn and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const createCatalogSQL = `
CREATE TABLE IF NOT EXISTS buckets_config (
    name TEXT PRIMARY KEY,
    "index" TEXT NOT NULL,
    pre TEXT NOT NULL,
    post TEXT NOT NULL,
    options TEXT,
    reindex_active TEXT,
    mtime TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Ensure creates the buckets_config relation when missing and brings
// pre-reindex deployments up to date with the reindex_active column.
func (c *Catalog) Ensure(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, createCatalogSQL); err != nil {
		return apperr.FromPg(err, "create buckets_config")
	}
	return c.EnsureReindexColumn(ctx, db)
}

// EnsureReindexColumn adds the reindex_active column to buckets_config
// when it does not exist yet.
func (c *Catalog) EnsureReindexColumn(ctx context.Context, db execer) error {
	const q = `ALTER TABLE buckets_config ADD COLUMN IF NOT EXISTS reindex_active TEXT`
	if _, err := db.Exec(ctx, q); err != nil {
		return apperr.FromPg(err, "ensure reindex_active column")
	}
	return nil
}

// record is one raw row of buckets_config.
type record struct {
	name    string
	index   string
	pre     string
	post    string
	options *string
	reindex *string
	mtime   time.Time
}

const selectBucketSQL = `
SELECT name, "index", pre, post, options, reindex_active, mtime
FROM buckets_config
WHERE name = $1`

func (c *Catalog) get(ctx context.Context, tx pgx.Tx, name string, forUpdate bool) (*record, error) {
	q := selectBucketSQL
	if forUpdate {
		q += " FOR UPDATE"
	}
	var rec record
	err := tx.QueryRow(ctx, q, name).Scan(&rec.name, &rec.index, &rec.pre,
		&rec.post, &rec.options, &rec.reindex, &rec.mtime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.BucketNotFound, "bucket %q does not exist", name)
	}
	if err != nil {
		return nil, apperr.FromPg(err, "load bucket "+name)
	}
	return &rec, nil
}

// Load reads and parses the descriptor for name, resolving its
// triggers against the registry.
func (c *Catalog) Load(ctx context.Context, tx pgx.Tx, name string, reg *trigger.Registry) (*Bucket, error) {
	rec, err := c.get(ctx, tx, name, false)
	if err != nil {
		return nil, err
	}
	b, err := parseRecord(rec)
	if err != nil {
		return nil, err
	}
	if err := b.resolveTriggers(reg); err != nil {
		return nil, err
	}
	return b, nil
}

// loadForUpdate reads the descriptor row under FOR UPDATE so that
// concurrent schema evolutions on the same bucket serialise. Triggers
// are left unresolved; the stored names may predate the current
// registry and the caller is about to replace them anyway.
func (c *Catalog) loadForUpdate(ctx context.Context, tx pgx.Tx, name string) (*Bucket, error) {
	rec, err := c.get(ctx, tx, name, true)
	if err != nil {
		return nil, err
	}
	return parseRecord(rec)
}

// Insert stores a brand new descriptor.
func (c *Catalog) Insert(ctx context.Context, tx pgx.Tx, name string, cfg *Config) error {
	index, pre, post, options, err := serializeConfig(cfg)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO buckets_config (name, "index", pre, post, options, mtime)
VALUES ($1, $2, $3, $4, $5, now())`
	_, err = tx.Exec(ctx, q, name, index, pre, post, options)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.New(apperr.InvalidBucketConfig, "bucket %q already exists", name)
	}
	if err != nil {
		return apperr.FromPg(err, "insert bucket "+name)
	}
	return nil
}

// Update overwrites the stored descriptor and its reindex bookkeeping.
func (c *Catalog) Update(ctx context.Context, tx pgx.Tx, name string, cfg *Config, reindex ReindexMap) error {
	index, pre, post, options, err := serializeConfig(cfg)
	if err != nil {
		return err
	}
	var reindexJSON *string
	if len(reindex) > 0 {
		b, err := json.Marshal(reindex)
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "serialize reindex_active")
		}
		s := string(b)
		reindexJSON = &s
	}
	const q = `
UPDATE buckets_config
SET "index" = $2, pre = $3, post = $4, options = $5, reindex_active = $6, mtime = now()
WHERE name = $1`
	tag, err := tx.Exec(ctx, q, name, index, pre, post, options, reindexJSON)
	if err != nil {
		return apperr.FromPg(err, "update bucket "+name)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.BucketNotFound, "bucket %q does not exist", name)
	}
	return nil
}

// SetReindexActive rewrites only the reindex bookkeeping, used when a
// reindex pass drains a version.
func (c *Catalog) SetReindexActive(ctx context.Context, tx pgx.Tx, name string, reindex ReindexMap) error {
	var reindexJSON *string
	if len(reindex) > 0 {
		b, err := json.Marshal(reindex)
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "serialize reindex_active")
		}
		s := string(b)
		reindexJSON = &s
	}
	const q = `UPDATE buckets_config SET reindex_active = $2, mtime = now() WHERE name = $1`
	if _, err := tx.Exec(ctx, q, name, reindexJSON); err != nil {
		return apperr.FromPg(err, "update reindex_active for "+name)
	}
	return nil
}

// Delete removes the descriptor row.
func (c *Catalog) Delete(ctx context.Context, tx pgx.Tx, name string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM buckets_config WHERE name = $1`, name)
	if err != nil {
		return apperr.FromPg(err, "delete bucket "+name)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.BucketNotFound, "bucket %q does not exist", name)
	}
	return nil
}

// List returns every descriptor ordered by name.
func (c *Catalog) List(ctx context.Context, tx pgx.Tx, reg *trigger.Registry) ([]*Bucket, error) {
	const q = `
SELECT name, "index", pre, post, options, reindex_active, mtime
FROM buckets_config
ORDER BY name`
	rows, err := tx.Query(ctx, q)
	if err != nil {
		return nil, apperr.FromPg(err, "list buckets")
	}
	defer rows.Close()

	var out []*Bucket
	for rows.Next() {
		var rec record
		if err := rows.Scan(&rec.name, &rec.index, &rec.pre, &rec.post,
			&rec.options, &rec.reindex, &rec.mtime); err != nil {
			return nil, apperr.FromPg(err, "scan bucket row")
		}
		b, err := parseRecord(&rec)
		if err != nil {
			return nil, err
		}
		if err := b.resolveTriggers(reg); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.FromPg(err, "list buckets")
	}
	return out, nil
}

func serializeConfig(cfg *Config) (index, pre, post, options string, err error) {
	marshal := func(v any, what string) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", apperr.Wrap(apperr.Internal, err, "serialize %s", what)
		}
		return string(b), nil
	}
	if index, err = marshal(cfg.Index, "index"); err != nil {
		return
	}
	preNames := cfg.Pre
	if preNames == nil {
		preNames = []string{}
	}
	if pre, err = marshal(preNames, "pre"); err != nil {
		return
	}
	postNames := cfg.Post
	if postNames == nil {
		postNames = []string{}
	}
	if post, err = marshal(postNames, "post"); err != nil {
		return
	}
	options, err = marshal(cfg.Options, "options")
	return
}

// parseRecord turns a raw buckets_config row into a descriptor.
// Trigger names stay unresolved until resolveTriggers runs.
func parseRecord(rec *record) (*Bucket, error) {
	b := &Bucket{
		Name:  rec.name,
		Mtime: rec.mtime,
	}
	if err := json.Unmarshal([]byte(rec.index), &b.Index); err != nil {
		return nil, apperr.Wrap(apperr.InvalidBucketConfig, err, "bad stored index for %q", rec.name)
	}
	if rec.pre != "" {
		if err := json.Unmarshal([]byte(rec.pre), &b.PreNames); err != nil {
			return nil, apperr.Wrap(apperr.InvalidBucketConfig, err, "bad stored pre triggers for %q", rec.name)
		}
	}
	if rec.post != "" {
		if err := json.Unmarshal([]byte(rec.post), &b.PostNames); err != nil {
			return nil, apperr.Wrap(apperr.InvalidBucketConfig, err, "bad stored post triggers for %q", rec.name)
		}
	}
	if rec.options != nil && *rec.options != "" {
		if err := json.Unmarshal([]byte(*rec.options), &b.Options); err != nil {
			return nil, apperr.Wrap(apperr.InvalidBucketConfig, err, "bad stored options for %q", rec.name)
		}
	}
	if rec.reindex != nil && *rec.reindex != "" {
		if err := json.Unmarshal([]byte(*rec.reindex), &b.ReindexActive); err != nil {
			return nil, apperr.Wrap(apperr.InvalidBucketConfig, err, "bad stored reindex_active for %q", rec.name)
		}
	}
	return b, nil
}

func (b *Bucket) resolveTriggers(reg *trigger.Registry) error {
	var err error
	if b.Pre, err = reg.Lookup(b.PreNames); err != nil {
		return err
	}
	b.Post, err = reg.Lookup(b.PostNames)
	return err
}
