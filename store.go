// Package moray is a schema-aware JSON object store on PostgreSQL.
// Clients create named buckets whose records are JSON objects addressed
// by a string key; each bucket declares indexed fields that are
// projected into typed columns, making the objects queryable with
// LDAP-style filters.
package moray

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/misterdjules/moray/internal/apperr"
	"github.com/misterdjules/moray/internal/bucket"
	"github.com/misterdjules/moray/internal/logger"
	"github.com/misterdjules/moray/internal/pipeline"
	"github.com/misterdjules/moray/internal/trigger"
)

// Config configures a Store.
type Config struct {
	// URL is the PostgreSQL connection string.
	URL string
	// CacheSize bounds the bucket-descriptor cache; 0 means the
	// default.
	CacheSize int
	// Log defaults to the process-wide logger.
	Log *slog.Logger
}

// Store is the public handle on the object store. It owns a connection
// pool and the process-wide descriptor cache; every operation checks
// out one session and runs in one transaction.
type Store struct {
	pool     *pgxpool.Pool
	cache    *bucket.Cache
	catalog  *bucket.Catalog
	triggers *trigger.Registry
	log      *slog.Logger
}

// New connects to the database and makes sure the buckets_config
// relation exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	log := cfg.Log
	if log == nil {
		log = logger.Get()
	}
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "connect to %q", cfg.URL)
	}
	s := &Store{
		pool:     pool,
		cache:    bucket.NewCache(cfg.CacheSize),
		catalog:  bucket.NewCatalog(log),
		triggers: trigger.NewRegistry(),
		log:      log,
	}
	if err := s.catalog.Ensure(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Triggers exposes the registry used to resolve bucket pre/post
// trigger names.
func (s *Store) Triggers() *trigger.Registry {
	return s.triggers
}

func (s *Store) newRequest() *pipeline.Request {
	return pipeline.New(s.pool, s.cache, s.catalog, s.triggers, s.log)
}

// CreateBucket validates the configuration and materialises a new
// bucket.
func (s *Store) CreateBucket(ctx context.Context, name string, cfg *BucketConfig) error {
	r := s.newRequest()
	r.BucketName = name
	return pipeline.Run(ctx, r, false, func(ctx context.Context, r *pipeline.Request) error {
		return s.catalog.Create(ctx, r.Tx, name, cfg, s.triggers)
	})
}

// UpdateBucketOptions tunes UpdateBucket.
type UpdateBucketOptions struct {
	// NoReindex applies the new schema without any reindex
	// bookkeeping; added fields are queryable immediately but their
	// columns start out NULL for existing rows.
	NoReindex bool
}

// UpdateBucket applies an updated configuration to an existing bucket:
// version check, index diff, column and index DDL, and reindex
// bookkeeping, all in one transaction.
func (s *Store) UpdateBucket(ctx context.Context, name string, cfg *BucketConfig, opts UpdateBucketOptions) error {
	r := s.newRequest()
	r.BucketName = name
	err := pipeline.Run(ctx, r, false, func(ctx context.Context, r *pipeline.Request) error {
		diff, err := s.catalog.Evolve(ctx, r.Tx, name, cfg, s.triggers,
			bucket.EvolveOptions{NoReindex: opts.NoReindex})
		if err != nil {
			return err
		}
		r.Diff = diff
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.Invalidate(name)
	return nil
}

// GetBucket loads a bucket descriptor, bypassing the cache.
func (s *Store) GetBucket(ctx context.Context, name string) (*Bucket, error) {
	r := s.newRequest()
	r.BucketName = name
	err := pipeline.Run(ctx, r, true, func(ctx context.Context, r *pipeline.Request) error {
		b, err := s.catalog.Load(ctx, r.Tx, name, s.triggers)
		if err != nil {
			return err
		}
		r.Result = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Result.(*Bucket), nil
}

// DelBucket drops a bucket, its backing relation and all its objects.
func (s *Store) DelBucket(ctx context.Context, name string) error {
	r := s.newRequest()
	r.BucketName = name
	err := pipeline.Run(ctx, r, false, func(ctx context.Context, r *pipeline.Request) error {
		return s.catalog.Drop(ctx, r.Tx, name)
	})
	if err != nil {
		return err
	}
	s.cache.Invalidate(name)
	return nil
}

// ListBuckets returns every bucket descriptor ordered by name.
func (s *Store) ListBuckets(ctx context.Context) ([]*Bucket, error) {
	r := s.newRequest()
	err := pipeline.Run(ctx, r, true, func(ctx context.Context, r *pipeline.Request) error {
		bs, err := s.catalog.List(ctx, r.Tx, s.triggers)
		if err != nil {
			return err
		}
		r.Result = bs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Result.([]*Bucket), nil
}
