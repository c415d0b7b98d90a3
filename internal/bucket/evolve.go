package bucket

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/misterdjules/moray/internal/apperr"
	"github.com/misterdjules/moray/internal/trigger"
)

// EvolveOptions tunes updateBucket behaviour.
type EvolveOptions struct {
	// NoReindex skips the _rver bookkeeping entirely: added fields are
	// assumed indexed immediately and reindex_active is left alone.
	NoReindex bool
}

// Create validates a configuration and materialises a brand new
// bucket: the catalog row, the backing relation, and all indexes.
func (c *Catalog) Create(ctx context.Context, tx pgx.Tx, name string, cfg *Config, reg *trigger.Registry) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ValidateConfig(cfg, reg); err != nil {
		return err
	}
	if err := c.Insert(ctx, tx, name, cfg); err != nil {
		return err
	}
	for _, stmt := range CreateTableSQL(name, cfg.Index) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return apperr.FromPg(err, "create bucket "+name)
		}
	}
	c.log.Debug("bucket created", "bucket", name, "version", cfg.Options.Version)
	return nil
}

// Evolve applies an updated configuration to an existing bucket inside
// the caller's transaction: version check, index diff, reindex
// bookkeeping, then the column and index DDL. The descriptor row is
// read FOR UPDATE so concurrent evolutions of one bucket serialise on
// it.
func (c *Catalog) Evolve(ctx context.Context, tx pgx.Tx, name string, cfg *Config, reg *trigger.Registry, opts EvolveOptions) (*IndexDiff, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg, reg); err != nil {
		return nil, err
	}

	old, err := c.loadForUpdate(ctx, tx, name)
	if err != nil {
		return nil, err
	}

	vOld, vNew := old.Options.Version, cfg.Options.Version
	if vOld != 0 && vOld >= vNew {
		return nil, apperr.New(apperr.BucketVersion,
			"bucket %q is at version %d; refusing version %d", name, vOld, vNew)
	}

	// Catalogs created before reindex support lack the column; treat
	// the stored value as empty once it exists.
	if err := c.EnsureReindexColumn(ctx, tx); err != nil {
		return nil, err
	}

	diff := DiffIndexes(old.Index, cfg.Index)
	if len(diff.Mod) > 0 {
		c.log.Debug("ignoring modified index fields", "bucket", name, "fields", diff.Mod)
	}

	reindex := old.ReindexActive
	if !opts.NoReindex && vNew != 0 {
		for _, stmt := range EnsureRverSQL(name) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return nil, apperr.FromPg(err, "ensure _rver on "+name)
			}
		}
		reindex = ConsolidateReindex(reindex, vNew, diff.Add)
	}

	if err := c.Update(ctx, tx, name, cfg, reindex); err != nil {
		return nil, err
	}

	// Column drops, adds and index builds are independent of one
	// another; pipeline them in a single batch on the transaction.
	batch := &pgx.Batch{}
	for _, field := range diff.Del {
		batch.Queue(DropColumnSQL(name, field))
	}
	for _, field := range diff.Add {
		batch.Queue(AddColumnSQL(name, field, cfg.Index[field]))
		batch.Queue(CreateFieldIndexSQL(name, field, cfg.Index[field]))
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return nil, apperr.FromPg(err, "alter bucket "+name)
			}
		}
		if err := br.Close(); err != nil {
			return nil, apperr.FromPg(err, "alter bucket "+name)
		}
	}

	c.log.Debug("bucket evolved", "bucket", name, "version", vNew,
		"added", diff.Add, "dropped", diff.Del)
	return diff, nil
}

// Drop removes a bucket's descriptor and backing relation.
func (c *Catalog) Drop(ctx context.Context, tx pgx.Tx, name string) error {
	if err := c.Delete(ctx, tx, name); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, DropTableSQL(name)); err != nil {
		return apperr.FromPg(err, "drop bucket "+name)
	}
	c.log.Debug("bucket dropped", "bucket", name)
	return nil
}
