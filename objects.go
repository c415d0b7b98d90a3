package moray

import (
	"context"

	"github.com/misterdjules/moray/internal/apperr"
	"github.com/misterdjules/moray/internal/objects"
	"github.com/misterdjules/moray/internal/pipeline"
)

// PutOptions tunes PutObject.
type PutOptions struct {
	// Etag, when set, requires the stored row to carry exactly this
	// etag. EtagNull instead requires the key not to exist.
	Etag     *string
	EtagNull bool
	Headers  map[string]string
}

// PutObject writes value under (bucket, key) and returns the new etag.
func (s *Store) PutObject(ctx context.Context, bucketName, key string, value map[string]any, opts PutOptions) (string, error) {
	r := s.newRequest()
	r.BucketName = bucketName
	r.Key = key
	r.Value = value
	r.Etag = opts.Etag
	r.EtagNull = opts.EtagNull
	r.Headers = opts.Headers
	err := pipeline.Run(ctx, r, false,
		objects.LoadBucket,
		objects.SelectForUpdate,
		objects.CheckEtag,
		objects.RunPreTriggers,
		objects.Put,
		objects.RunPostTriggers,
	)
	if err != nil {
		return "", err
	}
	return r.Result.(string), nil
}

// GetOptions tunes GetObject.
type GetOptions struct {
	// NoBucketCache forces a fresh descriptor read.
	NoBucketCache bool
	// Ignore lists indexed fields whose column copies must not
	// override the serialised JSON.
	Ignore []string
}

// GetObject loads one object. System fields (_id, _etag, _mtime,
// _txn_snap, _count) are stamped onto the returned map.
func (s *Store) GetObject(ctx context.Context, bucketName, key string, opts GetOptions) (map[string]any, error) {
	r := s.newRequest()
	r.BucketName = bucketName
	r.Key = key
	r.NoCache = opts.NoBucketCache
	r.Ignore = opts.Ignore
	err := pipeline.Run(ctx, r, true,
		objects.LoadBucket,
		objects.Get,
	)
	if err != nil {
		return nil, err
	}
	return r.Result.(map[string]any), nil
}

// DelOptions tunes DelObject.
type DelOptions struct {
	Etag     *string
	EtagNull bool
	Headers  map[string]string
}

// DelObject removes one object, honouring the same etag precondition
// as PutObject.
func (s *Store) DelObject(ctx context.Context, bucketName, key string, opts DelOptions) error {
	r := s.newRequest()
	r.BucketName = bucketName
	r.Key = key
	r.Etag = opts.Etag
	r.EtagNull = opts.EtagNull
	r.Headers = opts.Headers
	return pipeline.Run(ctx, r, false,
		objects.LoadBucket,
		objects.SelectForUpdate,
		objects.CheckEtag,
		objects.RunPreTriggers,
		objects.Del,
		objects.RunPostTriggers,
	)
}

// FindOptions tunes FindObjects.
type FindOptions struct {
	// Sort lists attributes to order by; a leading '-' means
	// descending.
	Sort   []string
	Limit  int
	Offset int
	// NoLimit disables the default limit of 1000 rows.
	NoLimit       bool
	NoBucketCache bool
	Ignore        []string
}

// FindObjects streams every object matching the filter to fn. The
// filter must be servable from indexed fields; anything else fails
// with NotIndexed before touching the relation.
func (s *Store) FindObjects(ctx context.Context, bucketName, filterStr string, opts FindOptions, fn func(obj map[string]any) error) error {
	r := s.newRequest()
	r.BucketName = bucketName
	r.Filter = filterStr
	r.Sort = opts.Sort
	r.Limit = opts.Limit
	r.Offset = opts.Offset
	r.NoLimit = opts.NoLimit
	r.NoCache = opts.NoBucketCache
	r.Ignore = opts.Ignore
	r.Sink = fn
	return pipeline.Run(ctx, r, true,
		objects.LoadBucket,
		objects.CompileFilter,
		objects.Find,
	)
}

// UpdateObjects bulk-updates indexed columns on every object matching
// the filter. The serialised JSON values stay untouched; affected rows
// get fresh etags. Returns the number of rows updated.
func (s *Store) UpdateObjects(ctx context.Context, bucketName string, fields map[string]any, filterStr string) (int64, error) {
	r := s.newRequest()
	r.BucketName = bucketName
	r.Filter = filterStr
	r.Value = fields
	err := pipeline.Run(ctx, r, false,
		objects.LoadBucket,
		objects.CompileFilter,
		objects.Update,
	)
	if err != nil {
		return 0, err
	}
	return r.Result.(int64), nil
}

// DeleteMany removes every object matching the filter and returns the
// number of rows deleted.
func (s *Store) DeleteMany(ctx context.Context, bucketName, filterStr string) (int64, error) {
	r := s.newRequest()
	r.BucketName = bucketName
	r.Filter = filterStr
	err := pipeline.Run(ctx, r, false,
		objects.LoadBucket,
		objects.CompileFilter,
		objects.DeleteMany,
	)
	if err != nil {
		return 0, err
	}
	return r.Result.(int64), nil
}

// ReindexObjects backfills projected columns for up to count rows
// whose row version predates the bucket version.
func (s *Store) ReindexObjects(ctx context.Context, bucketName string, count int) (*ReindexResult, error) {
	r := s.newRequest()
	r.BucketName = bucketName
	r.NoCache = true
	r.Limit = count
	err := pipeline.Run(ctx, r, false,
		objects.LoadBucket,
		objects.Reindex,
	)
	if err != nil {
		return nil, err
	}
	return r.Result.(*ReindexResult), nil
}

// BatchOp is one operation of a Batch call.
type BatchOp struct {
	// Operation is one of "put", "update", "delete", "deleteMany".
	Operation string
	Bucket    string
	Key       string
	Value     map[string]any
	Fields    map[string]any
	Filter    string
	Etag      *string
	EtagNull  bool
	Headers   map[string]string
}

// Batch runs a sequence of write operations atomically in a single
// transaction. The first failing operation aborts and rolls back the
// whole batch.
func (s *Store) Batch(ctx context.Context, ops []BatchOp) error {
	outer := s.newRequest()
	return pipeline.Run(ctx, outer, false, func(ctx context.Context, outer *pipeline.Request) error {
		for i, op := range ops {
			r := s.newRequest()
			r.Conn = outer.Conn
			r.Tx = outer.Tx
			r.BucketName = op.Bucket
			r.Key = op.Key
			r.Headers = op.Headers
			r.Etag = op.Etag
			r.EtagNull = op.EtagNull

			var handlers []pipeline.Handler
			switch op.Operation {
			case "put":
				r.Value = op.Value
				handlers = []pipeline.Handler{
					objects.LoadBucket,
					objects.SelectForUpdate,
					objects.CheckEtag,
					objects.RunPreTriggers,
					objects.Put,
					objects.RunPostTriggers,
				}
			case "update":
				r.Filter = op.Filter
				r.Value = op.Fields
				handlers = []pipeline.Handler{
					objects.LoadBucket,
					objects.CompileFilter,
					objects.Update,
				}
			case "delete":
				handlers = []pipeline.Handler{
					objects.LoadBucket,
					objects.SelectForUpdate,
					objects.CheckEtag,
					objects.RunPreTriggers,
					objects.Del,
					objects.RunPostTriggers,
				}
			case "deleteMany":
				r.Filter = op.Filter
				handlers = []pipeline.Handler{
					objects.LoadBucket,
					objects.CompileFilter,
					objects.DeleteMany,
				}
			default:
				return apperr.New(apperr.InvalidQuery, "batch operation %d: unknown kind %q", i, op.Operation)
			}
			if err := pipeline.RunInTx(ctx, r, handlers...); err != nil {
				return apperr.Wrap(apperr.KindOf(err), err, "batch operation %d", i)
			}
		}
		return nil
	})
}
