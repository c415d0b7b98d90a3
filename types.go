package moray

import (
	"github.com/misterdjules/moray/internal/apperr"
	"github.com/misterdjules/moray/internal/bucket"
	"github.com/misterdjules/moray/internal/objects"
	"github.com/misterdjules/moray/internal/trigger"
)

// Re-export the types callers need to configure buckets, register
// triggers and classify errors.

// Bucket is a loaded bucket descriptor.
type Bucket = bucket.Bucket

// BucketConfig is the caller-supplied bucket definition.
type BucketConfig = bucket.Config

// FieldConfig declares one indexed field.
type FieldConfig = bucket.FieldConfig

// BucketOptions carries bucket-level options, notably the schema
// version.
type BucketOptions = bucket.Options

// ReindexMap tracks fields still being backfilled, keyed by version.
type ReindexMap = bucket.ReindexMap

// TriggerFunc is a registered pre/post write hook.
type TriggerFunc = trigger.Func

// TriggerCookie is the state handed to trigger invocations.
type TriggerCookie = trigger.Cookie

// ReindexResult reports one ReindexObjects pass.
type ReindexResult = objects.ReindexResult

// ErrorKind classifies store failures.
type ErrorKind = apperr.Kind

// Error kinds, stable across releases.
const (
	KindInternal            = apperr.Internal
	KindBucketNotFound      = apperr.BucketNotFound
	KindBucketVersion       = apperr.BucketVersion
	KindInvalidBucketName   = apperr.InvalidBucketName
	KindInvalidBucketConfig = apperr.InvalidBucketConfig
	KindNotFunction         = apperr.NotFunction
	KindInvalidIndexType    = apperr.InvalidIndexType
	KindInvalidQuery        = apperr.InvalidQuery
	KindNotIndexed          = apperr.NotIndexed
	KindEtagConflict        = apperr.EtagConflict
	KindObjectNotFound      = apperr.ObjectNotFound
	KindUniqueAttribute     = apperr.UniqueAttribute
	KindTransient           = apperr.Transient
)

// KindOf extracts the kind from err, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	return apperr.KindOf(err)
}

// IsRetryable reports whether err is a transient database error worth
// retrying. Retries are the caller's business; the store never
// re-executes a failed pipeline.
func IsRetryable(err error) bool {
	return apperr.Retryable(err)
}

// DecodeBucketConfig parses a JSON bucket configuration, rejecting
// unknown keys.
func DecodeBucketConfig(data []byte) (*BucketConfig, error) {
	return bucket.DecodeConfig(data)
}
