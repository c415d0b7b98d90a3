package objects

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// etagLen is the length of the hex etag stored on every row.
const etagLen = 16

// ComputeEtag derives the entity tag for a write. It hashes the bucket
// name, key and serialised value, so rewriting an unchanged object
// yields the same etag.
func ComputeEtag(bucket, key string, value []byte) string {
	h := sha256.New()
	h.Write([]byte(bucket))
	h.Write([]byte{0})
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write(value)
	return hex.EncodeToString(h.Sum(nil))[:etagLen]
}

// RandomEtag returns a fresh opaque etag for bulk column updates,
// where the serialised value does not change but readers must still
// observe a new row version.
func RandomEtag() string {
	h := sha256.Sum256([]byte(uuid.NewString()))
	return hex.EncodeToString(h[:])[:etagLen]
}
