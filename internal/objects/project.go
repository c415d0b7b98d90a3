package objects

import (
	"github.com/misterdjules/moray/internal/bucket"
	"github.com/misterdjules/moray/internal/types"
)

// IndexObject projects the indexed fields of an object into the values
// bound for its typed columns. Fields absent from the object (or null)
// are left out; their columns stay NULL.
func IndexObject(index map[string]bucket.FieldConfig, obj map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(index))
	for field, fc := range index {
		v, ok := obj[field]
		if !ok || v == nil {
			continue
		}
		cv, err := types.Coerce(fc.Type, v)
		if err != nil {
			return nil, err
		}
		out[field] = cv
	}
	return out, nil
}
