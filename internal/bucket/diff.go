package bucket

import "sort"

// IndexDiff is the structural difference between two index maps.
// Mod lists fields present in both whose declaration changed; a
// modification is recorded but deliberately not applied.
type IndexDiff struct {
	Add []string
	Del []string
	Mod []string
}

// Empty reports whether the diff carries no changes at all.
func (d *IndexDiff) Empty() bool {
	return len(d.Add) == 0 && len(d.Del) == 0 && len(d.Mod) == 0
}

// DiffIndexes compares a stored index map against an incoming one.
// Results are sorted for deterministic DDL and logging.
func DiffIndexes(old, incoming map[string]FieldConfig) *IndexDiff {
	d := &IndexDiff{}
	for name, newFC := range incoming {
		oldFC, ok := old[name]
		switch {
		case !ok:
			d.Add = append(d.Add, name)
		case oldFC != newFC:
			d.Mod = append(d.Mod, name)
		}
	}
	for name := range old {
		if _, ok := incoming[name]; !ok {
			d.Del = append(d.Del, name)
		}
	}
	sort.Strings(d.Add)
	sort.Strings(d.Del)
	sort.Strings(d.Mod)
	return d
}

// ConsolidateReindex merges newly added fields into the reindex map
// under the given version, preserving set semantics. The input map is
// not mutated; descriptors are shared read-only.
func ConsolidateReindex(m ReindexMap, version int, fields []string) ReindexMap {
	out := make(ReindexMap, len(m)+1)
	for v, fs := range m {
		out[v] = append([]string(nil), fs...)
	}
	if len(fields) == 0 {
		return out
	}
	seen := make(map[string]bool, len(out[version]))
	for _, f := range out[version] {
		seen[f] = true
	}
	for _, f := range fields {
		if !seen[f] {
			out[version] = append(out[version], f)
			seen[f] = true
		}
	}
	sort.Strings(out[version])
	return out
}
