// Package bucket implements the bucket catalog: descriptor model,
// configuration validation, the buckets_config relation, the process
// wide descriptor cache, and schema evolution.
package bucket

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/misterdjules/moray/internal/apperr"
	"github.com/misterdjules/moray/internal/filter"
	"github.com/misterdjules/moray/internal/trigger"
	"github.com/misterdjules/moray/internal/types"
)

// FieldConfig declares one indexed field.
type FieldConfig struct {
	Type   types.Type `json:"type"`
	Unique bool       `json:"unique,omitempty"`
}

// Options carries bucket-level options. Version 0 is legacy mode: the
// descriptor may always be overwritten and no reindex bookkeeping is
// maintained.
type Options struct {
	Version int `json:"version"`
}

// Config is the caller-supplied bucket definition. Pre and Post are
// ordered lists of registered trigger names.
type Config struct {
	Index   map[string]FieldConfig `json:"index"`
	Pre     []string               `json:"pre,omitempty"`
	Post    []string               `json:"post,omitempty"`
	Options Options                `json:"options"`
}

// ReindexMap tracks which fields are still being backfilled, keyed by
// the schema version that introduced them. JSON object keys are the
// decimal version numbers.
type ReindexMap map[int][]string

func (m ReindexMap) MarshalJSON() ([]byte, error) {
	out := make(map[string][]string, len(m))
	for v, fields := range m {
		out[strconv.Itoa(v)] = fields
	}
	return json.Marshal(out)
}

func (m *ReindexMap) UnmarshalJSON(data []byte) error {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(ReindexMap, len(raw))
	for k, fields := range raw {
		v, err := strconv.Atoi(k)
		if err != nil {
			return apperr.New(apperr.InvalidBucketConfig, "bad reindex version %q", k)
		}
		out[v] = fields
	}
	*m = out
	return nil
}

// Fields returns the union of field names across all in-flight
// versions.
func (m ReindexMap) Fields() map[string]bool {
	out := make(map[string]bool)
	for _, fields := range m {
		for _, f := range fields {
			out[f] = true
		}
	}
	return out
}

// Bucket is a loaded descriptor. Instances are shared read-only by
// concurrent requests; any mutation builds a fresh descriptor and
// replaces the cache entry.
type Bucket struct {
	Name          string
	Index         map[string]FieldConfig
	PreNames      []string
	PostNames     []string
	Pre           []trigger.Func
	Post          []trigger.Func
	Options       Options
	ReindexActive ReindexMap
	Mtime         time.Time
}

// Config returns the wire form of the descriptor.
func (b *Bucket) Config() *Config {
	return &Config{
		Index:   b.Index,
		Pre:     b.PreNames,
		Post:    b.PostNames,
		Options: b.Options,
	}
}

// FilterSchema builds the queryable-field view used by the filter
// compiler. Fields still being reindexed are present but unusable.
func (b *Bucket) FilterSchema() filter.Schema {
	reindexing := b.ReindexActive.Fields()
	s := make(filter.Schema, len(b.Index))
	for name, fc := range b.Index {
		s[name] = filter.FieldInfo{Type: fc.Type, Unusable: reindexing[name]}
	}
	return s
}

// TriggerSchema is the field->type mapping handed to trigger cookies.
func (b *Bucket) TriggerSchema() map[string]string {
	s := make(map[string]string, len(b.Index))
	for name, fc := range b.Index {
		s[name] = string(fc.Type)
	}
	return s
}

// SortedFields returns the indexed field names in stable order.
func (b *Bucket) SortedFields() []string {
	out := make([]string, 0, len(b.Index))
	for name := range b.Index {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var (
	nameRE  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)
	fieldRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

	reservedNames = map[string]bool{
		"moray":  true,
		"search": true,
	}
)

// ValidateName checks a bucket name against the naming rule and the
// reserved set.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return apperr.New(apperr.InvalidBucketName, "%q is not a valid bucket name", name)
	}
	if reservedNames[name] {
		return apperr.New(apperr.InvalidBucketName, "%q is a reserved bucket name", name)
	}
	return nil
}

// ValidateConfig checks a bucket configuration: field names and types,
// options, and that every pre/post trigger name resolves against the
// registry.
func ValidateConfig(cfg *Config, reg *trigger.Registry) error {
	if cfg.Options.Version < 0 {
		return apperr.New(apperr.InvalidBucketConfig, "options.version must be non-negative")
	}
	for name, fc := range cfg.Index {
		if !fieldRE.MatchString(name) {
			return apperr.New(apperr.InvalidBucketConfig, "invalid index field name %q", name)
		}
		if _, err := types.Parse(string(fc.Type)); err != nil {
			return err
		}
	}
	if _, err := reg.Lookup(cfg.Pre); err != nil {
		return err
	}
	if _, err := reg.Lookup(cfg.Post); err != nil {
		return err
	}
	return nil
}

// DecodeConfig parses a JSON bucket configuration, rejecting unknown
// keys and structurally invalid documents.
func DecodeConfig(data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, apperr.Wrap(apperr.InvalidBucketConfig, err, "bad bucket config")
	}
	return &cfg, nil
}
