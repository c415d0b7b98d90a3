// Package types implements the semantic index types of the store and
// the two-way mapping between JSON field values and typed Postgres
// columns.
package types

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/misterdjules/moray/internal/apperr"
)

// Type is a semantic index type. Array variants are written with
// brackets, e.g. "[string]".
type Type string

const (
	String  Type = "string"
	Number  Type = "number"
	Boolean Type = "boolean"
	IP      Type = "ip"
	Subnet  Type = "subnet"

	StringArray  Type = "[string]"
	NumberArray  Type = "[number]"
	BooleanArray Type = "[boolean]"
	IPArray      Type = "[ip]"
	SubnetArray  Type = "[subnet]"
)

var all = map[Type]bool{
	String: true, Number: true, Boolean: true, IP: true, Subnet: true,
	StringArray: true, NumberArray: true, BooleanArray: true,
	IPArray: true, SubnetArray: true,
}

// Parse validates a type name from a bucket configuration.
func Parse(s string) (Type, error) {
	t := Type(s)
	if !all[t] {
		return "", apperr.New(apperr.InvalidBucketConfig, "invalid index type: %q", s)
	}
	return t, nil
}

// IsArray reports whether t is an array variant.
func (t Type) IsArray() bool {
	return strings.HasPrefix(string(t), "[")
}

// Elem returns the element type of an array variant, or t itself for
// scalar types.
func (t Type) Elem() Type {
	if !t.IsArray() {
		return t
	}
	return Type(strings.Trim(string(t), "[]"))
}

// ColumnSQL returns the Postgres column type backing t.
func (t Type) ColumnSQL() string {
	var base string
	switch t.Elem() {
	case Number:
		base = "BIGINT"
	case Boolean:
		base = "BOOLEAN"
	case IP:
		base = "INET"
	case Subnet:
		base = "CIDR"
	default:
		base = "TEXT"
	}
	if t.IsArray() {
		return base + "[]"
	}
	return base
}

// IndexMethod returns the access method used for the per-field partial
// index: GIN for array columns, BTREE otherwise.
func (t Type) IndexMethod() string {
	if t.IsArray() {
		return "GIN"
	}
	return "BTREE"
}

var truthy = regexp.MustCompile(`(?i)^true$`)

// stringify renders an arbitrary JSON-decoded value as text, the way
// string-typed projections and boolean tests see it.
func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}

func coerceNumber(v any) (int64, error) {
	switch x := v.(type) {
	case float64:
		return int64(x), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		if f, err := x.Float64(); err == nil {
			return int64(f), nil
		}
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return int64(f), nil
		}
	}
	return 0, apperr.New(apperr.InvalidIndexType, "value %q is not a number", stringify(v))
}

// CanonicalIP parses and canonicalises an IPv4 or IPv6 address.
func CanonicalIP(s string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", apperr.New(apperr.InvalidIndexType, "value %q is not an IP address", s)
	}
	return addr.String(), nil
}

// CanonicalSubnet parses and canonicalises a CIDR subnet, masking any
// host bits so the value is acceptable to a Postgres CIDR column.
func CanonicalSubnet(s string) (string, error) {
	pfx, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return "", apperr.New(apperr.InvalidIndexType, "value %q is not a subnet", s)
	}
	return pfx.Masked().String(), nil
}

func coerceScalar(t Type, v any) (any, error) {
	switch t {
	case String:
		return stringify(v), nil
	case Number:
		return coerceNumber(v)
	case Boolean:
		return truthy.MatchString(stringify(v)), nil
	case IP:
		return CanonicalIP(stringify(v))
	case Subnet:
		return CanonicalSubnet(stringify(v))
	}
	return nil, apperr.New(apperr.InvalidIndexType, "unknown type %q", t)
}

// Coerce maps a JSON field value to the value bound for its projected
// column. Scalars bind natively; array variants bind as a Postgres
// array literal so the column cast happens server-side. A scalar value
// supplied for an array-typed field becomes a one-element array.
func Coerce(t Type, v any) (any, error) {
	if !t.IsArray() {
		return coerceScalar(t, v)
	}
	elems, ok := v.([]any)
	if !ok {
		elems = []any{v}
	}
	text := make([]string, len(elems))
	for i, e := range elems {
		c, err := coerceScalar(t.Elem(), e)
		if err != nil {
			return nil, err
		}
		switch x := c.(type) {
		case string:
			text[i] = x
		case int64:
			text[i] = strconv.FormatInt(x, 10)
		case bool:
			text[i] = strconv.FormatBool(x)
		}
	}
	return ArrayLiteral(text), nil
}

// arrayMeta lists the characters that are significant inside a Postgres
// array literal and therefore force an element to be quoted.
const arrayMeta = `",{}\`

func escapeElement(s string) string {
	if !strings.ContainsAny(s, arrayMeta) {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if strings.ContainsRune(arrayMeta, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// ArrayLiteral renders elements as a Postgres array literal, quoting
// and escaping elements that contain literal-significant characters.
func ArrayLiteral(elems []string) string {
	escaped := make([]string, len(elems))
	for i, e := range elems {
		escaped[i] = escapeElement(e)
	}
	return "{" + strings.Join(escaped, ",") + "}"
}

// FromColumn maps a scanned column value back to its JSON form for the
// read path. Array columns arrive as driver-decoded slices. The driver
// decodes both INET and CIDR columns to netip.Prefix; an ip-typed field
// sheds the /32 (or /128) the driver tacked on.
func FromColumn(t Type, v any) any {
	if v == nil {
		return nil
	}
	if t.IsArray() {
		return fromArrayColumn(t.Elem(), v)
	}
	switch x := v.(type) {
	case netip.Addr:
		return x.String()
	case netip.Prefix:
		if t == IP && x.IsSingleIP() {
			return x.Addr().String()
		}
		return x.String()
	default:
		return v
	}
}

func fromArrayColumn(elem Type, v any) any {
	switch xs := v.(type) {
	case []any:
		out := make([]any, len(xs))
		for i, e := range xs {
			out[i] = FromColumn(elem, e)
		}
		return out
	case []string:
		out := make([]any, len(xs))
		for i, e := range xs {
			out[i] = e
		}
		return out
	case []int64:
		out := make([]any, len(xs))
		for i, e := range xs {
			out[i] = e
		}
		return out
	case []bool:
		out := make([]any, len(xs))
		for i, e := range xs {
			out[i] = e
		}
		return out
	case []netip.Addr:
		out := make([]any, len(xs))
		for i, e := range xs {
			out[i] = FromColumn(elem, e)
		}
		return out
	case []netip.Prefix:
		out := make([]any, len(xs))
		for i, e := range xs {
			out[i] = FromColumn(elem, e)
		}
		return out
	}
	return v
}
