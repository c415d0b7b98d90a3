package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/misterdjules/moray/internal/apperr"
	"github.com/misterdjules/moray/internal/types"
)

// Matching rules accepted in extensible filters.
const (
	RuleCaseIgnore           = "caseIgnoreMatch"
	RuleCaseIgnoreSubstrings = "caseIgnoreSubstringsMatch"
)

// FieldInfo describes one queryable column.
type FieldInfo struct {
	Type types.Type
	// Unusable marks a field whose backing column is still being
	// reindexed and therefore cannot serve queries yet.
	Unusable bool
}

// Schema is the set of queryable fields of a bucket, keyed by name.
type Schema map[string]FieldInfo

// internalFields are the system columns every bucket relation carries.
// They are always queryable.
var internalFields = Schema{
	"_key":      {Type: types.String},
	"_etag":     {Type: types.String},
	"_id":       {Type: types.Number},
	"_mtime":    {Type: types.Number},
	"_txn_snap": {Type: types.Number},
}

// Clause is a compiled SQL boolean expression with 1-based positional
// placeholders and its ordered arguments.
type Clause struct {
	SQL  string
	Args []any
}

// Compile translates a parsed filter into a WHERE clause against the
// given schema. Leaves on unindexed or reindex-active fields compile to
// nothing; a filter with no usable predicate left fails NotIndexed.
func Compile(f Filter, schema Schema) (*Clause, error) {
	c := &compiler{schema: schema}
	sql, err := c.compile(f)
	if err != nil {
		return nil, err
	}
	if sql == "" {
		return nil, apperr.New(apperr.NotIndexed, "filter %s matches no indexed fields", f)
	}
	return &Clause{SQL: sql, Args: c.args}, nil
}

type compiler struct {
	schema Schema
	args   []any
}

// bind appends an argument and returns its placeholder. Arguments are
// only bound for leaves that compile, so placeholders stay dense.
func (c *compiler) bind(v any) string {
	c.args = append(c.args, v)
	return "$" + strconv.Itoa(len(c.args))
}

// field resolves an attribute to its column type. The second return is
// false when the attribute cannot be used in a WHERE clause.
func (c *compiler) field(attr string) (types.Type, bool) {
	if fi, ok := internalFields[attr]; ok {
		return fi.Type, true
	}
	fi, ok := c.schema[attr]
	if !ok || fi.Unusable {
		return "", false
	}
	return fi.Type, true
}

func (c *compiler) compile(f Filter) (string, error) {
	switch n := f.(type) {
	case *And:
		var parts []string
		for _, child := range n.Filters {
			sql, err := c.compile(child)
			if err != nil {
				return "", err
			}
			if sql != "" {
				parts = append(parts, sql)
			}
		}
		if len(parts) == 0 {
			return "", apperr.New(apperr.NotIndexed, "filter %s matches no indexed fields", f)
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil

	case *Or:
		var parts []string
		for _, child := range n.Filters {
			sql, err := c.compile(child)
			if err != nil {
				return "", err
			}
			if sql == "" {
				return "", apperr.New(apperr.NotIndexed, "filter %s matches no indexed fields", child)
			}
			parts = append(parts, sql)
		}
		return "(" + strings.Join(parts, " OR ") + ")", nil

	case *Not:
		sql, err := c.compile(n.Filter)
		if err != nil {
			return "", err
		}
		if sql == "" {
			return "", nil
		}
		return "NOT (" + sql + ")", nil

	case *Equality:
		return c.compileEquality(n)
	case *GreaterEq:
		return c.compileOrdering(n.Attribute, n.Value, ">=")
	case *LessEq:
		return c.compileOrdering(n.Attribute, n.Value, "<=")
	case *Present:
		if _, ok := c.field(n.Attribute); !ok {
			return "", nil
		}
		return "(" + quoteCol(n.Attribute) + " IS NOT NULL)", nil
	case *Substring:
		return c.compileSubstring(n, "LIKE", false)
	case *Approx:
		return "", apperr.New(apperr.InvalidQuery, "approx match on %q is not supported", n.Attribute)
	case *Extensible:
		return c.compileExtensible(n)
	}
	return "", apperr.New(apperr.InvalidQuery, "unknown filter node %T", f)
}

func (c *compiler) compileEquality(n *Equality) (string, error) {
	t, ok := c.field(n.Attribute)
	if !ok {
		return "", nil
	}
	arg, err := filterArg(t.Elem(), n.Attribute, n.Value)
	if err != nil {
		return "", err
	}
	col := quoteCol(n.Attribute)
	if t.IsArray() {
		return fmt.Sprintf("%s @> ARRAY[%s]::%s", col, c.bind(arg), t.ColumnSQL()), nil
	}
	return fmt.Sprintf("(%s = %s AND %s IS NOT NULL)", col, c.bind(arg), col), nil
}

func (c *compiler) compileOrdering(attr, value, op string) (string, error) {
	t, ok := c.field(attr)
	if !ok {
		return "", nil
	}
	arg, err := filterArg(t.Elem(), attr, value)
	if err != nil {
		return "", err
	}
	col := quoteCol(attr)
	if t.IsArray() {
		return fmt.Sprintf("%s %s ANY(%s)", c.bind(arg), op, col), nil
	}
	return fmt.Sprintf("(%s %s %s AND %s IS NOT NULL)", col, op, c.bind(arg), col), nil
}

var percentRuns = regexp.MustCompile(`%{2,}`)

// pattern builds the LIKE pattern for a substring match, collapsing
// runs of wildcards produced by adjacent empty segments.
func pattern(initial string, any []string, final string) string {
	segs := append([]string{initial}, any...)
	segs = append(segs, final)
	return percentRuns.ReplaceAllString(strings.Join(segs, "%"), "%")
}

func (c *compiler) compileSubstring(n *Substring, op string, lower bool) (string, error) {
	t, ok := c.field(n.Attribute)
	if !ok {
		return "", nil
	}
	if t != types.String {
		return "", apperr.New(apperr.InvalidQuery, "substring match on non-string field %q", n.Attribute)
	}
	pat := pattern(n.Initial, n.Any, n.Final)
	if lower {
		pat = strings.ToLower(pat)
	}
	col := quoteCol(n.Attribute)
	return fmt.Sprintf("(%s %s %s AND %s IS NOT NULL)", col, op, c.bind(pat), col), nil
}

func (c *compiler) compileExtensible(n *Extensible) (string, error) {
	switch n.Rule {
	case RuleCaseIgnore:
		t, ok := c.field(n.Attribute)
		if !ok {
			return "", nil
		}
		if t != types.String {
			return "", apperr.New(apperr.InvalidQuery, "case-insensitive match on non-string field %q", n.Attribute)
		}
		col := quoteCol(n.Attribute)
		return fmt.Sprintf("(LOWER(%s) = %s AND %s IS NOT NULL)",
			col, c.bind(strings.ToLower(n.Value)), col), nil
	case RuleCaseIgnoreSubstrings:
		segs := strings.Split(n.Value, "*")
		if len(segs) == 1 {
			// No wildcard in the value; an exact case-insensitive
			// match, not a LIKE against "v%v".
			return c.compileExtensible(&Extensible{
				Attribute: n.Attribute,
				Rule:      RuleCaseIgnore,
				Value:     n.Value,
			})
		}
		sub := &Substring{
			Attribute: n.Attribute,
			Initial:   segs[0],
			Final:     segs[len(segs)-1],
		}
		if len(segs) > 2 {
			sub.Any = segs[1 : len(segs)-1]
		}
		return c.compileSubstring(sub, "ILIKE", true)
	}
	return "", apperr.New(apperr.NotIndexed, "unknown matching rule %q", n.Rule)
}

// filterArg converts a filter value to the argument bound for a column
// of element type t. Bad values are query errors, not index errors.
func filterArg(t types.Type, attr, value string) (any, error) {
	v, err := types.Coerce(t, value)
	if err != nil {
		return nil, apperr.New(apperr.InvalidQuery, "invalid value %q for field %q", value, attr)
	}
	return v, nil
}

func quoteCol(name string) string {
	return pq.QuoteIdentifier(name)
}
