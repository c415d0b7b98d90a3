// Package filter parses LDAP-style filter expressions and compiles
// them into parameterised SQL WHERE clauses against a bucket's indexed
// columns.
package filter

import (
	"fmt"
	"strings"
)

// Filter is a node of the parsed filter expression.
type Filter interface {
	// String renders the node back in filter syntax.
	String() string
}

// And matches when every child matches.
type And struct {
	Filters []Filter
}

// Or matches when at least one child matches.
type Or struct {
	Filters []Filter
}

// Not negates its child.
type Not struct {
	Filter Filter
}

// Equality is (attr=value).
type Equality struct {
	Attribute string
	Value     string
}

// GreaterEq is (attr>=value).
type GreaterEq struct {
	Attribute string
	Value     string
}

// LessEq is (attr<=value).
type LessEq struct {
	Attribute string
	Value     string
}

// Present is (attr=*).
type Present struct {
	Attribute string
}

// Substring is (attr=initial*any*...*final). Empty Initial or Final
// mean the pattern is open at that end.
type Substring struct {
	Attribute string
	Initial   string
	Any       []string
	Final     string
}

// Approx is (attr~=value). It parses but never compiles.
type Approx struct {
	Attribute string
	Value     string
}

// Extensible is (attr:rule:=value).
type Extensible struct {
	Attribute string
	Rule      string
	Value     string
}

func joinFilters(op string, fs []Filter) string {
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(op)
	for _, f := range fs {
		b.WriteString(f.String())
	}
	b.WriteString(")")
	return b.String()
}

func (f *And) String() string { return joinFilters("&", f.Filters) }
func (f *Or) String() string  { return joinFilters("|", f.Filters) }
func (f *Not) String() string { return "(!" + f.Filter.String() + ")" }

func (f *Equality) String() string {
	return fmt.Sprintf("(%s=%s)", f.Attribute, escapeValue(f.Value))
}

func (f *GreaterEq) String() string {
	return fmt.Sprintf("(%s>=%s)", f.Attribute, escapeValue(f.Value))
}

func (f *LessEq) String() string {
	return fmt.Sprintf("(%s<=%s)", f.Attribute, escapeValue(f.Value))
}

func (f *Present) String() string {
	return fmt.Sprintf("(%s=*)", f.Attribute)
}

func (f *Approx) String() string {
	return fmt.Sprintf("(%s~=%s)", f.Attribute, escapeValue(f.Value))
}

func (f *Extensible) String() string {
	return fmt.Sprintf("(%s:%s:=%s)", f.Attribute, f.Rule, escapeValue(f.Value))
}

func (f *Substring) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "(%s=%s", f.Attribute, escapeValue(f.Initial))
	for _, a := range f.Any {
		b.WriteString("*")
		b.WriteString(escapeValue(a))
	}
	b.WriteString("*")
	b.WriteString(escapeValue(f.Final))
	b.WriteString(")")
	return b.String()
}

// escapeValue hex-escapes the characters that are structural in filter
// syntax so String round-trips through Parse.
func escapeValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '(', ')', '*', '\\':
			fmt.Fprintf(&b, `\%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
