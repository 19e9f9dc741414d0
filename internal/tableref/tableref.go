// Package tableref defines the table reference value object used across the
// query engine, the results cache and the connector layer.
package tableref

import (
	"strings"
)

// TableReference is a 1-, 2- or 3-part dotted table name. Empty parts mean
// "unset"; Resolve fills them from the runtime defaults.
type TableReference struct {
	Catalog string
	Schema  string
	Table   string
}

// Parse splits a dotted reference. Unquoted parts are folded to lower case;
// parts quoted with double quotes keep their spelling.
func Parse(s string) TableReference {
	parts := splitParts(s)
	switch len(parts) {
	case 1:
		return TableReference{Table: parts[0]}
	case 2:
		return TableReference{Schema: parts[0], Table: parts[1]}
	default:
		return TableReference{Catalog: parts[0], Schema: parts[1], Table: strings.Join(parts[2:], ".")}
	}
}

func splitParts(s string) []string {
	var parts []string
	var wasQuoted []bool
	var cur strings.Builder
	inQuote := false
	curQuoted := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			curQuoted = true
		case c == '.' && !inQuote:
			parts = append(parts, cur.String())
			wasQuoted = append(wasQuoted, curQuoted)
			cur.Reset()
			curQuoted = false
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	wasQuoted = append(wasQuoted, curQuoted)
	// Quoting is a per-part property: quoted parts keep their spelling,
	// unquoted parts fold.
	for i, p := range parts {
		if !wasQuoted[i] {
			parts[i] = strings.ToLower(p)
		}
	}
	return parts
}

// New builds a fully qualified reference.
func New(catalog, schema, table string) TableReference {
	return TableReference{Catalog: catalog, Schema: schema, Table: table}
}

// Resolve fills unset catalog/schema parts from defaults.
func (r TableReference) Resolve(defaultCatalog, defaultSchema string) TableReference {
	out := r
	if out.Schema == "" {
		out.Schema = defaultSchema
	}
	if out.Catalog == "" {
		out.Catalog = defaultCatalog
	}
	return out
}

// String renders the reference in dotted form, omitting unset parts.
func (r TableReference) String() string {
	var parts []string
	if r.Catalog != "" {
		parts = append(parts, r.Catalog)
	}
	if r.Schema != "" {
		parts = append(parts, r.Schema)
	}
	parts = append(parts, r.Table)
	return strings.Join(parts, ".")
}

// InSchema reports whether the reference lives in the given schema.
func (r TableReference) InSchema(schema string) bool {
	return r.Schema == schema
}

// Set is an unordered collection of table references.
type Set map[TableReference]struct{}

// NewSet builds a set from references.
func NewSet(refs ...TableReference) Set {
	s := make(Set, len(refs))
	for _, r := range refs {
		s[r] = struct{}{}
	}
	return s
}

// Add inserts a reference.
func (s Set) Add(r TableReference) { s[r] = struct{}{} }

// Contains reports membership.
func (s Set) Contains(r TableReference) bool {
	_, ok := s[r]
	return ok
}

// Slice returns the members in unspecified order.
func (s Set) Slice() []TableReference {
	out := make([]TableReference, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	return out
}
