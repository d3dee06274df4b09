// Package pgdesc classifies PostgreSQL types into the category flags the
// rest of the engine dispatches on. Lookups are O(1) against a fixed table
// keyed by the base type name.
package pgdesc

import "strings"

// Category is a bit set describing how values of a type are parsed from
// request input and emitted into JSON.
type Category uint16

const (
	Numeric Category = 1 << iota
	Boolean
	Json
	Text
	DateTime
	Date
	Time
	Binary
	// NeedsEscape marks types whose text form must be JSON-escaped on emit.
	NeedsEscape
	// CastToText marks types the invocation template coerces with ::text so
	// the wire value arrives in a form the converter understands.
	CastToText
)

// Has reports whether all flags in f are set.
func (c Category) Has(f Category) bool { return c&f == f }

var categories = map[string]Category{
	"smallint":         Numeric,
	"int2":             Numeric,
	"integer":          Numeric,
	"int":              Numeric,
	"int4":             Numeric,
	"bigint":           Numeric,
	"int8":             Numeric,
	"numeric":          Numeric,
	"decimal":          Numeric,
	"real":             Numeric,
	"float4":           Numeric,
	"double precision": Numeric,
	"float8":           Numeric,
	"money":            Numeric | CastToText,
	"oid":              Numeric,
	"smallserial":      Numeric,
	"serial":           Numeric,
	"bigserial":        Numeric,

	"boolean": Boolean,
	"bool":    Boolean,

	"json":  Json,
	"jsonb": Json,

	"text":              Text | NeedsEscape,
	"character":         Text | NeedsEscape,
	"char":              Text | NeedsEscape,
	"bpchar":            Text | NeedsEscape,
	"character varying": Text | NeedsEscape,
	"varchar":           Text | NeedsEscape,
	"name":              Text | NeedsEscape,
	"citext":            Text | NeedsEscape,
	"uuid":              Text,
	"xml":               Text | NeedsEscape,
	"inet":              Text,
	"cidr":              Text,
	"macaddr":           Text,
	"macaddr8":          Text,
	"bit":               Text,
	"bit varying":       Text,
	"varbit":            Text,
	"tsvector":          Text | NeedsEscape | CastToText,
	"tsquery":           Text | NeedsEscape | CastToText,

	"timestamp":                   DateTime,
	"timestamp without time zone": DateTime,
	"timestamp with time zone":    DateTime,
	"timestamptz":                 DateTime,
	"date":                        Date,
	"time":                        Time,
	"time without time zone":      Time,
	"time with time zone":         Time,
	"timetz":                      Time,
	"interval":                    Text | NeedsEscape | CastToText,

	"bytea": Binary,
}

// CategoryOf returns the category flags for a PostgreSQL type name. Unknown
// types are treated as escaped text coerced through ::text, which keeps
// custom enums and domains usable without registration.
func CategoryOf(dbType string) Category {
	if c, ok := categories[dbType]; ok {
		return c
	}
	return Text | NeedsEscape | CastToText
}

// TypeDescriptor describes a single routine parameter or result column type.
type TypeDescriptor struct {
	// OriginalType is the type exactly as reported by the database,
	// e.g. "character varying(32)" or "integer[]".
	OriginalType string
	IsArray      bool
	// BaseDbType is OriginalType with array brackets and length modifiers
	// stripped, e.g. "character varying".
	BaseDbType string
	// ActualDbType is the type used in the invocation template after a
	// possible ::text coercion.
	ActualDbType string
	Category     Category
	HasDefault   bool

	// Custom-type linkage, set when the type is a user-defined composite.
	CustomType         string
	CustomTypePosition int

	// Composite metadata for resolved composite and array-of-composite
	// types. FieldDescriptors is parallel to FieldNames.
	FieldNames       []string
	FieldDescriptors []TypeDescriptor
}

// New builds a TypeDescriptor from a database type name.
func New(dbType string) TypeDescriptor {
	d := TypeDescriptor{OriginalType: dbType}

	base := strings.TrimSpace(dbType)
	if strings.HasSuffix(base, "[]") {
		d.IsArray = true
		base = strings.TrimSuffix(base, "[]")
	}
	if i := strings.IndexByte(base, '('); i != -1 {
		if j := strings.IndexByte(base[i:], ')'); j != -1 {
			base = strings.TrimSpace(base[:i] + base[i+j+1:])
		}
	}
	d.BaseDbType = base
	d.Category = CategoryOf(base)

	d.ActualDbType = d.BaseDbType
	if d.Category.Has(CastToText) {
		d.ActualDbType = "text"
	}
	return d
}

// NewWithDefault builds a TypeDescriptor for a parameter that has a
// database-side default value.
func NewWithDefault(dbType string, hasDefault bool) TypeDescriptor {
	d := New(dbType)
	d.HasDefault = hasDefault
	return d
}

// IsComposite reports whether composite metadata has been resolved for
// this type.
func (d TypeDescriptor) IsComposite() bool { return len(d.FieldNames) > 0 }

// IsCompositeArray reports whether this is an array of a resolved
// composite type.
func (d TypeDescriptor) IsCompositeArray() bool { return d.IsArray && d.IsComposite() }
