package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dbfold/pgmux/core/internal/pgdesc"
	"github.com/jackc/pgx/v5"
)

// defaultMetadataQuery is the built-in introspection query. Any SQL text
// returning the same 28-column vector can replace it through
// Config.MetadataQuery; when the configured text has no whitespace it is
// treated as a function name and invoked with the ten filter parameters.
const defaultMetadataQuery = `
select
    case p.prokind when 'f' then 'function' when 'p' then 'procedure' else 'other' end,
    n.nspname,
    p.proname,
    d.description,
    p.proisstrict,
    p.provolatile::text,
    p.proretset,
    pg_get_function_result(p.oid),
    coalesce(rt.attcount, 0),
    rt.attnames,
    rt.atttypes,
    coalesce(rt.unnamed, false),
    p.pronargs::int,
    coalesce(pp.names, '{}'::text[]),
    coalesce(pp.types, '{}'::text[]),
    pg_get_function_arguments(p.oid),
    p.provariadic <> 0,
    pg_get_functiondef(p.oid),
    ct.field_names,
    ct.field_types,
    ct.positions,
    null::text[],
    null::text[],
    null::text[],
    null::text[],
    act.indices,
    act.names_json,
    act.types_json
from pg_proc p
join pg_namespace n on n.oid = p.pronamespace
left join pg_description d on d.objoid = p.oid
left join lateral introspect_params(p.oid) pp on true
left join lateral introspect_result(p.oid) rt on true
left join lateral introspect_composites(p.oid) ct on true
left join lateral introspect_array_composites(p.oid) act on true
where n.nspname similar to coalesce($1, n.nspname)
  and ($2 is null or n.nspname not similar to $2)
  and ($3 is null or n.nspname = any($3))
  and ($4 is null or n.nspname <> all($4))
  and p.proname similar to coalesce($5, p.proname)
  and ($6 is null or p.proname not similar to $6)
  and ($7 is null or p.proname = any($7))
  and ($8 is null or p.proname <> all($8))
  and ($9 is null or (select lanname from pg_language where oid = p.prolang) = any($9))
  and ($10 is null or (select lanname from pg_language where oid = p.prolang) <> all($10))
`

// introspectBootstrapDDL creates the helper functions the default query
// joins. The statements are idempotent; a configured MetadataQuery skips
// the bootstrap entirely.
var introspectBootstrapDDL = []string{
	`create or replace function introspect_params(fn oid)
returns table(names text[], types text[])
language sql stable
as $introspect$
select
    coalesce(case when p.proargmodes is null
        then array(select coalesce(u.n, '')
                   from unnest(p.proargnames[1:p.pronargs]) with ordinality u(n, ord)
                   order by u.ord)
        else array(select coalesce(u.n, '')
                   from unnest(p.proargnames, p.proargmodes) with ordinality u(n, m, ord)
                   where u.m in ('i', 'b', 'v')
                   order by u.ord)
    end, '{}'::text[]),
    coalesce(array(select format_type(u.t, null)
                   from unnest(p.proargtypes) with ordinality u(t, ord)
                   order by u.ord), '{}'::text[])
from pg_proc p
where p.oid = fn
$introspect$`,

	`create or replace function introspect_result(fn oid)
returns table(attcount int, attnames text[], atttypes text[], unnamed boolean)
language sql stable
as $introspect$
with proc as (
    select * from pg_proc where oid = fn
), outs as (
    select array_agg(coalesce(u.n, '') order by u.ord) as names,
           array_agg(format_type(u.t, null) order by u.ord) as types
    from proc p,
         lateral unnest(coalesce(p.proallargtypes, '{}'::oid[]),
                        coalesce(p.proargnames, '{}'::text[]),
                        coalesce(p.proargmodes, '{}'::"char"[]))
             with ordinality u(t, n, m, ord)
    where u.m in ('o', 't')
), comp as (
    select count(a.attname)::int as cnt,
           array_agg(a.attname::text order by a.attnum) as names,
           array_agg(format_type(a.atttypid, a.atttypmod) order by a.attnum) as types
    from proc p
    join pg_type t on t.oid = p.prorettype
    left join pg_attribute a
        on a.attrelid = t.typrelid and a.attnum > 0 and not a.attisdropped
)
select
    case when outs.names is not null then cardinality(outs.names)
         else coalesce(comp.cnt, 0) end,
    coalesce(outs.names, comp.names),
    coalesce(outs.types, comp.types),
    (select p.prorettype = 'record'::regtype and p.proargnames is null from proc p)
from outs left join comp on true
$introspect$`,

	`create or replace function introspect_composites(fn oid)
returns table(field_names text[], field_types text[], positions int[])
language sql stable
as $introspect$
with cols as (
    select r.atttypes from introspect_result(fn) r
), expanded as (
    select (c.ord - 1)::int as pos,
           a.attname::text as fname,
           format_type(a.atttypid, a.atttypmod) as ftype,
           a.attnum
    from cols, lateral unnest(cols.atttypes) with ordinality c(typ, ord)
    join pg_type t on t.oid = to_regtype(c.typ)
    join pg_class cl on cl.oid = t.typrelid and cl.relkind = 'c'
    join pg_attribute a on a.attrelid = cl.oid and a.attnum > 0 and not a.attisdropped
)
select array_agg(e.fname order by e.pos, e.attnum),
       array_agg(e.ftype order by e.pos, e.attnum),
       array_agg(e.pos order by e.pos, e.attnum)
from expanded e
$introspect$`,

	`create or replace function introspect_array_composites(fn oid)
returns table(indices int[], names_json text, types_json text)
language sql stable
as $introspect$
with cols as (
    select r.atttypes from introspect_result(fn) r
), arr as (
    select (c.ord - 1)::int as pos, e.typrelid as elemrel
    from cols, lateral unnest(cols.atttypes) with ordinality c(typ, ord)
    join pg_type t on t.oid = to_regtype(c.typ)
    join pg_type e on e.oid = t.typelem and e.typrelid <> 0
    join pg_class cl on cl.oid = e.typrelid and cl.relkind = 'c'
), fields as (
    select arr.pos,
           array_agg(a.attname::text order by a.attnum) as names,
           array_agg(format_type(a.atttypid, a.atttypmod) order by a.attnum) as types
    from arr
    join pg_attribute a on a.attrelid = arr.elemrel and a.attnum > 0 and not a.attisdropped
    group by arr.pos
)
select (select array_agg(f.pos order by f.pos) from fields f),
       (select json_object_agg(f.pos::text, f.names)::text from fields f),
       (select json_object_agg(f.pos::text, f.types)::text from fields f)
$introspect$`,
}

// routineRow is one decoded introspection row. Column ordinals carry the
// meaning; the SQL text itself is an opaque contract.
type routineRow struct {
	Type        string
	Schema      string
	Name        string
	Comment     *string
	IsStrict    bool
	Volatility  string
	ReturnsSet  bool
	ReturnType  string
	RecordCount int
	RecordNames []string
	RecordTypes []string
	Unnamed     bool
	ParamCount  int
	ParamNames  []string
	ParamTypes  []string
	ArgumentDef string
	HasVariadic bool
	Definition  string

	// composite result columns, flattened (name, type, column position)
	CustomTypeNames     []string
	CustomTypeTypes     []string
	CustomTypePositions []int

	// composites inside record-typed returns
	CustomRecTypeNames []string
	CustomRecTypeTypes []string
	CompositeOutNames  []string

	Reserved []string

	// arrays of composites: column indices plus field metadata keyed by
	// column index, JSON encoded
	ArrayColumnIndices  []int
	ArrayFieldNamesJSON *string
	ArrayFieldTypesJSON *string
}

// scanRoutineRow decodes the fixed 28-column introspection vector.
func scanRoutineRow(rows pgx.Rows) (*routineRow, error) {
	var r routineRow
	err := rows.Scan(
		&r.Type, &r.Schema, &r.Name, &r.Comment, &r.IsStrict, &r.Volatility,
		&r.ReturnsSet, &r.ReturnType, &r.RecordCount, &r.RecordNames,
		&r.RecordTypes, &r.Unnamed, &r.ParamCount, &r.ParamNames,
		&r.ParamTypes, &r.ArgumentDef, &r.HasVariadic, &r.Definition,
		&r.CustomTypeNames, &r.CustomTypeTypes, &r.CustomTypePositions,
		&r.CustomRecTypeNames, &r.CustomRecTypeTypes, &r.CompositeOutNames,
		&r.Reserved,
		&r.ArrayColumnIndices, &r.ArrayFieldNamesJSON, &r.ArrayFieldTypesJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("introspection row: %w", err)
	}
	return &r, nil
}

// makeRoutine turns one introspection row into the immutable routine
// descriptor, expanding composite result columns into sibling columns
// and attaching array-of-composite field metadata to column descriptors.
func makeRoutine(row *routineRow) (*Routine, error) {
	r := &Routine{
		Type:        routineTypeOf(row.Type),
		Schema:      row.Schema,
		Name:        row.Name,
		IsStrict:    row.IsStrict,
		HasVariadic: row.HasVariadic,
		ReturnsSet:  row.ReturnsSet,
	}
	if row.Comment != nil {
		r.Comment = *row.Comment
	}
	if len(row.Volatility) == 1 {
		switch row.Volatility[0] {
		case 'v', 's', 'i':
			r.Volatility = Volatility(row.Volatility[0])
		}
	}

	defaults := parseDefaults(row.ArgumentDef, row.ParamCount)
	r.Parameters = make([]Parameter, 0, row.ParamCount)
	for i := 0; i < row.ParamCount; i++ {
		name := ""
		typ := "text"
		if i < len(row.ParamNames) {
			name = row.ParamNames[i]
		}
		if i < len(row.ParamTypes) {
			typ = row.ParamTypes[i]
		}
		r.Parameters = append(r.Parameters, Parameter{
			Ordinal:        i,
			ActualName:     name,
			ConvertedName:  ConvertName(name),
			TypeDescriptor: pgdesc.NewWithDefault(typ, defaults[i]),
		})
	}

	switch {
	case row.ReturnType == "void":
		r.IsVoid = true

	case row.RecordCount > 0:
		r.ReturnsRecordType = true
		r.ReturnsUnnamedSet = row.ReturnsSet && row.Unnamed
		buildRecordColumns(r, row)

	default:
		// single scalar column named after the routine
		r.ColumnCount = 1
		r.OriginalColumnNames = []string{row.Name}
		r.ConvertedColumnNames = []string{ConvertName(row.Name)}
		r.ColumnTypes = []pgdesc.TypeDescriptor{pgdesc.New(row.ReturnType)}
	}

	attachArrayComposites(r, row)
	buildExpression(r)
	r.FullDefinition = row.Definition
	r.SimpleDefinition = simpleDefinition(row)

	if len(r.ConvertedColumnNames) != r.ColumnCount || len(r.OriginalColumnNames) != r.ColumnCount {
		return nil, fmt.Errorf("%s.%s: column name vectors diverge from column count", r.Schema, r.Name)
	}
	return r, nil
}

// buildRecordColumns expands composite-typed record columns into sibling
// columns and records the grouping for the streamer.
func buildRecordColumns(r *Routine, row *routineRow) {
	composites := compositeFieldsByPosition(row)

	for i := 0; i < row.RecordCount; i++ {
		name := ""
		typ := "text"
		if i < len(row.RecordNames) {
			name = row.RecordNames[i]
		}
		if i < len(row.RecordTypes) {
			typ = row.RecordTypes[i]
		}

		fields, isComposite := composites[i]
		if !isComposite || strings.HasSuffix(typ, "[]") {
			r.OriginalColumnNames = append(r.OriginalColumnNames, name)
			r.ConvertedColumnNames = append(r.ConvertedColumnNames, ConvertName(name))
			r.ColumnTypes = append(r.ColumnTypes, pgdesc.New(typ))
			continue
		}

		// composite column: expanded into one sibling column per field
		cc := &CompositeColumn{ConvertedName: ConvertName(name)}
		start := len(r.ColumnTypes)
		for _, f := range fields {
			cc.FieldNames = append(cc.FieldNames, ConvertName(f.name))
			d := pgdesc.New(f.typ)
			cc.FieldDescriptors = append(cc.FieldDescriptors, d)
			cc.ExpandedColumnIndices = append(cc.ExpandedColumnIndices, len(r.ColumnTypes))
			r.OriginalColumnNames = append(r.OriginalColumnNames, name+"."+f.name)
			r.ConvertedColumnNames = append(r.ConvertedColumnNames, ConvertName(f.name))
			r.ColumnTypes = append(r.ColumnTypes, d)
		}
		if r.CompositeColumns == nil {
			r.CompositeColumns = map[int]*CompositeColumn{}
		}
		r.CompositeColumns[start] = cc
	}
	r.ColumnCount = len(r.ColumnTypes)
}

type compositeField struct{ name, typ string }

func compositeFieldsByPosition(row *routineRow) map[int][]compositeField {
	out := map[int][]compositeField{}
	for i, pos := range row.CustomTypePositions {
		if i >= len(row.CustomTypeNames) || i >= len(row.CustomTypeTypes) {
			break
		}
		out[pos] = append(out[pos], compositeField{row.CustomTypeNames[i], row.CustomTypeTypes[i]})
	}
	return out
}

// attachArrayComposites resolves field metadata for array-of-composite
// columns. The columns stay unexpanded; the converter consumes the field
// descriptors at emit time.
func attachArrayComposites(r *Routine, row *routineRow) {
	if len(row.ArrayColumnIndices) == 0 || row.ArrayFieldNamesJSON == nil || row.ArrayFieldTypesJSON == nil {
		return
	}
	var names map[string][]string
	var types map[string][]string
	if err := json.Unmarshal([]byte(*row.ArrayFieldNamesJSON), &names); err != nil {
		return
	}
	if err := json.Unmarshal([]byte(*row.ArrayFieldTypesJSON), &types); err != nil {
		return
	}

	for _, idx := range row.ArrayColumnIndices {
		if idx < 0 || idx >= len(r.ColumnTypes) {
			continue
		}
		key := itoa(idx)
		fn, fts := names[key], types[key]
		if len(fn) == 0 || len(fn) != len(fts) {
			continue
		}
		d := &r.ColumnTypes[idx]
		d.IsArray = true
		d.FieldNames = nil
		d.FieldDescriptors = nil
		for i := range fn {
			d.FieldNames = append(d.FieldNames, ConvertName(fn[i]))
			d.FieldDescriptors = append(d.FieldDescriptors, pgdesc.New(fts[i]))
		}
		cc := &CompositeColumn{
			FieldNames:       d.FieldNames,
			FieldDescriptors: d.FieldDescriptors,
			ConvertedName:    r.ConvertedColumnNames[idx],
		}
		if r.CompositeArrayColumns == nil {
			r.CompositeArrayColumns = map[int]*CompositeColumn{}
		}
		r.CompositeArrayColumns[idx] = cc
	}
}

// buildExpression renders the invocation prefix. Functions and
// procedures end with an open paren; the executor appends named
// arguments and closes it.
func buildExpression(r *Routine) {
	var sb strings.Builder

	switch r.Type {
	case RoutineProcedure:
		sb.WriteString("call ")
		writeQualified(&sb, r.Schema, r.Name)
		sb.WriteByte('(')

	case RoutineTable, RoutineView:
		sb.WriteString("select ")
		writeColumnList(&sb, r)
		sb.WriteString(" from ")
		writeQualified(&sb, r.Schema, r.Name)

	default:
		sb.WriteString("select ")
		if r.IsVoid || r.ColumnCount == 0 {
			writeQualified(&sb, r.Schema, r.Name)
			sb.WriteByte('(')
			break
		}
		if r.ReturnsRecordType {
			writeColumnList(&sb, r)
			sb.WriteString(" from ")
			writeQualified(&sb, r.Schema, r.Name)
			sb.WriteByte('(')
		} else {
			writeQualified(&sb, r.Schema, r.Name)
			sb.WriteByte('(')
		}
	}
	r.Expression = sb.String()
}

func writeQualified(sb *strings.Builder, schema, name string) {
	sb.WriteByte('"')
	sb.WriteString(schema)
	sb.WriteString(`"."`)
	sb.WriteString(name)
	sb.WriteByte('"')
}

// writeColumnList writes the select list, addressing expanded composite
// fields as ("col")."field".
func writeColumnList(sb *strings.Builder, r *Routine) {
	for i := 0; i < r.ColumnCount; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		orig := r.OriginalColumnNames[i]
		if col, field, found := strings.Cut(orig, "."); found {
			sb.WriteString(`("`)
			sb.WriteString(col)
			sb.WriteString(`")."`)
			sb.WriteString(field)
			sb.WriteByte('"')
		} else {
			sb.WriteByte('"')
			sb.WriteString(orig)
			sb.WriteByte('"')
		}
		if r.ColumnTypes[i].Category.Has(pgdesc.CastToText) && !r.ColumnTypes[i].IsComposite() {
			sb.WriteString("::text")
		}
	}
}

// parseDefaults marks which parameters carry a database-side default by
// walking the argument definition at the top nesting level.
func parseDefaults(argDef string, count int) []bool {
	out := make([]bool, count)
	if argDef == "" {
		return out
	}
	depth := 0
	start := 0
	idx := 0
	mark := func(s string) {
		if idx < count {
			out[idx] = strings.Contains(strings.ToUpper(s), " DEFAULT ")
			idx++
		}
	}
	for i := 0; i < len(argDef); i++ {
		switch argDef[i] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ',':
			if depth == 0 {
				mark(argDef[start:i])
				start = i + 1
			}
		}
	}
	mark(argDef[start:])
	return out
}

// simpleDefinition is the one-line signature used in endpoint listings.
func simpleDefinition(row *routineRow) string {
	var sb strings.Builder
	sb.WriteString(row.Type)
	sb.WriteByte(' ')
	sb.WriteString(row.Schema)
	sb.WriteByte('.')
	sb.WriteString(row.Name)
	sb.WriteByte('(')
	sb.WriteString(row.ArgumentDef)
	sb.WriteByte(')')
	if row.ReturnType != "" {
		sb.WriteString(" returns ")
		if row.ReturnsSet {
			sb.WriteString("setof ")
		}
		sb.WriteString(row.ReturnType)
	}
	return sb.String()
}
