// Package pgjson converts PostgreSQL text-format values into JSON
// fragments. All functions are pure; they take the wire text as produced
// by the server and the type descriptors resolved at metadata time.
//
// Escape layers, innermost to outermost:
//
//	tuple:  "" is a literal quote, \\ is a literal backslash
//	array:  \" is a literal quote, \\ is a literal backslash (quoted elements)
//	client: standard JSON string escaping
//
// Arrays of composites stack the array layer on top of the tuple layer, so
// the converter unescapes the array quoting into a scratch buffer first and
// only then parses the tuple.
package pgjson

import (
	"strings"

	"github.com/dbfold/pgmux/core/internal/pgdesc"
)

const nullToken = "NULL"

// EscapeString appends s as a JSON string literal, quotes included.
func EscapeString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		default:
			if r < 0x20 {
				const hex = "0123456789abcdef"
				sb.WriteString(`\u00`)
				sb.WriteByte(hex[byte(r)>>4])
				sb.WriteByte(hex[byte(r)&0xf])
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
}

// QuoteText doubles every internal quote in s and surrounds it with
// quotes, producing PostgreSQL-style quoting. Applying it twice adds a
// further layer on top of the original escapes.
func QuoteText(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			sb.WriteString(`""`)
		} else {
			sb.WriteByte(s[i])
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

// QuoteDateTime replaces spaces with T and surrounds the value with
// quotes, turning PostgreSQL timestamp text into a JSON-friendly form.
func QuoteDateTime(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			sb.WriteByte('T')
		} else {
			sb.WriteByte(s[i])
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

// writeScalar emits one scalar wire-text value according to its category.
func writeScalar(sb *strings.Builder, value string, cat pgdesc.Category) {
	switch {
	case cat.Has(pgdesc.Boolean):
		switch value {
		case "t", "true":
			sb.WriteString("true")
		case "f", "false":
			sb.WriteString("false")
		default:
			sb.WriteString("null")
		}
	case cat.Has(pgdesc.Numeric):
		if value == "" {
			sb.WriteString("null")
		} else {
			sb.WriteString(value)
		}
	case cat.Has(pgdesc.Json):
		if value == "" {
			sb.WriteString("null")
		} else {
			sb.WriteString(value)
		}
	case cat.Has(pgdesc.DateTime) || cat.Has(pgdesc.Date) || cat.Has(pgdesc.Time):
		sb.WriteString(QuoteDateTime(value))
	default:
		EscapeString(sb, value)
	}
}

// Scalar converts one non-array wire-text value into a JSON fragment.
func Scalar(value string, d pgdesc.TypeDescriptor) string {
	var sb strings.Builder
	writeScalar(&sb, value, d.Category)
	return sb.String()
}

// Array converts a PostgreSQL array literal {e1,e2,...} into a JSON
// array. Multidimensional arrays recurse with matching bracket nesting.
// The literal token NULL outside quotes becomes JSON null.
func Array(s string, d pgdesc.TypeDescriptor) string {
	var sb strings.Builder
	sb.Grow(len(s) + 16)
	writeArray(&sb, s, d.Category)
	return sb.String()
}

func writeArray(sb *strings.Builder, s string, cat pgdesc.Category) {
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		// Not an array literal; degrade to a plain scalar.
		writeScalar(sb, s, cat)
		return
	}

	sb.WriteByte('[')
	body := s[1 : len(s)-1]
	first := true

	for i := 0; i < len(body); {
		if !first {
			// skip the separator
			if body[i] == ',' {
				i++
			}
		}
		if i >= len(body) {
			break
		}
		if !first {
			sb.WriteByte(',')
		}
		first = false

		switch body[i] {
		case '{':
			end := matchBrace(body, i)
			writeArray(sb, body[i:end+1], cat)
			i = end + 1

		case '"':
			elem, next := readArrayQuoted(body, i)
			writeScalar(sb, elem, cat)
			i = next

		default:
			j := i
			for j < len(body) && body[j] != ',' {
				j++
			}
			token := body[i:j]
			if token == nullToken {
				sb.WriteString("null")
			} else {
				writeScalar(sb, token, cat)
			}
			i = j
		}
	}
	sb.WriteByte(']')
}

// matchBrace returns the index of the brace closing body[start], honoring
// quoted elements and their backslash escapes.
func matchBrace(body string, start int) int {
	depth := 0
	quoted := false
	for i := start; i < len(body); i++ {
		c := body[i]
		if quoted {
			if c == '\\' {
				i++
			} else if c == '"' {
				quoted = false
			}
			continue
		}
		switch c {
		case '"':
			quoted = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(body) - 1
}

// readArrayQuoted reads a quoted array element starting at body[start]=='"',
// resolving the array-level \" and \\ escapes. It returns the unescaped
// element and the index just past the closing quote.
func readArrayQuoted(body string, start int) (string, int) {
	var sb strings.Builder
	i := start + 1
	for i < len(body) {
		c := body[i]
		if c == '\\' && i+1 < len(body) {
			sb.WriteByte(body[i+1])
			i += 2
			continue
		}
		if c == '"' {
			return sb.String(), i + 1
		}
		sb.WriteByte(c)
		i++
	}
	return sb.String(), i
}

// Tuple converts a record of unknown shape (a,b,c) into a JSON array of
// strings. Empty fields become null. Inside quoted fields a doubled quote
// is a literal quote and a doubled backslash a literal backslash.
func Tuple(s string) string {
	fields, ok := SplitTuple(s)
	if !ok {
		var sb strings.Builder
		EscapeString(&sb, s)
		return sb.String()
	}

	var sb strings.Builder
	sb.Grow(len(s) + 16)
	sb.WriteByte('[')
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		if f == nil {
			sb.WriteString("null")
		} else {
			EscapeString(&sb, *f)
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

// SplitTuple parses tuple text (f1,f2,...) into its fields with the
// tuple-level escapes resolved. A nil entry is a NULL field (empty and
// unquoted). ok is false when s is not tuple-shaped.
func SplitTuple(s string) (fields []*string, ok bool) {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil, false
	}
	body := s[1 : len(s)-1]

	var cur strings.Builder
	quoted := false
	wasQuoted := false

	flush := func() {
		v := cur.String()
		if v == "" && !wasQuoted {
			fields = append(fields, nil)
		} else {
			fields = append(fields, &v)
		}
		cur.Reset()
		wasQuoted = false
	}

	for i := 0; i < len(body); i++ {
		c := body[i]
		if quoted {
			switch c {
			case '"':
				if i+1 < len(body) && body[i+1] == '"' {
					cur.WriteByte('"')
					i++
				} else {
					quoted = false
				}
			case '\\':
				if i+1 < len(body) && body[i+1] == '\\' {
					cur.WriteByte('\\')
					i++
				} else {
					cur.WriteByte('\\')
				}
			default:
				cur.WriteByte(c)
			}
			continue
		}
		switch c {
		case '"':
			quoted = true
			wasQuoted = true
		case ',':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return fields, true
}

// CompositeObject converts tuple text into a JSON object using the
// resolved field names and descriptors. Shapes that do not parse as a
// tuple degrade to an escaped string.
func CompositeObject(s string, names []string, fields []pgdesc.TypeDescriptor) string {
	var sb strings.Builder
	writeCompositeObject(&sb, s, names, fields)
	return sb.String()
}

func writeCompositeObject(sb *strings.Builder, s string, names []string, fields []pgdesc.TypeDescriptor) {
	parts, ok := SplitTuple(s)
	if !ok || len(parts) != len(names) {
		EscapeString(sb, s)
		return
	}

	sb.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			sb.WriteByte(',')
		}
		EscapeString(sb, name)
		sb.WriteByte(':')
		writeCompositeField(sb, parts[i], fields[i])
	}
	sb.WriteByte('}')
}

func writeCompositeField(sb *strings.Builder, part *string, d pgdesc.TypeDescriptor) {
	if part == nil {
		sb.WriteString("null")
		return
	}
	v := *part
	switch {
	case d.IsCompositeArray():
		sb.WriteString(CompositeArray(v, d.FieldNames, d.FieldDescriptors))
	case d.IsComposite():
		writeCompositeObject(sb, v, d.FieldNames, d.FieldDescriptors)
	case d.IsArray:
		writeArray(sb, v, d.Category)
	default:
		writeScalar(sb, v, d.Category)
	}
}

// CompositeArray converts an array of composites, e.g.
// {"(f1,f2)","(f1,f2)"}, into a JSON array of objects. The outer array
// quoting (\" and \\) is unescaped into a scratch buffer first; the
// resulting tuple text is then parsed with tuple-level escaping.
func CompositeArray(s string, names []string, fields []pgdesc.TypeDescriptor) string {
	var sb strings.Builder
	sb.Grow(len(s) + 16)

	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		EscapeString(&sb, s)
		return sb.String()
	}

	sb.WriteByte('[')
	body := s[1 : len(s)-1]
	first := true

	for i := 0; i < len(body); {
		if !first && body[i] == ',' {
			i++
		}
		if i >= len(body) {
			break
		}
		if !first {
			sb.WriteByte(',')
		}
		first = false

		switch body[i] {
		case '"':
			elem, next := readArrayQuoted(body, i)
			writeCompositeObject(&sb, elem, names, fields)
			i = next
		case '(':
			// Unquoted tuple element; no array-layer escapes to strip.
			end := matchParen(body, i)
			writeCompositeObject(&sb, body[i:end+1], names, fields)
			i = end + 1
		default:
			j := i
			for j < len(body) && body[j] != ',' {
				j++
			}
			if body[i:j] == nullToken {
				sb.WriteString("null")
			} else {
				EscapeString(&sb, body[i:j])
			}
			i = j
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

// matchParen returns the index of the paren closing body[start], honoring
// tuple quoting.
func matchParen(body string, start int) int {
	depth := 0
	quoted := false
	for i := start; i < len(body); i++ {
		c := body[i]
		if quoted {
			if c == '"' {
				quoted = false
			}
			continue
		}
		switch c {
		case '"':
			quoted = true
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(body) - 1
}
