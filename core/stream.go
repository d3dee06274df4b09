package core

import (
	"io"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/dbfold/pgmux/core/internal/pgdesc"
	"github.com/dbfold/pgmux/core/internal/pgjson"
)

const (
	contentTypeJSON = "application/json"
	contentTypeText = "text/plain; charset=utf-8"
)

// applyResponseHeaders sets annotation-declared response headers.
func applyResponseHeaders(h http.Header, e *RoutineEndpoint) {
	for k, v := range e.ResponseHeaders {
		h.Set(k, v)
	}
}

func endpointContentType(e *RoutineEndpoint, fallback string) string {
	if e.ResponseContentType != "" {
		return e.ResponseContentType
	}
	return fallback
}

// respondRows renders the query result according to the routine shape:
// void drains to 204, raw mode streams wire text, scalars reply as plain
// text, records as a JSON object and sets as a JSON array.
func (g *Gateway) respondRows(w http.ResponseWriter, entry *Entry, rows pgx.Rows) error {
	r := entry.Routine
	e := entry.Endpoint
	applyResponseHeaders(w.Header(), e)

	switch {
	case r.IsVoid:
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil

	case e.Raw:
		return g.respondRaw(w, entry, rows)

	case !r.ReturnsSet && !r.ReturnsRecordType:
		return g.respondScalar(w, entry, rows)

	case !r.ReturnsSet:
		return g.respondRecord(w, entry, rows)

	default:
		return g.respondSet(w, entry, rows)
	}
}

// respondScalar replies with the single value as raw text. Null scalars
// follow the endpoint's text null handling; no row at all is 204.
func (g *Gateway) respondScalar(w http.ResponseWriter, entry *Entry, rows pgx.Rows) error {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	raw := rows.RawValues()[0]
	isNull := raw == nil
	val := append([]byte(nil), raw...)
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	d := entry.Routine.ColumnTypes[0]
	fallback := contentTypeText
	if d.Category.Has(pgdesc.Json) {
		fallback = contentTypeJSON
	}

	if isNull {
		switch entry.Endpoint.TextResponseNullHandling {
		case NullAsLiteral:
			w.Header().Set("Content-Type", endpointContentType(entry.Endpoint, fallback))
			_, err := io.WriteString(w, "null")
			return err
		case NullNoContent:
			w.WriteHeader(http.StatusNoContent)
			return nil
		default:
			w.Header().Set("Content-Type", endpointContentType(entry.Endpoint, fallback))
			w.WriteHeader(http.StatusOK)
			return nil
		}
	}

	w.Header().Set("Content-Type", endpointContentType(entry.Endpoint, fallback))
	_, err := w.Write(val)
	return err
}

// respondRecord replies with one JSON object, or 204 when the routine
// produced no row.
func (g *Gateway) respondRecord(w http.ResponseWriter, entry *Entry, rows pgx.Rows) error {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	vals := rows.RawValues()

	sb := g.pool.get()
	defer g.pool.put(sb)
	g.writeRowObject(sb, entry.Routine, vals)

	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	w.Header().Set("Content-Type", endpointContentType(entry.Endpoint, contentTypeJSON))
	_, err := io.WriteString(w, sb.String())
	return err
}

// respondSet streams the row set as a JSON array, flushing every
// BufferRows rows.
func (g *Gateway) respondSet(w http.ResponseWriter, entry *Entry, rows pgx.Rows) error {
	defer rows.Close()
	r := entry.Routine
	e := entry.Endpoint

	w.Header().Set("Content-Type", endpointContentType(e, contentTypeJSON))

	flusher, _ := w.(http.Flusher)
	sb := g.pool.get()
	defer g.pool.put(sb)
	sb.WriteByte('[')

	buffered := 0
	total := 0
	first := true
	for rows.Next() {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		g.writeSetRow(sb, r, rows.RawValues())

		buffered++
		total++
		if e.BufferRows > 0 && buffered >= e.BufferRows {
			if _, err := io.WriteString(w, sb.String()); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			sb.Reset()
			buffered = 0
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	sb.WriteByte(']')
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}
	if c, ok := w.(rowCounter); ok {
		c.countRows(total)
	}
	return nil
}

// writeSetRow renders one row of a set: unnamed records as a value array,
// single-column scalar sets as bare values, named records as objects.
func (g *Gateway) writeSetRow(sb *strings.Builder, r *Routine, vals [][]byte) {
	switch {
	case r.ReturnsUnnamedSet:
		if vals[0] == nil {
			sb.WriteString("null")
		} else {
			sb.WriteString(pgjson.Tuple(string(vals[0])))
		}
	case !r.ReturnsRecordType:
		writeValue(sb, vals[0], r.ColumnTypes[0])
	default:
		g.writeRowObject(sb, r, vals)
	}
}

// writeRowObject renders one row as a JSON object, re-grouping expanded
// composite columns back into nested objects. A composite whose expanded
// fields are all NULL renders as null.
func (g *Gateway) writeRowObject(sb *strings.Builder, r *Routine, vals [][]byte) {
	sb.WriteByte('{')
	first := true
	for i := 0; i < r.ColumnCount; {
		if cc, ok := r.CompositeColumns[i]; ok {
			if !first {
				sb.WriteByte(',')
			}
			first = false
			pgjson.EscapeString(sb, cc.ConvertedName)
			sb.WriteByte(':')
			writeCompositeGroup(sb, cc, vals)
			i += len(cc.ExpandedColumnIndices)
			continue
		}

		if !first {
			sb.WriteByte(',')
		}
		first = false
		pgjson.EscapeString(sb, r.ConvertedColumnNames[i])
		sb.WriteByte(':')
		writeValue(sb, vals[i], r.ColumnTypes[i])
		i++
	}
	sb.WriteByte('}')
}

// writeCompositeGroup re-assembles one expanded composite column.
func writeCompositeGroup(sb *strings.Builder, cc *CompositeColumn, vals [][]byte) {
	allNull := true
	for _, idx := range cc.ExpandedColumnIndices {
		if vals[idx] != nil {
			allNull = false
			break
		}
	}
	if allNull {
		sb.WriteString("null")
		return
	}

	sb.WriteByte('{')
	for j, idx := range cc.ExpandedColumnIndices {
		if j > 0 {
			sb.WriteByte(',')
		}
		pgjson.EscapeString(sb, cc.FieldNames[j])
		sb.WriteByte(':')
		writeValue(sb, vals[idx], cc.FieldDescriptors[j])
	}
	sb.WriteByte('}')
}

// writeValue renders one wire-text value by its descriptor.
func writeValue(sb *strings.Builder, val []byte, d pgdesc.TypeDescriptor) {
	if val == nil {
		sb.WriteString("null")
		return
	}
	s := string(val)
	switch {
	case d.IsCompositeArray():
		sb.WriteString(pgjson.CompositeArray(s, d.FieldNames, d.FieldDescriptors))
	case d.IsComposite():
		sb.WriteString(pgjson.CompositeObject(s, d.FieldNames, d.FieldDescriptors))
	case d.IsArray:
		sb.WriteString(pgjson.Array(s, d))
	default:
		sb.WriteString(pgjson.Scalar(s, d))
	}
}

// respondRaw streams wire text joined by the endpoint separators, with an
// optional leading column-name row. Null values render empty.
func (g *Gateway) respondRaw(w http.ResponseWriter, entry *Entry, rows pgx.Rows) error {
	defer rows.Close()
	r := entry.Routine
	e := entry.Endpoint

	sep := e.RawValueSeparator
	if sep == "" {
		sep = ","
	}
	nl := e.RawNewLineSeparator
	if nl == "" {
		nl = "\n"
	}

	w.Header().Set("Content-Type", endpointContentType(e, contentTypeText))

	flusher, _ := w.(http.Flusher)
	sb := g.pool.get()
	defer g.pool.put(sb)

	if e.RawColumnNames {
		for i, name := range r.ConvertedColumnNames {
			if i > 0 {
				sb.WriteString(sep)
			}
			sb.WriteString(rawQuote(name, sep, nl))
		}
		sb.WriteString(nl)
	}

	buffered := 0
	for rows.Next() {
		for i, val := range rows.RawValues() {
			if i > 0 {
				sb.WriteString(sep)
			}
			if val != nil {
				sb.WriteString(rawQuote(string(val), sep, nl))
			}
		}
		sb.WriteString(nl)

		buffered++
		if e.BufferRows > 0 && buffered >= e.BufferRows {
			if _, err := io.WriteString(w, sb.String()); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			sb.Reset()
			buffered = 0
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// rawQuote quotes a raw value only when it contains a separator, keeping
// simple values untouched.
func rawQuote(s, sep, nl string) string {
	if strings.Contains(s, sep) || strings.Contains(s, nl) || strings.Contains(s, `"`) {
		return pgjson.QuoteText(s)
	}
	return s
}
