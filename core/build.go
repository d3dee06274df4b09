package core

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// Build runs the introspection query and derives the endpoint table. The
// returned table is immutable; a configuration change requires a rebuild.
func Build(ctx context.Context, db DB, conf Config) (*MetadataTable, error) {
	conf = conf.withDefaults()

	if conf.MetadataQuery == "" {
		for _, ddl := range introspectBootstrapDDL {
			if _, err := db.Exec(ctx, ddl); err != nil {
				return nil, fmt.Errorf("introspection bootstrap: %w", err)
			}
		}
	}

	query, args := metadataQuery(conf)
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("introspection query: %w", err)
	}
	defer rows.Close()

	t := &MetadataTable{
		Lookup:    map[string]*Entry{},
		Overloads: map[string]*Entry{},
	}

	for rows.Next() {
		row, err := scanRoutineRow(rows)
		if err != nil {
			return nil, err
		}
		r, err := makeRoutine(row)
		if err != nil {
			conf.Logger.Warnw("skipping routine", "routine", row.Schema+"."+row.Name, "error", err)
			continue
		}

		e := defaultEndpoint(r, conf)
		if err := applyAnnotations(r.Comment, e); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", r.Schema, r.Name, err)
		}
		finishEndpoint(r, e, conf)

		if err := checkEndpoint(r, e); err != nil {
			return nil, err
		}
		if e.Disabled {
			continue
		}

		keep := true
		for _, h := range conf.EndpointHandlers {
			if !h(r, e) {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}

		t.add(&Entry{Routine: r, Endpoint: e})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspection rows: %w", err)
	}

	conf.Logger.Infow("metadata build complete", "endpoints", len(t.Entries))
	return t, nil
}

// metadataQuery resolves the configured introspection contract. Text with
// no whitespace names a function, invoked with the ten filter parameters.
func metadataQuery(conf Config) (string, []any) {
	q := conf.MetadataQuery
	if q == "" {
		q = defaultMetadataQuery
	} else if !strings.ContainsFunc(q, unicode.IsSpace) {
		q = "select * from " + q + "($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"
	}
	return q, []any{
		nullableText(conf.SchemaSimilarTo),
		nullableText(conf.SchemaNotSimilarTo),
		nullableList(conf.IncludeSchemas),
		nullableList(conf.ExcludeSchemas),
		nullableText(conf.NameSimilarTo),
		nullableText(conf.NameNotSimilarTo),
		nullableList(conf.IncludeNames),
		nullableList(conf.ExcludeNames),
		nullableList(conf.IncludeLanguages),
		nullableList(conf.ExcludeLanguages),
	}
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableList(l []string) any {
	if len(l) == 0 {
		return nil
	}
	return l
}

// defaultEndpoint derives the pre-annotation endpoint for one routine.
func defaultEndpoint(r *Routine, conf Config) *RoutineEndpoint {
	e := &RoutineEndpoint{
		Method:                   defaultMethod(r),
		Path:                     defaultPath(r, conf.URLPathPrefix),
		BufferRows:               conf.BufferRows,
		CommandTimeout:           conf.CommandTimeout,
		Retry:                    conf.CommandRetry,
		ErrorCodePolicy:          conf.ErrorCodePolicy,
		RequestHeaders:           conf.RequestHeadersMode,
		RequestHeadersParamName:  conf.RequestHeadersParamName,
		QueryStringNullHandling:  conf.QueryStringNullHandling,
		TextResponseNullHandling: conf.TextResponseNullHandling,
	}
	if e.Method == "GET" || e.Method == "DELETE" {
		e.RequestParamType = ParamQueryString
	} else {
		e.RequestParamType = ParamBodyJson
	}
	classifyParameters(r, conf)
	return e
}

// defaultMethod derives the verb from the routine name prefix, then from
// volatility: non-volatile reads map to GET, everything else to POST.
func defaultMethod(r *Routine) string {
	n := strings.ToLower(r.Name)
	switch {
	case hasAnyPrefix(n, "get_", "select_", "read_", "find_", "list_"):
		return "GET"
	case hasAnyPrefix(n, "post_", "insert_", "create_", "add_"):
		return "POST"
	case hasAnyPrefix(n, "put_", "upsert_"):
		return "PUT"
	case hasAnyPrefix(n, "patch_", "update_"):
		return "PATCH"
	case hasAnyPrefix(n, "delete_", "remove_", "drop_"):
		return "DELETE"
	}
	switch r.Volatility {
	case VolatilityStable, VolatilityImmutable:
		return "GET"
	default:
		return "POST"
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// defaultPath is prefix + [schema/] + name, each segment converted.
// The public schema stays out of the path.
func defaultPath(r *Routine, prefix string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	if !strings.HasSuffix(prefix, "/") {
		sb.WriteByte('/')
	}
	if r.Schema != "public" {
		sb.WriteString(PathSegment(r.Schema))
		sb.WriteByte('/')
	}
	sb.WriteString(PathSegment(r.Name))
	return sb.String()
}

// classifyParameters tags user-parameter and hash-of parameters from
// naming conventions and the configured claim map.
func classifyParameters(r *Routine, conf Config) {
	for i := range r.Parameters {
		p := &r.Parameters[i]
		switch p.ConvertedName {
		case "ipAddress", "clientIp":
			p.IsIPAddress = true
		case "userClaims":
			p.IsUserClaims = true
		case "uploadMetadata":
			p.IsUploadMetadata = true
		}
		if claim, ok := conf.Auth.ClaimMap[p.ConvertedName]; ok {
			p.UserClaim = claim
		}
		if strings.HasPrefix(p.ActualName, "_hash_of_") {
			p.HashOf = ConvertName(strings.TrimPrefix(p.ActualName, "_hash_of_"))
		} else if strings.HasPrefix(p.ActualName, "hash_of_") {
			p.HashOf = ConvertName(strings.TrimPrefix(p.ActualName, "hash_of_"))
		}
	}
}

// finishEndpoint applies the post-annotation adjustments that depend on
// annotation outcomes.
func finishEndpoint(r *Routine, e *RoutineEndpoint, conf Config) {
	// uploads are multipart posts; parameters move to the query string
	if e.Upload {
		e.Method = "POST"
		e.RequestParamType = ParamQueryString
		if len(e.UploadHandlers) == 0 && conf.Upload.DefaultHandler != "" {
			e.UploadHandlers = []string{conf.Upload.DefaultHandler}
		}
	}

	// a whole-body parameter leaves no JSON body for the rest
	if e.BodyParameterName != "" {
		e.RequestParamType = ParamQueryString
	}

	if e.InfoEvents && e.InfoPath == "" {
		e.InfoPath = e.Path + defaultInfoPath
	}

	// annotated paths may omit the prefix
	if !strings.HasPrefix(e.Path, conf.URLPathPrefix) && !strings.HasPrefix(e.Path, "/") {
		e.Path = conf.URLPathPrefix + e.Path
	}

	// {name} path segments become path-bound parameters; the pattern is
	// handed to the router as-is
	e.PathParameters = e.PathParameters[:0]
	rest := e.Path
	for {
		i := strings.IndexByte(rest, '{')
		if i == -1 {
			break
		}
		j := strings.IndexByte(rest[i:], '}')
		if j == -1 {
			break
		}
		e.PathParameters = append(e.PathParameters, ConvertName(rest[i+1:i+j]))
		rest = rest[i+j+1:]
	}

	if e.Login || e.Logout {
		e.SecuritySensitive = true
	}
}

// checkEndpoint enforces the structural invariants the table relies on.
func checkEndpoint(r *Routine, e *RoutineEndpoint) error {
	if e.Path == "" || e.Path == "/" {
		return fmt.Errorf("%s.%s: endpoint path is empty", r.Schema, r.Name)
	}
	if len(e.Path) > maxPathLength {
		return fmt.Errorf("%s.%s: endpoint path exceeds %d characters", r.Schema, r.Name, maxPathLength)
	}
	if e.Login && (r.IsVoid || r.ReturnsUnnamedSet) {
		return fmt.Errorf("%s.%s: login endpoints must return named columns", r.Schema, r.Name)
	}
	if e.Raw && e.InfoEvents {
		return fmt.Errorf("%s.%s: raw and info-events are mutually exclusive", r.Schema, r.Name)
	}
	if e.Raw && e.Cached {
		return fmt.Errorf("%s.%s: raw endpoints cannot be cached", r.Schema, r.Name)
	}
	return nil
}
