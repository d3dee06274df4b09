package core

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dbfold/pgmux/core/internal/pgdesc"
)

// requestInput is everything the binder may draw from for one request.
type requestInput struct {
	Query      url.Values
	PathValues map[string]string
	Body       []byte
	BodyJSON   map[string]json.RawMessage
	Headers    http.Header
	ClientIP   string
	User       *AuthUser
}

// bindResult is the fully bound parameter vector plus what the executor
// needs to continue.
type bindResult struct {
	entry  *Entry
	params []Parameter
	// uploadMetaIndex is the parameter awaiting upload metadata, -1 if none.
	uploadMetaIndex int
	// hasNull is true when any bound value is NULL; strict routines reply
	// 204 without touching the database.
	hasNull bool
}

// primaryKeys returns the key set of the primary parameter source.
func primaryKeys(e *RoutineEndpoint, in *requestInput) map[string]struct{} {
	keys := map[string]struct{}{}
	if e.RequestParamType == ParamBodyJson {
		for k := range in.BodyJSON {
			keys[k] = struct{}{}
		}
	} else {
		for k := range in.Query {
			keys[k] = struct{}{}
		}
	}
	return keys
}

// bindParams resolves every routine parameter for one request, or fails
// with a BindingError which the executor maps to 404. Overloads are
// dispatched first, by primary-source key count.
func (g *Gateway) bindParams(entry *Entry, in *requestInput, passthrough bool) (*bindResult, error) {
	keys := primaryKeys(entry.Endpoint, in)

	if len(keys) != entry.Routine.ParamCount() {
		if o, ok := g.table.Overload(entry.Endpoint.Method, entry.Endpoint.Path, len(keys)); ok {
			entry = o
		}
	}

	res := &bindResult{
		entry:           entry,
		params:          cloneParameters(entry.Routine.Parameters),
		uploadMetaIndex: -1,
	}
	e := entry.Endpoint

	for i := range res.params {
		p := &res.params[i]

		if err := g.bindOne(e, in, p, res, i); err != nil {
			return nil, err
		}
		if p.Bound {
			delete(keys, p.ConvertedName)
			if p.Value == nil {
				res.hasNull = true
			}
		}
	}

	// any leftover primary-source key is an unknown parameter
	if !passthrough && len(keys) > 0 {
		for k := range keys {
			return nil, &BindingError{Parameter: k, Extra: true}
		}
	}
	return res, nil
}

func (g *Gateway) bindOne(e *RoutineEndpoint, in *requestInput, p *Parameter, res *bindResult, idx int) error {
	// 1. hash-of: hash the raw value of the referenced parameter
	if p.HashOf != "" {
		raw, ok := primaryValue(e, in, p.HashOf)
		if ok {
			h, err := g.conf.Auth.Hasher.Hash(raw)
			if err != nil {
				return err
			}
			p.Value = h
			p.OriginalStringValue = raw
		} else {
			p.Value = nil
		}
		p.Bound = true
		return nil
	}

	// 2. user-parameter injection
	if e.UseUserParameters {
		if p.IsIPAddress {
			p.Value = in.ClientIP
			p.OriginalStringValue = in.ClientIP
			p.Bound = true
			return nil
		}
		if p.UserClaim != "" {
			if in.User != nil && in.User.Authenticated {
				if v, ok := in.User.Claims.Get(p.UserClaim); ok {
					p.Value = v
					p.OriginalStringValue = v
				} else {
					p.Value = nil
				}
				p.Bound = true
				return nil
			}
		}
		if p.IsUserClaims {
			if in.User != nil && in.User.Authenticated {
				j := in.User.Claims.JSON()
				p.Value = j
				p.OriginalStringValue = j
				p.Bound = true
				return nil
			}
		}
	}

	// 3. upload metadata is back-filled after the upload handler runs
	if p.IsUploadMetadata {
		res.uploadMetaIndex = idx
		p.Value = nil
		p.Bound = true
		return nil
	}

	// 4. whole-body parameter
	if e.BodyParameterName != "" && p.ConvertedName == e.BodyParameterName {
		if len(in.Body) > 0 {
			body := string(in.Body)
			p.Value = body
			p.OriginalStringValue = body
		} else {
			p.Value = nil
		}
		p.ParamKind = ParamBody
		p.Bound = true
		return nil
	}

	// 5. header parameter, unless the primary source shadows it
	if e.RequestHeaders == HeadersParameter && p.ConvertedName == g.conf.RequestHeadersParamName {
		if _, shadowed := primaryValue(e, in, p.ConvertedName); !shadowed {
			j := headersJSON(in.Headers)
			p.Value = j
			p.OriginalStringValue = j
			p.ParamKind = ParamHeader
			p.Bound = true
			return nil
		}
	}

	// 6. path parameter
	for _, name := range e.PathParameters {
		if name != p.ConvertedName {
			continue
		}
		if v, ok := in.PathValues[name]; ok {
			val, err := parseStringValue(v, p.TypeDescriptor, NullIgnored)
			if err != nil {
				return &BindingError{Parameter: p.ConvertedName}
			}
			p.Value = val
			p.OriginalStringValue = v
			p.ParamKind = ParamPath
			p.Bound = true
			return nil
		}
	}

	// 7. primary source
	if e.RequestParamType == ParamBodyJson {
		if raw, ok := in.BodyJSON[p.ConvertedName]; ok {
			val, err := parseJSONValue(raw, p.TypeDescriptor)
			if err != nil {
				return &BindingError{Parameter: p.ConvertedName}
			}
			p.Value = val
			p.OriginalStringValue = string(raw)
			p.ParamKind = ParamBodyJson
			p.Bound = true
			return nil
		}
	} else {
		if vs, ok := in.Query[p.ConvertedName]; ok {
			if p.TypeDescriptor.IsArray || len(vs) > 1 {
				arr := make([]any, 0, len(vs))
				for _, v := range vs {
					av, err := parseStringValue(v, p.TypeDescriptor, e.QueryStringNullHandling)
					if err != nil {
						return &BindingError{Parameter: p.ConvertedName}
					}
					arr = append(arr, av)
				}
				p.Value = arr
				p.OriginalStringValue = strings.Join(vs, ",")
			} else {
				val, err := parseStringValue(vs[0], p.TypeDescriptor, e.QueryStringNullHandling)
				if err != nil {
					return &BindingError{Parameter: p.ConvertedName}
				}
				p.Value = val
				p.OriginalStringValue = vs[0]
			}
			p.ParamKind = ParamQueryString
			p.Bound = true
			return nil
		}
	}

	// 8. defaults stay unbound and are omitted from the invocation;
	// proxy-response parameters bind NULL and are filled after the call
	if p.TypeDescriptor.HasDefault {
		return nil
	}
	if e.IsProxy && g.isProxyResponseParam(p.ConvertedName) {
		p.Value = nil
		p.Bound = true
		return nil
	}
	return &BindingError{Parameter: p.ConvertedName}
}

// primaryValue reads one raw value from the primary source.
func primaryValue(e *RoutineEndpoint, in *requestInput, name string) (string, bool) {
	if e.RequestParamType == ParamBodyJson {
		raw, ok := in.BodyJSON[name]
		if !ok {
			return "", false
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, true
		}
		return string(raw), true
	}
	if vs, ok := in.Query[name]; ok && len(vs) > 0 {
		return vs[0], true
	}
	return "", false
}

func (g *Gateway) isProxyResponseParam(name string) bool {
	p := &g.conf.Proxy
	switch name {
	case p.ResponseStatusCodeParameter, p.ResponseBodyParameter,
		p.ResponseHeadersParameter, p.ResponseContentTypeParameter,
		p.ResponseSuccessParameter, p.ResponseErrorMessageParameter:
		return name != ""
	}
	return false
}

// parseStringValue parses one query-string or path value according to
// the parameter type.
func parseStringValue(s string, d pgdesc.TypeDescriptor, nh NullHandling) (any, error) {
	switch nh {
	case NullAsEmptyString:
		if s == "" {
			return nil, nil
		}
	case NullAsLiteral:
		if s == "null" {
			return nil, nil
		}
	}

	switch {
	case d.Category.Has(pgdesc.Numeric):
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return nil, err
		}
		return s, nil
	case d.Category.Has(pgdesc.Boolean):
		switch strings.ToLower(s) {
		case "true", "t", "1", "yes", "on":
			return true, nil
		case "false", "f", "0", "no", "off":
			return false, nil
		}
		return nil, strconv.ErrSyntax
	default:
		return s, nil
	}
}

// parseJSONValue parses one JSON body value according to the parameter
// type. JSON-category parameters pass through as raw JSON text.
func parseJSONValue(raw json.RawMessage, d pgdesc.TypeDescriptor) (any, error) {
	t := strings.TrimSpace(string(raw))
	if t == "null" {
		return nil, nil
	}

	if d.Category.Has(pgdesc.Json) {
		return string(raw), nil
	}

	if d.IsArray && strings.HasPrefix(t, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		arr := make([]any, 0, len(items))
		elem := d
		elem.IsArray = false
		for _, it := range items {
			v, err := parseJSONValue(it, elem)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	}

	switch {
	case d.Category.Has(pgdesc.Numeric):
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n.String(), nil
	case d.Category.Has(pgdesc.Boolean):
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			// non-string JSON bound to a text parameter keeps its raw form
			return string(raw), nil
		}
		return s, nil
	}
}

// headersJSON serializes request headers into a JSON object; repeated
// headers are comma-joined the way the wire format does.
func headersJSON(h http.Header) string {
	m := make(map[string]string, len(h))
	for k, vs := range h {
		m[k] = strings.Join(vs, ", ")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
