package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/avast/retry-go"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dbfold/pgmux/core/internal/pgdesc"
)

// querier is the common surface of a pool and an open transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// handle returns the HTTP handler for one endpoint entry. The handler
// walks the request pipeline: bind, validate, authorize, upload, proxy,
// execute, stream.
func (g *Gateway) handle(entry *Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.serve(w, r, entry); err != nil {
			g.writeError(w, r, entry, err)
		}
	}
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, entry *Entry) error {
	e := entry.Endpoint
	user := UserFromContext(r.Context())

	in, body, err := g.readInput(r, entry, user)
	if err != nil {
		return err
	}

	passthrough := e.IsProxy && !hasProxyResponseParams(entry.Routine, &g.conf.Proxy)
	res, err := g.bindParams(entry, in, passthrough)
	if err != nil {
		return err
	}
	entry = res.entry
	e = entry.Endpoint

	if err := validateParams(e, res.params); err != nil {
		return err
	}

	// authorization follows binding and validation: a caller naming a
	// parameter set no endpoint declares gets the same 404 as everyone
	// else, authenticated or not
	if e.RequiresAuthorization {
		if user == nil || !user.Authenticated {
			return &AuthError{StatusCode: http.StatusUnauthorized, Detail: "authentication required"}
		}
		if !e.HasRole(user.Roles(g.conf.Auth.RoleClaimType)) {
			return &AuthError{StatusCode: http.StatusForbidden, Detail: "insufficient role"}
		}
	}

	if e.Logout {
		if g.conf.SignOut != nil {
			return g.conf.SignOut(w, r)
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	// strict routines return null for any null input; skip the round trip
	if entry.Routine.IsStrict && res.hasNull {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	var cacheKey string
	if g.cache != nil && (cacheEligible(entry) || e.InvalidateCache) {
		cacheKey = g.cache.Key(entry, res.params)
		if e.InvalidateCache {
			g.cache.Remove(cacheKey)
		}
		if cacheEligible(entry) {
			if hit, ok := g.cache.Get(cacheKey); ok {
				applyResponseHeaders(w.Header(), e)
				w.Header().Set("Content-Type", hit.ContentType)
				_, err := w.Write(hit.Body)
				return err
			}
		}
	}

	db, err := g.db(e.ConnectionName)
	if err != nil {
		return err
	}

	var uploadCleanup func()
	if e.Upload {
		if !uploadContentTypeOK(r) {
			return &ValidationError{StatusCode: http.StatusUnsupportedMediaType, Message: "expected multipart/form-data"}
		}
		meta, cleanup, err := g.uploads.Run(r.Context(), db, r, e.UploadHandlers, e.CustomParameters)
		if err != nil {
			return err
		}
		uploadCleanup = cleanup
		if res.uploadMetaIndex >= 0 {
			p := &res.params[res.uploadMetaIndex]
			p.Value = meta
			p.OriginalStringValue = meta
		}
	}

	if e.IsProxy {
		pres, perr := g.proxy.forward(r.Context(), e.ProxyHost, r, body)
		if passthrough {
			if perr != nil {
				return perr
			}
			if cacheEligible(entry) && cacheKey != "" {
				g.cacheable(cacheKey, e, pres.Body, pres.ContentType)
			}
			copyProxyResponse(w, pres)
			return nil
		}
		msg := ""
		if perr != nil {
			msg = perr.Error()
		}
		fillProxyParams(res.params, &g.conf.Proxy, pres, perr == nil, msg)
	}

	err = g.execute(w, r, entry, res, in, cacheKey)
	if err != nil && uploadCleanup != nil {
		uploadCleanup()
	}
	return err
}

// readInput gathers everything the binder draws from.
func (g *Gateway) readInput(r *http.Request, entry *Entry, user *AuthUser) (*requestInput, []byte, error) {
	e := entry.Endpoint
	in := &requestInput{
		Query:    r.URL.Query(),
		Headers:  r.Header,
		ClientIP: clientIP(r),
		User:     user,
	}

	var body []byte
	if !e.Upload && r.Body != nil && r.Method != http.MethodGet {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, &ValidationError{StatusCode: http.StatusBadRequest, Message: "unreadable request body"}
		}
		in.Body = body
	}

	if e.RequestParamType == ParamBodyJson && len(body) > 0 {
		if err := json.Unmarshal(body, &in.BodyJSON); err != nil {
			return nil, nil, &ValidationError{StatusCode: http.StatusBadRequest, Message: "request body is not a JSON object"}
		}
	}

	if len(e.PathParameters) > 0 {
		in.PathValues = map[string]string{}
		for _, name := range e.PathParameters {
			in.PathValues[name] = chi.URLParam(r, name)
		}
	}
	return in, body, nil
}

// execute runs the routine under the endpoint's retry strategy and
// renders the result. Once any byte reaches the client a failed attempt
// is no longer retryable.
func (g *Gateway) execute(w http.ResponseWriter, r *http.Request, entry *Entry, res *bindResult, in *requestInput, cacheKey string) error {
	e := entry.Endpoint

	ctx := r.Context()
	if e.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.CommandTimeout)
		defer cancel()
	}

	sql, args := buildInvocation(entry.Routine, res.params)

	rw := w
	var rec *responseRecorder
	if cacheEligible(entry) && cacheKey != "" || e.Login {
		rec = newResponseRecorder()
		rw = http.ResponseWriter(rec)
	}
	sw := &startedWriter{ResponseWriter: rw}

	runner := retryRunner{strategy: e.Retry, policy: e.ErrorCodePolicy, log: g.log}
	err := runner.run(ctx, func() error {
		return g.attempt(ctx, sw, entry, in, sql, args)
	})
	if err != nil {
		return err
	}

	if rec != nil {
		if e.Login {
			return g.finishLogin(w, r, entry, rec)
		}
		if g.conf.Cache.MaxCacheableRows <= 0 || rec.rows <= g.conf.Cache.MaxCacheableRows {
			g.cacheable(cacheKey, e, rec.body.Bytes(), rec.ContentType())
		}
		return rec.replay(w)
	}
	return nil
}

// attempt is one execution try: open the statement scope, run the query
// and stream the result.
func (g *Gateway) attempt(ctx context.Context, sw *startedWriter, entry *Entry, in *requestInput, sql string, args []any) error {
	e := entry.Endpoint

	db, err := g.db(e.ConnectionName)
	if err != nil {
		return retry.Unrecoverable(err)
	}

	needTx := e.UserContext || e.InfoEvents ||
		g.conf.RequestHeadersMode == HeadersContext ||
		(e.Upload && g.conf.Upload.UseTransaction)

	var q querier = db
	var tx pgx.Tx
	if needTx {
		tx, err = db.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		q = tx

		if e.InfoEvents && g.notices != nil {
			pid := tx.Conn().PgConn().PID()
			g.notices.BindExecution(pid, entry, userName(in.User))
			defer g.notices.UnbindExecution(pid)
		}
		if err := g.setRequestContext(ctx, tx, e, in); err != nil {
			return err
		}
	}

	qargs := append([]any{textResults}, args...)
	rows, err := q.Query(ctx, sql, qargs...)
	if err != nil {
		return guardStarted(sw, err)
	}
	if err := g.respondRows(sw, entry, rows); err != nil {
		return guardStarted(sw, err)
	}

	if tx != nil {
		return tx.Commit(ctx)
	}
	return nil
}

// guardStarted turns an error unrecoverable once the response started.
func guardStarted(sw *startedWriter, err error) error {
	if sw.started {
		return retry.Unrecoverable(err)
	}
	return err
}

// setRequestContext publishes the caller identity and request headers as
// transaction-local settings.
func (g *Gateway) setRequestContext(ctx context.Context, tx pgx.Tx, e *RoutineEndpoint, in *requestInput) error {
	set := func(key, value string) error {
		_, err := tx.Exec(ctx, "select set_config($1, $2, true)", key, value)
		return err
	}

	if e.UserContext && in.User != nil && in.User.Authenticated {
		if err := set("request.user_name", in.User.Name); err != nil {
			return err
		}
		if err := set("request.user_claims", in.User.Claims.JSON()); err != nil {
			return err
		}
		if roles, ok := in.User.Claims.Get(g.conf.Auth.RoleClaimType); ok {
			if err := set("request.user_roles", roles); err != nil {
				return err
			}
		}
	}
	if g.conf.RequestHeadersMode == HeadersContext {
		if err := set("request.headers", headersJSON(in.Headers)); err != nil {
			return err
		}
	}
	return nil
}

// buildInvocation renders the final statement: the invocation prefix plus
// named arguments for every bound parameter. Unbound parameters carry a
// database-side default and are omitted.
func buildInvocation(r *Routine, params []Parameter) (string, []any) {
	if r.Type == RoutineTable || r.Type == RoutineView {
		return r.Expression, nil
	}

	var sb strings.Builder
	sb.WriteString(r.Expression)
	var args []any
	for i := range params {
		p := &params[i]
		if !p.Bound {
			continue
		}
		if len(args) > 0 {
			sb.WriteString(", ")
		}
		args = append(args, p.Value)
		if p.ActualName != "" {
			sb.WriteByte('"')
			sb.WriteString(p.ActualName)
			sb.WriteString(`" => $`)
		} else {
			sb.WriteByte('$')
		}
		sb.WriteString(itoa(len(args)))
	}
	sb.WriteByte(')')
	return sb.String(), args
}

// finishLogin turns the recorded login-routine reply into a session. The
// routine must have produced one record of claims; a status column, when
// present, overrides the reply code.
func (g *Gateway) finishLogin(w http.ResponseWriter, r *http.Request, entry *Entry, rec *responseRecorder) error {
	if rec.status == http.StatusNoContent || rec.body.Len() == 0 {
		return &AuthError{StatusCode: http.StatusUnauthorized, Detail: "login failed"}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(rec.body.Bytes(), &obj); err != nil {
		return &AuthError{StatusCode: http.StatusUnauthorized, Detail: "login failed"}
	}

	claims := Claims{}
	status := http.StatusOK
	for k, raw := range obj {
		if k == "status" {
			var b bool
			var n int
			if json.Unmarshal(raw, &b) == nil {
				if !b {
					status = http.StatusUnauthorized
				}
			} else if json.Unmarshal(raw, &n) == nil {
				status = n
			}
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			claims[k] = s
			continue
		}
		var list []string
		if json.Unmarshal(raw, &list) == nil {
			claims[k] = list
			continue
		}
		claims[k] = string(raw)
	}
	if status >= 400 {
		return &AuthError{StatusCode: status, Detail: "login failed"}
	}

	if g.conf.SignIn != nil {
		return g.conf.SignIn(w, r, claims)
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	_, err := io.WriteString(w, claims.JSON())
	return err
}

// cacheEligible reports whether this endpoint's responses may enter the
// cache. Raw streams and binary scalars never do.
func cacheEligible(entry *Entry) bool {
	e := entry.Endpoint
	if !e.Cached || e.Raw {
		return false
	}
	r := entry.Routine
	if !r.ReturnsRecordType && r.ColumnCount == 1 &&
		r.ColumnTypes[0].Category.Has(pgdesc.Binary) {
		return false
	}
	return true
}

// cacheable stores a response when the endpoint allows it.
func (g *Gateway) cacheable(key string, e *RoutineEndpoint, body []byte, contentType string) {
	if g.cache == nil || key == "" {
		return
	}
	g.cache.Set(key, cachedResponse{
		Body:        append([]byte(nil), body...),
		ContentType: contentType,
	}, e.CacheExpiresIn)
}

// writeError is the error boundary: classify, reply, and log anything
// that is not ordinary client traffic.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, entry *Entry, err error) {
	status := http.StatusInternalServerError

	var bindErr *BindingError
	var valErr *ValidationError
	var authErr *AuthError
	var probErr *ProblemError
	var proxyErr *ProxyError
	var pgErr *pgconn.PgError

	switch {
	case errors.As(err, &bindErr):
		status = http.StatusNotFound
		w.WriteHeader(status)

	case errors.As(err, &valErr):
		status = valErr.StatusCode
		http.Error(w, valErr.Message, status)

	case errors.As(err, &authErr):
		status = authErr.StatusCode
		writeProblem(w, Problem{Status: status, Title: http.StatusText(status), Detail: authErr.Detail})

	case errors.As(err, &probErr):
		status = probErr.Problem.Status
		writeProblem(w, probErr.Problem)

	case errors.As(err, &proxyErr):
		status = proxyErr.StatusCode
		writeProblem(w, Problem{Status: status, Title: proxyErr.Message})

	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		writeProblem(w, Problem{Status: status, Title: "statement timed out"})

	case errors.As(err, &pgErr):
		// a SQLSTATE outside the endpoint's error-code policy is a
		// driver fault, not client traffic
		status = http.StatusInternalServerError
		detail := pgErr.Code
		if !entry.Endpoint.SecuritySensitive && pgErr.Message != "" {
			detail += ": " + pgErr.Message
		}
		writeProblem(w, Problem{Status: status, Title: "database error", Detail: detail})

	default:
		writeProblem(w, Problem{Status: status, Title: "internal error"})
	}

	switch status {
	case http.StatusOK, http.StatusResetContent, http.StatusBadRequest:
	default:
		g.log.Errorw("request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
}

// clientIP prefers the first forwarded address, then the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func userName(u *AuthUser) string {
	if u == nil || !u.Authenticated {
		return ""
	}
	return u.Name
}
