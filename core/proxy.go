package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

// hopHeaders never forward upstream.
var hopHeaders = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
	"Host":              {},
	"Content-Length":    {},
}

// proxyResult is one upstream reply, buffered.
type proxyResult struct {
	StatusCode  int
	Body        []byte
	Headers     http.Header
	ContentType string
}

// proxyClient forwards proxy-endpoint requests upstream. Timeouts map to
// 504, transport failures to 502; an upstream reply passes through with
// its own status.
type proxyClient struct {
	client *resty.Client
	opts   ProxyOptions
}

func newProxyClient(opts ProxyOptions) *proxyClient {
	return &proxyClient{
		client: resty.New().SetTimeout(opts.Timeout),
		opts:   opts,
	}
}

// forward replays the request against host, carrying the configured
// header set and the original body, method, path and query.
func (pc *proxyClient) forward(ctx context.Context, host string, r *http.Request, body []byte) (*proxyResult, error) {
	if host == "" {
		host = pc.opts.DefaultHost
	}
	if host == "" {
		return nil, &ProxyError{StatusCode: http.StatusBadGateway, Message: "no proxy host configured"}
	}

	url := strings.TrimSuffix(host, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	req := pc.client.R().SetContext(ctx).SetBody(body)
	pc.setHeaders(req, r.Header)

	resp, err := req.Execute(r.Method, url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &ProxyError{StatusCode: http.StatusGatewayTimeout, Message: "upstream timed out"}
		}
		return nil, &ProxyError{StatusCode: http.StatusBadGateway, Message: "upstream unreachable"}
	}

	return &proxyResult{
		StatusCode:  resp.StatusCode(),
		Body:        resp.Body(),
		Headers:     resp.Header(),
		ContentType: resp.Header().Get("Content-Type"),
	}, nil
}

func (pc *proxyClient) setHeaders(req *resty.Request, h http.Header) {
	if len(pc.opts.ForwardedHeaders) > 0 {
		for _, name := range pc.opts.ForwardedHeaders {
			if v := h.Get(name); v != "" {
				req.SetHeader(name, v)
			}
		}
		return
	}

	excluded := make(map[string]struct{}, len(pc.opts.ExcludedHeaders))
	for _, name := range pc.opts.ExcludedHeaders {
		excluded[http.CanonicalHeaderKey(name)] = struct{}{}
	}
	for name, vals := range h {
		if _, hop := hopHeaders[name]; hop {
			continue
		}
		if _, skip := excluded[name]; skip {
			continue
		}
		req.SetHeader(name, strings.Join(vals, ", "))
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	return errors.As(err, &t) && t.Timeout()
}

// fillProxyParams binds the upstream reply into the routine's declared
// response-field parameters. Absent fields stay NULL.
func fillProxyParams(params []Parameter, opts *ProxyOptions, res *proxyResult, success bool, errMsg string) {
	set := func(name string, v any, orig string) {
		if name == "" {
			return
		}
		for i := range params {
			if params[i].ConvertedName == name {
				params[i].Value = v
				params[i].OriginalStringValue = orig
				params[i].Bound = true
				return
			}
		}
	}

	if res != nil {
		set(opts.ResponseStatusCodeParameter, res.StatusCode, itoa(res.StatusCode))
		set(opts.ResponseBodyParameter, string(res.Body), string(res.Body))
		set(opts.ResponseContentTypeParameter, res.ContentType, res.ContentType)
		set(opts.ResponseHeadersParameter, headersJSON(res.Headers), "")
	}
	set(opts.ResponseSuccessParameter, success, "")
	set(opts.ResponseErrorMessageParameter, nullableText(errMsg), errMsg)
}

// hasProxyResponseParams reports whether the routine declares any of the
// configured response-field parameters.
func hasProxyResponseParams(r *Routine, opts *ProxyOptions) bool {
	names := map[string]struct{}{}
	for _, n := range []string{
		opts.ResponseStatusCodeParameter, opts.ResponseBodyParameter,
		opts.ResponseHeadersParameter, opts.ResponseContentTypeParameter,
		opts.ResponseSuccessParameter, opts.ResponseErrorMessageParameter,
	} {
		if n != "" {
			names[n] = struct{}{}
		}
	}
	if len(names) == 0 {
		return false
	}
	for i := range r.Parameters {
		if _, ok := names[r.Parameters[i].ConvertedName]; ok {
			return true
		}
	}
	return false
}

// copyProxyResponse passes the upstream reply through to the client.
func copyProxyResponse(w http.ResponseWriter, res *proxyResult) {
	for name, vals := range res.Headers {
		if _, hop := hopHeaders[name]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}
