package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbfold/pgmux/core/internal/pgdesc"
)

func TestProxyForward(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Get("X-Trace")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	pc := newProxyClient(ProxyOptions{Timeout: 5 * time.Second})

	r := httptest.NewRequest("POST", "/api/orders?limit=5", nil)
	r.Header.Set("X-Trace", "abc")
	r.Header.Set("Connection", "keep-alive")

	res, err := pc.forward(context.Background(), upstream.URL, r, []byte(`{"n":1}`))
	require.NoError(t, err)

	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "/api/orders", gotPath)
	assert.Equal(t, "limit=5", gotQuery)
	assert.Equal(t, "abc", gotHeader)

	assert.Equal(t, http.StatusTeapot, res.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(res.Body))
	assert.Equal(t, "application/json", res.ContentType)
}

func TestProxyForwardHeaderWhitelist(t *testing.T) {
	var allowed, blocked string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed = r.Header.Get("X-Allowed")
		blocked = r.Header.Get("X-Blocked")
	}))
	defer upstream.Close()

	pc := newProxyClient(ProxyOptions{Timeout: 5 * time.Second, ForwardedHeaders: []string{"X-Allowed"}})

	r := httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Allowed", "yes")
	r.Header.Set("X-Blocked", "no")
	_, err := pc.forward(context.Background(), upstream.URL, r, nil)
	require.NoError(t, err)

	assert.Equal(t, "yes", allowed)
	assert.Empty(t, blocked)
}

func TestProxyForwardTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer upstream.Close()

	pc := newProxyClient(ProxyOptions{Timeout: 20 * time.Millisecond})

	r := httptest.NewRequest("GET", "/x", nil)
	_, err := pc.forward(context.Background(), upstream.URL, r, nil)

	var perr *ProxyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusGatewayTimeout, perr.StatusCode)
}

func TestProxyForwardUnreachable(t *testing.T) {
	pc := newProxyClient(ProxyOptions{Timeout: time.Second})

	r := httptest.NewRequest("GET", "/x", nil)
	_, err := pc.forward(context.Background(), "http://127.0.0.1:1", r, nil)

	var perr *ProxyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusBadGateway, perr.StatusCode)
}

func TestProxyForwardNoHost(t *testing.T) {
	pc := newProxyClient(ProxyOptions{Timeout: time.Second})

	r := httptest.NewRequest("GET", "/x", nil)
	_, err := pc.forward(context.Background(), "", r, nil)

	var perr *ProxyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusBadGateway, perr.StatusCode)
}

func TestFillProxyParams(t *testing.T) {
	opts := &ProxyOptions{
		ResponseStatusCodeParameter:   "responseStatusCode",
		ResponseBodyParameter:         "responseBody",
		ResponseContentTypeParameter:  "responseContentType",
		ResponseSuccessParameter:      "responseSuccess",
		ResponseErrorMessageParameter: "responseErrorMessage",
	}
	params := []Parameter{
		{ConvertedName: "responseStatusCode", TypeDescriptor: pgdesc.New("integer")},
		{ConvertedName: "responseBody", TypeDescriptor: pgdesc.New("text")},
		{ConvertedName: "responseContentType", TypeDescriptor: pgdesc.New("text")},
		{ConvertedName: "responseSuccess", TypeDescriptor: pgdesc.New("boolean")},
		{ConvertedName: "responseErrorMessage", TypeDescriptor: pgdesc.New("text")},
		{ConvertedName: "other", TypeDescriptor: pgdesc.New("text")},
	}

	res := &proxyResult{StatusCode: 200, Body: []byte("hi"), ContentType: "text/plain"}
	fillProxyParams(params, opts, res, true, "")

	assert.Equal(t, 200, params[0].Value)
	assert.True(t, params[0].Bound)
	assert.Equal(t, "hi", params[1].Value)
	assert.Equal(t, "text/plain", params[2].Value)
	assert.Equal(t, true, params[3].Value)
	assert.Nil(t, params[4].Value)
	assert.True(t, params[4].Bound)
	assert.False(t, params[5].Bound)
}

func TestFillProxyParamsFailure(t *testing.T) {
	opts := &ProxyOptions{
		ResponseSuccessParameter:      "responseSuccess",
		ResponseErrorMessageParameter: "responseErrorMessage",
	}
	params := []Parameter{
		{ConvertedName: "responseSuccess"},
		{ConvertedName: "responseErrorMessage"},
	}

	fillProxyParams(params, opts, nil, false, "upstream unreachable")
	assert.Equal(t, false, params[0].Value)
	assert.Equal(t, "upstream unreachable", params[1].Value)
}

func TestHasProxyResponseParams(t *testing.T) {
	opts := &ProxyOptions{ResponseBodyParameter: "responseBody"}

	with := &Routine{Parameters: []Parameter{{ConvertedName: "responseBody"}}}
	without := &Routine{Parameters: []Parameter{{ConvertedName: "other"}}}

	assert.True(t, hasProxyResponseParams(with, opts))
	assert.False(t, hasProxyResponseParams(without, opts))
	assert.False(t, hasProxyResponseParams(with, &ProxyOptions{}))
}

func TestCopyProxyResponse(t *testing.T) {
	w := httptest.NewRecorder()
	copyProxyResponse(w, &proxyResult{
		StatusCode: 201,
		Body:       []byte("created"),
		Headers: http.Header{
			"X-Id":       {"9"},
			"Connection": {"close"},
		},
	})
	assert.Equal(t, 201, w.Code)
	assert.Equal(t, "created", w.Body.String())
	assert.Equal(t, "9", w.Header().Get("X-Id"))
	assert.Empty(t, w.Header().Get("Connection"))
}
