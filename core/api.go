// Package core discovers PostgreSQL routines and exposes each one as an
// HTTP endpoint. The metadata build runs once at startup; request
// handling binds parameters, executes the routine and converts the
// wire-text result straight into the response.
package core

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Gateway is the engine: one immutable metadata table plus the shared
// runtime pieces every request handler draws from.
type Gateway struct {
	conf    Config
	log     *zap.SugaredLogger
	table   *MetadataTable
	dbs     map[string]DB
	cache   *resultCache
	notices *NoticeRouter
	uploads *UploadRegistry
	proxy   *proxyClient
	pool    builderPool
}

// New introspects the default connection and builds the endpoint table.
// The dbs map holds every named connection; conf.DefaultConnection picks
// the one used for introspection and for endpoints naming none.
func New(ctx context.Context, conf Config, dbs map[string]DB) (*Gateway, error) {
	conf = conf.withDefaults()
	g := &Gateway{
		conf: conf,
		log:  conf.Logger,
		dbs:  dbs,
		pool: newBuilderPool(64),
	}

	db, err := g.db("")
	if err != nil {
		return nil, err
	}

	table, err := Build(ctx, db, conf)
	if err != nil {
		return nil, err
	}
	g.table = table

	anyCached := false
	for _, e := range table.Entries {
		if e.Endpoint.Cached {
			anyCached = true
			break
		}
	}
	if anyCached {
		g.cache, err = newResultCache(conf.Cache)
		if err != nil {
			return nil, err
		}
		g.cache.Start()
	}

	if table.HasStreamingEvents {
		g.notices = newNoticeRouter(g.log)
	}
	g.uploads = newUploadRegistry(conf.Upload, afero.NewOsFs())
	g.proxy = newProxyClient(conf.Proxy)
	return g, nil
}

// db resolves a named connection; an empty name means the default.
func (g *Gateway) db(name string) (DB, error) {
	if name == "" {
		name = g.conf.DefaultConnection
	}
	if name == "" && len(g.dbs) == 1 {
		for _, db := range g.dbs {
			return db, nil
		}
	}
	db, ok := g.dbs[name]
	if !ok {
		return nil, fmt.Errorf("unknown connection %q", name)
	}
	return db, nil
}

// Table exposes the built metadata, mainly for listings and tests.
func (g *Gateway) Table() *MetadataTable { return g.table }

// Notices exposes the router so the connection layer can feed driver
// notices into it. Nil when no endpoint streams events.
func (g *Gateway) Notices() *NoticeRouter { return g.notices }

// Uploads exposes the registry for custom handler registration.
func (g *Gateway) Uploads() *UploadRegistry { return g.uploads }

// Handler mounts every endpoint on a fresh router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	for _, entry := range g.table.Lookup {
		r.MethodFunc(entry.Endpoint.Method, entry.Endpoint.Path, g.handle(entry))
		if entry.Endpoint.InfoEvents {
			r.Get(entry.Endpoint.InfoPath, g.handleInfo(entry))
		}
	}
	return r
}

// Close stops the background pieces. Connections belong to the caller.
func (g *Gateway) Close() {
	if g.cache != nil {
		g.cache.Stop()
	}
}

// sseHeartbeat keeps idle event streams alive through proxies.
const sseHeartbeat = 15 * time.Second

// handleInfo serves the endpoint's server-sent event stream.
func (g *Gateway) handleInfo(entry *Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e := entry.Endpoint
		user := UserFromContext(r.Context())

		if e.RequiresAuthorization && (user == nil || !user.Authenticated) {
			writeProblem(w, Problem{Status: http.StatusUnauthorized, Title: "authentication required"})
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeProblem(w, Problem{Status: http.StatusInternalServerError, Title: "streaming unsupported"})
			return
		}

		sub := g.notices.Subscribe(entry, userName(user), user.Roles(g.conf.Auth.RoleClaimType))
		defer g.notices.Unsubscribe(sub)

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case n := <-sub.ch:
				if err := writeSSE(w, n); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// writeSSE emits one event; multi-line messages become multiple data
// lines per the SSE framing rules.
func writeSSE(w io.Writer, n InfoNotice) error {
	if n.Severity != "" {
		if _, err := io.WriteString(w, "event: "+n.Severity+"\n"); err != nil {
			return err
		}
	}
	for _, line := range strings.Split(n.Message, "\n") {
		if _, err := io.WriteString(w, "data: "+line+"\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}
