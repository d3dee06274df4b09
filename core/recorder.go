package core

import (
	"bytes"
	"net/http"
)

// startedWriter tracks whether any byte or status reached the client.
// The retry runner consults it: a failed attempt with a started response
// cannot be replayed.
type startedWriter struct {
	http.ResponseWriter
	started bool
}

func (w *startedWriter) WriteHeader(status int) {
	w.started = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *startedWriter) Write(b []byte) (int, error) {
	w.started = true
	return w.ResponseWriter.Write(b)
}

func (w *startedWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *startedWriter) countRows(n int) {
	if c, ok := w.ResponseWriter.(rowCounter); ok {
		c.countRows(n)
	}
}

// rowCounter receives the row total of a streamed set so the cache can
// honor its row bound.
type rowCounter interface{ countRows(n int) }

// responseRecorder buffers a whole response so it can be cached or
// post-processed before anything reaches the client.
type responseRecorder struct {
	header http.Header
	body   bytes.Buffer
	status int
	rows   int
}

func (r *responseRecorder) countRows(n int) { r.rows = n }

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: http.Header{}, status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) { r.status = status }

func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }

func (r *responseRecorder) ContentType() string { return r.header.Get("Content-Type") }

// replay writes the recorded response to the real writer.
func (r *responseRecorder) replay(w http.ResponseWriter) error {
	for k, vs := range r.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(r.status)
	_, err := w.Write(r.body.Bytes())
	return err
}
