package serv

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 5 * time.Second

// healthCheckHandler pings every pool; any failure reports 503.
func (s *Service) healthCheckHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		for name, pool := range s.pools {
			if err := pool.Ping(ctx); err != nil {
				s.log.Warnf("health check failed for %q: %s", name, err)
				http.Error(w, "ERROR", http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("OK"))
	})
}
