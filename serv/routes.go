package serv

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

const healthRoute = "/health"

// routesHandler assembles the middleware stack and mounts the gateway.
func (s *Service) routesHandler() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle(healthRoute, s.healthCheckHandler())

	// resolve the handler per request so a config reload can swap the
	// gateway underneath the running listener
	var api http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.api.Load().(http.Handler).ServeHTTP(w, r)
	})
	if rl := s.conf.RateLimiter; rl.Rate > 0 {
		api = s.rateLimiter(api)
	}
	r.Mount("/", api)

	var h http.Handler = r
	if len(s.conf.AllowedOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins:   s.conf.AllowedOrigins,
			AllowedHeaders:   s.conf.AllowedHeaders,
			AllowCredentials: true,
			Debug:            s.conf.DebugCORS,
		})
		h = c.Handler(h)
	}
	if s.conf.HTTPGZip {
		h = gzhttp.GzipHandler(h)
	}
	return setServerHeader(h), nil
}

// rateLimiter applies a token bucket per client IP.
func (s *Service) rateLimiter(next http.Handler) http.Handler {
	rl := s.conf.RateLimiter
	limiters := newLimiterPool(rate.Limit(rl.Rate), rl.Bucket)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if rl.IPHeader != "" {
			if v := r.Header.Get(rl.IPHeader); v != "" {
				ip = v
			}
		}
		if !limiters.allow(ip) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
