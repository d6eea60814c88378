package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"travistride/internal/metrics"
	logx "travistride/pkg/logx"
)

// awaitHydration holds every request until the registry has loaded. A client
// that gives up first gets a 503.
func awaitHydration(reg Registry, log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if reg != nil {
				if err := reg.Ready(r.Context()); err != nil {
					log.Debug("request abandoned before hydration", logx.String("path", r.URL.Path), logx.Err(err))
					writeError(w, http.StatusServiceUnavailable, err)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit rejects requests above perSec with 429. perSec <= 0 disables it.
func rateLimit(perSec int) func(http.Handler) http.Handler {
	if perSec <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	lim := rate.NewLimiter(rate.Limit(perSec), perSec)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func instrument(m *metrics.Metrics, log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			dur := time.Since(start)
			m.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
			m.RequestDuration.WithLabelValues(route).Observe(dur.Seconds())
			log.Debug("request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Duration("dur", dur),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
