package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/translateq/internal/metrics"
)

// requestMetrics records per-route counters and latency. Routes are labelled
// by their chi pattern so job ids do not explode label cardinality.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := normalizeMetricRoute(chi.RouteContext(r.Context()))
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusClass(ww.Status())).Inc()
		// Event streams are long-lived and skew latency.
		if !strings.HasSuffix(route, "/events") {
			metrics.HTTPRequestSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

func normalizeMetricRoute(rctx *chi.Context) string {
	if rctx == nil {
		return "unmatched"
	}
	route := strings.TrimSpace(rctx.RoutePattern())
	if route == "" {
		return "unmatched"
	}
	return route
}

func statusClass(code int) string {
	if code == 0 {
		code = http.StatusOK
	}
	return fmt.Sprintf("%dxx", code/100)
}
