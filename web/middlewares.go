package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShoshinNikita/assetcache/pkg/metrics"
	"github.com/ShoshinNikita/assetcache/pkg/rlog"
)

func loggingMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case path == "/favicon.ico" || strings.HasPrefix(path, "/debug"):
			h.ServeHTTP(w, r)
			return

		case strings.HasPrefix(path, "/api/asset/"):
			path = "/api/asset/"
		}

		now := time.Now()
		rw := newResponseWriter(w)

		h.ServeHTTP(rw, r)

		dur := time.Since(now)
		if rw.statusCode >= http.StatusInternalServerError {
			rlog.Warnf("%s %s: status code %d, took %s", r.Method, r.URL.Path, rw.statusCode, dur)
		}

		metrics.HTTPResponseStatuses.
			With(prometheus.Labels{
				"status": strconv.Itoa(rw.statusCode),
			}).
			Inc()

		metrics.HTTPResponseTime.
			With(prometheus.Labels{
				"path": path,
			},
			).Observe(dur.Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter

	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
