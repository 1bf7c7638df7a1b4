package httpmw

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/georgemihalcea/ldapcheck/internal/log"
)

type recorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *recorder) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// quietPaths are scraped constantly and not access-logged.
var quietPaths = map[string]bool{
	"/-/healthy": true,
	"/-/ready":   true,
	"/metrics":   true,
}

// AccessLog logs one line per ops request at info level. It also names the
// active span after the chi route once routing has run.
func AccessLog(L log.Logger) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &recorder{ResponseWriter: w}
			next.ServeHTTP(rw, r)

			ctx := r.Context()
			route := ""
			if rc := chi.RouteContext(ctx); rc != nil {
				route = rc.RoutePattern()
			}
			if route == "" {
				route = r.URL.Path
			}
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("http.route", route))
				span.SetName(r.Method + " " + route)
			}

			if quietPaths[r.URL.Path] {
				return
			}
			status := rw.status
			if status == 0 {
				status = http.StatusOK
			}
			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}
			L.Info(ctx, "ops request",
				"request_id", RequestIDFromContext(ctx),
				"client.address", peer,
				"http.request.method", r.Method,
				"http.route", route,
				"http.response.status_code", status,
				"http.response.body.size", rw.bytes,
				"http.server.request.duration", time.Since(start).Seconds(),
			)
		})
	}
}
