package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/georgemihalcea/ldapcheck/internal/health"
	"github.com/georgemihalcea/ldapcheck/internal/httpmw"
	"github.com/georgemihalcea/ldapcheck/internal/log"
	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

// NewHandler builds the ops router: /metrics, /-/healthy, /-/ready,
// /-/listeners and /debug/pprof/* when enabled.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	r := chi.NewRouter()
	r.Use(httpmw.AccessLog(L))

	r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	if opts.Listeners != nil {
		r.Get("/-/listeners", listenersHandler(L, opts.Listeners))
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		registerPprof(r)
	}

	var h http.Handler = r
	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}
	h = otelhttp.NewHandler(h, "ops.http",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// scrapes and probes would drown out everything else
			return r.URL.Path != "/metrics" && r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)

	mws := []func(http.Handler) http.Handler{
		httpmw.Recover(L, opts.OnPanic),
		httpmw.RequestID,
	}
	if !opts.AllowPublic {
		mws = append(mws, func(next http.Handler) http.Handler { return requireNonPublicNetwork(L, next) })
	}
	return httpmw.Chain(mws...)(h)
}

// Start serves the ops listener on opts.Host:opts.Port and returns an
// idempotent stop func.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof profile endpoints stream for up to 30s by default
		WriteTimeout:   40 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 16,
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for ops port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}

func listenersHandler(L log.Logger, snapshot func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshot()); err != nil {
			L.Debug(r.Context(), "encode listeners", "err", err)
		}
	}
}
