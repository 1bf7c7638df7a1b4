// Package handler answers one health-check connection: a single read, a
// method-prefix check, one directory probe, a minimal HTTP/1.0 response and
// a close.
package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/georgemihalcea/ldapcheck/internal/directory"
	"github.com/georgemihalcea/ldapcheck/internal/log"
	"github.com/georgemihalcea/ldapcheck/internal/otelx"
	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

// Status lines written after "HTTP/1.0 ".
const (
	StatusOK          = "200 OK"
	StatusUnavailable = "503 Service Unavailable"
	StatusInvalid     = "400 Invalid Request"
	StatusTooMany     = "429 Too Many Requests"
)

// Results reported to Metrics.RequestFinished.
const (
	ResultOK          = "ok"
	ResultUnavailable = "unavailable"
	ResultInvalid     = "invalid"
	ResultRateLimited = "rate_limited"
	ResultPanic       = "panic"
)

var probePrefixes = [][]byte{[]byte("GET /"), []byte("HEAD /")}

type Metrics interface {
	RequestStarted(listener string)
	RequestFinished(listener, result string)
	ObserveProbe(mode string, ok bool, d time.Duration)
	IncWriteError(listener string)
	IncPanic()
}

// Limiter is consulted once per valid request when rate limiting is on.
type Limiter interface {
	AllowAddr(addr net.Addr) bool
}

type Options struct {
	// Listener names the owning listener in logs and metrics.
	Listener       string
	Target         directory.Target
	Prober         directory.Prober
	ReadBufferSize int
	// ReadTimeout bounds the request read and the response write. 0 disables it.
	ReadTimeout time.Duration
	Limiter     Limiter
	Metrics     Metrics
	Logger      log.Logger
}

type Handler struct {
	opts Options
	L    log.Logger
	m    Metrics
}

func New(opts Options) *Handler {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 512
	}
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	m := opts.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	return &Handler{
		opts: opts,
		L:    L.With("listener", opts.Listener),
		m:    m,
	}
}

// Handle serves conn and closes it exactly once, on every path.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	ctx, span := otelx.Tracer().Start(ctx, "ldapcheck.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("ldapcheck.listener", h.opts.Listener),
			attribute.String("client.address", remoteHost(conn)),
		),
	)
	defer span.End()

	h.m.RequestStarted(h.opts.Listener)
	result := ResultInvalid
	defer func() {
		if r := recover(); r != nil {
			result = ResultPanic
			h.m.IncPanic()
			err := xerrors.Newf("panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			h.L.Error(ctx, err, "connection handler panic", "stack", string(debug.Stack()))
		}
		span.SetAttributes(attribute.String("ldapcheck.result", result))
		h.m.RequestFinished(h.opts.Listener, result)
	}()

	h.L.Info(ctx, "connection accepted", "remote", remoteHost(conn))

	req, err := h.read(conn)
	if err != nil {
		h.L.Debug(ctx, "read request failed", "err", err)
	}

	var status, body string
	status, body, result = h.respond(ctx, conn, req)

	if err := h.write(conn, status, body); err != nil {
		h.m.IncWriteError(h.opts.Listener)
		h.L.Debug(ctx, "write response failed", "err", err, "status", status)
		return
	}
	h.L.Info(ctx, "request served", "status", status)
}

func (h *Handler) respond(ctx context.Context, conn net.Conn, req []byte) (status, body, result string) {
	if !isProbeRequest(req) {
		return StatusInvalid, "Invalid Request", ResultInvalid
	}
	if h.opts.Limiter != nil && !h.opts.Limiter.AllowAddr(conn.RemoteAddr()) {
		return StatusTooMany, "Too Many Requests", ResultRateLimited
	}

	start := time.Now()
	out := h.opts.Prober.Probe(ctx, h.opts.Target)
	h.m.ObserveProbe(h.opts.Target.Mode(), out.Success, time.Since(start))

	if out.Status == directory.StatusOK {
		return StatusOK, "OK", ResultOK
	}
	if out.Err != nil {
		h.L.Debug(ctx, "probe failed", "err", out.Err, "stage", directory.StageOf(out.Err))
	}
	return StatusUnavailable, out.Message, ResultUnavailable
}

// read does the single bounded read of the request.
func (h *Handler) read(conn net.Conn) ([]byte, error) {
	if h.opts.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	}
	buf := make([]byte, h.opts.ReadBufferSize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return nil, xerrors.Wrap(err, "read request")
	}
	return buf[:n], nil
}

func (h *Handler) write(conn net.Conn, status, body string) error {
	if h.opts.ReadTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(h.opts.ReadTimeout))
	}
	if err := WriteResponse(conn, status, body); err != nil {
		return xerrors.Mark(xerrors.Wrap(err, "write response"), xerrors.KindWrite)
	}
	return nil
}

// WriteResponse writes the minimal HTTP/1.0 text/plain response. Lines end
// in a bare "\n".
func WriteResponse(w io.Writer, status, body string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.0 %s\nContent-Type: text/plain\n\n%s\n", status, body)
	return err
}

func isProbeRequest(req []byte) bool {
	for _, p := range probePrefixes {
		if bytes.HasPrefix(req, p) {
			return true
		}
	}
	return false
}

func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

type nopMetrics struct{}

func (nopMetrics) RequestStarted(string)                    {}
func (nopMetrics) RequestFinished(string, string)           {}
func (nopMetrics) ObserveProbe(string, bool, time.Duration) {}
func (nopMetrics) IncWriteError(string)                     {}
func (nopMetrics) IncPanic()                                {}
