// Package directory performs the LDAP bind behind every health check.
//
// A probe is one fresh connection: dial, TLS (implicit for ldaps, StartTLS
// for ldap), simple bind, close. Nothing is pooled or retried.
package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/georgemihalcea/ldapcheck/internal/otelx"
	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

type Status int

const (
	StatusOK Status = iota
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusUnavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}

// Outcome is the result of a single probe. Message is "OK" on success and
// the directory error text otherwise.
type Outcome struct {
	Success bool
	Status  Status
	Message string
	// Err is the wrapped failure for logging, nil on success.
	Err error
}

// Target is what to bind against. Secure selects implicit TLS on URL;
// otherwise URL is dialed in plaintext and upgraded with StartTLS.
type Target struct {
	URL      string
	User     string
	Password string
	Secure   bool
}

// Mode names the TLS mode, used for span and metric labels.
func (t Target) Mode() string {
	if t.Secure {
		return "ldaps"
	}
	return "starttls"
}

type Prober interface {
	Probe(ctx context.Context, t Target) Outcome
}

// LDAPProber binds with github.com/go-ldap/ldap/v3.
type LDAPProber struct {
	// Timeout bounds the dial and each LDAP operation. 0 disables it.
	Timeout time.Duration
	// TLS is cloned per probe. ServerName defaults to the URL host.
	TLS *tls.Config
}

func (p *LDAPProber) Probe(ctx context.Context, t Target) Outcome {
	ctx, span := otelx.Tracer().Start(ctx, "ldap.probe",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ldap.mode", t.Mode()),
			attribute.String("ldap.url", redactURL(t.URL)),
		),
	)
	defer span.End()

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	err := p.bind(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "probe failed")
		span.SetAttributes(
			attribute.Bool("ldap.success", false),
			attribute.String("ldap.stage", StageOf(err)),
		)
		return Outcome{
			Status:  StatusUnavailable,
			Message: err.Error(),
			Err:     xerrors.Mark(xerrors.Wrapf(err, "%s probe %s", t.Mode(), redactURL(t.URL)), xerrors.KindProbe),
		}
	}
	span.SetAttributes(attribute.Bool("ldap.success", true))
	return Outcome{Success: true, Status: StatusOK, Message: "OK"}
}

func (p *LDAPProber) bind(ctx context.Context, t Target) error {
	tlsConf, err := p.tlsFor(t.URL)
	if err != nil {
		return err
	}

	opts := []ldap.DialOpt{
		ldap.DialWithDialer(&net.Dialer{Timeout: p.Timeout}),
	}
	if t.Secure {
		opts = append(opts, ldap.DialWithTLSConfig(tlsConf))
	}
	conn, err := ldap.DialURL(t.URL, opts...)
	if err != nil {
		return &stageError{stage: "dial", err: err}
	}
	defer conn.Close()

	// unblock dial/bind reads when the probe is cancelled or times out
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if p.Timeout > 0 {
		conn.SetTimeout(p.Timeout)
	}

	if !t.Secure {
		if err := conn.StartTLS(tlsConf); err != nil {
			return &stageError{stage: "starttls", err: err}
		}
	}
	if err := conn.Bind(t.User, t.Password); err != nil {
		return &stageError{stage: "bind", err: err}
	}
	return nil
}

func (p *LDAPProber) tlsFor(rawURL string) (*tls.Config, error) {
	var c *tls.Config
	if p.TLS != nil {
		c = p.TLS.Clone()
	} else {
		c = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if c.ServerName == "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, &stageError{stage: "dial", err: err}
		}
		c.ServerName = u.Hostname()
	}
	return c, nil
}

// stageError records which step of the probe failed. Error() is the
// underlying text so the HTTP body carries the directory's own message.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// StageOf reports which probe step produced err: "dial", "starttls",
// "bind", or "" if err did not come from a probe.
func StageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return ""
}

// redactURL drops userinfo from u for span attributes.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Redacted()
}
