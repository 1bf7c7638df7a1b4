// Package supervisor starts the plain and secure listener loops and keeps
// them running until its context is cancelled.
package supervisor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/georgemihalcea/ldapcheck/internal/cfg"
	"github.com/georgemihalcea/ldapcheck/internal/directory"
	"github.com/georgemihalcea/ldapcheck/internal/handler"
	"github.com/georgemihalcea/ldapcheck/internal/listener"
	"github.com/georgemihalcea/ldapcheck/internal/log"
	"github.com/georgemihalcea/ldapcheck/internal/registry"
	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

// Listener names, used as the listener label in logs and metrics.
const (
	PlainName  = "plain"
	SecureName = "secure"
)

// Metrics is everything the loops and handlers report to.
type Metrics interface {
	listener.Metrics
	handler.Metrics
}

type Options struct {
	Config cfg.Config
	// Password is the resolved bind password; Config.Password is ignored.
	Password string
	Prober   directory.Prober
	// Limiter is nil when rate limiting is off.
	Limiter  handler.Limiter
	Metrics  Metrics
	Registry *registry.Registry
	// Listen overrides the socket opener, mainly for tests.
	Listen listener.ListenFunc
	Logger log.Logger
}

// Run registers both loops and blocks until ctx is cancelled, then stops
// them and waits for the accept loops to return. In-flight handlers are
// not waited for.
func Run(ctx context.Context, opts Options) error {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
	}
	if opts.Prober == nil {
		return xerrors.Mark(xerrors.New("supervisor: prober is required"), xerrors.KindConfig)
	}

	c := opts.Config
	loops := []struct {
		spec   registry.Spec
		addr   string
		target directory.Target
	}{
		{
			spec:   registry.Spec{Name: PlainName, Port: c.PlainPort},
			addr:   c.PlainAddr(),
			target: directory.Target{URL: c.URL, User: c.User, Password: opts.Password},
		},
		{
			spec:   registry.Spec{Name: SecureName, Port: c.SecurePort, Secure: true},
			addr:   c.SecureAddr(),
			target: directory.Target{URL: c.SecureURL, User: c.User, Password: opts.Password, Secure: true},
		},
	}

	for _, lp := range loops {
		h := handler.New(handler.Options{
			Listener:       lp.spec.Name,
			Target:         lp.target,
			Prober:         opts.Prober,
			ReadBufferSize: c.ReadBufferSize,
			ReadTimeout:    c.ReadTimeout(),
			Limiter:        opts.Limiter,
			Metrics:        opts.Metrics,
			Logger:         L,
		})
		spec, addr := lp.spec, lp.addr
		err := reg.Start(ctx, spec, func(ctx context.Context, setState func(listener.State)) error {
			return listener.New(listener.Options{
				Name:         spec.Name,
				Addr:         addr,
				Handler:      h,
				PollInterval: c.PollInterval(),
				MaxConns:     c.MaxConns,
				Listen:       opts.Listen,
				OnState:      setState,
				Metrics:      opts.Metrics,
				Logger:       L,
			}).Run(ctx)
		})
		if err != nil {
			reg.StopAll()
			_ = reg.Wait()
			return xerrors.Mark(err, xerrors.KindConfig)
		}
		L.Info(ctx, "listener started", "listener", spec.Name, "addr", addr, "mode", lp.target.Mode())
	}

	var g errgroup.Group
	g.Go(func() error {
		<-ctx.Done()
		L.Info(context.WithoutCancel(ctx), "stopping listeners")
		reg.StopAll()
		return nil
	})
	g.Go(reg.Wait)
	return g.Wait()
}
