// Package listener runs the accept loop for one health-check port.
//
// A Loop moves Binding -> Listening -> Accepting and falls back to Binding
// whenever the listening socket breaks. Binding is retried forever, paced at
// the poll interval, until the context is cancelled.
package listener

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/georgemihalcea/ldapcheck/internal/log"
	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

// Backlog is the pending-connection queue depth of each listening socket.
const Backlog = 5

const maxAcceptBackoff = time.Second

type State int

const (
	StateBinding State = iota
	StateListening
	StateAccepting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateBinding:
		return "binding"
	case StateListening:
		return "listening"
	case StateAccepting:
		return "accepting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ListenFunc opens the listening socket for addr.
type ListenFunc func(ctx context.Context, addr string) (net.Listener, error)

type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn)
}

type Metrics interface {
	IncAccepted(listener string)
	IncBindFailure(listener string)
	IncAcceptError(listener string)
}

type Options struct {
	Name    string
	Addr    string
	Handler ConnHandler
	// PollInterval paces bind retries. Defaults to one second.
	PollInterval time.Duration
	// MaxConns caps concurrent handlers. 0 is unbounded.
	MaxConns int
	Listen   ListenFunc
	// OnState is called on every state transition.
	OnState func(State)
	Metrics Metrics
	Logger  log.Logger
}

type Loop struct {
	opts Options
	L    log.Logger
	m    Metrics
	sem  *semaphore.Weighted

	mu    sync.Mutex
	state State
	addr  net.Addr
}

func New(opts Options) *Loop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Listen == nil {
		opts.Listen = Listen
	}
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	m := opts.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	l := &Loop{
		opts:  opts,
		L:     L.With("listener", opts.Name, "addr", opts.Addr),
		m:     m,
		state: StateStopped,
	}
	if opts.MaxConns > 0 {
		l.sem = semaphore.NewWeighted(int64(opts.MaxConns))
	}
	return l
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Addr is the bound address while listening, nil otherwise.
func (l *Loop) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

func (l *Loop) setState(s State, addr net.Addr) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.addr = addr
	l.mu.Unlock()
	if changed && l.opts.OnState != nil {
		l.opts.OnState(s)
	}
}

// Run blocks until ctx is cancelled. Handlers already running are not
// waited for; they run on a context detached from ctx.
func (l *Loop) Run(ctx context.Context) error {
	defer l.setState(StateStopped, nil)

	pace := rate.NewLimiter(rate.Every(l.opts.PollInterval), 1)
	handlerCtx := context.WithoutCancel(ctx)

	for {
		l.setState(StateBinding, nil)
		if err := pace.Wait(ctx); err != nil {
			return nil
		}

		ln, err := l.opts.Listen(ctx, l.opts.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.m.IncBindFailure(l.opts.Name)
			l.L.Debug(ctx, "listen failed, retrying", "err", xerrors.Mark(err, xerrors.KindBind), "retry_in", l.opts.PollInterval.String())
			continue
		}

		l.setState(StateListening, ln.Addr())
		l.L.Info(ctx, "listening", "bound", ln.Addr().String())

		err = l.serve(ctx, handlerCtx, ln)
		_ = ln.Close()
		if ctx.Err() != nil {
			return nil
		}
		l.L.Debug(ctx, "listener failed, rebinding", "err", err)
	}
}

// serve accepts until the listener breaks or ctx is cancelled.
func (l *Loop) serve(ctx, handlerCtx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	l.setState(StateAccepting, ln.Addr())

	var backoff time.Duration
	for {
		if l.sem != nil {
			if err := l.sem.Acquire(ctx, 1); err != nil {
				return err
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			l.release()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return xerrors.Mark(xerrors.Wrap(err, "accept"), xerrors.KindAccept)
			}

			l.m.IncAcceptError(l.opts.Name)
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			l.L.Debug(ctx, "accept failed", "err", xerrors.Mark(err, xerrors.KindAccept), "retry_in", backoff.String())

			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			continue
		}
		backoff = 0

		l.m.IncAccepted(l.opts.Name)
		go func() {
			defer l.release()
			l.opts.Handler.Handle(handlerCtx, conn)
		}()
	}
}

func (l *Loop) release() {
	if l.sem != nil {
		l.sem.Release(1)
	}
}

type nopMetrics struct{}

func (nopMetrics) IncAccepted(string)    {}
func (nopMetrics) IncBindFailure(string) {}
func (nopMetrics) IncAcceptError(string) {}
