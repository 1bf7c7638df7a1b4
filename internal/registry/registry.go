// Package registry tracks the running listener loops, keyed by port. Each
// entry owns the cancel func of its loop.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/georgemihalcea/ldapcheck/internal/listener"
	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

type Spec struct {
	Name   string
	Port   int
	Secure bool
}

// Status is a point-in-time view of one entry, served at /-/listeners.
type Status struct {
	Name      string    `json:"name"`
	Port      int       `json:"port"`
	Secure    bool      `json:"secure"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Since     time.Time `json:"state_since"`
	Err       string    `json:"error,omitempty"`
}

// RunFunc runs one loop until ctx is cancelled, reporting transitions
// through setState.
type RunFunc func(ctx context.Context, setState func(listener.State)) error

type entry struct {
	spec      Spec
	state     listener.State
	startedAt time.Time
	since     time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

type Registry struct {
	mu      sync.Mutex
	entries map[int]*entry
	onState func(name string, s listener.State)
	now     func() time.Time
}

type Option func(*Registry)

// WithOnState is called after every recorded transition.
func WithOnState(fn func(name string, s listener.State)) Option {
	return func(r *Registry) { r.onState = fn }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[int]*entry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start runs run in a new goroutine under a child of ctx and registers it
// under spec.Port. A port can be registered once.
func (r *Registry) Start(ctx context.Context, spec Spec, run RunFunc) error {
	r.mu.Lock()
	if _, ok := r.entries[spec.Port]; ok {
		r.mu.Unlock()
		return xerrors.Newf("listener for port %d already registered", spec.Port)
	}
	cctx, cancel := context.WithCancel(ctx)
	now := r.now()
	e := &entry{
		spec:      spec,
		state:     listener.StateStopped,
		startedAt: now,
		since:     now,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.entries[spec.Port] = e
	r.mu.Unlock()

	go func() {
		defer close(e.done)
		err := run(cctx, func(s listener.State) { r.setState(spec.Port, s) })
		r.mu.Lock()
		e.err = err
		r.mu.Unlock()
	}()
	return nil
}

func (r *Registry) setState(port int, s listener.State) {
	r.mu.Lock()
	e, ok := r.entries[port]
	if ok && e.state != s {
		e.state = s
		e.since = r.now()
	}
	r.mu.Unlock()
	if ok && r.onState != nil {
		r.onState(e.spec.Name, s)
	}
}

// Snapshot returns all entries ordered by port.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		st := Status{
			Name:      e.spec.Name,
			Port:      e.spec.Port,
			Secure:    e.spec.Secure,
			State:     e.state.String(),
			StartedAt: e.startedAt,
			Since:     e.since,
		}
		if e.err != nil {
			st.Err = e.err.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Ready passes once every registered loop is accepting.
func (r *Registry) Ready(context.Context) error {
	snap := r.Snapshot()
	if len(snap) == 0 {
		return xerrors.New("no listeners registered")
	}
	var waiting []string
	for _, s := range snap {
		if s.State != listener.StateAccepting.String() {
			waiting = append(waiting, s.Name+": "+s.State)
		}
	}
	if len(waiting) > 0 {
		return xerrors.Newf("listeners not accepting: %s", strings.Join(waiting, ", "))
	}
	return nil
}

// StopAll cancels every loop. It does not wait; see Wait.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.cancel()
	}
}

// Wait blocks until every loop has returned and joins their errors.
func (r *Registry) Wait() error {
	r.mu.Lock()
	dones := make([]chan struct{}, 0, len(r.entries))
	for _, e := range r.entries {
		dones = append(dones, e.done)
	}
	r.mu.Unlock()

	for _, d := range dones {
		<-d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, e := range r.entries {
		if e.err != nil {
			errs = append(errs, xerrors.Wrapf(e.err, "listener %s", e.spec.Name))
		}
	}
	return errors.Join(errs...)
}
