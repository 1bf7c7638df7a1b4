package listener

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/georgemihalcea/ldapcheck/internal/log"
)

type handlerFunc func(ctx context.Context, conn net.Conn)

func (f handlerFunc) Handle(ctx context.Context, conn net.Conn) { f(ctx, conn) }

type countingMetrics struct {
	accepted, bindFailures, acceptErrors atomic.Int32
}

func (m *countingMetrics) IncAccepted(string)    { m.accepted.Add(1) }
func (m *countingMetrics) IncBindFailure(string) { m.bindFailures.Add(1) }
func (m *countingMetrics) IncAcceptError(string) { m.acceptErrors.Add(1) }

// stateLog records OnState transitions.
type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (s *stateLog) record(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
}

func (s *stateLog) snapshot() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...)
}

func loopbackListen(ctx context.Context, _ string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", "127.0.0.1:0")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// runLoop starts l and returns a stop func that cancels it and waits.
func runLoop(t *testing.T, l *Loop) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Run returned %v, want nil", err)
				}
			case <-time.After(5 * time.Second):
				t.Error("Run did not return after cancel")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestState_String(t *testing.T) {
	want := map[State]string{
		StateBinding:   "binding",
		StateListening: "listening",
		StateAccepting: "accepting",
		StateStopped:   "stopped",
		State(42):      "unknown",
	}
	for s, w := range want {
		if s.String() != w {
			t.Errorf("State(%d) = %q, want %q", int(s), s.String(), w)
		}
	}
}

func TestLoop_RetriesBindUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	m := &countingMetrics{}
	served := make(chan struct{}, 1)

	l := New(Options{
		Name:         "plain",
		Addr:         "127.0.0.1:0",
		PollInterval: 10 * time.Millisecond,
		Metrics:      m,
		Listen: func(ctx context.Context, addr string) (net.Listener, error) {
			if attempts.Add(1) <= 3 {
				return nil, errors.New("bind: address already in use")
			}
			return loopbackListen(ctx, addr)
		},
		Handler: handlerFunc(func(_ context.Context, conn net.Conn) {
			conn.Close()
			served <- struct{}{}
		}),
	})
	runLoop(t, l)

	waitFor(t, "accepting", func() bool { return l.State() == StateAccepting })
	if got := m.bindFailures.Load(); got != 3 {
		t.Fatalf("bind failures = %d, want 3", got)
	}

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}
	if m.accepted.Load() != 1 {
		t.Fatalf("accepted = %d, want 1", m.accepted.Load())
	}
}

func TestLoop_BindFailureLoggedWithKind(t *testing.T) {
	var buf bytes.Buffer
	L, err := log.New(log.Options{App: "test", Level: slog.LevelDebug, Writer: &buf})
	if err != nil {
		t.Fatalf("log.New: %v", err)
	}
	m := &countingMetrics{}

	l := New(Options{
		Name:         "secure",
		Addr:         "127.0.0.1:0",
		PollInterval: 10 * time.Millisecond,
		Metrics:      m,
		Logger:       L,
		Listen: func(context.Context, string) (net.Listener, error) {
			return nil, errors.New("bind: address already in use")
		},
		Handler: handlerFunc(func(_ context.Context, conn net.Conn) { conn.Close() }),
	})
	stop := runLoop(t, l)
	waitFor(t, "a failed bind", func() bool { return m.bindFailures.Load() >= 1 })
	stop()

	out := buf.String()
	if !strings.Contains(out, `msg="listen failed, retrying"`) || !strings.Contains(out, "error_kind=bind") {
		t.Fatalf("bind failure record missing kind:\n%s", out)
	}
}

func TestLoop_BindRetryIsPaced(t *testing.T) {
	var attempts atomic.Int32
	l := New(Options{
		Name:         "plain",
		Addr:         "127.0.0.1:0",
		PollInterval: 100 * time.Millisecond,
		Listen: func(context.Context, string) (net.Listener, error) {
			attempts.Add(1)
			return nil, errors.New("bind failed")
		},
		Handler: handlerFunc(func(context.Context, net.Conn) {}),
	})
	stop := runLoop(t, l)

	time.Sleep(350 * time.Millisecond)
	stop()

	// one immediate attempt plus one per poll interval
	if got := attempts.Load(); got < 2 || got > 5 {
		t.Fatalf("attempts = %d in 350ms at 100ms pacing", got)
	}
}

func TestLoop_SlowHandlerDoesNotBlockNextConnection(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	var calls atomic.Int32
	second := make(chan struct{})

	l := New(Options{
		Name:   "secure",
		Addr:   "127.0.0.1:0",
		Listen: loopbackListen,
		Handler: handlerFunc(func(_ context.Context, conn net.Conn) {
			defer conn.Close()
			if calls.Add(1) == 1 {
				<-release
				return
			}
			close(second)
		}),
	})
	runLoop(t, l)
	waitFor(t, "accepting", func() bool { return l.State() == StateAccepting })

	c1, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer c1.Close()
	waitFor(t, "first handler", func() bool { return calls.Load() == 1 })

	c2, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	defer c2.Close()

	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("second connection was blocked by the first handler")
	}
}

func TestLoop_MaxConnsBoundsHandlers(t *testing.T) {
	release := make(chan struct{})
	var running, peak atomic.Int32

	l := New(Options{
		Name:     "plain",
		Addr:     "127.0.0.1:0",
		Listen:   loopbackListen,
		MaxConns: 2,
		Handler: handlerFunc(func(_ context.Context, conn net.Conn) {
			defer conn.Close()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		}),
	})
	runLoop(t, l)
	waitFor(t, "accepting", func() bool { return l.State() == StateAccepting })

	var conns []net.Conn
	for i := 0; i < 4; i++ {
		c, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns = append(conns, c)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	waitFor(t, "two handlers", func() bool { return running.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := running.Load(); got != 2 {
		t.Fatalf("running = %d, want 2 at the cap", got)
	}

	close(release)
	waitFor(t, "all handlers", func() bool { return running.Load() == 0 && peak.Load() == 2 })
}

func TestLoop_HandlerContextSurvivesCancel(t *testing.T) {
	gotCtx := make(chan context.Context, 1)
	l := New(Options{
		Name:   "plain",
		Addr:   "127.0.0.1:0",
		Listen: loopbackListen,
		Handler: handlerFunc(func(ctx context.Context, conn net.Conn) {
			conn.Close()
			gotCtx <- ctx
		}),
	})
	stop := runLoop(t, l)
	waitFor(t, "accepting", func() bool { return l.State() == StateAccepting })

	c, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.Close()

	ctx := <-gotCtx
	stop()
	if ctx.Err() != nil {
		t.Fatal("handler context should not be cancelled by loop shutdown")
	}
}

func TestLoop_StopClosesListener(t *testing.T) {
	states := &stateLog{}
	l := New(Options{
		Name:    "plain",
		Addr:    "127.0.0.1:0",
		Listen:  loopbackListen,
		OnState: states.record,
		Handler: handlerFunc(func(_ context.Context, conn net.Conn) { conn.Close() }),
	})
	stop := runLoop(t, l)
	waitFor(t, "accepting", func() bool { return l.State() == StateAccepting })
	addr := l.Addr().String()

	stop()

	if l.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", l.State())
	}
	if c, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		c.Close()
		t.Fatal("listener still accepting after stop")
	}

	want := []State{StateBinding, StateListening, StateAccepting, StateStopped}
	got := states.snapshot()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}

// flakyListener fails Accept with err for the first n calls.
type flakyListener struct {
	net.Listener
	err   error
	fails atomic.Int32
}

func (f *flakyListener) Accept() (net.Conn, error) {
	if f.fails.Add(-1) >= 0 {
		return nil, f.err
	}
	return f.Listener.Accept()
}

func TestLoop_AcceptErrorKeepsAccepting(t *testing.T) {
	m := &countingMetrics{}
	var listens atomic.Int32
	served := make(chan struct{}, 1)

	l := New(Options{
		Name:    "plain",
		Addr:    "127.0.0.1:0",
		Metrics: m,
		Listen: func(ctx context.Context, addr string) (net.Listener, error) {
			listens.Add(1)
			ln, err := loopbackListen(ctx, addr)
			if err != nil {
				return nil, err
			}
			fl := &flakyListener{Listener: ln, err: errors.New("accept: too many open files")}
			fl.fails.Store(2)
			return fl, nil
		},
		Handler: handlerFunc(func(_ context.Context, conn net.Conn) {
			conn.Close()
			served <- struct{}{}
		}),
	})
	runLoop(t, l)
	waitFor(t, "accept errors", func() bool { return m.acceptErrors.Load() == 2 })

	c, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("loop stopped accepting after transient errors")
	}
	if listens.Load() != 1 {
		t.Fatalf("listens = %d, want 1 (no rebind on transient errors)", listens.Load())
	}
}

func TestLoop_ClosedListenerRebinds(t *testing.T) {
	var listens atomic.Int32
	l := New(Options{
		Name:         "plain",
		Addr:         "127.0.0.1:0",
		PollInterval: 10 * time.Millisecond,
		Listen: func(ctx context.Context, addr string) (net.Listener, error) {
			ln, err := loopbackListen(ctx, addr)
			if err != nil {
				return nil, err
			}
			if listens.Add(1) == 1 {
				// first socket dies right away
				ln.Close()
			}
			return ln, nil
		},
		Handler: handlerFunc(func(_ context.Context, conn net.Conn) { conn.Close() }),
	})
	runLoop(t, l)

	waitFor(t, "rebind", func() bool { return listens.Load() >= 2 && l.State() == StateAccepting })
}

func TestListen_Loopback(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			c.Close()
		}
	}()
	c, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	c.Close()
}

func TestListen_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	if ln2, err := Listen(context.Background(), ln.Addr().String()); err == nil {
		ln2.Close()
		t.Fatal("Listen on a busy port should fail")
	}
}

func TestListen_BadAddress(t *testing.T) {
	if _, err := Listen(context.Background(), "no-port"); err == nil {
		t.Fatal("Listen without a port should fail")
	}
}
