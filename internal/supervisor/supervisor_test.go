package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeListener records Stop and lets a test fail Serve.
type fakeListener struct {
	done    chan error
	stopped atomic.Bool
	// inflight is released before Stop returns, simulating a drain
	inflight chan struct{}
}

func newFakeListener() *fakeListener {
	return &fakeListener{done: make(chan error, 1)}
}

func (f *fakeListener) listener() Listener {
	return Listener{
		Done: f.done,
		Stop: func(ctx context.Context) error {
			if f.inflight != nil {
				<-f.inflight
			}
			f.stopped.Store(true)
			return nil
		},
	}
}

type recorder struct {
	mu      sync.Mutex
	states  []State
	fatals  []Strategy
	exits   []int
	dbClose atomic.Bool
}

func (r *recorder) opts() Options {
	return Options{
		DrainTimeout: time.Second,
		OnStateChange: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnFatal: func(s Strategy) {
			r.mu.Lock()
			r.fatals = append(r.fatals, s)
			r.mu.Unlock()
		},
		Exit: func(code int) {
			r.mu.Lock()
			r.exits = append(r.exits, code)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) lifecycle(ln *fakeListener) Lifecycle {
	return Lifecycle{
		Connect: func(ctx context.Context) (Closer, error) {
			return func(context.Context) error { r.dbClose.Store(true); return nil }, nil
		},
		Listen: func(ctx context.Context) (Listener, error) { return ln.listener(), nil },
	}
}

func (r *recorder) stateList() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

// runAsync starts Run and returns a channel with its exit status.
func runAsync(s *Supervisor, ctx context.Context, lc Lifecycle) <-chan int {
	out := make(chan int, 1)
	go func() { out <- s.Run(ctx, lc) }()
	return out
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", s.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitExit(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case code := <-ch:
		return code
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return -1
	}
}

func TestRun_SignalDrainsAndExitsZero(t *testing.T) {
	rec := &recorder{}
	s := New(rec.opts())
	ln := newFakeListener()
	ctx, cancel := context.WithCancel(context.Background())

	ch := runAsync(s, ctx, rec.lifecycle(ln))
	waitState(t, s, Listening)
	cancel()

	if code := waitExit(t, ch); code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}
	if !ln.stopped.Load() || !rec.dbClose.Load() {
		t.Fatal("listener and database should be closed on signal")
	}
	want := []State{ConnectingDB, Listening, ShuttingDown}
	got := rec.stateList()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestRun_UncaughtExitsImmediately(t *testing.T) {
	rec := &recorder{}
	s := New(rec.opts())
	ln := newFakeListener()

	ch := runAsync(s, context.Background(), rec.lifecycle(ln))
	waitState(t, s, Listening)
	s.HandleUncaught(errors.New("boom"))

	if code := waitExit(t, ch); code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if ln.stopped.Load() {
		t.Fatal("immediate strategy must not drain the listener")
	}
	if s.State() != Crashed {
		t.Fatalf("state = %s, want crashed", s.State())
	}
	if len(rec.exits) != 0 {
		t.Fatalf("Exit called %v, Run should return the status instead", rec.exits)
	}
}

func TestRun_UnhandledDrainsThenExitsOne(t *testing.T) {
	rec := &recorder{}
	s := New(rec.opts())
	ln := newFakeListener()
	ln.inflight = make(chan struct{})

	ch := runAsync(s, context.Background(), rec.lifecycle(ln))
	waitState(t, s, Listening)
	s.HandleUnhandled(errors.New("rejected promise"))

	waitState(t, s, ShuttingDown)
	select {
	case <-ch:
		t.Fatal("Run returned before in-flight request completed")
	case <-time.After(50 * time.Millisecond):
	}
	close(ln.inflight)

	if code := waitExit(t, ch); code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !ln.stopped.Load() || !rec.dbClose.Load() {
		t.Fatal("drain should stop listener and close database")
	}
}

func TestRun_ListenerFailureIsUnhandled(t *testing.T) {
	rec := &recorder{}
	s := New(rec.opts())
	ln := newFakeListener()

	ch := runAsync(s, context.Background(), rec.lifecycle(ln))
	waitState(t, s, Listening)
	ln.done <- errors.New("accept: too many open files")

	if code := waitExit(t, ch); code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !ln.stopped.Load() {
		t.Fatal("listener failure should drain")
	}
	if len(rec.fatals) != 1 || rec.fatals[0] != Drain {
		t.Fatalf("fatals = %v, want [drain]", rec.fatals)
	}
}

func TestRun_FirstFatalWins(t *testing.T) {
	rec := &recorder{}
	s := New(rec.opts())
	ln := newFakeListener()

	ch := runAsync(s, context.Background(), rec.lifecycle(ln))
	waitState(t, s, Listening)
	s.HandleUnhandled(errors.New("first"))
	s.HandleUncaught(errors.New("second"))

	if code := waitExit(t, ch); code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !ln.stopped.Load() {
		t.Fatal("first (drain) strategy should have been applied")
	}
	if len(rec.fatals) != 1 {
		t.Fatalf("fatals = %v, want exactly one", rec.fatals)
	}
}

func TestRun_DatabaseFailureIsFatal(t *testing.T) {
	rec := &recorder{}
	s := New(rec.opts())
	listened := false

	code := s.Run(context.Background(), Lifecycle{
		Connect: func(ctx context.Context) (Closer, error) { return nil, errors.New("server selection timeout") },
		Listen: func(ctx context.Context) (Listener, error) {
			listened = true
			return Listener{}, nil
		},
	})
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if listened {
		t.Fatal("must not listen without a database")
	}
	if s.State() != Crashed {
		t.Fatalf("state = %s, want crashed", s.State())
	}
}

func TestRun_ListenFailureClosesDatabase(t *testing.T) {
	rec := &recorder{}
	s := New(rec.opts())
	lc := rec.lifecycle(nil)
	lc.Listen = func(ctx context.Context) (Listener, error) { return Listener{}, errors.New("address already in use") }

	if code := s.Run(context.Background(), lc); code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !rec.dbClose.Load() {
		t.Fatal("database should be closed when listen fails")
	}
}

func TestHandle_BeforeRunExits(t *testing.T) {
	rec := &recorder{}
	s := New(rec.opts())

	s.HandleUncaught(errors.New("bad config"))
	if len(rec.exits) != 1 || rec.exits[0] != 1 {
		t.Fatalf("exits = %v, want [1]", rec.exits)
	}
	if s.State() != Crashed {
		t.Fatalf("state = %s, want crashed", s.State())
	}
}

func TestRecover(t *testing.T) {
	rec := &recorder{}
	s := New(rec.opts())

	func() {
		defer s.Recover()
		panic("main exploded")
	}()

	if len(rec.fatals) != 1 || rec.fatals[0] != Immediate {
		t.Fatalf("fatals = %v, want [immediate]", rec.fatals)
	}
	if len(rec.exits) != 1 {
		t.Fatalf("exits = %v, want one exit", rec.exits)
	}
}

func TestRecover_PanicInsideRunExits(t *testing.T) {
	rec := &recorder{}
	s := New(rec.opts())

	func() {
		defer s.Recover()
		s.Run(context.Background(), Lifecycle{
			Connect: func(context.Context) (Closer, error) { panic("driver exploded") },
		})
	}()

	if len(rec.exits) != 1 || rec.exits[0] != 1 {
		t.Fatalf("exits = %v, want [1]", rec.exits)
	}
	if s.State() != Crashed {
		t.Fatalf("state = %s, want crashed", s.State())
	}
	if s.Graceful() {
		t.Fatal("Graceful should be false after a crash")
	}
}

func TestGraceful(t *testing.T) {
	t.Run("signal", func(t *testing.T) {
		rec := &recorder{}
		s := New(rec.opts())
		ctx, cancel := context.WithCancel(context.Background())
		ch := runAsync(s, ctx, rec.lifecycle(newFakeListener()))
		waitState(t, s, Listening)
		cancel()
		if code := waitExit(t, ch); code != 0 {
			t.Fatalf("exit = %d, want 0", code)
		}
		if !s.Graceful() {
			t.Fatal("deferred cleanup should run after a signal")
		}
	})

	t.Run("uncaught", func(t *testing.T) {
		rec := &recorder{}
		s := New(rec.opts())
		ch := runAsync(s, context.Background(), rec.lifecycle(newFakeListener()))
		waitState(t, s, Listening)
		s.HandleUncaught(errors.New("boom"))
		if code := waitExit(t, ch); code != 1 {
			t.Fatalf("exit = %d, want 1", code)
		}
		if s.Graceful() {
			t.Fatal("deferred cleanup should be skipped after an uncaught error")
		}
	})
}

func TestGo_ErrorAndPanic(t *testing.T) {
	t.Run("error is unhandled", func(t *testing.T) {
		rec := &recorder{}
		s := New(rec.opts())
		ln := newFakeListener()
		ch := runAsync(s, context.Background(), rec.lifecycle(ln))
		waitState(t, s, Listening)

		s.Go(context.Background(), "refresher", func(ctx context.Context) error { return errors.New("lost") })
		if code := waitExit(t, ch); code != 1 {
			t.Fatalf("exit = %d, want 1", code)
		}
		if !ln.stopped.Load() {
			t.Fatal("returned error should drain")
		}
	})

	t.Run("panic is uncaught", func(t *testing.T) {
		rec := &recorder{}
		s := New(rec.opts())
		ln := newFakeListener()
		ch := runAsync(s, context.Background(), rec.lifecycle(ln))
		waitState(t, s, Listening)

		s.Go(context.Background(), "worker", func(ctx context.Context) error { panic("nil map") })
		if code := waitExit(t, ch); code != 1 {
			t.Fatalf("exit = %d, want 1", code)
		}
		if ln.stopped.Load() {
			t.Fatal("panic should not drain")
		}
	})

	t.Run("cancelled context is not fatal", func(t *testing.T) {
		rec := &recorder{}
		s := New(rec.opts())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		done := make(chan struct{})
		s.Go(ctx, "stopped", func(ctx context.Context) error {
			defer close(done)
			return ctx.Err()
		})
		<-done
		time.Sleep(10 * time.Millisecond)
		if len(rec.fatals) != 0 {
			t.Fatalf("fatals = %v, want none", rec.fatals)
		}
	})
}

func TestProbes(t *testing.T) {
	rec := &recorder{}
	s := New(rec.opts())
	ctx := context.Background()

	if err := s.Ready().Check(ctx); err == nil {
		t.Fatal("not ready before listening")
	}
	if err := s.Live().Check(ctx); err != nil {
		t.Fatalf("live before start: %v", err)
	}

	s.setState(Listening)
	if err := s.Ready().Check(ctx); err != nil {
		t.Fatalf("ready while listening: %v", err)
	}

	s.setState(ShuttingDown)
	if err := s.Ready().Check(ctx); err == nil {
		t.Fatal("not ready while shutting down")
	}

	s.setState(Crashed)
	if err := s.Live().Check(ctx); err == nil {
		t.Fatal("not live after crash")
	}
}

func TestStateStrings(t *testing.T) {
	for st, want := range map[State]string{
		Uninitialized: "uninitialized", ConnectingDB: "connecting_db", Listening: "listening",
		ShuttingDown: "shutting_down", Crashed: "crashed", State(99): "unknown",
	} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
	if Immediate.String() != "immediate" || Drain.String() != "drain" {
		t.Fatal("strategy strings")
	}
}

func TestSetDrainTimeout(t *testing.T) {
	s := New(Options{})
	if s.drainTimeout() != DefaultDrainTimeout {
		t.Fatalf("default = %v", s.drainTimeout())
	}
	s.SetDrainTimeout(3 * time.Second)
	s.SetDrainTimeout(0)
	if s.drainTimeout() != 3*time.Second {
		t.Fatalf("drain timeout = %v, want 3s", s.drainTimeout())
	}
}
