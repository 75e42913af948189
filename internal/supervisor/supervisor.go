package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/keithlinneman/apiserver/internal/health"
	"github.com/keithlinneman/apiserver/internal/log"
	"github.com/keithlinneman/apiserver/internal/xerrors"
)

// DefaultDrainTimeout bounds a graceful shutdown.
const DefaultDrainTimeout = 10 * time.Second

type Options struct {
	Logger       log.Logger
	DrainTimeout time.Duration
	// OnStateChange and OnFatal are metric hooks.
	OnStateChange func(State)
	OnFatal       func(Strategy)
	// Exit ends the process when a fatal error arrives before Run. os.Exit by default.
	Exit func(code int)
}

// Closer releases a resource during shutdown.
type Closer func(ctx context.Context) error

// Listener is a started server as seen by the supervisor.
type Listener struct {
	// Done delivers an error if the server stops serving on its own.
	Done <-chan error
	// Stop stops accepting connections and waits for in-flight requests.
	Stop func(ctx context.Context) error
}

// Lifecycle is the startup sequence Run drives.
type Lifecycle struct {
	Connect func(ctx context.Context) (Closer, error)
	Listen  func(ctx context.Context) (Listener, error)
}

type Supervisor struct {
	mu      sync.RWMutex
	L       log.Logger
	opts    Options
	state   atomic.Int32
	running atomic.Bool

	fatal     chan Fatal
	fatalOnce sync.Once
	exitOnce  sync.Once
}

func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	return &Supervisor{
		L:     opts.Logger,
		opts:  opts,
		fatal: make(chan Fatal, 1),
	}
}

// SetLogger swaps the logger once logging is configured. Crash handlers are
// installed before that.
func (s *Supervisor) SetLogger(L log.Logger) {
	if L == nil {
		return
	}
	s.mu.Lock()
	s.L = L
	s.mu.Unlock()
}

// SetDrainTimeout replaces the shutdown bound once config is loaded.
func (s *Supervisor) SetDrainTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.opts.DrainTimeout = d
	s.mu.Unlock()
}

func (s *Supervisor) drainTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts.DrainTimeout
}

func (s *Supervisor) logger() log.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.L
}

// Install returns a context cancelled on SIGINT or SIGTERM. Call it first in
// main, together with defer s.Recover().
func (s *Supervisor) Install(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	s.logger().Info(context.Background(), "process state changed", "from", prev.String(), "to", st.String())
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
}

// HandleUncaught is the synchronous crash handler: log, then exit without
// draining.
func (s *Supervisor) HandleUncaught(err error) {
	s.handle(Fatal{Err: err, Strategy: Immediate})
}

// HandleUnhandled is the asynchronous crash handler: log, drain, then exit.
func (s *Supervisor) HandleUnhandled(err error) {
	s.handle(Fatal{Err: err, Strategy: Drain})
}

func (s *Supervisor) handle(f Fatal) {
	if f.Err == nil {
		f.Err = xerrors.New("unknown fatal error")
	}
	ctx := context.Background()
	L := s.logger()

	accepted := false
	s.fatalOnce.Do(func() {
		accepted = true
		if s.opts.OnFatal != nil {
			s.opts.OnFatal(f.Strategy)
		}
		s.fatal <- f
	})
	if !accepted {
		L.Error(ctx, f.Err, "fatal error while already shutting down, ignored", "strategy", f.Strategy.String())
		return
	}

	switch f.Strategy {
	case Immediate:
		L.Error(ctx, f.Err, "uncaught error, shutting down immediately")
	default:
		L.Error(ctx, f.Err, "unhandled error, shutting down gracefully")
	}

	// nothing is listening yet, there is nothing to drain
	if !s.running.Load() {
		s.crash()
	}
}

func (s *Supervisor) crash() {
	s.setState(Crashed)
	_ = s.logger().Sync()
	s.exitOnce.Do(func() { s.opts.Exit(1) })
}

// Recover turns a panic into HandleUncaught and exits 1. Use as
// defer s.Recover() at the top of main and of every goroutine not started
// with Go. The exit is unconditional: a panic unwinding through Run never
// reaches Run's return value.
func (s *Supervisor) Recover() {
	if rec := recover(); rec != nil {
		s.HandleUncaught(panicError(rec))
		s.crash()
	}
}

// Graceful reports whether deferred cleanup should still run. It is false
// once the process has crashed, where the exit must not wait on shutdowns.
func (s *Supervisor) Graceful() bool { return s.State() != Crashed }

func panicError(rec any) error {
	err, ok := rec.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", rec)
	}
	return xerrors.Wrapf(err, "panic\n%s", debug.Stack())
}

// Go runs fn in a goroutine. A panic is uncaught (immediate exit), a returned
// error is unhandled (drain then exit).
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.HandleUncaught(xerrors.Wrapf(panicError(rec), "goroutine %s", name))
			}
		}()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			s.HandleUnhandled(xerrors.Wrapf(err, "goroutine %s", name))
		}
	}()
}

// Run connects, listens and blocks until ctx is cancelled (status 0 after a
// drain) or a fatal error arrives (status 1). Database connect failure is
// fatal.
func (s *Supervisor) Run(ctx context.Context, lc Lifecycle) int {
	s.running.Store(true)
	L := s.logger()

	s.setState(ConnectingDB)
	closeDB, err := lc.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.setState(ShuttingDown)
			return 0
		}
		L.Error(ctx, err, "database connection failed")
		s.setState(Crashed)
		return 1
	}

	ln, err := lc.Listen(ctx)
	if err != nil {
		L.Error(ctx, err, "listener failed to start")
		s.closeDB(closeDB)
		s.setState(Crashed)
		return 1
	}
	s.setState(Listening)

	if ln.Done != nil {
		go func() {
			if err, ok := <-ln.Done; ok && err != nil {
				s.HandleUnhandled(err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		L.Info(context.Background(), "shutdown signal received")
		s.setState(ShuttingDown)
		s.drain(ln, closeDB)
		return 0
	case f := <-s.fatal:
		if f.Strategy == Immediate {
			s.setState(Crashed)
			_ = L.Sync()
			return 1
		}
		s.setState(ShuttingDown)
		s.drain(ln, closeDB)
		return 1
	}
}

func (s *Supervisor) drain(ln Listener, closeDB Closer) {
	L := s.logger()
	ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout())
	defer cancel()

	if ln.Stop != nil {
		if err := ln.Stop(ctx); err != nil {
			L.Error(ctx, err, "listener did not drain cleanly")
		}
	}
	s.closeDBWith(ctx, closeDB)
	_ = L.Sync()
}

func (s *Supervisor) closeDB(closeDB Closer) {
	ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout())
	defer cancel()
	s.closeDBWith(ctx, closeDB)
}

func (s *Supervisor) closeDBWith(ctx context.Context, closeDB Closer) {
	if closeDB == nil {
		return
	}
	if err := closeDB(ctx); err != nil {
		s.logger().Error(ctx, err, "database close failed")
	}
}

// Ready passes only while the process is Listening.
func (s *Supervisor) Ready() health.CheckFunc {
	return func(context.Context) error {
		if st := s.State(); st != Listening {
			return xerrors.Newf("process %s", st)
		}
		return nil
	}
}

// Live fails once the process has crashed.
func (s *Supervisor) Live() health.CheckFunc {
	return func(context.Context) error {
		if s.State() == Crashed {
			return xerrors.New("process crashed")
		}
		return nil
	}
}
