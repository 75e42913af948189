package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/apiserver/internal/httpmw"
	"github.com/keithlinneman/apiserver/internal/pipeline"
)

const (
	DefaultMax         = 500
	DefaultWindow      = time.Hour
	DefaultMaxVisitors = 100000
	// DefaultMessage is the plain-text body of a 429.
	DefaultMessage = "Too many requests have been made from this device. Please try again in an hour."
)

// visitor is one client's current window.
type visitor struct {
	count       int
	windowStart time.Time
	// logged is set once the first denial of the window has been reported
	logged bool
}

// Decision is the result of counting one request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is when the client's window closes.
	Reset time.Time
}

// IPLimiter holds per-client counters with background eviction.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	max    int
	window time.Duration
	now    func() time.Time

	// maxVisitors bounds memory; once it is reached new clients are admitted
	// untracked. 0 disables the bound.
	maxVisitors int
	capacityLog rate.Sometimes

	// OnFirstDenied is called once per client window on its first denial.
	OnFirstDenied func(ip string)
	// OnDenied is called on every denied request.
	OnDenied func(ip string)
	// OnCapacity is called when a new client goes untracked because the
	// table is full. Calls are throttled to one per minute.
	OnCapacity func()
}

type Option func(*IPLimiter)

// WithLimit admits max requests per client per window.
func WithLimit(max int, window time.Duration) Option {
	return func(l *IPLimiter) {
		l.max = max
		l.window = window
	}
}

func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) {
		l.maxVisitors = n
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *IPLimiter) {
		l.now = now
	}
}

// WithOnFirstDenied sets a callback for the first denial per client window,
// used for logging. OnDenied is separate so counters see every denial.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.OnFirstDenied = fn
	}
}

func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.OnDenied = fn
	}
}

func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) {
		l.OnCapacity = fn
	}
}

// New creates an IPLimiter and starts the cleanup goroutine, which exits
// when ctx is cancelled.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:    make(map[string]*visitor),
		max:         DefaultMax,
		window:      DefaultWindow,
		now:         time.Now,
		maxVisitors: DefaultMaxVisitors,
		capacityLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, o := range opts {
		o(l)
	}
	if l.max <= 0 {
		l.max = DefaultMax
	}
	if l.window <= 0 {
		l.window = DefaultWindow
	}
	go l.cleanup(ctx)
	return l
}

// Limit is the per-window maximum.
func (l *IPLimiter) Limit() int { return l.max }

// Window is the window length.
func (l *IPLimiter) Window() time.Duration { return l.window }

// Allow counts one request for ip and reports whether it is admitted.
func (l *IPLimiter) Allow(ip string) Decision {
	now := l.now()

	l.mu.Lock()
	v, exists := l.visitors[ip]
	if exists && now.Sub(v.windowStart) >= l.window {
		v.count, v.windowStart, v.logged = 0, now, false
	}
	if !exists {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			l.mu.Unlock()
			if l.OnCapacity != nil {
				l.capacityLog.Do(l.OnCapacity)
			}
			// fail open: the client is admitted but not counted until
			// eviction frees a slot
			return Decision{Allowed: true, Limit: l.max, Remaining: l.max - 1, Reset: now.Add(l.window)}
		}
		v = &visitor{windowStart: now}
		l.visitors[ip] = v
	}

	v.count++
	d := Decision{
		Allowed:   v.count <= l.max,
		Limit:     l.max,
		Remaining: max(l.max-v.count, 0),
		Reset:     v.windowStart.Add(l.window),
	}
	first := !d.Allowed && !v.logged
	if first {
		v.logged = true
	}
	// hooks may be slow, never call them under the lock
	l.mu.Unlock()

	if first && l.OnFirstDenied != nil {
		l.OnFirstDenied(ip)
	}
	if !d.Allowed && l.OnDenied != nil {
		l.OnDenied(ip)
	}
	return d
}

// cleanup evicts clients whose window has closed. An evicted client simply
// starts a fresh window on its next request.
func (l *IPLimiter) cleanup(ctx context.Context) {
	interval := l.window / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictExpired()
		}
	}
}

func (l *IPLimiter) evictExpired() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, v := range l.visitors {
		if now.Sub(v.windowStart) >= l.window {
			delete(l.visitors, ip)
			n++
		}
	}
	return n
}

// Visitors is the number of tracked clients.
func (l *IPLimiter) Visitors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Stage returns the pipeline stage limiting requests whose path is prefix or
// below it (segment-wise, case-insensitive). Other paths are not counted.
// Denied requests get 429 with message as a plain-text body; every counted
// request carries X-RateLimit-* headers. The client key is the address
// resolved by httpmw.ClientIP.
func (l *IPLimiter) Stage(prefix, message string) pipeline.Stage {
	if message == "" {
		message = DefaultMessage
	}
	prefix = strings.TrimRight(prefix, "/")
	return pipeline.Stage{
		Name: "rate-limit",
		Run: func(q *pipeline.Request) pipeline.Outcome {
			if !underPrefix(q.Path, prefix) {
				return pipeline.Continue()
			}
			ip := httpmw.ClientIPFromContext(q.Context())
			d := l.Allow(ip)

			h := q.ResponseHeader()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(ceilUnix(d.Reset), 10))
			if d.Allowed {
				return pipeline.Continue()
			}
			retry := int(d.Reset.Sub(l.now()).Round(time.Second) / time.Second)
			h.Set("Retry-After", strconv.Itoa(max(retry, 1)))
			return pipeline.Respond(pipeline.Text(http.StatusTooManyRequests, message))
		},
	}
}

func underPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if len(path) < len(prefix) || !strings.EqualFold(path[:len(prefix)], prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func ceilUnix(t time.Time) int64 {
	s := t.Unix()
	if t.Nanosecond() > 0 {
		s++
	}
	return s
}
