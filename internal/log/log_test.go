package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/apiserver/internal/xerrors"
)

func newJSON(t *testing.T, opts Options) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts.Writer = &buf
	opts.JSON = true
	if opts.App == "" {
		opts.App = "apiserver"
	}
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

// lines decodes every JSON line written so far.
func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if ln == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(ln), &m); err != nil {
			t.Fatalf("bad json line %q: %v", ln, err)
		}
		out = append(out, m)
	}
	return out
}

func one(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	ls := lines(t, buf)
	if len(ls) != 1 {
		t.Fatalf("got %d lines, want 1: %s", len(ls), buf.String())
	}
	return ls[0]
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, " INFO ": slog.LevelInfo, "Warn": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("unknown level should fail")
	}
}

func TestInfo_BaseAttrsAndKV(t *testing.T) {
	l, buf := newJSON(t, Options{Level: slog.LevelInfo, Version: "v1.0.0", Commit: "none"})

	l.Info(context.Background(), "http server listening", "addr", ":8000", 42, "dropped", "dangling")

	m := one(t, buf)
	if m["msg"] != "http server listening" || m["level"] != "INFO" {
		t.Fatalf("line = %v", m)
	}
	if m["app"] != "apiserver" || m["version"] != "v1.0.0" || m["addr"] != ":8000" {
		t.Fatalf("attrs = %v", m)
	}
	if _, ok := m["commit"]; ok {
		t.Error("placeholder commit should not be logged")
	}
	if _, ok := m["dangling"]; ok {
		t.Error("dangling key should be dropped")
	}
	src, _ := m["source"].(map[string]any)
	if f, _ := src["file"].(string); !strings.HasSuffix(f, "log_test.go") {
		t.Errorf("source should be the caller, got %v", m["source"])
	}
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newJSON(t, Options{Level: slog.LevelWarn})
	ctx := context.Background()

	l.Debug(ctx, "d")
	l.Info(ctx, "i")
	l.Warn(ctx, "w")
	l.Error(ctx, nil, "e")

	ls := lines(t, buf)
	if len(ls) != 2 || ls[0]["msg"] != "w" || ls[1]["msg"] != "e" {
		t.Fatalf("lines = %v", ls)
	}
}

func TestWith_ChildDoesNotLeakIntoParent(t *testing.T) {
	l, buf := newJSON(t, Options{})
	ctx := context.Background()

	child := l.With("component", "server")
	child.With("request_id", "abc").Info(ctx, "request")
	l.Info(ctx, "parent")

	ls := lines(t, buf)
	if ls[0]["component"] != "server" || ls[0]["request_id"] != "abc" {
		t.Fatalf("child line = %v", ls[0])
	}
	if _, ok := ls[1]["component"]; ok {
		t.Fatalf("parent picked up child attrs: %v", ls[1])
	}
}

func TestError_Fields(t *testing.T) {
	l, buf := newJSON(t, Options{IncludeErrorLinks: true})

	base := io.ErrUnexpectedEOF
	err := xerrors.Wrap(xerrors.Wrapf(base, "read body"), "json-body")
	l.Error(context.Background(), err, "stage failed")

	m := one(t, buf)
	if m["err"] != "json-body: read body: unexpected EOF" {
		t.Errorf("err = %v", m["err"])
	}
	if m["error_type"] != "*errors.errorString" || m["cause_type"] != "*errors.errorString" {
		t.Errorf("types = %v / %v", m["error_type"], m["cause_type"])
	}
	chain, _ := m["error_chain"].([]any)
	if len(chain) != 3 {
		t.Errorf("error_chain = %v", m["error_chain"])
	}
	links, _ := m["error_links"].([]any)
	if len(links) != 2 {
		t.Fatalf("error_links = %v", m["error_links"])
	}
	first, _ := links[0].(map[string]any)
	if f, _ := first["file"].(string); !strings.HasSuffix(f, "log_test.go") {
		t.Errorf("first link file = %v", first["file"])
	}
	if s, _ := m["stack"].(string); s == "" {
		t.Error("error level should carry a stack")
	}
}

func TestError_MaxLinks(t *testing.T) {
	l, buf := newJSON(t, Options{IncludeErrorLinks: true, MaxErrorLinks: 1})
	err := xerrors.Wrap(xerrors.Wrap(errors.New("root"), "a"), "b")
	l.Error(context.Background(), err, "x")

	links, _ := one(t, buf)["error_links"].([]any)
	if len(links) != 1 {
		t.Fatalf("links = %v", links)
	}
}

func TestError_JoinedChain(t *testing.T) {
	l, buf := newJSON(t, Options{})
	err := errors.Join(errors.New("PORT must be 1..65535"), errors.New("DATABASE is required"))
	l.Error(context.Background(), err, "config")

	chain, _ := one(t, buf)["error_chain"].([]any)
	if len(chain) != 3 {
		t.Fatalf("chain = %v", chain)
	}
}

func TestStack_UsesErrorStack(t *testing.T) {
	l, buf := newJSON(t, Options{})
	err := xerrors.New("database: not connected")
	l.Error(context.Background(), err, "probe")

	s, _ := one(t, buf)["stack"].(string)
	if !strings.Contains(s, "TestStack_UsesErrorStack") {
		t.Fatalf("stack should start where the error was made:\n%s", s)
	}
}

func TestStack_Threshold(t *testing.T) {
	l, buf := newJSON(t, Options{Level: slog.LevelDebug, StacktraceLevel: slog.LevelWarn})
	ctx := context.Background()
	l.Info(ctx, "no stack")
	l.Warn(ctx, "stack")

	ls := lines(t, buf)
	if _, ok := ls[0]["stack"]; ok {
		t.Error("info should not carry a stack")
	}
	if _, ok := ls[1]["stack"]; !ok {
		t.Error("warn should carry a stack at threshold warn")
	}
}

func TestTraceIDs(t *testing.T) {
	l, buf := newJSON(t, Options{})
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced")
	l.Info(context.Background(), "untraced")

	ls := lines(t, buf)
	if ls[0]["trace_id"] != sc.TraceID().String() || ls[0]["span_id"] != sc.SpanID().String() {
		t.Errorf("trace line = %v", ls[0])
	}
	if _, ok := ls[1]["trace_id"]; ok {
		t.Error("no span, no trace_id")
	}
}

func TestLogfmt(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(Options{App: "apiserver", Writer: &buf})
	l.Info(context.Background(), "hello", "port", 8000)
	out := buf.String()
	if !strings.Contains(out, "msg=hello") || !strings.Contains(out, "port=8000") {
		t.Fatalf("logfmt output = %q", out)
	}
}

func TestContext(t *testing.T) {
	if _, ok := FromContext(context.Background()).(nopLogger); !ok {
		t.Fatal("empty context should give Nop")
	}
	l, _ := newJSON(t, Options{})
	if FromContext(WithContext(context.Background(), l)) != l {
		t.Fatal("logger not round-tripped")
	}
	if _, ok := FromContext(WithContext(context.Background(), nil)).(nopLogger); !ok {
		t.Fatal("nil logger in context should give Nop")
	}
}

func TestNop(t *testing.T) {
	n := Nop()
	ctx := context.Background()
	n.Debug(ctx, "x")
	n.Info(ctx, "x")
	n.Warn(ctx, "x")
	n.Error(ctx, errors.New("x"), "x")
	if n.With("k", "v") == nil || n.Sync() != nil {
		t.Fatal("nop misbehaves")
	}
}
