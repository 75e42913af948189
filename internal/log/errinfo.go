package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/keithlinneman/apiserver/internal/xerrors"
)

// loggingFrame reports frames that belong to the logging machinery rather
// than the code that logged.
func loggingFrame(fr runtime.Frame) bool {
	if strings.HasSuffix(fr.File, "_test.go") {
		return false
	}
	return strings.HasPrefix(fr.Function, "log/slog.") ||
		strings.Contains(fr.Function, "/internal/log.") ||
		strings.Contains(fr.Function, "/internal/xerrors.")
}

// renderStack prints func and file:line per frame, starting at the first
// frame outside logging code and stopping at the runtime.
func renderStack(pcs []uintptr) string {
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	started := false
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		if started || !loggingFrame(fr) {
			started = true
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

type frame struct {
	fn, file string
	line     int
}

func firstFrame(pcs []uintptr) (frame, bool) {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if fr.Function != "" && !strings.HasPrefix(fr.Function, "runtime.") && !loggingFrame(fr) {
			return frame{fr.Function, fr.File, fr.Line}, true
		}
		if !more {
			return frame{}, false
		}
	}
}

// errorChain lists the distinct messages down the Unwrap chain, then the
// members of a joined error.
func errorChain(err error) []string {
	var out []string
	last := ""
	add := func(s string) {
		if s != last {
			out = append(out, s)
			last = s
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

// errorLinks is the chain with call sites. The first link is always kept;
// later links only when their position is known.
func errorLinks(err error, max int) []map[string]any {
	var links []map[string]any
	for depth, e := 0, err; e != nil && (max <= 0 || depth < max); depth, e = depth+1, errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		var (
			fr frame
			ok bool
		)
		switch x := e.(type) {
		case xerrors.Located:
			if pc := x.PC(); pc != 0 {
				f, _ := runtime.CallersFrames([]uintptr{pc}).Next()
				fr, ok = frame{f.Function, f.File, f.Line}, true
			}
		case xerrors.Stacked:
			fr, ok = firstFrame(x.StackPCs())
		}
		if ok {
			link["func"], link["file"], link["line"] = fr.fn, fr.file, fr.line
		}
		if depth == 0 || ok {
			links = append(links, link)
		}
	}
	return links
}

// errorTypes returns the first meaningful type in the chain (skipping
// xerrors and fmt wrappers) and the type of the innermost error.
func errorTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if !wrapperType(e) {
			surface = fmt.Sprintf("%T", e)
			break
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	inner := err
	for e := err; e != nil; e = errors.Unwrap(e) {
		inner = e
	}
	return surface, fmt.Sprintf("%T", inner)
}

func wrapperType(e error) bool {
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	pkg := t.PkgPath()
	return strings.HasSuffix(pkg, "/internal/xerrors") || (pkg == "fmt" && t.Name() == "wrapError")
}
