package httpmw

import (
	"net/url"
	"sort"
	"strings"

	"github.com/keithlinneman/apiserver/internal/pipeline"
)

// QuerySanitizerOptions configures QuerySanitizer.
type QuerySanitizerOptions struct {
	// Replacement is written in place of prohibited characters, "_" by default.
	Replacement string
	// OnSanitize is called once per rewritten key.
	OnSanitize func(q *pipeline.Request, key string)
}

// QuerySanitizer rewrites keys in the parsed body and the query string that
// a document store would treat as operators or path traversal: a "$" that
// starts a key (or a bracketed key segment such as price[$gt]) and every ".".
// Values are left alone. Rewriting is idempotent and never short-circuits.
func QuerySanitizer(opts QuerySanitizerOptions) pipeline.Stage {
	repl := opts.Replacement
	if repl == "" || strings.ContainsAny(repl, "$.") {
		repl = "_"
	}
	return pipeline.Stage{
		Name: "query-sanitize",
		Run: func(q *pipeline.Request) pipeline.Outcome {
			notify := func(key string) {
				if opts.OnSanitize != nil {
					opts.OnSanitize(q, key)
				}
			}
			q.Body = sanitizeKeys(q.Body, repl, notify)
			q.Query = sanitizeValuesKeys(q.Query, repl, notify)
			return pipeline.Continue()
		},
	}
}

// SanitizeKey rewrites a single key. Exported for handlers that build
// filters from other inputs.
func SanitizeKey(k, repl string) string {
	if !strings.ContainsAny(k, "$.") {
		return k
	}
	var b strings.Builder
	b.Grow(len(k))
	segStart := true
	for _, c := range k {
		switch {
		case c == '$' && segStart:
			b.WriteString(repl)
		case c == '.':
			b.WriteString(repl)
		default:
			b.WriteRune(c)
		}
		segStart = c == '['
	}
	return b.String()
}

func sanitizeKeys(v any, repl string, notify func(string)) any {
	switch t := v.(type) {
	case map[string]any:
		// clean keys win collisions, rewritten keys go in sorted order so
		// the result does not depend on map iteration
		var dirty []string
		for k, child := range t {
			t[k] = sanitizeKeys(child, repl, notify)
			if SanitizeKey(k, repl) != k {
				dirty = append(dirty, k)
			}
		}
		sort.Strings(dirty)
		for _, k := range dirty {
			child := t[k]
			delete(t, k)
			nk := SanitizeKey(k, repl)
			if _, exists := t[nk]; !exists {
				t[nk] = child
			}
			notify(k)
		}
		return t
	case []any:
		for i := range t {
			t[i] = sanitizeKeys(t[i], repl, notify)
		}
		return t
	default:
		return v
	}
}

func sanitizeValuesKeys(vals url.Values, repl string, notify func(string)) url.Values {
	var dirty []string
	for k := range vals {
		if SanitizeKey(k, repl) != k {
			dirty = append(dirty, k)
		}
	}
	sort.Strings(dirty)
	for _, k := range dirty {
		vs := vals[k]
		delete(vals, k)
		nk := SanitizeKey(k, repl)
		if _, exists := vals[nk]; !exists {
			vals[nk] = vs
		}
		notify(k)
	}
	return vals
}
