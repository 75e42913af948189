package httpmw

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/keithlinneman/apiserver/internal/pipeline"
)

// ScriptSanitizer strips markup from every string value in the parsed body
// and the query string. Strings without a "<" are left untouched; anything
// else goes through a strict policy that drops all elements (and the content
// of script/style) and escapes the remaining text, so output never contains
// a "<" and a second pass is a no-op.
func ScriptSanitizer() pipeline.Stage {
	s := NewScriptCleaner()
	return pipeline.Stage{
		Name: "script-sanitize",
		Run: func(q *pipeline.Request) pipeline.Outcome {
			q.Body = s.cleanValue(q.Body)
			for k, vs := range q.Query {
				for i := range vs {
					vs[i] = s.Clean(vs[i])
				}
				q.Query[k] = vs
			}
			return pipeline.Continue()
		},
	}
}

// ScriptCleaner wraps a strict bluemonday policy. Policies are safe for
// concurrent use once built.
type ScriptCleaner struct {
	policy *bluemonday.Policy
}

func NewScriptCleaner() *ScriptCleaner {
	return &ScriptCleaner{policy: bluemonday.StrictPolicy()}
}

// Clean returns s with all markup removed.
func (s *ScriptCleaner) Clean(v string) string {
	if !strings.Contains(v, "<") {
		return v
	}
	return s.policy.Sanitize(v)
}

func (s *ScriptCleaner) cleanValue(v any) any {
	switch t := v.(type) {
	case string:
		return s.Clean(t)
	case map[string]any:
		for k, child := range t {
			t[k] = s.cleanValue(child)
		}
		return t
	case []any:
		for i := range t {
			t[i] = s.cleanValue(t[i])
		}
		return t
	default:
		return v
	}
}
