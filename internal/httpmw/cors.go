package httpmw

import (
	"strings"

	"github.com/keithlinneman/apiserver/internal/pipeline"
)

const (
	corsAllowHeaders = "Origin, X-Requested-With, Content-Type, Accept, Authorization"
	corsAllowMethods = "GET, POST, PATCH, DELETE, OPTIONS"
)

// CORS sets cross-origin headers on every response and always continues.
// An empty list or a "*" entry allows any origin; otherwise the request
// Origin is echoed back only when it is on the list.
func CORS(origins []string) pipeline.Stage {
	wildcard := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			wildcard = true
		}
		if o != "" {
			allowed[strings.ToLower(o)] = struct{}{}
		}
	}

	return pipeline.Stage{
		Name: "cors",
		Run: func(q *pipeline.Request) pipeline.Outcome {
			h := q.ResponseHeader()
			switch {
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
			default:
				// response differs per origin, caches must key on it
				h.Add("Vary", "Origin")
				origin := q.Header.Get("Origin")
				if _, ok := allowed[strings.ToLower(origin)]; ok && origin != "" {
					h.Set("Access-Control-Allow-Origin", origin)
				}
			}
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			return pipeline.Continue()
		},
	}
}

