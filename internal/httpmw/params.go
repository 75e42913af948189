package httpmw

import (
	"strings"

	"github.com/keithlinneman/apiserver/internal/pipeline"
)

// ParamDedupe collapses repeated query parameters to their last value.
// All original values are kept in q.QueryPolluted. Keys on the whitelist
// keep every value (e.g. ?duration=5&duration=9 for range filters).
func ParamDedupe(whitelist []string) pipeline.Stage {
	keep := make(map[string]struct{}, len(whitelist))
	for _, k := range whitelist {
		if k = strings.TrimSpace(k); k != "" {
			keep[k] = struct{}{}
		}
	}
	return pipeline.Stage{
		Name: "param-dedupe",
		Run: func(q *pipeline.Request) pipeline.Outcome {
			for k, vs := range q.Query {
				if len(vs) < 2 {
					continue
				}
				if _, ok := keep[k]; ok {
					continue
				}
				q.QueryPolluted[k] = append([]string(nil), vs...)
				q.Query[k] = []string{vs[len(vs)-1]}
			}
			return pipeline.Continue()
		},
	}
}
