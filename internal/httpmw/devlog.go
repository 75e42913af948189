package httpmw

import (
	"fmt"
	"strconv"

	"github.com/keithlinneman/apiserver/internal/log"
	"github.com/keithlinneman/apiserver/internal/pipeline"
)

// EnvDevelopment is the NODE_ENV value that turns on development behaviour.
const EnvDevelopment = "development"

// DevLogger emits one concise line per request once the response is done,
// in the familiar "GET /path 200 1.234 ms - 52" shape. It is only active when
// env is "development"; otherwise the returned stage is disabled.
func DevLogger(env string, L log.Logger) pipeline.Stage {
	if env != EnvDevelopment {
		return pipeline.Stage{Name: "dev-log"}
	}
	if L == nil {
		L = log.Nop()
	}
	return pipeline.Stage{
		Name: "dev-log",
		Run: func(q *pipeline.Request) pipeline.Outcome {
			ctx := q.Context()
			method, uri := q.Method, q.URI()
			q.OnFinish(func(res pipeline.Result) {
				size := "-"
				if cl := q.ResponseHeader().Get("Content-Length"); cl != "" {
					size = cl
				} else if res.Bytes > 0 {
					size = strconv.FormatInt(res.Bytes, 10)
				}
				ms := float64(res.Duration.Microseconds()) / 1000
				L.Info(ctx, fmt.Sprintf("%s %s %d %.3f ms - %s", method, uri, res.Status, ms, size))
			})
			return pipeline.Continue()
		},
	}
}
