package httpmw

import (
	"time"

	"github.com/keithlinneman/apiserver/internal/pipeline"
)

// ISO8601Millis is UTC with millisecond precision, e.g. 2024-05-01T12:00:00.000Z.
const ISO8601Millis = "2006-01-02T15:04:05.000Z"

// Timestamp stamps the request with its arrival time in UTC. now is
// injectable for tests; nil means time.Now.
func Timestamp(now func() time.Time) pipeline.Stage {
	if now == nil {
		now = time.Now
	}
	return pipeline.Stage{
		Name: "timestamp",
		Run: func(q *pipeline.Request) pipeline.Outcome {
			q.SetRequestTime(now().UTC().Format(ISO8601Millis))
			return pipeline.Continue()
		},
	}
}
