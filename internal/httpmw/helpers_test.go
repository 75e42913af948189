package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/keithlinneman/apiserver/internal/apperror"
	"github.com/keithlinneman/apiserver/internal/log"
	"github.com/keithlinneman/apiserver/internal/pipeline"
)

type capturedLog struct {
	msg    string
	err    error
	fields []any
}

// flatLogger captures With(), Info() and Error() calls for test assertions.
// Returns itself from With() so all calls land in one place.
type flatLogger struct {
	mu     sync.Mutex
	infos  []capturedLog
	errors []capturedLog
	withs  [][]any
}

func newFlatLogger() *flatLogger {
	return &flatLogger{}
}

func (l *flatLogger) With(kv ...any) log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withs = append(l.withs, kv)
	return l
}

func (l *flatLogger) Info(_ context.Context, msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, capturedLog{msg: msg, fields: kv})
}

func (l *flatLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, capturedLog{msg: msg, err: err, fields: kv})
}

func (l *flatLogger) Debug(_ context.Context, msg string, kv ...any) {}
func (l *flatLogger) Warn(_ context.Context, msg string, kv ...any)  {}
func (l *flatLogger) Sync() error                                    { return nil }

func (l *flatLogger) lastInfo() (capturedLog, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.infos) == 0 {
		return capturedLog{}, false
	}
	return l.infos[len(l.infos)-1], true
}

func (l *flatLogger) lastError() (capturedLog, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errors) == 0 {
		return capturedLog{}, false
	}
	return l.errors[len(l.errors)-1], true
}

func (l *flatLogger) lastWith() ([]any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.withs) == 0 {
		return nil, false
	}
	return l.withs[len(l.withs)-1], true
}

func (l *flatLogger) infoCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.infos)
}

func fieldValue(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok && k == key {
			return kv[i+1], true
		}
	}
	return nil, false
}

// runStages serves r through stages followed by a terminal stage that
// responds 200 "ok". The returned request is nil when the terminal stage
// was never reached.
func runStages(r *http.Request, stages ...pipeline.Stage) (*httptest.ResponseRecorder, *pipeline.Request) {
	var reached *pipeline.Request
	all := make([]pipeline.Stage, 0, len(stages)+1)
	all = append(all, stages...)
	all = append(all, pipeline.Stage{
		Name: "terminal",
		Run: func(q *pipeline.Request) pipeline.Outcome {
			reached = q
			return pipeline.Respond(pipeline.Text(http.StatusOK, "ok"))
		},
	})
	rec := httptest.NewRecorder()
	pipeline.New(nil, all).ServeHTTP(rec, r)
	return rec, reached
}

// failStage always ends the pipeline with err.
func failStage(status int) pipeline.Stage {
	return pipeline.Stage{
		Name: "fail",
		Run: func(q *pipeline.Request) pipeline.Outcome {
			return pipeline.Fail(apperror.New("boom", status))
		},
	}
}

func newTestPipeline(stages ...pipeline.Stage) *pipeline.Pipeline {
	return pipeline.New(nil, stages)
}
