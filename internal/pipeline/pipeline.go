package pipeline

import (
	"net/http"
	"time"

	"github.com/keithlinneman/apiserver/internal/apperror"
)

// Kind tags an Outcome.
type Kind uint8

const (
	// KindContinue hands the request to the next stage.
	KindContinue Kind = iota
	// KindRespond ends the pipeline with a response produced by the stage.
	KindRespond
	// KindFail ends the pipeline with a typed error for the reporter.
	KindFail
)

func (k Kind) String() string {
	switch k {
	case KindContinue:
		return "continue"
	case KindRespond:
		return "respond"
	case KindFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Outcome is what a stage returns. Only one of Handler or Err is set, and only
// for the matching Kind.
type Outcome struct {
	Kind    Kind
	Handler http.Handler
	Err     *apperror.Error
}

// Continue lets the next stage run.
func Continue() Outcome { return Outcome{Kind: KindContinue} }

// Respond short-circuits; h writes the response.
func Respond(h http.Handler) Outcome { return Outcome{Kind: KindRespond, Handler: h} }

// Fail short-circuits; err goes to the reporter.
func Fail(err *apperror.Error) Outcome { return Outcome{Kind: KindFail, Err: err} }

// Text is a Respond handler writing a fixed plain-text body.
func Text(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

// Stage is one step of the pipeline. A zero Stage (nil Run) is skipped, which
// is how optional stages are switched off without changing positions.
type Stage struct {
	Name string
	Run  func(*Request) Outcome
}

// Pipeline runs its stages in order for every request.
type Pipeline struct {
	stages         []Stage
	reporter       apperror.Reporter
	onShortCircuit func(stage string, kind Kind)
}

type Option func(*Pipeline)

// WithShortCircuitHook is called whenever a stage ends the pipeline early.
func WithShortCircuitHook(fn func(stage string, kind Kind)) Option {
	return func(p *Pipeline) {
		p.onShortCircuit = fn
	}
}

// New builds a pipeline. Failures are handed to reporter; when nil, errors
// are written with a bare JSON reporter.
func New(reporter apperror.Reporter, stages []Stage, opts ...Option) *Pipeline {
	if reporter == nil {
		reporter = &apperror.JSONReporter{}
	}
	p := &Pipeline{
		stages:   append([]Stage(nil), stages...),
		reporter: reporter,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Stages lists the names of the active stages in execution order.
func (p *Pipeline) Stages() []string {
	out := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		if s.Run != nil {
			out = append(out, s.Name)
		}
	}
	return out
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sw := &statusWriter{ResponseWriter: w}
	q := newRequest(sw, r, time.Now())
	defer q.finished()

	for _, s := range p.stages {
		if s.Run == nil {
			continue
		}
		out := s.Run(q)
		switch out.Kind {
		case KindContinue:
			continue
		case KindRespond:
			p.shortCircuit(s.Name, out.Kind)
			if out.Handler != nil {
				out.Handler.ServeHTTP(sw, q.HTTP())
			}
			return
		default:
			p.shortCircuit(s.Name, KindFail)
			err := out.Err
			if err == nil {
				err = apperror.Internal(nil)
			}
			p.reporter.Report(sw, q.HTTP(), err)
			return
		}
	}

	// every stage continued, so nothing consumed the request
	p.reporter.Report(sw, q.HTTP(), apperror.NotFound(q.URI()))
}

func (p *Pipeline) shortCircuit(stage string, kind Kind) {
	if p.onShortCircuit != nil {
		p.onShortCircuit(stage, kind)
	}
}
