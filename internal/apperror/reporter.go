package apperror

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"github.com/keithlinneman/apiserver/internal/log"
)

// Reporter renders a typed error to the client. It is the last thing that
// touches a request that failed inside the pipeline.
type Reporter interface {
	Report(w http.ResponseWriter, r *http.Request, err *Error)
}

// ReporterFunc adapts a function into a Reporter.
type ReporterFunc func(w http.ResponseWriter, r *http.Request, err *Error)

func (f ReporterFunc) Report(w http.ResponseWriter, r *http.Request, err *Error) { f(w, r, err) }

// JSONReporter writes errors as JSON bodies. In development mode the full
// error and its stack are included; in production only operational errors
// expose their message.
type JSONReporter struct {
	Development bool
	// OnReport is called once per reported error, e.g. for counting by status.
	OnReport func(err *Error)
}

type errorBody struct {
	Status  string     `json:"status"`
	Message string     `json:"message"`
	Error   *errDetail `json:"error,omitempty"`
	Stack   string     `json:"stack,omitempty"`
}

type errDetail struct {
	StatusCode    int    `json:"statusCode"`
	Status        string `json:"status"`
	IsOperational bool   `json:"isOperational"`
	Cause         string `json:"cause,omitempty"`
}

func (j *JSONReporter) Report(w http.ResponseWriter, r *http.Request, err *Error) {
	if err == nil {
		return
	}
	code := err.StatusCode
	if code == 0 {
		code = http.StatusInternalServerError
	}
	status := err.Status
	if status == "" {
		status = statusFor(code)
	}

	ctx := r.Context()
	L := log.FromContext(ctx)
	if code >= 500 {
		L.Error(ctx, err, "request failed", "http.response.status_code", code)
	} else {
		L.Warn(ctx, "request rejected", "http.response.status_code", code, "reason", err.Message)
	}

	if j.OnReport != nil {
		j.OnReport(err)
	}

	body := errorBody{Status: status, Message: err.Message}
	switch {
	case j.Development:
		d := &errDetail{StatusCode: code, Status: status, IsOperational: err.IsOperational}
		if err.cause != nil {
			d.Cause = err.cause.Error()
		}
		body.Error = d
		body.Stack = renderStack(err.pcs)
	case !err.IsOperational:
		// unknown failure, dont leak details
		code = http.StatusInternalServerError
		body = errorBody{Status: "error", Message: "Something went very wrong!"}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func renderStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
