package httpmw

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/keithlinneman/apiserver/internal/apperror"
	"github.com/keithlinneman/apiserver/internal/pipeline"
)

// DefaultBodyLimit is the largest JSON payload accepted, 10 KB.
const DefaultBodyLimit = 10 * 1024

// JSONBody decodes application/json payloads into q.Body. Requests with
// another content type, or without a body, pass through with Body unset.
// Payloads over limit fail with 413, malformed ones with 400.
func JSONBody(limit int64) pipeline.Stage {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	return pipeline.Stage{
		Name: "json-body",
		Run: func(q *pipeline.Request) pipeline.Outcome {
			r := q.HTTP()
			if !hasBody(r) || !isJSON(r.Header.Get("Content-Type")) {
				return pipeline.Continue()
			}

			// cheap rejection before reading anything
			if r.ContentLength > limit {
				return pipeline.Fail(apperror.New("request entity too large", http.StatusRequestEntityTooLarge))
			}

			raw, err := io.ReadAll(http.MaxBytesReader(q.ResponseWriter(), r.Body, limit))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					return pipeline.Fail(apperror.New("request entity too large", http.StatusRequestEntityTooLarge))
				}
				return pipeline.Fail(apperror.Wrap(err, "request aborted", http.StatusBadRequest))
			}
			// leave the bytes readable for handlers
			r.Body = io.NopCloser(bytes.NewReader(raw))

			v, err := decodeStrict(raw)
			if err != nil {
				return pipeline.Fail(apperror.Wrap(err, "invalid JSON payload: "+err.Error(), http.StatusBadRequest))
			}
			q.Body = v
			return pipeline.Continue()
		},
	}
}

func hasBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	return r.ContentLength != 0 || len(r.TransferEncoding) > 0
}

func isJSON(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "application/json"
}

// decodeStrict accepts only objects and arrays at the top level, and
// rejects trailing data. An empty body decodes to an empty object.
func decodeStrict(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, errors.New("top-level value must be an object or array")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("unexpected data after top-level value")
	}
	return v, nil
}
