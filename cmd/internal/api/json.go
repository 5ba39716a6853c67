package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// errBodyTooLarge marks a request body cut off by its size limit.
var errBodyTooLarge = errors.New("request body too large")

// bodyError is a client-facing description of a malformed request body.
type bodyError struct{ msg string }

func (e *bodyError) Error() string { return e.msg }

func badBody(format string, args ...any) error { return &bodyError{msg: fmt.Sprintf(format, args...)} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// writeBodyError reports a request-body failure: 413 for size, 400 otherwise.
func writeBodyError(w http.ResponseWriter, err error) {
	var be *bodyError
	switch {
	case errors.Is(err, errBodyTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", errBodyTooLarge.Error())
	case errors.As(err, &be):
		writeError(w, http.StatusBadRequest, "invalid_request", be.msg)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
	}
}

// decodeJSON reads exactly one JSON object of at most maxBytes into dst. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return badBody("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return classifyBodyErr(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return badBody("extra data after JSON object")
	}
	return nil
}

func classifyBodyErr(err error) error {
	var (
		tooLarge *http.MaxBytesError
		syntax   *json.SyntaxError
		typeErr  *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &tooLarge):
		return fmt.Errorf("%w (limit %d bytes)", errBodyTooLarge, tooLarge.Limit)
	case errors.As(err, &syntax):
		return badBody("malformed JSON at offset %d", syntax.Offset)
	case errors.As(err, &typeErr):
		return badBody("field %q has the wrong type", typeErr.Field)
	case errors.Is(err, io.EOF):
		return badBody("empty body")
	case errors.Is(err, io.ErrUnexpectedEOF):
		return badBody("truncated JSON")
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		return badBody("unknown field %s", strings.TrimPrefix(err.Error(), "json: unknown field "))
	default:
		return badBody("invalid request body")
	}
}
