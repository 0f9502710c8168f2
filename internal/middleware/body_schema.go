package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// MaxBodyBytes caps every validated request body.
const MaxBodyBytes = 1 << 20

// BodyValidator is the part of validation.Validator the body middleware needs.
type BodyValidator interface {
	Validate(schema string, body []byte) error
}

// ValidateBody reads the body, checks it against the named schema, then
// replaces r.Body so downstream handlers can re-read it.
func ValidateBody(v BodyValidator, schema string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
			r.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeErr(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				writeErr(w, http.StatusBadRequest, "failed to read body")
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			if err := v.Validate(schema, bodyBytes); err != nil {
				writeErr(w, http.StatusBadRequest, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
