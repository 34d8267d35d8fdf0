package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Images travel base64-encoded inside event batches.
const DefaultMaxBodyBytes = 20 << 20

type batchPeek struct {
	Events []json.RawMessage `json:"events"`
}

// BatchLimit caps the size of an event batch. It reads the body to count
// "events", then replaces r.Body so the handler can re-read it.
func BatchLimit(maxEvents int, maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
			r.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
					return
				}
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek batchPeek
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			if len(peek.Events) == 0 {
				http.Error(w, `{"error":"events must not be empty"}`, http.StatusBadRequest)
				return
			}
			if maxEvents > 0 && len(peek.Events) > maxEvents {
				http.Error(w, fmt.Sprintf(`{"error":"batch of %d events exceeds limit %d"}`, len(peek.Events), maxEvents), http.StatusRequestEntityTooLarge)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
