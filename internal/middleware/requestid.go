// Package middleware provides HTTP middleware for the parley gateway.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/parleyhq/parley/internal/logger"
)

const headerRequestID = "X-Request-ID"

// maxRequestIDLen bounds inbound ids. Oversized ids are replaced rather than
// truncated so an id in the logs is always one a client actually sent.
const maxRequestIDLen = 64

// RequestID is HTTP middleware that adopts the X-Request-ID header when the
// client sent a usable one and generates a fresh id otherwise. The id rides
// the request context into every log line and is echoed on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if !usableRequestID(id) {
			id = newRequestID()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// usableRequestID accepts ids of bounded length made of printable ASCII.
// Inbound ids come from untrusted clients and are written verbatim into
// structured logs.
func usableRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

// newRequestID returns a 16-byte random hex string (32 chars).
func newRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
