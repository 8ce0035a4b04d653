package telemetry

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/italolelis/urlrelay/internal/logctx"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

// RequestID tags every API request with an id, reusing a well-formed inbound
// X-Request-ID. The id is echoed back and bound to the request's logger, so
// handler, relay and resolver logs written while serving it carry request_id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		ctx := logctx.WithRequestID(r.Context(), id)
		ctx = logctx.WithLogger(ctx, logctx.LoggerFromContext(ctx).With("request_id", id))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validRequestID accepts non-empty printable ASCII ids of at most maxRequestIDLen bytes.
func validRequestID(id string) bool {
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
