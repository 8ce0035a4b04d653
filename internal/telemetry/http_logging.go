package telemetry

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/italolelis/urlrelay/internal/logctx"
)

// statusRecorder remembers the first status written and the body size.
type statusRecorder struct {
	http.ResponseWriter

	status int
	bytes  int
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.status != 0 {
		return
	}

	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.WriteHeader(http.StatusOK)
	}

	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += n

	return n, err
}

// HTTPLogging writes one line per API request with the logger RequestID bound to
// the context: 5xx at error, 4xx at warn, the rest at info.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		ctx := r.Context()
		logger := logctx.LoggerFromContext(ctx)

		logger.Log(ctx, levelForStatus(rec.status), "http request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
