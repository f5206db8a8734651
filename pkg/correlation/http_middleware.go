package correlation

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Middleware gives every request a correlation ID, preferring a well-formed
// one sent by the client, echoes it on the response and logs the outcome.
// Client and server errors log at warn and error so failed analyses stand out.
func Middleware(logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()

		id := Sanitize(r.Header.Get(HTTPHeader))
		if id.IsEmpty() {
			id = Sanitize(r.Header.Get(HTTPRequestIDHeader))
		}
		if id.IsEmpty() {
			id = New()
		}

		ctx := WithCorrelationID(r.Context(), id)
		w.Header().Set(HTTPHeader, id.String())

		rec := &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if logger == nil {
			return
		}
		entry := LoggerFromContext(ctx, logger).WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.Status,
			"bytes":       rec.Bytes,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		switch {
		case rec.Status >= http.StatusInternalServerError:
			entry.Error("Request failed")
		case rec.Status >= http.StatusBadRequest:
			entry.Warn("Request rejected")
		default:
			entry.Debug("Request served")
		}
	})
}

// StatusRecorder remembers the status and body size written by a handler.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
	Bytes  int

	wroteHeader bool
}

func (w *StatusRecorder) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.Status = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *StatusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.Bytes += n
	return n, err
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (w *StatusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
