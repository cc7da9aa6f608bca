package middleware

import (
	"bytes"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// ETag turns tagged GET responses into 304s when the client already
// holds the same version. Handlers set the ETag header (the snapshot ID
// for snapshot endpoints); this middleware compares it against
// If-None-Match and drops the body on a match. Responses without an
// ETag header pass through untouched.
func ETag(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			match := r.Header.Get("If-None-Match")
			if r.Method != http.MethodGet || match == "" {
				next.ServeHTTP(w, r)
				return
			}

			rec := &etagRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status == http.StatusOK && etagMatches(match, w.Header().Get("ETag")) {
				logger.Debug("ETag matched, serving 304",
					zap.String("path", r.URL.Path),
					zap.String("request_id", chimw.GetReqID(r.Context())))
				w.WriteHeader(http.StatusNotModified)
				return
			}

			rec.flushCaptured()
		})
	}
}

// etagMatches compares client and server tags, tolerating missing quotes
func etagMatches(client, server string) bool {
	if server == "" {
		return false
	}
	return strings.Trim(client, `"`) == strings.Trim(server, `"`)
}

// etagRecorder buffers the response so the conditional check can run
// before anything reaches the wire.
type etagRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *etagRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
}

func (r *etagRecorder) Write(data []byte) (int, error) {
	return r.body.Write(data)
}

func (r *etagRecorder) flushCaptured() {
	r.ResponseWriter.WriteHeader(r.status)
	if r.body.Len() > 0 {
		r.ResponseWriter.Write(r.body.Bytes())
	}
}
