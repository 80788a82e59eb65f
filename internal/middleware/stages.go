package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gwlsn/authrim-gateway/internal/logger"
)

// Context field names shared by stages.
const (
	FieldRequestID = "request_id"
	FieldIdentity  = "identity"
)

// RequestID assigns each request an id, reusing X-Request-Id when present.
func RequestID() Stage {
	return Stage{
		Name:     "request_id",
		Provides: []string{FieldRequestID},
		Wrap:     chimw.RequestID,
	}
}

// RealIP replaces the request's remote address with the client address
// reported by a trusted proxy in X-Forwarded-For or X-Real-IP.
func RealIP() Stage {
	return Stage{
		Name: "real_ip",
		Wrap: chimw.RealIP,
	}
}

// Recovery turns a panic in any later stage into a 500 response.
func Recovery() Stage {
	return Stage{
		Name: "recovery",
		Wrap: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				defer func() {
					rec := recover()
					if rec == nil {
						return
					}
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic serving request",
						"method", r.Method,
						"path", r.URL.Path,
						"remote_addr", r.RemoteAddr,
						"request_id", chimw.GetReqID(r.Context()),
						"panic", rec,
						"stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}()
				next.ServeHTTP(w, r)
			})
		},
	}
}

// Logging records method, path, status and duration of each request.
func Logging() Stage {
	return Stage{
		Name:     "logging",
		Requires: []string{FieldRequestID},
		Wrap: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				start := time.Now()
				ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
				next.ServeHTTP(ww, r)

				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				logger.Debug("request",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", chimw.GetReqID(r.Context()))
			})
		},
	}
}
