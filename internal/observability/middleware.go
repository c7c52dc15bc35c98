package observability

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/officialexam/exam-api/internal/httputil"
	"github.com/sirupsen/logrus"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// routeName returns the mux path template so metrics do not explode on ids.
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// RequestLogger logs every request and records HTTP metrics. metrics may be nil.
func RequestLogger(log *logrus.Logger, metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			route := routeName(r)
			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
			}

			entry := log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": elapsed.String(),
			})
			if rec.status >= http.StatusInternalServerError {
				entry.Error("request failed")
			} else {
				entry.Info("request")
			}
		})
	}
}

// Recoverer turns a handler panic into a generic 500.
func Recoverer(log *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.WithFields(logrus.Fields{
						"path":  r.URL.Path,
						"panic": fmt.Sprint(rec),
						"stack": string(debug.Stack()),
					}).Error("panic recovered")
					httputil.WriteInternalError(w, r)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
