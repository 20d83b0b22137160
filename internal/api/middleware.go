// Package api exposes the two HTTP surfaces: the decision API on the
// edge nodes and the global config API on the admin plane. Both are
// JSON over gorilla/mux with tenant scoping via the X-Tenant-ID
// header.
package api

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type contextKey string

const tenantKey contextKey = "tenant_id"

// TenantID returns the tenant bound to the request context.
func TenantID(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey).(string)
	return id
}

// RequireTenant extracts the tenant from the X-Tenant-ID header or the
// tenant_id query parameter. Requests without one get a structured 400.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		if tenantID == "" {
			tenantID = r.URL.Query().Get("tenant_id")
		}
		if tenantID == "" {
			writeErrorMessage(w, http.StatusBadRequest, "missing tenant id")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CORS allows browser dashboards to talk to both APIs directly.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Tenant-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging stamps X-Process-Time on every response and logs the
// request line once it finishes.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		rec.Header().Set("X-Process-Time", "0")
		next.ServeHTTP(&timedWriter{rec: rec, start: start}, r)

		slog.Info("request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start).String())
	})
}

// timedWriter defers the X-Process-Time header until the first write,
// when the elapsed time is actually known.
type timedWriter struct {
	rec   *statusRecorder
	start time.Time
	wrote bool
}

func (t *timedWriter) Header() http.Header { return t.rec.Header() }

func (t *timedWriter) WriteHeader(code int) {
	t.stamp()
	t.rec.WriteHeader(code)
}

func (t *timedWriter) Write(b []byte) (int, error) {
	t.stamp()
	return t.rec.Write(b)
}

func (t *timedWriter) stamp() {
	if t.wrote {
		return
	}
	t.wrote = true
	t.rec.Header().Set("X-Process-Time", fmt.Sprintf("%.6f", time.Since(t.start).Seconds()))
}

// Hijack lets the websocket upgrader take over the connection.
func (t *timedWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := t.rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	t.wrote = true
	return hj.Hijack()
}
