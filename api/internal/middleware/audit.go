package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rootsense/api/internal/models"
	"rootsense/api/internal/repos"
	"rootsense/shared/authx"
	"rootsense/shared/httpx"
	"rootsense/shared/logx"
)

// AuditMiddleware is an optional collaborator behind AUDIT_ENABLED. Writes
// happen asynchronously so a slow audit store never blocks a response.
type AuditMiddleware struct {
	Enabled bool
	Repo    *repos.AuditRepo
	Logger  logx.Logger
	Skip    func(*http.Request) bool
	Timeout time.Duration
}

func (m AuditMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled || m.Repo == nil {
		return next
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)

		if !shouldAudit(r, lrw.statusCode) {
			return
		}

		entry := models.AuditLog{
			OccurredAt: time.Now().UTC(),
			RequestID:  httpx.RequestIDFromContext(r.Context()),
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: lrw.statusCode,
			DurationMS: time.Since(start).Milliseconds(),
			ClientIP:   clientIP(r),
			UserAgent:  strings.TrimSpace(r.UserAgent()),
		}
		if auth, ok := authx.FromContext(r.Context()); ok {
			entry.Subject = auth.Subject
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := m.Repo.WriteAuditLog(ctx, []models.AuditLog{entry}); err != nil {
				m.Logger.Warn(context.Background(), "audit_write_failed", "audit write failed",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
			}
		}()
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *loggingResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Mutations and rejected logins are always recorded; reads only for the
// upload lifecycle where ordering disputes matter.
func shouldAudit(r *http.Request, statusCode int) bool {
	if statusCode == http.StatusUnauthorized {
		return true
	}
	if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch || r.Method == http.MethodDelete {
		return true
	}
	return strings.Contains(r.URL.Path, "/uploads")
}

func clientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		parts := strings.Split(v, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	return r.RemoteAddr
}
