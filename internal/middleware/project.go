// Package middleware provides HTTP middleware for project scoping.
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

// ContextKey is the type for context keys in this package.
type ContextKey string

// ProjectIDKey is the context key for the current project ID.
const ProjectIDKey ContextKey = "project_id"

// ProjectFromContext retrieves the project ID from the request context.
// Returns 0 if not set.
func ProjectFromContext(ctx context.Context) int64 {
	if v := ctx.Value(ProjectIDKey); v != nil {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}

// WithProject returns a context carrying the given project ID. Useful for
// service-to-service calls and tests.
func WithProject(ctx context.Context, projectID int64) context.Context {
	return context.WithValue(ctx, ProjectIDKey, projectID)
}

// RequireProject is middleware that ensures a valid project ID is present.
// It extracts the project from:
// 1. X-Project-ID header
// 2. project_id query parameter
//
// If no valid project is found, it returns 400 Bad Request.
func RequireProject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := extractProjectID(r)
		if projectID <= 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"missing or invalid project","code":"validation_failed"}`))
			return
		}

		ctx := context.WithValue(r.Context(), ProjectIDKey, projectID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalProject extracts the project ID if present but does not require it.
func OptionalProject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if projectID := extractProjectID(r); projectID > 0 {
			ctx = context.WithValue(ctx, ProjectIDKey, projectID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractProjectID(r *http.Request) int64 {
	if raw := strings.TrimSpace(r.Header.Get("X-Project-ID")); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return id
		}
		return 0
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("project_id")); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return id
		}
	}

	return 0
}
