package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/tphummel/tbm_console/internal/models"
)

// OperatorHeader names the console user issuing a command. It is recorded in
// the audit log, not authenticated.
const OperatorHeader = "X-Operator"

// DefaultOperator is recorded when an authenticated request names no operator.
const DefaultOperator = "operator"

// Auth returns a handler that requires a valid Bearer token before
// delegating to next. Responds with 401 if the header is missing or wrong.
func Auth(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			unauthorized(w)
			return
		}
		got := strings.TrimPrefix(authHeader, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			unauthorized(w)
			return
		}

		operator := strings.TrimSpace(r.Header.Get(OperatorHeader))
		if operator == "" {
			operator = DefaultOperator
		}
		next.ServeHTTP(w, r.WithContext(models.WithOperator(r.Context(), operator)))
	})
}

// unauthorized writes the JSON 401 body. http.Error would reset the
// Content-Type to text/plain.
func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}` + "\n")) //nolint:errcheck
}
