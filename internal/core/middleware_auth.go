package core

import (
	"errors"
	"net/http"
	"strings"

	"tollgate/internal/types"
)

// Paths reachable without a bearer token. The webhook authenticates by
// signature instead.
var authPublicPaths = map[string]bool{
	"/health":          true,
	"/metrics":         true,
	"/billing/webhook": true,
	"/billing/plans":   true,
}

// AuthMiddleware resolves the bearer token to an Actor and stores it in the
// request context. A nil Authenticator disables authentication (tests only).
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil || authPublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}
		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		actor, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if actor == nil || actor.TenantID == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), *actor)))
	})
}

func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenRevoked:
			s.Logger.WarnContext(r.Context(), "authentication failed: token revoked or expired", "path", r.URL.Path)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenRevoked, "Authentication token has expired or been revoked")
			return
		case types.ErrCodeAuthTokenInvalid, types.ErrCodeAuthTokenMissing:
			s.Logger.WarnContext(r.Context(), "authentication failed: token invalid", "path", r.URL.Path)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}
	}

	// Store outages must not look like bad credentials to operators.
	s.Logger.ErrorContext(r.Context(), "authentication failed: unexpected error",
		"path", r.URL.Path,
		"error", err,
	)
	Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "authentication unavailable", err))
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}
