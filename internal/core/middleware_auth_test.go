package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"tollgate/internal/types"
)

func serveAuth(t *testing.T, srv *Server, path, authHeader string) (*httptest.ResponseRecorder, types.Actor, bool) {
	t.Helper()
	var (
		captured types.Actor
		found    bool
	)
	handler := srv.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, found = types.GetActor(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, captured, found
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body: %v (%s)", err, rec.Body.String())
	}
	return body.Error.Code
}

func TestAuthMiddleware_ValidKeyInjectsActor(t *testing.T) {
	srv := newTestServer(t)
	srv.Authenticator = &mockAuthenticator{actor: &types.Actor{ID: "key_1", Type: types.ActorTypeAPIKey, TenantID: "t1"}}

	rec, actor, found := serveAuth(t, srv, "/billing/sync", "Bearer tg_live_abc")

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if !found {
		t.Fatal("expected actor in context")
	}
	if actor.TenantID != "t1" {
		t.Errorf("tenant: got %q, want t1", actor.TenantID)
	}
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Authenticator = &mockAuthenticator{}

	rec, _, _ := serveAuth(t, srv, "/billing/sync", "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", rec.Code)
	}
	if got := errorCode(t, rec); got != string(types.ErrCodeAuthTokenMissing) {
		t.Errorf("code: got %q", got)
	}
}

func TestAuthMiddleware_NonBearerScheme(t *testing.T) {
	srv := newTestServer(t)
	srv.Authenticator = &mockAuthenticator{}

	rec, _, _ := serveAuth(t, srv, "/billing/sync", "Basic dXNlcjpwYXNz")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", rec.Code)
	}
}

func TestAuthMiddleware_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  types.ErrorCode
	}{
		{"invalid", types.NewAppError(types.ErrCodeAuthTokenInvalid, "nope", nil), 401, types.ErrCodeAuthTokenInvalid},
		{"revoked", types.NewAppError(types.ErrCodeAuthTokenRevoked, "expired", nil), 401, types.ErrCodeAuthTokenRevoked},
		{"store outage", errors.New("connection refused"), 500, types.ErrCodeInternalUnexpected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t)
			srv.Authenticator = &mockAuthenticator{err: tc.err}

			rec, _, found := serveAuth(t, srv, "/billing/cancel", "Bearer tg_live_abc")

			if found {
				t.Error("handler must not run")
			}
			if rec.Code != tc.wantCode {
				t.Errorf("status: got %d, want %d", rec.Code, tc.wantCode)
			}
			if got := errorCode(t, rec); got != string(tc.wantErr) {
				t.Errorf("code: got %q, want %q", got, tc.wantErr)
			}
		})
	}
}

func TestAuthMiddleware_ActorWithoutTenantRejected(t *testing.T) {
	srv := newTestServer(t)
	srv.Authenticator = &mockAuthenticator{actor: &types.Actor{ID: "key_1"}}

	rec, _, found := serveAuth(t, srv, "/billing/sync", "Bearer tg_live_abc")

	if found || rec.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, found=%v", rec.Code, found)
	}
}

func TestAuthMiddleware_PublicPathsSkipAuth(t *testing.T) {
	for _, path := range []string{"/health", "/metrics", "/billing/webhook", "/billing/plans"} {
		t.Run(path, func(t *testing.T) {
			srv := newTestServer(t)
			auth := &mockAuthenticator{}
			srv.Authenticator = auth

			rec, _, _ := serveAuth(t, srv, path, "")

			if rec.Code != http.StatusOK {
				t.Errorf("status: got %d, want 200", rec.Code)
			}
			if len(auth.calls) != 0 {
				t.Errorf("authenticator called for public path")
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":     "abc",
		"bearer abc ":    "abc",
		"Bearer":         "",
		"Token abc":      "",
		"BEARER   tg_x ": "tg_x",
	}
	for in, want := range tests {
		if got := extractBearerToken(in); got != want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
