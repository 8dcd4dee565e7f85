package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/zuptin/internal/model"
)

// mockAuthenticator はAuthenticatorのモック。
type mockAuthenticator struct {
	authenticateFn func(ctx context.Context, sessionID string) (*model.Session, *model.User, error)
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, sessionID string) (*model.Session, *model.User, error) {
	return m.authenticateFn(ctx, sessionID)
}

func validAuthenticator() *mockAuthenticator {
	return &mockAuthenticator{
		authenticateFn: func(_ context.Context, sessionID string) (*model.Session, *model.User, error) {
			if sessionID != "valid-token" {
				return nil, nil, model.NewUnauthorizedError()
			}
			return &model.Session{ID: sessionID, UserID: "user-123"}, &model.User{ID: "user-123"}, nil
		},
	}
}

func TestSessionMiddleware_ValidToken_InjectsUserAndSession(t *testing.T) {
	var gotUserID, gotSessionID string
	handler := NewSessionMiddleware(validAuthenticator())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = UserIDFromContext(r.Context())
		gotSessionID, _ = SessionIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/v1/user", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotUserID != "user-123" || gotSessionID != "valid-token" {
		t.Errorf("context = %q/%q, want user-123/valid-token", gotUserID, gotSessionID)
	}
}

func TestSessionMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"ヘッダーなし", ""},
		{"Basic認証", "Basic dXNlcjpwYXNz"},
		{"トークンが空", "Bearer "},
		{"無効なトークン", "Bearer expired-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := NewSessionMiddleware(validAuthenticator())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(http.MethodGet, "/auth/v1/user", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
			if called {
				t.Error("next handler should not be called")
			}
			var body model.APIError
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body.Category != model.CategoryAuth {
				t.Errorf("body = %+v, %v; want auth error", body, err)
			}
		})
	}
}

func TestSessionMiddleware_RepositoryError_Returns500(t *testing.T) {
	auth := &mockAuthenticator{
		authenticateFn: func(context.Context, string) (*model.Session, *model.User, error) {
			return nil, nil, errors.New("connection refused")
		},
	}
	handler := NewSessionMiddleware(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/v1/user", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestBearerToken_CaseInsensitiveScheme(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer abc")
	if got := BearerToken(req); got != "abc" {
		t.Errorf("BearerToken = %q, want abc", got)
	}
}

func TestUserIDFromContext_NoValue_ReturnsError(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for missing user ID")
	}
	if _, err := SessionIDFromContext(context.Background()); err == nil {
		t.Error("expected error for missing session ID")
	}
}
