package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/zuptin/internal/identity"
	"github.com/hitoshi/zuptin/internal/middleware"
	"github.com/hitoshi/zuptin/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, params identity.SignUpParams) (*identity.SignUpResult, error)
	SignIn(ctx context.Context, email, password string) (*identity.Session, error)
	Logout(ctx context.Context, sessionID string) error
	CurrentUser(ctx context.Context, sessionID string) (*identity.User, time.Time, error)
	UpdateCredentials(ctx context.Context, userID string, creds identity.Credentials) (*identity.User, error)
	RequestPasswordReset(ctx context.Context, email, redirectTo string) error
	ConfirmPasswordReset(ctx context.Context, token, password string) error
	VerifyEmail(ctx context.Context, token string) (*identity.Session, error)
}

// AuthEventRecorder は認証操作の結果を記録する。metrics.Collectorが満たす。
type AuthEventRecorder interface {
	RecordAuthEvent(event, outcome string)
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	events  AuthEventRecorder
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, events AuthEventRecorder) *AuthHandler {
	return &AuthHandler{service: service, events: events}
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type recoverRequest struct {
	Email      string `json:"email"`
	RedirectTo string `json:"redirect_to"`
}

type tokenRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// userResponse はGET /auth/v1/user のレスポンス。
type userResponse struct {
	User      identity.User `json:"user"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// SignUp はアカウントを作成する。
// POST /auth/v1/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req identity.SignUpParams
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.service.SignUp(r.Context(), req)
	h.events.RecordAuthEvent("signup", outcome(err))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SignIn はメールアドレスとパスワードでログインする。
// POST /auth/v1/token
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	h.events.RecordAuthEvent("signin", outcome(err))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Logout はセッションを破棄する。
// POST /auth/v1/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewUnauthorizedError())
		return
	}
	err = h.service.Logout(r.Context(), sessionID)
	h.events.RecordAuthEvent("logout", outcome(err))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me はログイン中のユーザーとセッションの有効期限を返す。
// GET /auth/v1/user
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewUnauthorizedError())
		return
	}
	user, expiresAt, err := h.service.CurrentUser(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: *user, ExpiresAt: expiresAt})
}

// UpdateUser はメールアドレス・パスワードを更新する。
// PUT /auth/v1/user
func (h *AuthHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req identity.Credentials
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.service.UpdateCredentials(r.Context(), userID, req)
	h.events.RecordAuthEvent("update_user", outcome(err))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Recover はパスワード再設定メールを送信する。アカウントの有無にかかわらず204を返す。
// POST /auth/v1/recover
func (h *AuthHandler) Recover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := h.service.RequestPasswordReset(r.Context(), req.Email, req.RedirectTo)
	h.events.RecordAuthEvent("recover", outcome(err))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConfirmRecover はリカバリートークンで新しいパスワードを設定する。
// POST /auth/v1/recover/confirm
func (h *AuthHandler) ConfirmRecover(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := h.service.ConfirmPasswordReset(r.Context(), req.Token, req.Password)
	h.events.RecordAuthEvent("recover_confirm", outcome(err))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Verify はメール確認トークンを検証し、セッションを返す。
// POST /auth/v1/verify
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := h.service.VerifyEmail(r.Context(), req.Token)
	h.events.RecordAuthEvent("verify", outcome(err))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
