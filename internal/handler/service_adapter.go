package handler

import (
	"context"
	"time"

	"github.com/hitoshi/zuptin/internal/auth"
	"github.com/hitoshi/zuptin/internal/identity"
	"github.com/hitoshi/zuptin/internal/model"
)

// AuthServiceAdapter は auth.Service を AuthServiceInterface に適合させるアダプタ。
// ドメインのUser/Sessionをクライアントと共有するワイヤ形式（identityパッケージの型）に変換する。
type AuthServiceAdapter struct {
	svc *auth.Service
}

// NewAuthServiceAdapter はAuthServiceAdapterを生成する。
func NewAuthServiceAdapter(svc *auth.Service) *AuthServiceAdapter {
	return &AuthServiceAdapter{svc: svc}
}

var _ AuthServiceInterface = (*AuthServiceAdapter)(nil)

// SignUp はユーザーを作成する。
func (a *AuthServiceAdapter) SignUp(ctx context.Context, params identity.SignUpParams) (*identity.SignUpResult, error) {
	res, err := a.svc.SignUp(ctx, auth.SignUpInput{
		Email:       params.Email,
		Password:    params.Password,
		FullName:    params.FullName,
		PhoneNumber: params.PhoneNumber,
		RedirectTo:  params.RedirectTo,
	})
	if err != nil {
		return nil, err
	}
	out := &identity.SignUpResult{User: toIdentityUser(res.User)}
	if res.Session != nil {
		out.Session = toIdentitySession(res.Session, res.User)
	}
	return out, nil
}

// SignIn はメールアドレスとパスワードでセッションを発行する。
func (a *AuthServiceAdapter) SignIn(ctx context.Context, email, password string) (*identity.Session, error) {
	sess, user, err := a.svc.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return toIdentitySession(sess, user), nil
}

// Logout はセッションを破棄する。
func (a *AuthServiceAdapter) Logout(ctx context.Context, sessionID string) error {
	return a.svc.Logout(ctx, sessionID)
}

// CurrentUser はセッションのユーザーと有効期限を返す。
func (a *AuthServiceAdapter) CurrentUser(ctx context.Context, sessionID string) (*identity.User, time.Time, error) {
	sess, user, err := a.svc.Authenticate(ctx, sessionID)
	if err != nil {
		return nil, time.Time{}, err
	}
	u := toIdentityUser(user)
	return &u, sess.ExpiresAt, nil
}

// UpdateCredentials はメールアドレス・パスワードを更新する。
func (a *AuthServiceAdapter) UpdateCredentials(ctx context.Context, userID string, creds identity.Credentials) (*identity.User, error) {
	user, err := a.svc.UpdateCredentials(ctx, userID, creds.Email, creds.Password)
	if err != nil {
		return nil, err
	}
	u := toIdentityUser(user)
	return &u, nil
}

// RequestPasswordReset はパスワード再設定メールを送信する。
func (a *AuthServiceAdapter) RequestPasswordReset(ctx context.Context, email, redirectTo string) error {
	return a.svc.RequestPasswordReset(ctx, email, redirectTo)
}

// ConfirmPasswordReset はリカバリートークンでパスワードを設定する。
func (a *AuthServiceAdapter) ConfirmPasswordReset(ctx context.Context, token, password string) error {
	return a.svc.ConfirmPasswordReset(ctx, token, password)
}

// VerifyEmail はメール確認トークンを検証してセッションを発行する。
func (a *AuthServiceAdapter) VerifyEmail(ctx context.Context, token string) (*identity.Session, error) {
	sess, user, err := a.svc.VerifyEmail(ctx, token)
	if err != nil {
		return nil, err
	}
	return toIdentitySession(sess, user), nil
}

// toIdentityUser はドメインのUserをワイヤ形式に変換する。
func toIdentityUser(u *model.User) identity.User {
	return identity.User{
		ID:               u.ID,
		Email:            u.Email,
		EmailConfirmedAt: u.EmailConfirmedAt,
		NewEmail:         u.NewEmail,
		CreatedAt:        u.CreatedAt,
	}
}

// toIdentitySession はドメインのSessionをワイヤ形式に変換する。セッションIDがアクセストークンになる。
func toIdentitySession(s *model.Session, u *model.User) *identity.Session {
	return &identity.Session{
		AccessToken: s.ID,
		ExpiresAt:   s.ExpiresAt,
		User:        toIdentityUser(u),
	}
}
