package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/zuptin/internal/identity"
	"github.com/hitoshi/zuptin/internal/model"
	"github.com/hitoshi/zuptin/internal/password"
)

// SignUpInput はサインアップの入力。
type SignUpInput struct {
	Email       string
	Password    string
	FullName    string
	PhoneNumber string
}

// SignUpOutcome はサインアップ成功時の結果の種類。
type SignUpOutcome int

const (
	// SignUpSignedIn はセッションが即時発行され、ログイン済みになったことを示す。
	SignUpSignedIn SignUpOutcome = iota + 1
	// SignUpConfirmationRequired はメールアドレスの確認待ちで、未ログインのままであることを示す。
	SignUpConfirmationRequired
)

// String はログ出力用の名前を返す。
func (o SignUpOutcome) String() string {
	switch o {
	case SignUpSignedIn:
		return "signed_in"
	case SignUpConfirmationRequired:
		return "confirmation_required"
	default:
		return "unknown"
	}
}

// SignUp はアカウントを作成する。
// パスワードがポリシーを満たさない場合はリモートを呼ばずにValidationErrorを返す。
func (s *Store) SignUp(ctx context.Context, in SignUpInput) (SignUpOutcome, error) {
	email, err := s.checkEmail(in.Email)
	if err != nil {
		return 0, err
	}
	if err := password.Validate(in.Password); err != nil {
		return 0, err
	}

	startSeq := s.seq()
	res, err := s.svc.SignUp(ctx, identity.SignUpParams{
		Email:       email,
		Password:    in.Password,
		FullName:    strings.TrimSpace(in.FullName),
		PhoneNumber: strings.TrimSpace(in.PhoneNumber),
		RedirectTo:  s.redirects.AuthCallback(),
	})
	if err != nil {
		return 0, err
	}

	if res.Session == nil {
		s.logger.Info("sign up requires email confirmation", slog.String("user_id", res.User.ID))
		return SignUpConfirmationRequired, nil
	}
	s.commit(startSeq, &res.Session.User)
	return SignUpSignedIn, nil
}

// SignIn はメールアドレスとパスワードでログインする。
// 資格情報が誤っている場合はサービスのメッセージを持つAuthErrorを返す。
func (s *Store) SignIn(ctx context.Context, email, pw string) error {
	email, err := s.checkEmail(email)
	if err != nil {
		return err
	}
	if pw == "" {
		return model.NewValidationError(model.ErrCodeInvalidPassword, "Password is required.")
	}

	startSeq := s.seq()
	sess, err := s.svc.SignInWithPassword(ctx, email, pw)
	if err != nil {
		return err
	}
	s.commit(startSeq, &sess.User)
	return nil
}

// SignOut はログアウトする。リモートの結果にかかわらず必ずUnauthenticatedに遷移し、
// キャッシュを破棄する。リモートの失敗はエラーとして返す。
func (s *Store) SignOut(ctx context.Context) error {
	s.signOutLocal()
	if err := s.svc.SignOut(ctx); err != nil {
		s.logger.Warn("remote sign out failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// RequestPasswordReset はパスワード再設定メールの送信を依頼する。
// アカウントの有無を漏らさないよう、通信失敗以外は常に成功を返す。
func (s *Store) RequestPasswordReset(ctx context.Context, email string) error {
	email, err := s.checkEmail(email)
	if err != nil {
		return err
	}
	if err := s.svc.RequestPasswordReset(ctx, email, s.redirects.ResetPassword()); err != nil {
		if model.IsTransport(err) {
			return model.NewTransportError()
		}
		s.logger.Warn("password reset request failed", slog.String("error", err.Error()))
	}
	return nil
}

// ConfirmPasswordReset はリカバリートークンで新しいパスワードを設定する。
// 成功してもログインはしない（呼び出し元はサインイン画面へ誘導する）。
func (s *Store) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if err := password.Validate(newPassword); err != nil {
		return err
	}
	if token == "" {
		return model.NewValidationError(model.ErrCodeInvalidToken, "The password reset link is invalid or has expired.")
	}
	return s.svc.ConfirmPasswordReset(ctx, token, newPassword)
}

// ConfirmEmail はメール確認リンクのトークンを検証し、確立されたセッションでログインする。
func (s *Store) ConfirmEmail(ctx context.Context, token string) error {
	if token == "" {
		return model.NewValidationError(model.ErrCodeInvalidToken, "The confirmation link is invalid or has expired.")
	}
	startSeq := s.seq()
	sess, err := s.svc.VerifyEmail(ctx, token)
	if err != nil {
		return err
	}
	s.commit(startSeq, &sess.User)
	return nil
}

// UpdateEmail はログイン中ユーザーのメールアドレスを変更する。
func (s *Store) UpdateEmail(ctx context.Context, email string) error {
	email, err := s.checkEmail(email)
	if err != nil {
		return err
	}
	return s.updateCredentials(ctx, identity.Credentials{Email: &email})
}

// ChangePassword はログイン中ユーザーのパスワードを変更する。
func (s *Store) ChangePassword(ctx context.Context, newPassword string) error {
	if err := password.Validate(newPassword); err != nil {
		return err
	}
	return s.updateCredentials(ctx, identity.Credentials{Password: &newPassword})
}

func (s *Store) updateCredentials(ctx context.Context, creds identity.Credentials) error {
	cur := s.Current()
	if !cur.Authenticated() {
		return model.NewUnauthorizedError()
	}

	startSeq := s.seq()
	user, err := s.svc.UpdateCredentials(ctx, creds)
	if err != nil {
		return err
	}
	if user.ID == cur.UserID {
		s.commit(startSeq, user)
	}
	return nil
}

// checkEmail はメールアドレスの形式を検証し、前後の空白を除いた値を返す。
func (s *Store) checkEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return "", model.NewValidationError(model.ErrCodeInvalidEmail, fmt.Sprintf("%q is not a valid email address.", email))
	}
	return email, nil
}
