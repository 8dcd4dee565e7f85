// Package auth はパスワード認証、セッション発行、メール確認、パスワード再設定を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hitoshi/zuptin/internal/config"
	"github.com/hitoshi/zuptin/internal/mailer"
	"github.com/hitoshi/zuptin/internal/model"
	"github.com/hitoshi/zuptin/internal/password"
	"github.com/hitoshi/zuptin/internal/repository"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge            int // セッション有効期間（秒）
	RequireEmailConfirmation bool
	PasswordResetTTL         time.Duration
	EmailConfirmationTTL     time.Duration
	Redirects                config.Redirects
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	tokenRepo   repository.TokenRepository
	mailer      mailer.Mailer
	validate    *validator.Validate
	config      ServiceConfig
	now         func() time.Time
	compareHash func(hash, pw string) bool
}

// dummyHash は存在しないユーザーのサインインでも比較するためのハッシュ。
// ユーザーの有無で応答時間が変わらないようにする。
var dummyHash = sync.OnceValue(func() string {
	h, err := password.Hash("Zuptin-unused-1!")
	if err != nil {
		panic(fmt.Sprintf("failed to hash dummy password: %v", err))
	}
	return h
})

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	tokenRepo repository.TokenRepository,
	m mailer.Mailer,
	config ServiceConfig,
) *Service {
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		tokenRepo:   tokenRepo,
		mailer:      m,
		validate:    validator.New(),
		config:      config,
		now:         time.Now,
		compareHash: password.Compare,
	}
}

// SignUpInput はサインアップの入力。
type SignUpInput struct {
	Email       string
	Password    string
	FullName    string
	PhoneNumber string
	RedirectTo  string
}

// SignUpResult はサインアップの結果。メール確認が必要な場合Sessionはnil。
type SignUpResult struct {
	User    *model.User
	Session *model.Session
}

// SignUp はユーザーとプロフィール行を作成する。
// メール確認が不要な設定の場合はそのままセッションを発行し、
// 必要な場合は確認メールを送信してセッションなしで返す。
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*SignUpResult, error) {
	email, err := s.checkEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := password.Validate(in.Password); err != nil {
		return nil, err
	}

	hash, err := password.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now().UTC()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !s.config.RequireEmailConfirmation {
		user.EmailConfirmedAt = &now
	}
	profile := &model.Profile{
		UserID:      user.ID,
		FullName:    optional(in.FullName),
		PhoneNumber: optional(in.PhoneNumber),
		Email:       &email,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.userRepo.CreateWithProfile(ctx, user, profile); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, model.NewValidationError(model.ErrCodeUserAlreadyExists, "User already registered")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.Bool("confirmation_required", s.config.RequireEmailConfirmation),
	)

	if s.config.RequireEmailConfirmation {
		link := s.config.Redirects.Resolve(in.RedirectTo, s.config.Redirects.AuthCallback())
		t := model.AuthToken{UserID: user.ID, Purpose: model.TokenPurposeSignup}
		if err := s.sendToken(ctx, user.Email, t, s.config.EmailConfirmationTTL, link); err != nil {
			// 確認メールを送れなかったアカウントは残さず、同じアドレスで再登録できるようにする
			if delErr := s.userRepo.DeleteByID(context.WithoutCancel(ctx), user.ID); delErr != nil {
				slog.Error("failed to remove unconfirmed user",
					slog.String("user_id", user.ID),
					slog.String("error", delErr.Error()),
				)
				return nil, errors.Join(err, delErr)
			}
			slog.Warn("confirmation mail failed, user removed",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		return &SignUpResult{User: user}, nil
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &SignUpResult{User: user, Session: session}, nil
}

// SignIn はメールアドレスとパスワードを検証し、セッションを発行する。
// ユーザーが存在しない場合もパスワード不一致と同じエラーを返す。
func (s *Service) SignIn(ctx context.Context, email, pw string) (*model.Session, *model.User, error) {
	user, err := s.userRepo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		s.compareHash(dummyHash(), pw)
		return nil, nil, model.NewInvalidCredentialsError()
	}
	if !s.compareHash(user.PasswordHash, pw) {
		return nil, nil, model.NewInvalidCredentialsError()
	}
	if s.config.RequireEmailConfirmation && !user.Confirmed() {
		return nil, nil, model.NewAuthError(model.ErrCodeEmailNotConfirmed, "Email not confirmed")
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}
	slog.Info("user signed in", slog.String("user_id", user.ID))
	return session, user, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out")
	return nil
}

// Authenticate はセッションIDから有効なセッションとユーザーを取得する。
// セッションが存在しない、期限切れ、またはユーザーが削除済みの場合はUnauthorizedを返す。
func (s *Service) Authenticate(ctx context.Context, sessionID string) (*model.Session, *model.User, error) {
	if sessionID == "" {
		return nil, nil, model.NewUnauthorizedError()
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil, model.NewUnauthorizedError()
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, nil, model.NewUnauthorizedError()
	}

	return session, user, nil
}

// UpdateCredentials はメールアドレスとパスワードを更新する。nilの項目は変更しない。
//
// メール確認が必要な設定では、メールアドレスはすぐには変更しない。変更後のアドレスに確認リンクを送り、
// VerifyEmailで確認された時点で変更する。その間、戻り値のUser.NewEmailに確認待ちのアドレスを設定する。
func (s *Service) UpdateCredentials(ctx context.Context, userID string, email, pw *string) (*model.User, error) {
	if email == nil && pw == nil {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "Nothing to update.")
	}
	var newEmail string
	if email != nil {
		var err error
		if newEmail, err = s.checkEmail(*email); err != nil {
			return nil, err
		}
	}
	var hash string
	if pw != nil {
		if err := password.Validate(*pw); err != nil {
			return nil, err
		}
		var err error
		if hash, err = password.Hash(*pw); err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	if pw != nil {
		if err := s.userRepo.UpdatePasswordHash(ctx, userID, hash); err != nil {
			return nil, err
		}
	}

	pending := ""
	if email != nil && !strings.EqualFold(newEmail, user.Email) {
		existing, err := s.userRepo.FindByEmail(ctx, newEmail)
		if err != nil {
			return nil, fmt.Errorf("failed to find user: %w", err)
		}
		if existing != nil && existing.ID != userID {
			return nil, emailTakenError()
		}

		if s.config.RequireEmailConfirmation {
			t := model.AuthToken{UserID: userID, Purpose: model.TokenPurposeEmailChange, NewEmail: newEmail}
			if err := s.sendToken(ctx, newEmail, t, s.config.EmailConfirmationTTL, s.config.Redirects.AuthCallback()); err != nil {
				return nil, err
			}
			pending = newEmail
		} else if err := s.applyEmail(ctx, userID, newEmail); err != nil {
			return nil, err
		}
	}

	user, err = s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	user.NewEmail = pending
	slog.Info("credentials updated",
		slog.String("user_id", userID),
		slog.Bool("email", email != nil),
		slog.Bool("email_pending", pending != ""),
		slog.Bool("password", pw != nil),
	)
	return user, nil
}

// applyEmail はユーザーとプロフィールのメールアドレスを変更する。
func (s *Service) applyEmail(ctx context.Context, userID, email string) error {
	if err := s.userRepo.UpdateEmail(ctx, userID, email); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return emailTakenError()
		}
		return err
	}
	return nil
}

// RequestPasswordReset はパスワード再設定リンクをメールで送信する。
// アカウントの有無を外部に漏らさないため、未登録のメールアドレスでも成功を返す。
func (s *Service) RequestPasswordReset(ctx context.Context, email, redirectTo string) error {
	email, err := s.checkEmail(email)
	if err != nil {
		return err
	}
	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		slog.Debug("password reset requested for unknown email")
		return nil
	}
	link := s.config.Redirects.Resolve(redirectTo, s.config.Redirects.ResetPassword())
	t := model.AuthToken{UserID: user.ID, Purpose: model.TokenPurposeRecovery}
	if err := s.sendToken(ctx, user.Email, t, s.config.PasswordResetTTL, link); err != nil {
		// 未登録のアドレスと同じ応答にするため、呼び出し元にはエラーを返さない
		slog.Error("failed to send password reset mail",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// ConfirmPasswordReset は再設定トークンを使用してパスワードを変更する。
// トークンは一度しか使用できない。変更後は既存の全セッションを失効させる。
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if err := password.Validate(newPassword); err != nil {
		return err
	}
	if token == "" {
		return model.NewValidationError(model.ErrCodeInvalidToken, "Reset token is required.")
	}

	t, err := s.tokenRepo.Consume(ctx, token, model.TokenPurposeRecovery)
	if err != nil {
		return fmt.Errorf("failed to consume token: %w", err)
	}
	if t == nil {
		return invalidTokenError()
	}

	hash, err := password.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.userRepo.UpdatePasswordHash(ctx, t.UserID, hash); err != nil {
		return err
	}
	// 再設定リンクを受け取れたことでメールアドレスの所有も確認できている
	if err := s.userRepo.MarkEmailConfirmed(ctx, t.UserID); err != nil {
		return err
	}
	if err := s.sessionRepo.DeleteByUserID(ctx, t.UserID); err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}

	slog.Info("password reset completed", slog.String("user_id", t.UserID))
	return nil
}

// VerifyEmail は確認トークンでメールアドレスを確認済みにし、セッションを発行する。
// サインアップ時の確認トークンとメールアドレス変更の確認トークンの両方を受け付ける。
// 変更の確認ではユーザーとプロフィールのメールアドレスを変更後のアドレスにする。
func (s *Service) VerifyEmail(ctx context.Context, token string) (*model.Session, *model.User, error) {
	if token == "" {
		return nil, nil, model.NewValidationError(model.ErrCodeInvalidToken, "Confirmation token is required.")
	}
	t, err := s.consumeAny(ctx, token, model.TokenPurposeSignup, model.TokenPurposeEmailChange)
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, invalidTokenError()
	}
	if t.Purpose == model.TokenPurposeEmailChange {
		if t.NewEmail == "" {
			return nil, nil, invalidTokenError()
		}
		if err := s.applyEmail(ctx, t.UserID, t.NewEmail); err != nil {
			return nil, nil, err
		}
	}
	if err := s.userRepo.MarkEmailConfirmed(ctx, t.UserID); err != nil {
		return nil, nil, err
	}

	user, err := s.userRepo.FindByID(ctx, t.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, nil, invalidTokenError()
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}
	slog.Info("email confirmed",
		slog.String("user_id", user.ID),
		slog.String("purpose", string(t.Purpose)),
	)
	return session, user, nil
}

// consumeAny はpurposesのいずれかとしてトークンを使用済みにする。該当しない場合はnilを返す。
func (s *Service) consumeAny(ctx context.Context, token string, purposes ...model.TokenPurpose) (*model.AuthToken, error) {
	for _, p := range purposes {
		t, err := s.tokenRepo.Consume(ctx, token, p)
		if err != nil {
			return nil, fmt.Errorf("failed to consume token: %w", err)
		}
		if t != nil {
			return t, nil
		}
	}
	return nil, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now().UTC()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// sendToken はtを元にワンタイムトークンを発行し、linkにトークンを付けたURLをtoへメールで送信する。
func (s *Service) sendToken(ctx context.Context, to string, t model.AuthToken, ttl time.Duration, link string) error {
	id, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	now := s.now().UTC()
	t.ID = id
	t.ExpiresAt = now.Add(ttl)
	t.CreatedAt = now
	if err := s.tokenRepo.Create(ctx, &t); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	target, err := withToken(link, id, t.Purpose)
	if err != nil {
		return err
	}
	msg := mailer.Message{To: to}
	switch t.Purpose {
	case model.TokenPurposeSignup:
		msg.Subject = "Confirm your Zuptin account"
		msg.Body = "Welcome to Zuptin!\n\nConfirm your email address by opening the link below:\n\n" + target + "\n"
	case model.TokenPurposeRecovery:
		msg.Subject = "Reset your Zuptin password"
		msg.Body = "We received a request to reset your password.\n\nOpen the link below to choose a new one:\n\n" + target +
			"\n\nIf you did not request this, you can ignore this email.\n"
	case model.TokenPurposeEmailChange:
		msg.Subject = "Confirm your new Zuptin email address"
		msg.Body = "Confirm that you want to use this address for your Zuptin account:\n\n" + target +
			"\n\nYour sign-in email stays the same until you open the link.\n"
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s mail: %w", t.Purpose, err)
	}
	return nil
}

// withToken はリンクにtokenとtypeのクエリパラメータを付与する。
func withToken(link, token string, purpose model.TokenPurpose) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("invalid redirect link: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("type", string(purpose))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Service) checkEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return "", model.NewValidationError(model.ErrCodeInvalidEmail, "Please enter a valid email address.")
	}
	return email, nil
}

func emailTakenError() error {
	return model.NewValidationError(model.ErrCodeUserAlreadyExists, "A user with this email address has already been registered")
}

func invalidTokenError() error {
	return model.NewAuthError(model.ErrCodeInvalidToken, "Token has expired or is invalid")
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// generateToken は暗号的に安全なトークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
