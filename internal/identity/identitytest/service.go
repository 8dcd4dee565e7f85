// Package identitytest はテスト用のインメモリ identity.Service 実装を提供する。
package identitytest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/zuptin/internal/identity"
	"github.com/hitoshi/zuptin/internal/model"
)

type account struct {
	user      identity.User
	password  string
	confirmed bool
}

// Service はメモリ上でユーザー・セッション・行を保持するidentity.Service。
// 各Fnフィールドを設定すると対応するメソッドの動作を差し替えられる。
type Service struct {
	// RequireConfirmation がtrueの場合、SignUpはセッションを発行しない。
	RequireConfirmation bool
	// Silent がtrueの場合、自身の操作でセッション変更を通知しない。
	Silent bool

	GetRowFn        func(ctx context.Context, table model.Table, userID string) (identity.Row, error)
	UpsertRowFn     func(ctx context.Context, table model.Table, userID string, fields identity.Row, opts identity.UpsertOptions) (identity.Row, error)
	DeleteRowFn     func(ctx context.Context, table model.Table, userID string) error
	DeleteAccountFn func(ctx context.Context, userID string) error
	SignOutFn       func(ctx context.Context) error
	ResetFn         func(ctx context.Context, email, redirectURL string) error
	UploadAvatarFn  func(ctx context.Context, userID string, data []byte, contentType string) (identity.Row, error)

	hub *identity.Hub

	mu       sync.Mutex
	accounts map[string]*account // emailをキーとする
	tokens   map[string]string   // リカバリー・確認トークン → email
	session  *identity.Session
	rows     map[model.Table]map[string]identity.Row
	inserts  map[model.Table]int
	calls    map[string]int
}

var _ identity.Service = (*Service)(nil)

// New はServiceの新しいインスタンスを生成する。
func New() *Service {
	return &Service{
		hub:      identity.NewHub(),
		accounts: make(map[string]*account),
		tokens:   make(map[string]string),
		rows:     make(map[model.Table]map[string]identity.Row),
		inserts:  make(map[model.Table]int),
		calls:    make(map[string]int),
	}
}

// AddUser は確認済みのユーザーを登録する。
func (s *Service) AddUser(email, password string) identity.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := identity.User{ID: uuid.NewString(), Email: email, CreatedAt: time.Now().UTC()}
	s.accounts[email] = &account{user: u, password: password, confirmed: true}
	return u
}

// IssueToken はemail宛てのワンタイムトークンを発行する。
func (s *Service) IssueToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := uuid.NewString()
	s.tokens[tok] = email
	return tok
}

// Emit はリモートからのセッション変更通知を模擬する。
func (s *Service) Emit(kind identity.EventKind, sess *identity.Session) identity.Event {
	return s.hub.Emit(kind, sess)
}

// SessionFor はuserのセッションを生成する。
func SessionFor(u identity.User) *identity.Session {
	return &identity.Session{
		AccessToken: uuid.NewString(),
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        u,
	}
}

// SetSession はセッションを通知なしで差し替える。
func (s *Service) SetSession(sess *identity.Session) {
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
}

// Row は保存されている行を返す。
func (s *Service) Row(table model.Table, userID string) identity.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[table][userID]
}

// Inserts はtableに新規作成された行の数を返す。
func (s *Service) Inserts(table model.Table) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts[table]
}

// Calls はメソッド名ごとの呼び出し回数を返す。
func (s *Service) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Subscribers は現在の購読者数を返す。
func (s *Service) Subscribers() int {
	return s.hub.Len()
}

func (s *Service) record(method string) {
	s.mu.Lock()
	s.calls[method]++
	s.mu.Unlock()
}

func (s *Service) emit(kind identity.EventKind, sess *identity.Session) {
	if !s.Silent {
		s.hub.Emit(kind, sess)
	}
}

func (s *Service) SignUp(_ context.Context, params identity.SignUpParams) (*identity.SignUpResult, error) {
	s.record("SignUp")
	s.mu.Lock()
	if _, exists := s.accounts[params.Email]; exists {
		s.mu.Unlock()
		return nil, model.NewAuthError(model.ErrCodeUserAlreadyExists, "User already registered")
	}
	u := identity.User{ID: uuid.NewString(), Email: params.Email, CreatedAt: time.Now().UTC()}
	s.accounts[params.Email] = &account{user: u, password: params.Password, confirmed: !s.RequireConfirmation}
	if s.RequireConfirmation {
		s.mu.Unlock()
		return &identity.SignUpResult{User: u}, nil
	}
	sess := SessionFor(u)
	s.session = sess
	s.mu.Unlock()

	s.emit(identity.EventSignedIn, sess)
	return &identity.SignUpResult{User: u, Session: sess}, nil
}

func (s *Service) SignInWithPassword(_ context.Context, email, password string) (*identity.Session, error) {
	s.record("SignInWithPassword")
	s.mu.Lock()
	acc, ok := s.accounts[email]
	if !ok || acc.password != password {
		s.mu.Unlock()
		return nil, model.NewInvalidCredentialsError()
	}
	if !acc.confirmed {
		s.mu.Unlock()
		return nil, model.NewAuthError(model.ErrCodeEmailNotConfirmed, "Email not confirmed")
	}
	sess := SessionFor(acc.user)
	s.session = sess
	s.mu.Unlock()

	s.emit(identity.EventSignedIn, sess)
	return sess, nil
}

func (s *Service) SignOut(ctx context.Context) error {
	s.record("SignOut")
	s.mu.Lock()
	had := s.session != nil
	s.session = nil
	s.mu.Unlock()

	if had {
		s.emit(identity.EventSignedOut, nil)
	}
	if s.SignOutFn != nil {
		return s.SignOutFn(ctx)
	}
	return nil
}

func (s *Service) UpdateCredentials(_ context.Context, creds identity.Credentials) (*identity.User, error) {
	s.record("UpdateCredentials")
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return nil, model.NewUnauthorizedError()
	}
	var acc *account
	for _, a := range s.accounts {
		if a.user.ID == s.session.User.ID {
			acc = a
		}
	}
	if acc == nil {
		s.mu.Unlock()
		return nil, model.NewUserNotFoundError()
	}
	if creds.Email != nil {
		delete(s.accounts, acc.user.Email)
		acc.user.Email = *creds.Email
		s.accounts[acc.user.Email] = acc
	}
	if creds.Password != nil {
		acc.password = *creds.Password
	}
	next := *s.session
	next.User = acc.user
	s.session = &next
	u := acc.user
	s.mu.Unlock()

	s.emit(identity.EventUserUpdated, &next)
	return &u, nil
}

func (s *Service) RequestPasswordReset(ctx context.Context, email, redirectURL string) error {
	s.record("RequestPasswordReset")
	if s.ResetFn != nil {
		return s.ResetFn(ctx, email, redirectURL)
	}
	return nil
}

func (s *Service) ConfirmPasswordReset(_ context.Context, token, newPassword string) error {
	s.record("ConfirmPasswordReset")
	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.tokens[token]
	if !ok {
		return model.NewAuthError(model.ErrCodeInvalidToken, "Token has expired or is invalid")
	}
	delete(s.tokens, token)
	s.accounts[email].password = newPassword
	return nil
}

func (s *Service) VerifyEmail(_ context.Context, token string) (*identity.Session, error) {
	s.record("VerifyEmail")
	s.mu.Lock()
	email, ok := s.tokens[token]
	if !ok {
		s.mu.Unlock()
		return nil, model.NewAuthError(model.ErrCodeInvalidToken, "Token has expired or is invalid")
	}
	delete(s.tokens, token)
	acc := s.accounts[email]
	acc.confirmed = true
	sess := SessionFor(acc.user)
	s.session = sess
	s.mu.Unlock()

	s.emit(identity.EventSignedIn, sess)
	return sess, nil
}

func (s *Service) GetSession(_ context.Context) (*identity.Session, error) {
	s.record("GetSession")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, nil
	}
	cp := *s.session
	return &cp, nil
}

func (s *Service) OnSessionChange(fn func(identity.Event)) func() {
	return s.hub.Subscribe(fn)
}

func (s *Service) GetRow(ctx context.Context, table model.Table, userID string) (identity.Row, error) {
	s.record("GetRow")
	if s.GetRowFn != nil {
		return s.GetRowFn(ctx, table, userID)
	}
	return s.getRow(table, userID), nil
}

func (s *Service) getRow(table model.Table, userID string) identity.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[table][userID]
	if !ok {
		return nil
	}
	return copyRow(row)
}

func (s *Service) UpsertRow(ctx context.Context, table model.Table, userID string, fields identity.Row, opts identity.UpsertOptions) (identity.Row, error) {
	s.record("UpsertRow")
	if s.UpsertRowFn != nil {
		return s.UpsertRowFn(ctx, table, userID, fields, opts)
	}
	return s.StoreRow(table, userID, fields, opts), nil
}

// StoreRow はUpsertRowの既定動作。Fnフィールドから元の動作を呼ぶために公開している。
func (s *Service) StoreRow(table model.Table, userID string, fields identity.Row, opts identity.UpsertOptions) identity.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[table] == nil {
		s.rows[table] = make(map[string]identity.Row)
	}
	now := time.Now().UTC()
	existing, ok := s.rows[table][userID]
	if ok && opts.OnConflict == identity.IgnoreDuplicates {
		return copyRow(existing)
	}
	if !ok {
		existing = identity.Row{"user_id": userID, "created_at": now, "updated_at": now}
		s.inserts[table]++
	}
	for k, v := range fields {
		existing[k] = v
	}
	existing["user_id"] = userID
	s.rows[table][userID] = existing
	return copyRow(existing)
}

func (s *Service) DeleteRow(ctx context.Context, table model.Table, userID string) error {
	s.record("DeleteRow")
	if s.DeleteRowFn != nil {
		return s.DeleteRowFn(ctx, table, userID)
	}
	s.mu.Lock()
	delete(s.rows[table], userID)
	s.mu.Unlock()
	return nil
}

func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	s.record("DeleteAccount")
	if s.DeleteAccountFn != nil {
		return s.DeleteAccountFn(ctx, userID)
	}
	s.mu.Lock()
	for email, acc := range s.accounts {
		if acc.user.ID == userID {
			delete(s.accounts, email)
		}
	}
	had := s.session != nil
	s.session = nil
	s.mu.Unlock()

	if had {
		s.emit(identity.EventSignedOut, nil)
	}
	return nil
}

// UploadAvatar は既定でavatar_urlにダミーの公開URLを設定したプロフィール行を返す。
func (s *Service) UploadAvatar(ctx context.Context, userID string, data []byte, contentType string) (identity.Row, error) {
	s.record("UploadAvatar")
	if s.UploadAvatarFn != nil {
		return s.UploadAvatarFn(ctx, userID, data, contentType)
	}
	url := "https://storage.test/avatars/" + userID + "/avatar-" + uuid.NewString()
	return s.StoreRow(model.TableProfiles, userID, identity.Row{"avatar_url": url}, identity.UpsertOptions{}), nil
}

func copyRow(r identity.Row) identity.Row {
	cp := make(identity.Row, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}
