// Package identity はリモートの認証・データサービスとの契約を定義する。
// セッションストアとユーザー設定キャッシュはこの契約だけに依存し、
// 具体的なバックエンド実装（HTTPクライアントやテスト用フェイク）を差し替えられる。
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/zuptin/internal/model"
)

// User はリモートサービスが保持する認証ユーザー情報。
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at"`
	NewEmail         string     `json:"new_email,omitempty"` // 確認待ちの変更後メールアドレス
	CreatedAt        time.Time  `json:"created_at"`
}

// Session はリモートサービスが発行したセッション。
type Session struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        User      `json:"user"`
}

// Expired はセッションがnowの時点で期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// SignUpParams はサインアップの入力。FullNameとPhoneNumberはプロフィールの初期値になる。
type SignUpParams struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FullName    string `json:"full_name"`
	PhoneNumber string `json:"phone_number"`
	RedirectTo  string `json:"redirect_to"`
}

// SignUpResult はサインアップの結果。
// Sessionがnilの場合はメールアドレスの確認が必要で、まだログインしていない。
type SignUpResult struct {
	User    User     `json:"user"`
	Session *Session `json:"session"`
}

// Credentials は資格情報の更新内容。nilのフィールドは変更しない。
type Credentials struct {
	Email    *string `json:"email,omitempty"`
	Password *string `json:"password,omitempty"`
}

// EventKind はセッション変更通知の種類。
type EventKind string

const (
	// EventSignedIn は新しいセッションが確立されたことを示す。
	EventSignedIn EventKind = "SIGNED_IN"
	// EventSignedOut はサインアウトによりセッションが失われたことを示す。
	EventSignedOut EventKind = "SIGNED_OUT"
	// EventSessionExpired はトークンの期限切れ・失効によりセッションが失われたことを示す。
	EventSessionExpired EventKind = "SESSION_EXPIRED"
	// EventUserUpdated はセッションのユーザー情報（メールアドレス等）が更新されたことを示す。
	EventUserUpdated EventKind = "USER_UPDATED"
)

// Event はセッション変更通知。
// Seqは発行元で単調増加し、購読側は古いSeqのイベントを捨てることで順序を保証する。
type Event struct {
	Seq     uint64
	Kind    EventKind
	Session *Session // セッション喪失イベントではnil
}

// Authenticated はイベント適用後に認証済み状態になるかどうかを返す。
func (e Event) Authenticated() bool {
	return e.Session != nil && (e.Kind == EventSignedIn || e.Kind == EventUserUpdated)
}

// Row はテーブルの1行。カラム名をキーとする。
type Row map[string]any

// Decode は行をdstの構造体に変換する。
func (r Row) Decode(dst any) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("failed to decode row: %w", err)
	}
	return nil
}

// RowOf は構造体をRowに変換する。
func RowOf(v any) (Row, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode row: %w", err)
	}
	var r Row
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return r, nil
}

// Resolution はUPSERT時にキーが衝突した場合の扱い。
type Resolution string

const (
	// MergeDuplicates は既存行に指定フィールドをマージする。
	MergeDuplicates Resolution = "merge-duplicates"
	// IgnoreDuplicates は既存行をそのまま残す（存在しない場合のみ作成する）。
	IgnoreDuplicates Resolution = "ignore-duplicates"
)

// UpsertOptions はUpsertRowのオプション。
type UpsertOptions struct {
	OnConflict Resolution
}

// Service はリモートの認証・データサービスの契約。
// 全メソッドはリモート呼び出しであり、失敗時はmodel.APIError
// （validation / auth / persistence / transport）を返す。
type Service interface {
	SignUp(ctx context.Context, params SignUpParams) (*SignUpResult, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	// SignOut はリモートのセッションを破棄する。リモートが失敗してもローカルのセッションは破棄する。
	SignOut(ctx context.Context) error
	UpdateCredentials(ctx context.Context, creds Credentials) (*User, error)
	RequestPasswordReset(ctx context.Context, email, redirectURL string) error
	// ConfirmPasswordReset はリカバリートークンで新しいパスワードを設定する。ログインはしない。
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
	// VerifyEmail はメール確認トークンを検証し、確立されたセッションを返す。
	VerifyEmail(ctx context.Context, token string) (*Session, error)
	// GetSession は現在のセッションを返す。セッションがない場合はnilを返す。
	GetSession(ctx context.Context) (*Session, error)
	// OnSessionChange はセッション変更通知を購読する。戻り値の関数で購読を解除する。
	OnSessionChange(fn func(Event)) (unsubscribe func())

	// GetRow はuserIDをキーとする行を返す。存在しない場合はnilを返す。
	GetRow(ctx context.Context, table model.Table, userID string) (Row, error)
	// UpsertRow はuserIDをキーとして行をUPSERTし、結果の行を返す。
	UpsertRow(ctx context.Context, table model.Table, userID string, fields Row, opts UpsertOptions) (Row, error)
	DeleteRow(ctx context.Context, table model.Table, userID string) error
	DeleteAccount(ctx context.Context, userID string) error
	// UploadAvatar はuserIDのアバター画像を保存し、avatar_urlを更新したプロフィール行を返す。
	UploadAvatar(ctx context.Context, userID string, data []byte, contentType string) (Row, error)
}
