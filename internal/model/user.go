// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザー（認証レコード）を表す。
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	PasswordHash     string     `json:"-"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	// NewEmail は確認待ちの変更後メールアドレス。永続化せず、変更要求の応答でのみ設定する。
	NewEmail         string     `json:"new_email,omitempty"`
}

// Confirmed はメールアドレスが確認済みかどうかを返す。
func (u *User) Confirmed() bool {
	return u.EmailConfirmedAt != nil
}

// Session はユーザーのログインセッション（アクセストークン）を表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// TokenPurpose はメールで送付するワンタイムトークンの用途。
type TokenPurpose string

const (
	// TokenPurposeSignup はメールアドレス確認用トークン。
	TokenPurposeSignup TokenPurpose = "signup"
	// TokenPurposeRecovery はパスワード再設定用トークン。
	TokenPurposeRecovery TokenPurpose = "recovery"
	// TokenPurposeEmailChange は変更後メールアドレスの確認用トークン。
	TokenPurposeEmailChange TokenPurpose = "email_change"
)

// AuthToken はメール確認・パスワード再設定のワンタイムトークンを表す。
type AuthToken struct {
	ID        string
	UserID    string
	Purpose   TokenPurpose
	// NewEmail はTokenPurposeEmailChangeの場合のみ、確認後に設定するメールアドレス。
	NewEmail  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Table はユーザーごとの行を持つテーブル名。
type Table string

const (
	// TableProfiles はプロフィールテーブル。
	TableProfiles Table = "profiles"
	// TablePreferences はユーザー設定テーブル。
	TablePreferences Table = "user_preferences"
)

// Valid は既知のテーブルかどうかを返す。
func (t Table) Valid() bool {
	return t == TableProfiles || t == TablePreferences
}

var tableColumns = map[Table][]string{
	TableProfiles:    {"user_id", "full_name", "phone_number", "avatar_url", "email", "created_at", "updated_at"},
	TablePreferences: {"user_id", "show_ads", "push_notifications", "default_platform", "created_at", "updated_at"},
}

// Columns はテーブルのカラム名一覧を返す。未知のテーブルの場合はnilを返す。
func (t Table) Columns() []string {
	return append([]string(nil), tableColumns[t]...)
}

// HasColumn はテーブルにcolというカラムがあるかどうかを返す。
func (t Table) HasColumn(col string) bool {
	for _, c := range tableColumns[t] {
		if c == col {
			return true
		}
	}
	return false
}

// Profile はユーザーが編集できるプロフィール。userIDごとに1行。
// 任意項目はnull（nil）を取りうる。
type Profile struct {
	UserID      string    `json:"user_id"`
	FullName    *string   `json:"full_name"`
	PhoneNumber *string   `json:"phone_number"`
	AvatarURL   *string   `json:"avatar_url"`
	Email       *string   `json:"email"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProfileUpdate はプロフィールの部分更新。nilのフィールドは変更しない。
type ProfileUpdate struct {
	FullName    *string `json:"full_name,omitempty"`
	PhoneNumber *string `json:"phone_number,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
	Email       *string `json:"email,omitempty"`
}

// Empty は更新対象のフィールドがないかどうかを返す。
func (u ProfileUpdate) Empty() bool {
	return u.FullName == nil && u.PhoneNumber == nil && u.AvatarURL == nil && u.Email == nil
}

// MaxAvatarSize はアバター画像の上限バイト数。
const MaxAvatarSize = 5 << 20

// Avatar は保存済みのアバター画像。userIDごとに1つで、アップロードのたびに置き換える。
type Avatar struct {
	UserID      string
	ObjectName  string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// デフォルトのユーザー設定値
const (
	DefaultShowAds           = true
	DefaultPushNotifications = true
	DefaultPlatform          = "blinkit"
)

// Preferences はユーザーごとのアプリ設定。userIDごとに1行。
type Preferences struct {
	UserID            string    `json:"user_id"`
	ShowAds           bool      `json:"show_ads"`
	PushNotifications bool      `json:"push_notifications"`
	DefaultPlatform   string    `json:"default_platform"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DefaultPreferences は初回アクセス時に作成するデフォルト設定を返す。
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:            userID,
		ShowAds:           DefaultShowAds,
		PushNotifications: DefaultPushNotifications,
		DefaultPlatform:   DefaultPlatform,
	}
}

// PreferencesUpdate はユーザー設定の部分更新。nilのフィールドは変更しない。
type PreferencesUpdate struct {
	ShowAds           *bool   `json:"show_ads,omitempty"`
	PushNotifications *bool   `json:"push_notifications,omitempty"`
	DefaultPlatform   *string `json:"default_platform,omitempty"`
}

// Empty は更新対象のフィールドがないかどうかを返す。
func (u PreferencesUpdate) Empty() bool {
	return u.ShowAds == nil && u.PushNotifications == nil && u.DefaultPlatform == nil
}

// Apply は部分更新をpに適用した結果を返す。pは変更しない。
func (u PreferencesUpdate) Apply(p Preferences) Preferences {
	if u.ShowAds != nil {
		p.ShowAds = *u.ShowAds
	}
	if u.PushNotifications != nil {
		p.PushNotifications = *u.PushNotifications
	}
	if u.DefaultPlatform != nil {
		p.DefaultPlatform = *u.DefaultPlatform
	}
	return p
}

// UserExport はユーザーデータのエクスポート形式。
type UserExport struct {
	Email       string       `json:"email"`
	CreatedAt   time.Time    `json:"created_at"`
	Profile     *Profile     `json:"profile"`
	Preferences *Preferences `json:"preferences"`
}
