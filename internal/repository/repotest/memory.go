// Package repotest はテスト用のインメモリリポジトリを提供する。
// PostgreSQLのリポジトリと同じ振る舞い（見つからない場合はnil、CASCADE削除、トークンの一回限りの使用）を再現する。
package repotest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/zuptin/internal/model"
	"github.com/hitoshi/zuptin/internal/repository"
)

type token struct {
	model.AuthToken
	consumed bool
}

// DB はインメモリのデータストア。各リポジトリはこれを共有する。
type DB struct {
	mu       sync.Mutex
	now      func() time.Time
	users    map[string]model.User
	sessions map[string]model.Session
	tokens   map[string]*token
	rows     map[model.Table]map[string]map[string]any
	avatars  map[string]model.Avatar
	failures map[string]error
}

// New は空のDBを生成する。
func New() *DB {
	return &DB{
		now:      time.Now,
		users:    make(map[string]model.User),
		sessions: make(map[string]model.Session),
		tokens:   make(map[string]*token),
		rows: map[model.Table]map[string]map[string]any{
			model.TableProfiles:    {},
			model.TablePreferences: {},
		},
		avatars:  make(map[string]model.Avatar),
		failures: make(map[string]error),
	}
}

// SetNow は期限判定に使う現在時刻を差し替える。
func (db *DB) SetNow(now func() time.Time) {
	db.mu.Lock()
	db.now = now
	db.mu.Unlock()
}

// Fail はop（"Rows.Merge"など）の呼び出しでerrを返すようにする。nilで解除する。
func (db *DB) Fail(op string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err == nil {
		delete(db.failures, op)
		return
	}
	db.failures[op] = err
}

func (db *DB) fail(op string) error {
	return db.failures[op]
}

// Users はUserRepositoryを返す。
func (db *DB) Users() *UserRepo { return &UserRepo{db} }

// Sessions はSessionRepositoryを返す。
func (db *DB) Sessions() *SessionRepo { return &SessionRepo{db} }

// Tokens はTokenRepositoryを返す。
func (db *DB) Tokens() *TokenRepo { return &TokenRepo{db} }

// Avatars はAvatarRepositoryを返す。
func (db *DB) Avatars() *AvatarRepo { return &AvatarRepo{db} }

// Rows はRowRepositoryを返す。
func (db *DB) Rows() *RowRepo { return &RowRepo{db} }

// User は保存済みのユーザーを返す。
func (db *DB) User(id string) (model.User, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	return u, ok
}

// SessionCount はuserIDのセッション数を返す。
func (db *DB) SessionCount(userID string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, s := range db.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

// TokensFor はuserIDの未使用トークンを返す。
func (db *DB) TokensFor(userID string, purpose model.TokenPurpose) []model.AuthToken {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.AuthToken
	for _, t := range db.tokens {
		if t.UserID == userID && t.Purpose == purpose && !t.consumed {
			out = append(out, t.AuthToken)
		}
	}
	return out
}

// Row は保存済みの行のコピーを返す。
func (db *DB) Row(table model.Table, userID string) map[string]any {
	db.mu.Lock()
	defer db.mu.Unlock()
	return copyRow(db.rows[table][userID])
}

// UserRepo はインメモリのUserRepository。
type UserRepo struct{ db *DB }

// FindByID は指定IDのユーザーを取得する。
func (r *UserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Users.FindByID"); err != nil {
		return nil, err
	}
	u, ok := r.db.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。
func (r *UserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Users.FindByEmail"); err != nil {
		return nil, err
	}
	for _, u := range r.db.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, nil
}

// CreateWithProfile はユーザーとプロフィール行を作成する。
func (r *UserRepo) CreateWithProfile(_ context.Context, user *model.User, profile *model.Profile) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Users.CreateWithProfile"); err != nil {
		return err
	}
	for _, u := range r.db.users {
		if strings.EqualFold(u.Email, user.Email) {
			return repository.ErrEmailTaken
		}
	}
	r.db.users[user.ID] = *user

	b, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	var row map[string]any
	if err := json.Unmarshal(b, &row); err != nil {
		return err
	}
	r.db.rows[model.TableProfiles][user.ID] = row
	return nil
}

// UpdateEmail はメールアドレスを変更する。
func (r *UserRepo) UpdateEmail(_ context.Context, id, email string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Users.UpdateEmail"); err != nil {
		return err
	}
	for _, u := range r.db.users {
		if u.ID != id && strings.EqualFold(u.Email, email) {
			return repository.ErrEmailTaken
		}
	}
	u, ok := r.db.users[id]
	if !ok {
		return nil
	}
	u.Email = email
	u.UpdatedAt = r.db.now()
	r.db.users[id] = u
	if row, ok := r.db.rows[model.TableProfiles][id]; ok {
		row["email"] = email
	}
	return nil
}

// UpdatePasswordHash はパスワードハッシュを変更する。
func (r *UserRepo) UpdatePasswordHash(_ context.Context, id, hash string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[id]
	if !ok {
		return nil
	}
	u.PasswordHash = hash
	r.db.users[id] = u
	return nil
}

// MarkEmailConfirmed はメールアドレス確認日時を記録する。
func (r *UserRepo) MarkEmailConfirmed(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[id]
	if !ok || u.EmailConfirmedAt != nil {
		return nil
	}
	now := r.db.now()
	u.EmailConfirmedAt = &now
	r.db.users[id] = u
	return nil
}

// DeleteByID はユーザーと関連データを削除する。
func (r *UserRepo) DeleteByID(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Users.DeleteByID"); err != nil {
		return err
	}
	if _, ok := r.db.users[id]; !ok {
		return fmt.Errorf("user not found: %s", id)
	}
	delete(r.db.users, id)
	for sid, s := range r.db.sessions {
		if s.UserID == id {
			delete(r.db.sessions, sid)
		}
	}
	for tid, t := range r.db.tokens {
		if t.UserID == id {
			delete(r.db.tokens, tid)
		}
	}
	for _, rows := range r.db.rows {
		delete(rows, id)
	}
	delete(r.db.avatars, id)
	return nil
}

// SessionRepo はインメモリのSessionRepository。
type SessionRepo struct{ db *DB }

// Create はセッションを作成する。
func (r *SessionRepo) Create(_ context.Context, session *model.Session) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Sessions.Create"); err != nil {
		return err
	}
	r.db.sessions[session.ID] = *session
	return nil
}

// FindByID は有効なセッションを取得する。
func (r *SessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Sessions.FindByID"); err != nil {
		return nil, err
	}
	s, ok := r.db.sessions[id]
	if !ok || !s.ExpiresAt.After(r.db.now()) {
		return nil, nil
	}
	return &s, nil
}

// DeleteByID はセッションを削除する。
func (r *SessionRepo) DeleteByID(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.sessions, id)
	return nil
}

// DeleteByUserID はユーザーの全セッションを削除する。
func (r *SessionRepo) DeleteByUserID(_ context.Context, userID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Sessions.DeleteByUserID"); err != nil {
		return err
	}
	for id, s := range r.db.sessions {
		if s.UserID == userID {
			delete(r.db.sessions, id)
		}
	}
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
func (r *SessionRepo) DeleteExpired(_ context.Context) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Sessions.DeleteExpired"); err != nil {
		return 0, err
	}
	var n int64
	for id, s := range r.db.sessions {
		if !s.ExpiresAt.After(r.db.now()) {
			delete(r.db.sessions, id)
			n++
		}
	}
	return n, nil
}

// TokenRepo はインメモリのTokenRepository。
type TokenRepo struct{ db *DB }

// Create はトークンを作成する。
func (r *TokenRepo) Create(_ context.Context, t *model.AuthToken) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Tokens.Create"); err != nil {
		return err
	}
	r.db.tokens[t.ID] = &token{AuthToken: *t}
	return nil
}

// Consume は有効なトークンを使用済みにして返す。
func (r *TokenRepo) Consume(_ context.Context, id string, purpose model.TokenPurpose) (*model.AuthToken, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tokens[id]
	if !ok || t.consumed || t.Purpose != purpose || !t.ExpiresAt.After(r.db.now()) {
		return nil, nil
	}
	t.consumed = true
	out := t.AuthToken
	return &out, nil
}

// DeleteByUserID はユーザーの全トークンを削除する。
func (r *TokenRepo) DeleteByUserID(_ context.Context, userID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Tokens.DeleteByUserID"); err != nil {
		return err
	}
	for id, t := range r.db.tokens {
		if t.UserID == userID {
			delete(r.db.tokens, id)
		}
	}
	return nil
}

// DeleteStale は期限切れまたは使用済みのトークンを削除する。
func (r *TokenRepo) DeleteStale(_ context.Context) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for id, t := range r.db.tokens {
		if t.consumed || !t.ExpiresAt.After(r.db.now()) {
			delete(r.db.tokens, id)
			n++
		}
	}
	return n, nil
}

// RowRepo はインメモリのRowRepository。
// 挿入時はPostgreSQLのカラムデフォルト値を補完する。
type RowRepo struct{ db *DB }

var columnDefaults = map[model.Table]map[string]any{
	model.TableProfiles: {
		"full_name": nil, "phone_number": nil, "avatar_url": nil, "email": nil,
	},
	model.TablePreferences: {
		"show_ads": model.DefaultShowAds, "push_notifications": model.DefaultPushNotifications,
		"default_platform": model.DefaultPlatform,
	},
}

// Find は行を取得する。
func (r *RowRepo) Find(_ context.Context, table model.Table, userID string) (map[string]any, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Rows.Find"); err != nil {
		return nil, err
	}
	if !table.Valid() {
		return nil, fmt.Errorf("unknown table: %s", table)
	}
	return copyRow(r.db.rows[table][userID]), nil
}

// InsertIfAbsent は行が存在しない場合のみ挿入する。
func (r *RowRepo) InsertIfAbsent(_ context.Context, table model.Table, userID string, fields map[string]any) (map[string]any, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Rows.InsertIfAbsent"); err != nil {
		return nil, err
	}
	if err := r.check(table, userID, fields); err != nil {
		return nil, err
	}
	if existing, ok := r.db.rows[table][userID]; ok {
		return copyRow(existing), nil
	}
	row := r.insert(table, userID, fields)
	return copyRow(row), nil
}

// Merge は行を挿入し、既存の場合は指定カラムのみ上書きする。
func (r *RowRepo) Merge(_ context.Context, table model.Table, userID string, fields map[string]any) (map[string]any, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Rows.Merge"); err != nil {
		return nil, err
	}
	if err := r.check(table, userID, fields); err != nil {
		return nil, err
	}
	existing, ok := r.db.rows[table][userID]
	if !ok {
		return copyRow(r.insert(table, userID, fields)), nil
	}
	for k, v := range fields {
		if k == "user_id" || k == "created_at" {
			continue
		}
		existing[k] = jsonValue(v)
	}
	return copyRow(existing), nil
}

// Delete は行を削除する。
func (r *RowRepo) Delete(_ context.Context, table model.Table, userID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Rows.Delete"); err != nil {
		return err
	}
	delete(r.db.rows[table], userID)
	return nil
}

func (r *RowRepo) check(table model.Table, userID string, fields map[string]any) error {
	if !table.Valid() {
		return fmt.Errorf("unknown table: %s", table)
	}
	for c := range fields {
		if !table.HasColumn(c) {
			return fmt.Errorf("unknown column %s.%s", table, c)
		}
	}
	if _, ok := r.db.users[userID]; !ok {
		return fmt.Errorf("foreign key violation: user %s", userID)
	}
	return nil
}

func (r *RowRepo) insert(table model.Table, userID string, fields map[string]any) map[string]any {
	now := r.db.now().UTC().Format(time.RFC3339Nano)
	row := map[string]any{"user_id": userID, "created_at": now, "updated_at": now}
	for k, v := range columnDefaults[table] {
		row[k] = v
	}
	for k, v := range fields {
		row[k] = jsonValue(v)
	}
	row["user_id"] = userID
	r.db.rows[table][userID] = row
	return row
}

// jsonValue は値をrow_to_jsonが返す形式（時刻はRFC3339文字列）に揃える。
func jsonValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func copyRow(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

var (
	_ repository.UserRepository    = (*UserRepo)(nil)
	_ repository.SessionRepository = (*SessionRepo)(nil)
	_ repository.TokenRepository   = (*TokenRepo)(nil)
	_ repository.RowRepository     = (*RowRepo)(nil)
	_ repository.AvatarRepository  = (*AvatarRepo)(nil)
)

// AvatarRepo はインメモリのAvatarRepository。
type AvatarRepo struct{ db *DB }

// Find はユーザーのアバターを取得する。
func (r *AvatarRepo) Find(_ context.Context, userID string) (*model.Avatar, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Avatars.Find"); err != nil {
		return nil, err
	}
	a, ok := r.db.avatars[userID]
	if !ok {
		return nil, nil
	}
	a.Data = append([]byte(nil), a.Data...)
	return &a, nil
}

// Replace はアバターを保存し、既存の画像を置き換える。
func (r *AvatarRepo) Replace(_ context.Context, avatar *model.Avatar) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.fail("Avatars.Replace"); err != nil {
		return err
	}
	if _, ok := r.db.users[avatar.UserID]; !ok {
		return fmt.Errorf("user not found: %s", avatar.UserID)
	}
	a := *avatar
	a.Data = append([]byte(nil), avatar.Data...)
	r.db.avatars[avatar.UserID] = a
	return nil
}
