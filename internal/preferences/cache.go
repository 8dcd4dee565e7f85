// Package preferences はユーザーごとのアプリ設定のキャッシュを提供する。
//
// 設定は初回アクセス時に取得し、行が存在しなければデフォルト値で作成する。
// キャッシュはセッションストアの状態遷移を購読し、未認証への遷移で同期的に破棄する。
package preferences

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/zuptin/internal/identity"
	"github.com/hitoshi/zuptin/internal/model"
	"github.com/hitoshi/zuptin/internal/platform"
	"github.com/hitoshi/zuptin/internal/session"
)

// Rows はキャッシュが使う行操作。identity.Serviceが満たす。
type Rows interface {
	GetRow(ctx context.Context, table model.Table, userID string) (identity.Row, error)
	UpsertRow(ctx context.Context, table model.Table, userID string, fields identity.Row, opts identity.UpsertOptions) (identity.Row, error)
}

// Sessions はキャッシュが参照するセッションストアの機能。*session.Storeが満たす。
type Sessions interface {
	Token() session.Token
	Valid(tok session.Token) bool
	Subscribe(fn func(session.State)) func()
}

type entry struct {
	prefs model.Preferences
	epoch uint64
}

// Cache はユーザー設定のキャッシュ。
type Cache struct {
	rows     Rows
	sessions Sessions
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	// gen はサインアウトとユーザー切り替えの通知ごとに進む。
	// 取得開始時のgenと書き込み時のgenが異なれば、その結果はキャッシュしない。
	gen         uint64
	user        string
	fetches     singleflight.Group
	unsubscribe func()
}

// New はCacheを生成し、セッションストアの状態遷移を購読する。
func New(rows Rows, sessions Sessions, logger *slog.Logger) *Cache {
	c := &Cache{
		rows:     rows,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]entry),
		user:     sessions.Token().UserID,
	}
	c.unsubscribe = sessions.Subscribe(c.onSessionChange)
	return c
}

// Close はセッションストアの購読を解除する。
func (c *Cache) Close() {
	c.unsubscribe()
}

// onSessionChange はログイン中ユーザー以外のエントリを破棄する。
func (c *Cache) onSessionChange(st session.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	user := ""
	if st.Authenticated() {
		user = st.UserID
	}
	if user == "" || (c.user != "" && c.user != user) {
		c.gen++
	}
	c.user = user
	for userID := range c.entries {
		if !st.Authenticated() || userID != st.UserID {
			delete(c.entries, userID)
		}
	}
}

// Cached はキャッシュ済みの設定を返す。リモートは呼ばない。
func (c *Cache) Cached(userID string) (*model.Preferences, bool) {
	tok := c.sessions.Token()
	if tok.UserID != userID {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok || e.epoch != tok.Epoch {
		return nil, false
	}
	p := e.prefs
	return &p, true
}

// Get はuserIDの設定を返す。キャッシュにない場合は取得し、
// 行が存在しなければデフォルト値の行を作成する（insert-if-absent）。
func (c *Cache) Get(ctx context.Context, userID string) (*model.Preferences, error) {
	tok, gen, err := c.token(userID)
	if err != nil {
		return nil, err
	}
	if p, ok := c.Cached(userID); ok {
		return p, nil
	}

	key := userID + "/" + strconv.FormatUint(tok.Epoch, 10)
	// 結果は合流した全呼び出しで共有するため、最初の呼び出し元のキャンセルでは中断しない
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := c.fetches.Do(key, func() (any, error) {
		return c.load(loadCtx, userID)
	})
	if err != nil {
		return nil, err
	}
	p := *v.(*model.Preferences)
	if err := c.store(tok, gen, p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Cache) load(ctx context.Context, userID string) (*model.Preferences, error) {
	row, err := c.rows.GetRow(ctx, model.TablePreferences, userID)
	if err != nil {
		return nil, persistence(err, "Failed to load your preferences.")
	}
	if row == nil {
		defaults := model.DefaultPreferences(userID)
		seed := identity.Row{
			"user_id":            userID,
			"show_ads":           defaults.ShowAds,
			"push_notifications": defaults.PushNotifications,
			"default_platform":   defaults.DefaultPlatform,
		}
		row, err = c.rows.UpsertRow(ctx, model.TablePreferences, userID, seed, identity.UpsertOptions{
			OnConflict: identity.IgnoreDuplicates,
		})
		if err != nil {
			return nil, persistence(err, "Failed to create your preferences.")
		}
		c.logger.Info("default preferences created", slog.String("user_id", userID))
	}
	return decode(row, userID)
}

// Update は設定を部分更新し、updated_atを現在時刻にして行全体を書き込む。
// リモートで確定した後にのみキャッシュを置き換える。
// ログインしていない場合と書き込みに失敗した場合はPersistenceErrorを返し、キャッシュは変更しない。
func (c *Cache) Update(ctx context.Context, userID string, upd model.PreferencesUpdate) (*model.Preferences, error) {
	tok, gen, err := c.token(userID)
	if err != nil {
		return nil, err
	}
	if upd.Empty() {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "No preferences to update.")
	}
	if upd.DefaultPlatform != nil {
		id, err := platform.Normalize(*upd.DefaultPlatform)
		if err != nil {
			return nil, err
		}
		upd.DefaultPlatform = &id
	}

	base, err := c.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	next := upd.Apply(*base)
	fields := identity.Row{
		"user_id":            userID,
		"show_ads":           next.ShowAds,
		"push_notifications": next.PushNotifications,
		"default_platform":   next.DefaultPlatform,
		"updated_at":         c.now().UTC(),
	}

	row, err := c.rows.UpsertRow(ctx, model.TablePreferences, userID, fields, identity.UpsertOptions{
		OnConflict: identity.MergeDuplicates,
	})
	if err != nil {
		return nil, persistence(err, "Failed to save your preferences.")
	}
	saved, err := decode(row, userID)
	if err != nil {
		return nil, err
	}
	if err := c.store(tok, gen, *saved); err != nil {
		return nil, err
	}
	return saved, nil
}

// token はuserIDでログイン中であることを確認し、セッションのトークンとキャッシュのgenを返す。
func (c *Cache) token(userID string) (session.Token, uint64, error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	tok := c.sessions.Token()
	if tok.UserID == "" || tok.UserID != userID || !c.sessions.Valid(tok) {
		return session.Token{}, 0, model.NewPersistenceError("You must be signed in to access these preferences.")
	}
	return tok, gen, nil
}

// store はtokが現在のセッションを指し、genの後にサインアウトもユーザー切り替えも
// 通知されていない場合のみキャッシュを置き換える。
// Validの後に届いた通知はc.mu下のgenで検出する。
func (c *Cache) store(tok session.Token, gen uint64, p model.Preferences) error {
	if !c.sessions.Valid(tok) {
		c.logger.Debug("discarding preferences for stale session", slog.String("user_id", tok.UserID))
		return model.NewSessionChangedError()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		c.logger.Debug("discarding preferences after session change", slog.String("user_id", tok.UserID))
		return model.NewSessionChangedError()
	}
	c.entries[tok.UserID] = entry{prefs: p, epoch: tok.Epoch}
	return nil
}

// wire は行の全カラムが揃っていることを確認するためのデコード先。
type wire struct {
	UserID            string    `json:"user_id"`
	ShowAds           *bool     `json:"show_ads"`
	PushNotifications *bool     `json:"push_notifications"`
	DefaultPlatform   *string   `json:"default_platform"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func decode(row identity.Row, userID string) (*model.Preferences, error) {
	if row == nil {
		return nil, model.NewPersistenceError("Preferences row was not returned.")
	}
	var w wire
	if err := row.Decode(&w); err != nil {
		return nil, model.NewPersistenceError(fmt.Sprintf("Failed to read preferences: %v", err))
	}
	if w.UserID != userID {
		return nil, model.NewPersistenceError("Preferences row belongs to a different user.")
	}
	if w.ShowAds == nil || w.PushNotifications == nil || w.DefaultPlatform == nil {
		return nil, model.NewPersistenceError("Preferences row is incomplete.")
	}
	return &model.Preferences{
		UserID:            w.UserID,
		ShowAds:           *w.ShowAds,
		PushNotifications: *w.PushNotifications,
		DefaultPlatform:   *w.DefaultPlatform,
		CreatedAt:         w.CreatedAt,
		UpdatedAt:         w.UpdatedAt,
	}, nil
}

func persistence(err error, msg string) error {
	switch model.CategoryOf(err) {
	case model.CategoryPersistence, model.CategoryTransport, model.CategoryAuth:
		return err
	}
	return model.NewPersistenceError(msg)
}
