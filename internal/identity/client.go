package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/zuptin/internal/model"
)

// userAgent はリモートサービスへのリクエストに付与するUser-Agent。
const userAgent = "Zuptin/1.0"

// maxErrorBody はエラーレスポンスとして読み取る最大バイト数。
const maxErrorBody = 64 << 10

// Client はHTTP/JSONでリモートの認証・データサービスと通信するService実装。
// 確立したセッションをメモリに保持し、自身の操作で発生したセッション変更を通知する。
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	hub        *Hub
	now        func() time.Time // テスト用に差し替え可能

	emitMu  sync.Mutex // セッションの差し替えと通知を直列化する
	mu      sync.RWMutex
	session *Session
}

var _ Service = (*Client)(nil)

// NewClient はClientの新しいインスタンスを生成する。
// baseURLはサービスのオリジン（例: https://api.zuptin.app）。
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		hub:        NewHub(),
		now:        time.Now,
	}
}

// userResponse はGET /auth/v1/user のレスポンス。
type userResponse struct {
	User      User      `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SignUp はアカウントを作成する。セッションが即時発行された場合はSignedInを通知する。
func (c *Client) SignUp(ctx context.Context, params SignUpParams) (*SignUpResult, error) {
	var res SignUpResult
	if err := c.do(ctx, http.MethodPost, "/auth/v1/signup", "", params, &res, nil); err != nil {
		return nil, fmt.Errorf("sign up: %w", authOp(err))
	}
	if res.Session != nil {
		c.replace(EventSignedIn, res.Session, nil)
	}
	return &res, nil
}

// SignInWithPassword はメールアドレスとパスワードでログインする。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var sess Session
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token", "", body, &sess, nil); err != nil {
		return nil, fmt.Errorf("sign in: %w", authOp(err))
	}
	c.replace(EventSignedIn, &sess, nil)
	return cloneSession(&sess), nil
}

// SignOut はリモートのセッションを破棄する。
// ローカルのセッションはリモートの結果にかかわらず破棄し、SignedOutを通知する。
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()
	if sess == nil {
		return nil
	}

	c.replace(EventSignedOut, nil, sameToken(sess.AccessToken))

	err := c.do(ctx, http.MethodPost, "/auth/v1/logout", sess.AccessToken, nil, nil, nil)
	// 既に失効しているトークンはサインアウト済みとみなす
	if err != nil && !model.IsAuth(err) {
		return fmt.Errorf("sign out: %w", authOp(err))
	}
	return nil
}

// UpdateCredentials はログイン中ユーザーのメールアドレス・パスワードを更新する。
func (c *Client) UpdateCredentials(ctx context.Context, creds Credentials) (*User, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}

	var user User
	if err := c.do(ctx, http.MethodPut, "/auth/v1/user", sess.AccessToken, creds, &user, nil); err != nil {
		return nil, fmt.Errorf("update credentials: %w", authOp(err))
	}

	next := cloneSession(sess)
	next.User = user
	c.replace(EventUserUpdated, next, sameToken(sess.AccessToken))
	return &user, nil
}

// RequestPasswordReset はパスワード再設定メールの送信を依頼する。
// アカウントの有無にかかわらずサービスは成功を返す。
func (c *Client) RequestPasswordReset(ctx context.Context, email, redirectURL string) error {
	body := map[string]string{"email": email, "redirect_to": redirectURL}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/recover", "", body, nil, nil); err != nil {
		return fmt.Errorf("request password reset: %w", authOp(err))
	}
	return nil
}

// ConfirmPasswordReset はリカバリートークンで新しいパスワードを設定する。
func (c *Client) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	body := map[string]string{"token": token, "password": newPassword}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/recover/confirm", "", body, nil, nil); err != nil {
		return fmt.Errorf("confirm password reset: %w", authOp(err))
	}
	return nil
}

// VerifyEmail はメール確認トークンを検証し、確立されたセッションを返す。
func (c *Client) VerifyEmail(ctx context.Context, token string) (*Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodPost, "/auth/v1/verify", "", map[string]string{"token": token}, &sess, nil); err != nil {
		return nil, fmt.Errorf("verify email: %w", authOp(err))
	}
	c.replace(EventSignedIn, &sess, nil)
	return cloneSession(&sess), nil
}

// RestoreSession は保存済みのアクセストークンからセッションを復元する。
// トークンが無効な場合はAuthErrorを返し、現在のセッションは変更しない。
func (c *Client) RestoreSession(ctx context.Context, token string) (*Session, error) {
	var res userResponse
	if err := c.do(ctx, http.MethodGet, "/auth/v1/user", token, nil, &res, nil); err != nil {
		return nil, fmt.Errorf("restore session: %w", authOp(err))
	}
	sess := &Session{AccessToken: token, ExpiresAt: res.ExpiresAt, User: res.User}
	c.replace(EventSignedIn, sess, nil)
	return cloneSession(sess), nil
}

// GetSession は保持しているセッションを返す。
// 期限切れの場合はセッションを破棄してSessionExpiredを通知し、nilを返す。
func (c *Client) GetSession(_ context.Context) (*Session, error) {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()
	if sess == nil {
		return nil, nil
	}
	if sess.Expired(c.now()) {
		c.expire(sess.AccessToken)
		return nil, nil
	}
	return cloneSession(sess), nil
}

// OnSessionChange はセッション変更通知を購読する。
func (c *Client) OnSessionChange(fn func(Event)) func() {
	return c.hub.Subscribe(fn)
}

// Watch はintervalごとにセッションの有効性をサービスに問い合わせ、
// 期限切れ・失効を検出した場合はSessionExpiredを通知する。ctxがキャンセルされるまでブロックする。
func (c *Client) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.check(ctx)
		}
	}
}

// check はセッションを1回検証する。
func (c *Client) check(ctx context.Context) {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()
	if sess == nil {
		return
	}
	if sess.Expired(c.now()) {
		c.expire(sess.AccessToken)
		return
	}

	var res userResponse
	err := c.do(ctx, http.MethodGet, "/auth/v1/user", sess.AccessToken, nil, &res, nil)
	switch {
	case err == nil:
		return
	case model.IsAuth(err):
		c.logger.Info("session revoked by service", slog.String("user_id", sess.User.ID))
		c.expire(sess.AccessToken)
	default:
		c.logger.Warn("session check failed", slog.String("error", err.Error()))
	}
}

// GetRow はuserIDをキーとする行を取得する。存在しない場合はnilを返す。
func (c *Client) GetRow(ctx context.Context, table model.Table, userID string) (Row, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}
	var row Row
	if err := c.do(ctx, http.MethodGet, rowPath(table, userID), sess.AccessToken, nil, &row, nil); err != nil {
		return nil, fmt.Errorf("get %s row: %w", table, rowOp(err))
	}
	return row, nil
}

// UpsertRow はuserIDをキーとして行をUPSERTする。
// opts.OnConflictが未指定の場合はMergeDuplicatesとして扱う。
func (c *Client) UpsertRow(ctx context.Context, table model.Table, userID string, fields Row, opts UpsertOptions) (Row, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}
	resolution := opts.OnConflict
	if resolution == "" {
		resolution = MergeDuplicates
	}
	hdr := http.Header{}
	hdr.Set("Prefer", "resolution="+string(resolution))

	var row Row
	if err := c.do(ctx, http.MethodPost, rowPath(table, userID), sess.AccessToken, fields, &row, hdr); err != nil {
		return nil, fmt.Errorf("upsert %s row: %w", table, rowOp(err))
	}
	return row, nil
}

// DeleteRow はuserIDをキーとする行を削除する。存在しない行の削除は成功として扱う。
func (c *Client) DeleteRow(ctx context.Context, table model.Table, userID string) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodDelete, rowPath(table, userID), sess.AccessToken, nil, nil, nil); err != nil {
		return fmt.Errorf("delete %s row: %w", table, rowOp(err))
	}
	return nil
}

// DeleteAccount はログイン中ユーザーのアカウントを削除する。
// 成功した場合はローカルのセッションを破棄してSignedOutを通知する。
func (c *Client) DeleteAccount(ctx context.Context, userID string) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	if sess.User.ID != userID {
		return model.NewForbiddenError()
	}
	if err := c.do(ctx, http.MethodDelete, "/auth/v1/user", sess.AccessToken, nil, nil, nil); err != nil {
		return fmt.Errorf("delete account: %w", authOp(err))
	}
	c.replace(EventSignedOut, nil, sameToken(sess.AccessToken))
	return nil
}

// UploadAvatar はuserIDのアバター画像をアップロードし、更新後のプロフィール行を返す。
func (c *Client) UploadAvatar(ctx context.Context, userID string, data []byte, contentType string) (Row, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}
	if sess.User.ID != userID {
		return nil, model.NewForbiddenError()
	}
	var row Row
	path := "/storage/v1/avatars/" + url.PathEscape(userID)
	if err := c.do(ctx, http.MethodPut, path, sess.AccessToken, rawBody{data: data, contentType: contentType}, &row, nil); err != nil {
		return nil, fmt.Errorf("upload avatar: %w", uploadOp(err))
	}
	return row, nil
}

// current は保持しているセッションを返す。セッションがない場合はAuthErrorを返す。
func (c *Client) current() (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, model.NewUnauthorizedError()
	}
	return c.session, nil
}

// replace はセッションを差し替えてイベントを通知する。
// condが指定された場合は現在のセッションがcondを満たすときのみ差し替える。
func (c *Client) replace(kind EventKind, next *Session, cond func(*Session) bool) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if cond != nil && !cond(c.session) {
		c.mu.Unlock()
		return false
	}
	c.session = cloneSession(next)
	c.mu.Unlock()

	c.hub.Emit(kind, cloneSession(next))
	return true
}

// expire はtokenのセッションがまだ有効であれば破棄してSessionExpiredを通知する。
func (c *Client) expire(token string) {
	c.replace(EventSessionExpired, nil, sameToken(token))
}

func sameToken(token string) func(*Session) bool {
	return func(cur *Session) bool {
		return cur != nil && cur.AccessToken == token
	}
}

func cloneSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func rowPath(table model.Table, userID string) string {
	return "/rest/v1/" + url.PathEscape(string(table)) + "/" + url.PathEscape(userID)
}

// rawBody はJSONに変換せずにそのまま送信するリクエストボディ。
type rawBody struct {
	data        []byte
	contentType string
}

// do はリクエストを送信し、成功時はレスポンスをoutにデコードする。
// inはrawBody以外ならJSONで送信する。
// 通信失敗はTransportErrorに、エラーレスポンスはAPIErrorに変換する。
func (c *Client) do(ctx context.Context, method, path, token string, in, out any, hdr http.Header) error {
	var body io.Reader
	contentType := ""
	switch v := in.(type) {
	case nil:
	case rawBody:
		body = bytes.NewReader(v.data)
		contentType = v.contentType
	default:
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("identity service request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return model.NewTransportError()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.decodeError(resp, method, path)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Error("failed to decode identity service response",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return model.NewTransportError()
	}
	return nil
}

// decodeError はエラーレスポンスをAPIErrorに変換する。
// 統一フォーマットでないボディはステータスコードから分類する。
func (c *Client) decodeError(resp *http.Response, method, path string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var apiErr model.APIError
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Code != "" && apiErr.Category != "" {
		return &apiErr
	}

	c.logger.Warn("identity service returned unexpected error body",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("http_status", resp.StatusCode),
	)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return model.NewUnauthorizedError()
	case resp.StatusCode == http.StatusForbidden:
		return model.NewForbiddenError()
	case resp.StatusCode < http.StatusInternalServerError:
		return model.NewValidationError(model.ErrCodeInvalidRequest, http.StatusText(resp.StatusCode))
	default:
		return model.NewTransportError()
	}
}

// authOp は認証系操作のエラーを分類する。サーバー内部エラーは詳細を隠してTransportErrorにする。
func authOp(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Category == model.CategorySystem {
		return model.NewTransportError()
	}
	return err
}

// uploadOp はアップロードのエラーを分類する。ファイルの検証エラーはそのまま返し、それ以外は行操作と同じに扱う。
func uploadOp(err error) error {
	if model.IsValidation(err) {
		return err
	}
	return rowOp(err)
}

// rowOp は行操作のエラーを分類する。
// 通信失敗と認証エラー以外はPersistenceErrorにする。
func rowOp(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Category {
		case model.CategoryTransport, model.CategoryAuth, model.CategoryPersistence:
			return err
		case model.CategorySystem:
			return model.NewPersistenceError("Failed to save your changes.")
		}
		return model.NewPersistenceError(apiErr.Message)
	}
	return model.NewPersistenceError("Failed to save your changes.")
}
