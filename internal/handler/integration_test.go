package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/zuptin/internal/auth"
	"github.com/hitoshi/zuptin/internal/avatar"
	"github.com/hitoshi/zuptin/internal/config"
	"github.com/hitoshi/zuptin/internal/identity"
	"github.com/hitoshi/zuptin/internal/mailer"
	"github.com/hitoshi/zuptin/internal/middleware"
	"github.com/hitoshi/zuptin/internal/model"
	"github.com/hitoshi/zuptin/internal/repository/repotest"
	"github.com/hitoshi/zuptin/internal/rows"
	"github.com/hitoshi/zuptin/internal/security"
	"github.com/hitoshi/zuptin/internal/user"
)

const testPassword = "Abcdef1!"

// captureMailer は送信したメールを保持する。failは送信失敗を再現する。
type captureMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
	fail error
}

func (m *captureMailer) Send(_ context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, msg)
	return nil
}

// lastToken は最後のメールのリンクからトークンを取り出す。
func (m *captureMailer) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no mail was sent")
	}
	for _, line := range strings.Split(m.sent[len(m.sent)-1].Body, "\n") {
		if strings.HasPrefix(line, "https://") {
			u, err := url.Parse(line)
			if err != nil {
				t.Fatalf("invalid link: %v", err)
			}
			return u.Query().Get("token")
		}
	}
	t.Fatal("no link in mail")
	return ""
}

// --- 統合テスト用のスタック ---

type stack struct {
	server *httptest.Server
	db     *repotest.DB
	mail   *captureMailer
	logger *slog.Logger
}

func newStack(t *testing.T, requireConfirmation bool) *stack {
	t.Helper()
	db := repotest.New()
	mail := &captureMailer{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	authSvc := auth.NewService(db.Users(), db.Sessions(), db.Tokens(), mail, auth.ServiceConfig{
		SessionMaxAge:            3600,
		RequireEmailConfirmation: requireConfirmation,
		PasswordResetTTL:         time.Hour,
		EmailConfirmationTTL:     time.Hour,
		Redirects:                config.Redirects{BaseURL: "https://zuptin.app"},
	})
	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(1000, 1000))
	t.Cleanup(rl.Stop)

	router := NewRouter(&RouterDeps{
		Authenticator:     authSvc,
		CORSAllowedOrigin: "https://zuptin.app",
		RateLimiter:       rl,
		Logger:            logger,
		AuthService:       NewAuthServiceAdapter(authSvc),
		UserService:       user.NewService(db.Users(), db.Sessions(), db.Tokens(), db.Rows()),
		RowService:        rows.NewService(db.Rows(), security.NewTextSanitizer(), security.NewHTTPSOnlyGuard()),
		AvatarService:     avatar.NewService(db.Avatars(), db.Rows(), "https://api.zuptin.app"),
		PlatformIcons:     &mockIconProvider{},
		ContactService:    &mockContactSubmitter{},
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &stack{server: server, db: db, mail: mail, logger: logger}
}

func (s *stack) client() *identity.Client {
	return identity.NewClient(s.server.URL, s.server.Client(), s.logger)
}

func (s *stack) signUp(t *testing.T, c *identity.Client, email string) *identity.SignUpResult {
	t.Helper()
	res, err := c.SignUp(context.Background(), identity.SignUpParams{
		Email: email, Password: testPassword, FullName: "Asha Rao", PhoneNumber: "+91 98765 43210",
	})
	if err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}
	return res
}

func apiCode(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// --- テスト ---

func TestIntegration_SignUpAndManageRows(t *testing.T) {
	s := newStack(t, false)
	c := s.client()
	ctx := context.Background()

	res := s.signUp(t, c, "asha@example.com")
	if res.Session == nil {
		t.Fatal("session should be issued when confirmation is not required")
	}
	uid := res.User.ID

	profile, err := c.GetRow(ctx, model.TableProfiles, uid)
	if err != nil {
		t.Fatalf("GetRow(profiles) returned error: %v", err)
	}
	if profile["full_name"] != "Asha Rao" || profile["email"] != "asha@example.com" {
		t.Errorf("profile = %v", profile)
	}

	prefs, err := c.GetRow(ctx, model.TablePreferences, uid)
	if err != nil || prefs != nil {
		t.Fatalf("GetRow(preferences) = %v, %v; want nil row", prefs, err)
	}

	prefs, err = c.UpsertRow(ctx, model.TablePreferences, uid, identity.Row{"user_id": uid}, identity.UpsertOptions{OnConflict: identity.IgnoreDuplicates})
	if err != nil {
		t.Fatalf("UpsertRow(ignore) returned error: %v", err)
	}
	if prefs["show_ads"] != true || prefs["default_platform"] != "blinkit" {
		t.Errorf("default preferences = %v", prefs)
	}

	prefs, err = c.UpsertRow(ctx, model.TablePreferences, uid, identity.Row{"show_ads": false, "default_platform": "instamart"}, identity.UpsertOptions{})
	if err != nil {
		t.Fatalf("UpsertRow(merge) returned error: %v", err)
	}
	if prefs["show_ads"] != false || prefs["default_platform"] != "swiggy" || prefs["push_notifications"] != true {
		t.Errorf("merged preferences = %v", prefs)
	}

	if err := c.DeleteRow(ctx, model.TablePreferences, uid); err != nil {
		t.Fatalf("DeleteRow returned error: %v", err)
	}
	if row := s.db.Row(model.TablePreferences, uid); row != nil {
		t.Errorf("row should be deleted, got %v", row)
	}
}

func TestIntegration_RowValidationErrorsReachClient(t *testing.T) {
	s := newStack(t, false)
	c := s.client()
	uid := s.signUp(t, c, "asha@example.com").User.ID

	_, err := c.UpsertRow(context.Background(), model.TableProfiles, uid, identity.Row{"avatar_url": "http://169.254.169.254/x"}, identity.UpsertOptions{})
	if !model.IsPersistence(err) {
		t.Errorf("expected PersistenceError, got %v", err)
	}
}

func TestIntegration_RestoreAndSignOut(t *testing.T) {
	s := newStack(t, false)
	ctx := context.Background()
	token := s.signUp(t, s.client(), "asha@example.com").Session.AccessToken

	restored, err := s.client().RestoreSession(ctx, token)
	if err != nil {
		t.Fatalf("RestoreSession returned error: %v", err)
	}
	if restored.User.Email != "asha@example.com" || restored.ExpiresAt.IsZero() {
		t.Errorf("restored session = %+v", restored)
	}

	c := s.client()
	if _, err := c.SignInWithPassword(ctx, "asha@example.com", testPassword); err != nil {
		t.Fatalf("SignIn returned error: %v", err)
	}
	if err := c.SignOut(ctx); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}

	// ログアウトしたのは2つ目のセッションのみ
	if _, err := s.client().RestoreSession(ctx, token); err != nil {
		t.Errorf("first session should still be valid: %v", err)
	}
}

func TestIntegration_SignInErrors(t *testing.T) {
	s := newStack(t, false)
	s.signUp(t, s.client(), "asha@example.com")

	_, err := s.client().SignInWithPassword(context.Background(), "asha@example.com", "Wrong123!")
	if !model.IsAuth(err) || apiCode(err) != model.ErrCodeInvalidCredentials {
		t.Errorf("expected INVALID_CREDENTIALS, got %v", err)
	}

	_, err = s.client().SignUp(context.Background(), identity.SignUpParams{Email: "ASHA@example.com", Password: testPassword})
	if apiCode(err) != model.ErrCodeUserAlreadyExists {
		t.Errorf("expected USER_ALREADY_EXISTS, got %v", err)
	}
}

func TestIntegration_EmailConfirmationFlow(t *testing.T) {
	s := newStack(t, true)
	ctx := context.Background()

	res := s.signUp(t, s.client(), "ravi@example.com")
	if res.Session != nil {
		t.Fatal("session must not be issued before confirmation")
	}

	_, err := s.client().SignInWithPassword(ctx, "ravi@example.com", testPassword)
	if apiCode(err) != model.ErrCodeEmailNotConfirmed {
		t.Errorf("expected EMAIL_NOT_CONFIRMED, got %v", err)
	}

	sess, err := s.client().VerifyEmail(ctx, s.mail.lastToken(t))
	if err != nil {
		t.Fatalf("VerifyEmail returned error: %v", err)
	}
	if sess.User.EmailConfirmedAt == nil {
		t.Error("verified session should carry email_confirmed_at")
	}
	if _, err := s.client().SignInWithPassword(ctx, "ravi@example.com", testPassword); err != nil {
		t.Errorf("SignIn after confirmation returned error: %v", err)
	}
}

func TestIntegration_PasswordReset(t *testing.T) {
	s := newStack(t, false)
	ctx := context.Background()
	token := s.signUp(t, s.client(), "asha@example.com").Session.AccessToken

	if err := s.client().RequestPasswordReset(ctx, "asha@example.com", "https://zuptin.app/reset-password"); err != nil {
		t.Fatalf("RequestPasswordReset returned error: %v", err)
	}
	resetToken := s.mail.lastToken(t)

	if err := s.client().ConfirmPasswordReset(ctx, resetToken, "Newpass9#"); err != nil {
		t.Fatalf("ConfirmPasswordReset returned error: %v", err)
	}
	if err := s.client().ConfirmPasswordReset(ctx, resetToken, "Other9#x"); apiCode(err) != model.ErrCodeInvalidToken {
		t.Errorf("reused token: expected INVALID_TOKEN, got %v", err)
	}

	// 再設定で既存のセッションは失効する
	if _, err := s.client().RestoreSession(ctx, token); !model.IsAuth(err) {
		t.Errorf("old session should be revoked, got %v", err)
	}
	if _, err := s.client().SignInWithPassword(ctx, "asha@example.com", "Newpass9#"); err != nil {
		t.Errorf("SignIn with new password returned error: %v", err)
	}
}

func TestIntegration_RecoverDoesNotRevealAccounts(t *testing.T) {
	s := newStack(t, false)
	s.signUp(t, s.client(), "asha@example.com")
	s.mail.mu.Lock()
	s.mail.fail = errors.New("smtp down")
	s.mail.mu.Unlock()

	requestReset := func(email string) (int, string) {
		t.Helper()
		body := strings.NewReader(`{"email":"` + email + `"}`)
		resp, err := s.server.Client().Post(s.server.URL+"/auth/v1/recover", "application/json", body)
		if err != nil {
			t.Fatalf("POST /auth/v1/recover: %v", err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	unknownStatus, unknownBody := requestReset("nobody@example.com")
	knownStatus, knownBody := requestReset("asha@example.com")
	if unknownStatus != http.StatusNoContent || knownStatus != http.StatusNoContent {
		t.Errorf("status unknown = %d, known with mail failure = %d, want 204 for both", unknownStatus, knownStatus)
	}
	if unknownBody != knownBody {
		t.Errorf("response bodies differ: unknown %q, known %q", unknownBody, knownBody)
	}
}

func TestIntegration_EmailChangeConfirmation(t *testing.T) {
	s := newStack(t, true)
	ctx := context.Background()
	c := s.client()
	s.signUp(t, c, "asha@example.com")
	sess, err := c.VerifyEmail(ctx, s.mail.lastToken(t))
	if err != nil {
		t.Fatalf("VerifyEmail returned error: %v", err)
	}

	email := "asha.rao@example.com"
	u, err := c.UpdateCredentials(ctx, identity.Credentials{Email: &email})
	if err != nil {
		t.Fatalf("UpdateCredentials returned error: %v", err)
	}
	if u.Email != "asha@example.com" || u.NewEmail != email {
		t.Errorf("Email = %q, NewEmail = %q, want pending change to %q", u.Email, u.NewEmail, email)
	}

	changed, err := s.client().VerifyEmail(ctx, s.mail.lastToken(t))
	if err != nil {
		t.Fatalf("VerifyEmail(email_change) returned error: %v", err)
	}
	if changed.User.Email != email {
		t.Errorf("Email after confirmation = %q, want %q", changed.User.Email, email)
	}
	if got := s.db.Row(model.TableProfiles, sess.User.ID)["email"]; got != email {
		t.Errorf("profile email = %v, want %q", got, email)
	}
}

func TestIntegration_UpdateCredentials(t *testing.T) {
	s := newStack(t, false)
	c := s.client()
	s.signUp(t, c, "asha@example.com")

	email := "asha.rao@example.com"
	u, err := c.UpdateCredentials(context.Background(), identity.Credentials{Email: &email})
	if err != nil {
		t.Fatalf("UpdateCredentials returned error: %v", err)
	}
	if u.Email != email {
		t.Errorf("Email = %q, want %q", u.Email, email)
	}

	weak := "short"
	if _, err := c.UpdateCredentials(context.Background(), identity.Credentials{Password: &weak}); !model.IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestIntegration_DeleteAccount(t *testing.T) {
	s := newStack(t, false)
	c := s.client()
	ctx := context.Background()
	uid := s.signUp(t, c, "asha@example.com").User.ID
	if _, err := c.UpsertRow(ctx, model.TablePreferences, uid, identity.Row{}, identity.UpsertOptions{OnConflict: identity.IgnoreDuplicates}); err != nil {
		t.Fatalf("UpsertRow returned error: %v", err)
	}

	if err := c.DeleteAccount(ctx, uid); err != nil {
		t.Fatalf("DeleteAccount returned error: %v", err)
	}
	if _, ok := s.db.User(uid); ok {
		t.Error("user should be deleted")
	}
	if s.db.Row(model.TableProfiles, uid) != nil || s.db.Row(model.TablePreferences, uid) != nil {
		t.Error("rows should be deleted")
	}
	if s.db.SessionCount(uid) != 0 {
		t.Error("sessions should be deleted")
	}
}

// --- HTTPレベルの検証 ---

func (s *stack) do(t *testing.T, method, path, token, body string, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := s.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestIntegration_RowAccessStatusCodes(t *testing.T) {
	s := newStack(t, false)
	res := s.signUp(t, s.client(), "asha@example.com")
	token, uid := res.Session.AccessToken, res.User.ID

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		hdr    map[string]string
		want   int
	}{
		{"トークンなし", http.MethodGet, "/rest/v1/profiles/" + uid, "", "", nil, http.StatusUnauthorized},
		{"他人の行", http.MethodGet, "/rest/v1/profiles/someone-else", token, "", nil, http.StatusForbidden},
		{"未知のテーブル", http.MethodGet, "/rest/v1/users/" + uid, token, "", nil, http.StatusNotFound},
		{"未知のresolution", http.MethodPost, "/rest/v1/profiles/" + uid, token, "{}", map[string]string{"Prefer": "resolution=replace"}, http.StatusBadRequest},
		{"不正なJSON", http.MethodPost, "/rest/v1/profiles/" + uid, token, "{", nil, http.StatusBadRequest},
		{"存在しない行の削除", http.MethodDelete, "/rest/v1/user_preferences/" + uid, token, "", nil, http.StatusNoContent},
		{"エクスポート", http.MethodGet, "/api/users/me/export", token, "", nil, http.StatusOK},
		{"カタログ", http.MethodGet, "/api/platforms", "", "", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, tt.method, tt.path, tt.token, tt.body, tt.hdr)
			if resp.StatusCode != tt.want {
				b, _ := io.ReadAll(resp.Body)
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.want, b)
			}
		})
	}
}

func TestIntegration_GetMissingRowReturnsNull(t *testing.T) {
	s := newStack(t, false)
	res := s.signUp(t, s.client(), "asha@example.com")

	resp := s.do(t, http.MethodGet, "/rest/v1/user_preferences/"+res.User.ID, res.Session.AccessToken, "", nil)
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(b)) != "null" {
		t.Errorf("response = %d %q, want 200 null", resp.StatusCode, b)
	}
}

// pngImage は1x1のPNG画像。
var pngImage = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

func TestIntegration_AvatarUploadAndServe(t *testing.T) {
	s := newStack(t, false)
	c := s.client()
	res := s.signUp(t, c, "asha@example.com")
	ctx := context.Background()

	row, err := c.UploadAvatar(ctx, res.User.ID, pngImage, "image/png")
	if err != nil {
		t.Fatalf("UploadAvatar returned error: %v", err)
	}
	first, _ := row["avatar_url"].(string)
	u, err := url.Parse(first)
	if err != nil || !strings.HasPrefix(u.Path, "/storage/v1/avatars/"+res.User.ID+"/avatar-") || !strings.HasSuffix(u.Path, ".png") {
		t.Fatalf("avatar_url = %q", first)
	}

	// 公開URLは認証なしで取得できる
	resp := s.do(t, http.MethodGet, u.Path, "", "", nil)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" || string(body) != string(pngImage) {
		t.Fatalf("GET avatar = %d %q (%d bytes)", resp.StatusCode, resp.Header.Get("Content-Type"), len(body))
	}

	got, err := c.GetRow(ctx, model.TableProfiles, res.User.ID)
	if err != nil {
		t.Fatalf("GetRow returned error: %v", err)
	}
	if got["avatar_url"] != first {
		t.Errorf("profile avatar_url = %v, want %q", got["avatar_url"], first)
	}

	// 置き換えると古い名前は配信されない
	time.Sleep(2 * time.Millisecond)
	if _, err := c.UploadAvatar(ctx, res.User.ID, pngImage, "image/png"); err != nil {
		t.Fatalf("second UploadAvatar returned error: %v", err)
	}
	if resp := s.do(t, http.MethodGet, u.Path, "", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("old avatar status = %d, want 404", resp.StatusCode)
	}
}

func TestIntegration_AvatarUploadStatusCodes(t *testing.T) {
	s := newStack(t, false)
	res := s.signUp(t, s.client(), "asha@example.com")
	token, uid := res.Session.AccessToken, res.User.ID

	tests := []struct {
		name  string
		path  string
		token string
		body  string
		want  int
	}{
		{"トークンなし", "/storage/v1/avatars/" + uid, "", string(pngImage), http.StatusUnauthorized},
		{"他人のアバター", "/storage/v1/avatars/someone-else", token, string(pngImage), http.StatusForbidden},
		{"画像以外", "/storage/v1/avatars/" + uid, token, "hello, world", http.StatusUnsupportedMediaType},
		{"空のボディ", "/storage/v1/avatars/" + uid, token, "", http.StatusBadRequest},
		{"5MB超", "/storage/v1/avatars/" + uid, token, string(pngImage) + strings.Repeat("\x00", model.MaxAvatarSize), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPut, tt.path, tt.token, tt.body, map[string]string{"Content-Type": "image/png"})
			if resp.StatusCode != tt.want {
				b, _ := io.ReadAll(resp.Body)
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.want, b)
			}
		})
	}

	if resp := s.do(t, http.MethodGet, "/storage/v1/avatars/"+uid+"/avatar-1.png", "", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing avatar status = %d, want 404", resp.StatusCode)
	}
}
