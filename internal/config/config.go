package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Session
	SessionMaxAge int

	// Auth
	RequireEmailConfirmation bool
	PasswordResetTTL         time.Duration
	EmailConfirmationTTL     time.Duration

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitAuth    int

	// Mail
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	ContactEmail string

	// Worker
	CleanupInterval time.Duration

	// Platform
	PlatformIconTTL time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string
	// PublicURL はAPIサーバーの外部公開URL。アバター画像の公開URLに使う。
	PublicURL string

	// CORS（カンマ区切りで複数指定可。"*" はすべて許可）
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("BASE_URL must be an absolute URL: %q", cfg.BaseURL)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 604800)
	cfg.RequireEmailConfirmation = getEnvBool("REQUIRE_EMAIL_CONFIRMATION", false)
	cfg.PasswordResetTTL = getEnvDuration("PASSWORD_RESET_TTL", time.Hour)
	cfg.EmailConfirmationTTL = getEnvDuration("EMAIL_CONFIRMATION_TTL", 24*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.SMTPHost = getEnvString("SMTP_HOST", "")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.SMTPFrom = getEnvString("SMTP_FROM", "no-reply@zuptin.app")
	cfg.ContactEmail = getEnvString("CONTACT_EMAIL", "zuptin07@gmail.com")
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.PlatformIconTTL = getEnvDuration("PLATFORM_ICON_TTL", 24*time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.BaseURL)
	cfg.PublicURL = strings.TrimRight(getEnvString("PUBLIC_URL", cfg.BaseURL), "/")
	if u, err := url.Parse(cfg.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("PUBLIC_URL must be an absolute URL: %q", cfg.PublicURL)
	}

	return cfg, nil
}

// Redirects はメール内リンクのリダイレクト先を返す。
func (c *Config) Redirects() Redirects {
	return Redirects{BaseURL: c.BaseURL}
}

// Redirects はアプリ自身のオリジンからメール確認・パスワード再設定のリダイレクト先を組み立てる。
type Redirects struct {
	BaseURL string
}

// リダイレクト先のパス
const (
	ResetPasswordPath = "/reset-password"
	AuthCallbackPath  = "/auth/callback"
)

// ResetPassword はパスワード再設定ページのURLを返す。
func (r Redirects) ResetPassword() string {
	return r.join(ResetPasswordPath)
}

// AuthCallback はメール確認後のコールバックURLを返す。
func (r Redirects) AuthCallback() string {
	return r.join(AuthCallbackPath)
}

// Allowed はtargetがBaseURL配下かどうかを返す。
// メール内リンクを外部サイトへ向けるオープンリダイレクトを防ぐ。
func (r Redirects) Allowed(target string) bool {
	base, err := url.Parse(r.BaseURL)
	if err != nil {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) {
		return false
	}
	return strings.HasPrefix(u.Path, strings.TrimRight(base.Path, "/")+"/") || u.Path == base.Path
}

// Resolve はtargetが許可されていればそれを、そうでなければfallbackを返す。
func (r Redirects) Resolve(target, fallback string) string {
	if target != "" && r.Allowed(target) {
		return target
	}
	return fallback
}

func (r Redirects) join(path string) string {
	u, err := url.JoinPath(r.BaseURL, path)
	if err != nil {
		return strings.TrimRight(r.BaseURL, "/") + path
	}
	return u
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
