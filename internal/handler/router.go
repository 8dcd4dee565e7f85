package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/zuptin/internal/metrics"
	"github.com/hitoshi/zuptin/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.Authenticator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 監視
	HealthChecker  HealthChecker
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler

	// サービス
	AuthService    AuthServiceInterface
	UserService    UserServiceInterface
	RowService     RowServiceInterface
	AvatarService  AvatarServiceInterface
	PlatformIcons  PlatformIconProvider
	ContactService ContactSubmitter
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → Metrics → SecurityHeaders → CORS
//	  └ 認証が必要なルート: Session → RateLimit(General)
//	  └ 未認証で呼べる認証ルート: RateLimit(Auth)
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, collector)
	userHandler := NewUserHandler(deps.UserService, collector)
	rowHandler := NewRowHandler(deps.RowService, collector)
	avatarHandler := NewAvatarHandler(deps.AvatarService)
	platformHandler := NewPlatformHandler(deps.PlatformIcons)
	contactHandler := NewContactHandler(deps.ContactService)

	requireSession := middleware.NewSessionMiddleware(deps.Authenticator)

	// --- 監視 ---
	if deps.HealthChecker != nil {
		r.Get("/health", Health(deps.HealthChecker))
	}
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証 ---
	r.Route("/auth/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())
			r.Post("/signup", authHandler.SignUp)
			r.Post("/token", authHandler.SignIn)
			r.Post("/recover", authHandler.Recover)
			r.Post("/recover/confirm", authHandler.ConfirmRecover)
			r.Post("/verify", authHandler.Verify)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireSession)
			r.Use(deps.RateLimiter.GeneralMiddleware())
			r.Post("/logout", authHandler.Logout)
			r.Get("/user", authHandler.Me)
			r.Put("/user", authHandler.UpdateUser)
			r.Delete("/user", userHandler.DeleteAccount)
		})
	})

	// --- ユーザーごとの行 ---
	r.Route("/rest/v1/{table}/{id}", func(r chi.Router) {
		r.Use(requireSession)
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Get("/", rowHandler.Get)
		r.Post("/", rowHandler.Upsert)
		r.Delete("/", rowHandler.Delete)
	})

	// --- アバター画像 ---
	r.Route("/storage/v1/avatars/{id}", func(r chi.Router) {
		r.Get("/{name}", avatarHandler.Get)
		r.With(requireSession, deps.RateLimiter.GeneralMiddleware()).Put("/", avatarHandler.Upload)
	})

	// --- アプリAPI ---
	r.Route("/api", func(r chi.Router) {
		r.Get("/platforms", platformHandler.List)
		r.Get("/platforms/{id}/icon", platformHandler.Icon)
		r.With(deps.RateLimiter.AuthMiddleware()).Post("/contact", contactHandler.Submit)

		r.Group(func(r chi.Router) {
			r.Use(requireSession)
			r.Use(deps.RateLimiter.GeneralMiddleware())
			r.Get("/users/me/export", userHandler.Export)
		})
	})

	return r
}
