package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/zuptin/internal/auth"
	"github.com/hitoshi/zuptin/internal/avatar"
	"github.com/hitoshi/zuptin/internal/config"
	"github.com/hitoshi/zuptin/internal/contact"
	"github.com/hitoshi/zuptin/internal/database"
	"github.com/hitoshi/zuptin/internal/handler"
	"github.com/hitoshi/zuptin/internal/logger"
	"github.com/hitoshi/zuptin/internal/mailer"
	"github.com/hitoshi/zuptin/internal/metrics"
	"github.com/hitoshi/zuptin/internal/middleware"
	"github.com/hitoshi/zuptin/internal/platform"
	"github.com/hitoshi/zuptin/internal/repository"
	"github.com/hitoshi/zuptin/internal/rows"
	"github.com/hitoshi/zuptin/internal/security"
	"github.com/hitoshi/zuptin/internal/user"
	"github.com/hitoshi/zuptin/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", cmd.String()),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// services はAPIサーバーのドメインサービス群。
type services struct {
	auth    *auth.Service
	users   *user.Service
	rows    *rows.Service
	avatars *avatar.Service
	icons   *platform.IconProxy
	contact *contact.Service
}

// newServices はリポジトリからドメインサービスを組み立てる。
func newServices(cfg *config.Config, repos *repositories, m mailer.Mailer) *services {
	sanitizer := security.NewTextSanitizer()
	return &services{
		auth: auth.NewService(repos.users, repos.sessions, repos.tokens, m, auth.ServiceConfig{
			SessionMaxAge:            cfg.SessionMaxAge,
			RequireEmailConfirmation: cfg.RequireEmailConfirmation,
			PasswordResetTTL:         cfg.PasswordResetTTL,
			EmailConfirmationTTL:     cfg.EmailConfirmationTTL,
			Redirects:                cfg.Redirects(),
		}),
		users:   user.NewService(repos.users, repos.sessions, repos.tokens, repos.rows),
		rows:    rows.NewService(repos.rows, sanitizer, security.NewHTTPSOnlyGuard()),
		avatars: avatar.NewService(repos.avatars, repos.rows, cfg.PublicURL),
		icons:   platform.NewIconProxy(security.NewURLGuard(), cfg.PlatformIconTTL),
		contact: contact.NewService(m, sanitizer, cfg.ContactEmail),
	}
}

// repositories はPostgreSQLのリポジトリ群。
type repositories struct {
	users    *repository.PostgresUserRepo
	sessions *repository.PostgresSessionRepo
	tokens   *repository.PostgresTokenRepo
	rows     *repository.PostgresRowRepo
	avatars  *repository.PostgresAvatarRepo
}

// openDatabase はDB接続を開いて疎通を確認し、リポジトリを返す。
func openDatabase(cfg *config.Config) (*sql.DB, *repositories, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.Pool{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}
	slog.Info("database connection established",
		slog.Int("max_open_conns", cfg.DBMaxOpenConns),
	)

	return db, &repositories{
		users:    repository.NewPostgresUserRepo(db),
		sessions: repository.NewPostgresSessionRepo(db),
		tokens:   repository.NewPostgresTokenRepo(db),
		rows:     repository.NewPostgresRowRepo(db),
		avatars:  repository.NewPostgresAvatarRepo(db),
	}, nil
}

// newRegistry はGoランタイムとプロセスのコレクターを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続とリポジトリ
	db, repos, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. ドメインサービス
	m := mailer.New(mailer.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, slog.Default())
	svc := newServices(cfg, repos, m)

	// 3. 監視
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Authenticator:     svc.auth,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),

		HealthChecker:  db,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),

		AuthService:    handler.NewAuthServiceAdapter(svc.auth),
		UserService:    svc.users,
		RowService:     svc.rows,
		AvatarService:  svc.avatars,
		PlatformIcons:  svc.icons,
		ContactService: svc.contact,
	})

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errc:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れのセッション・トークンのクリーンアップジョブを実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, repos, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := newRegistry()
	job := cleanup.NewCleanupJob(repos.sessions, repos.tokens, metrics.NewCollector(reg), slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting", slog.Duration("cleanup_interval", cfg.CleanupInterval))

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(status.Version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
}

func checkHealth(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
