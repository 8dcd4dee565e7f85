// Package cleanup は期限切れの認証データを定期的に削除するジョブを提供する。
// 期限切れのセッションと、期限切れまたは使用済みのワンタイムトークン
// （パスワード再設定・メール確認）を一定間隔で削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SessionPurger は期限切れセッションを削除する。repository.SessionRepositoryが満たす。
type SessionPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// TokenPurger は不要になったトークンを削除する。repository.TokenRepositoryが満たす。
type TokenPurger interface {
	DeleteStale(ctx context.Context) (int64, error)
}

// Recorder は削除件数を記録する。metrics.Collectorが満たす。
type Recorder interface {
	RecordCleanup(kind string, deleted int64)
}

// 削除対象の種類。メトリクスのラベルに使う。
const (
	KindSessions = "sessions"
	KindTokens   = "tokens"
)

// CleanupJob は期限切れの認証データの削除ジョブ。
// 削除は冪等で、対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions SessionPurger
	tokens   TokenPurger
	recorder Recorder
	logger   *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions SessionPurger, tokens TokenPurger, recorder Recorder, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessions: sessions,
		tokens:   tokens,
		recorder: recorder,
		logger:   logger,
	}
}

// Start はintervalごとにRunを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました", slog.String("error", err.Error()))
	}
}

// Run は期限切れのセッションとトークンを削除する。
// 一方の削除に失敗してももう一方は実行し、両方のエラーをまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	sessions, sessErr := j.sessions.DeleteExpired(ctx)
	if sessErr != nil {
		sessErr = fmt.Errorf("期限切れセッションの削除に失敗: %w", sessErr)
	} else {
		j.recorder.RecordCleanup(KindSessions, sessions)
	}

	tokens, tokErr := j.tokens.DeleteStale(ctx)
	if tokErr != nil {
		tokErr = fmt.Errorf("不要なトークンの削除に失敗: %w", tokErr)
	} else {
		j.recorder.RecordCleanup(KindTokens, tokens)
	}

	if err := errors.Join(sessErr, tokErr); err != nil {
		return err
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", sessions),
		slog.Int64("deleted_tokens", tokens),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
