// Package avatar はプロフィール画像のアップロードと配信を提供する。
//
// 画像はユーザーごとに1つだけ保持する。アップロードのたびにタイムスタンプ付きの
// オブジェクト名を発行して古い画像を置き換え、プロフィールのavatar_urlを公開URLに更新する。
package avatar

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/hitoshi/zuptin/internal/model"
	"github.com/hitoshi/zuptin/internal/repository"
)

// PathPrefix はアバター画像の公開パス。
const PathPrefix = "/storage/v1/avatars"

// ProfileWriter はプロフィール行の部分更新。repository.RowRepositoryが満たす。
type ProfileWriter interface {
	Merge(ctx context.Context, table model.Table, userID string, fields map[string]any) (map[string]any, error)
}

// 受け付ける画像形式と保存時の拡張子
var formats = []struct {
	mime, ext string
}{
	{"image/jpeg", ".jpg"},
	{"image/png", ".png"},
	{"image/webp", ".webp"},
	{"image/gif", ".gif"},
}

// Service はアバターのサービス層。
type Service struct {
	avatars   repository.AvatarRepository
	profiles  ProfileWriter
	publicURL string
	now       func() time.Time
}

// NewService はServiceを生成する。publicURLは画像URLの起点になるAPIサーバーの公開URL。
func NewService(avatars repository.AvatarRepository, profiles ProfileWriter, publicURL string) *Service {
	return &Service{
		avatars:   avatars,
		profiles:  profiles,
		publicURL: strings.TrimRight(publicURL, "/"),
		now:       time.Now,
	}
}

// Detect はdataの内容から画像形式を判定し、MIMEタイプと拡張子を返す。
// 受け付けない形式の場合はInvalidFileTypeErrorを返す。
func Detect(data []byte) (string, string, error) {
	mt := mimetype.Detect(data)
	for _, f := range formats {
		if mt.Is(f.mime) {
			return f.mime, f.ext, nil
		}
	}
	return "", "", model.NewInvalidFileTypeError()
}

// Upload はuserIDのアバターを保存し、avatar_urlを更新したプロフィール行を返す。
// 空のデータ、5MBを超えるデータ、JPEG・PNG・WebP・GIF以外はValidationErrorを返し、何も保存しない。
func (s *Service) Upload(ctx context.Context, userID string, data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "Please choose an image to upload.")
	}
	if len(data) > model.MaxAvatarSize {
		return nil, model.NewFileTooLargeError()
	}
	contentType, ext, err := Detect(data)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	a := &model.Avatar{
		UserID:      userID,
		ObjectName:  fmt.Sprintf("avatar-%d%s", now.UnixMilli(), ext),
		ContentType: contentType,
		Data:        data,
		CreatedAt:   now,
	}
	if err := s.avatars.Replace(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to save avatar: %w", err)
	}

	row, err := s.profiles.Merge(ctx, model.TableProfiles, userID, map[string]any{
		"avatar_url": s.URL(userID, a.ObjectName),
		"updated_at": now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update avatar_url: %w", err)
	}

	slog.Info("avatar uploaded",
		slog.String("user_id", userID),
		slog.String("object", a.ObjectName),
		slog.Int("bytes", len(data)),
	)
	return row, nil
}

// Get は公開URLのオブジェクト名に対応する画像を返す。
// 置き換え済みの古い名前や未登録の場合はnilを返す。
func (s *Service) Get(ctx context.Context, userID, name string) (*model.Avatar, error) {
	a, err := s.avatars.Find(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find avatar: %w", err)
	}
	if a == nil || a.ObjectName != name {
		return nil, nil
	}
	return a, nil
}

// URL はオブジェクトの公開URLを返す。
func (s *Service) URL(userID, name string) string {
	u, err := url.JoinPath(s.publicURL, PathPrefix, userID, name)
	if err != nil {
		return s.publicURL + PathPrefix + "/" + userID + "/" + name
	}
	return u
}
