// Package rows はユーザーIDをキーとする行（profiles、user_preferences）へのアクセスを提供する。
// 書き込み前にカラムと値の型を検証し、自由記述の項目はサニタイズする。
package rows

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/zuptin/internal/model"
	"github.com/hitoshi/zuptin/internal/platform"
	"github.com/hitoshi/zuptin/internal/repository"
	"github.com/hitoshi/zuptin/internal/security"
)

// Resolution は既存の行と衝突した場合の扱い。
type Resolution string

const (
	// MergeDuplicates は既存の行の指定カラムを上書きする。
	MergeDuplicates Resolution = "merge-duplicates"
	// IgnoreDuplicates は既存の行を変更せずにそのまま返す。
	IgnoreDuplicates Resolution = "ignore-duplicates"
)

// ParseResolution はPreferヘッダーのresolution値を解釈する。未指定の場合はMergeDuplicates。
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case "", MergeDuplicates:
		return MergeDuplicates, nil
	case IgnoreDuplicates:
		return IgnoreDuplicates, nil
	}
	return "", model.NewValidationError(model.ErrCodeInvalidRequest, fmt.Sprintf("Unsupported resolution: %s", s))
}

// 自由記述項目の最大文字数
var maxLength = map[string]int{
	"full_name":    255,
	"phone_number": 32,
	"avatar_url":   2048,
	"email":        320,
}

// Service は行アクセスのサービス層。
type Service struct {
	repo      repository.RowRepository
	sanitizer security.TextSanitizer
	urls      security.URLGuard
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(repo repository.RowRepository, sanitizer security.TextSanitizer, urls security.URLGuard) *Service {
	return &Service{repo: repo, sanitizer: sanitizer, urls: urls, now: time.Now}
}

// Get は行を取得する。行がない場合はnilを返す。
func (s *Service) Get(ctx context.Context, table model.Table, userID string) (map[string]any, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	row, err := s.repo.Find(ctx, table, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s row: %w", table, err)
	}
	return row, nil
}

// Upsert は行を書き込み、保存後の行を返す。
// IgnoreDuplicatesの場合は既存の行を変更せずに返す（insert-if-absent）。
func (s *Service) Upsert(ctx context.Context, table model.Table, userID string, fields map[string]any, res Resolution) (map[string]any, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	clean, err := s.clean(table, userID, fields)
	if err != nil {
		return nil, err
	}

	var row map[string]any
	switch res {
	case IgnoreDuplicates:
		row, err = s.repo.InsertIfAbsent(ctx, table, userID, clean)
	default:
		row, err = s.repo.Merge(ctx, table, userID, clean)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert %s row: %w", table, err)
	}
	slog.Debug("row upserted",
		slog.String("table", string(table)),
		slog.String("user_id", userID),
		slog.String("resolution", string(res)),
	)
	return row, nil
}

// Delete は行を削除する。行がない場合もエラーにしない。
func (s *Service) Delete(ctx context.Context, table model.Table, userID string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, table, userID); err != nil {
		return fmt.Errorf("failed to delete %s row: %w", table, err)
	}
	return nil
}

func checkTable(table model.Table) error {
	if !table.Valid() {
		return model.NewValidationError(model.ErrCodeTableNotFound, fmt.Sprintf("Unknown table: %s", table))
	}
	return nil
}

// clean はカラムと値を検証し、書き込み用のフィールドを返す。
// updated_atが未指定の場合は現在時刻を設定する。created_atは書き込めない。
func (s *Service) clean(table model.Table, userID string, fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields)+1)
	for col, v := range fields {
		if !table.HasColumn(col) {
			return nil, invalid("Unknown column: %s", col)
		}
		var err error
		switch col {
		case "user_id":
			if id, ok := v.(string); !ok || id != userID {
				return nil, model.NewForbiddenError()
			}
			continue
		case "created_at":
			return nil, invalid("created_at cannot be written")
		case "updated_at":
			out[col], err = timestamp(v)
		case "show_ads", "push_notifications":
			b, ok := v.(bool)
			if !ok {
				return nil, invalid("%s must be a boolean", col)
			}
			out[col] = b
		case "default_platform":
			id, ok := v.(string)
			if !ok {
				return nil, invalid("%s must be a string", col)
			}
			out[col], err = platform.Normalize(id)
		default:
			out[col], err = s.text(col, v)
		}
		if err != nil {
			return nil, err
		}
	}
	if _, ok := out["updated_at"]; !ok {
		out["updated_at"] = s.now().UTC()
	}
	return out, nil
}

// text は自由記述項目を検証してサニタイズする。nullと空文字列はnullとして扱う。
func (s *Service) text(col string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	str, ok := v.(string)
	if !ok {
		return nil, invalid("%s must be a string or null", col)
	}
	str = s.sanitizer.Sanitize(str)
	if str == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(str) > maxLength[col] {
		return nil, invalid("%s must be at most %d characters", col, maxLength[col])
	}
	if col == "avatar_url" {
		if err := s.urls.ValidateURL(str); err != nil {
			return nil, invalid("avatar_url must be a public https URL")
		}
	}
	return str, nil
}

func timestamp(v any) (time.Time, error) {
	str, ok := v.(string)
	if !ok {
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
		return time.Time{}, invalid("updated_at must be an RFC 3339 timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return time.Time{}, invalid("updated_at must be an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}

func invalid(format string, args ...any) error {
	return model.NewValidationError(model.ErrCodeInvalidRequest, fmt.Sprintf(format, args...))
}
