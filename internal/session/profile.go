package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gabriel-vasile/mimetype"

	"github.com/hitoshi/zuptin/internal/identity"
	"github.com/hitoshi/zuptin/internal/model"
)

// FetchProfile はuserIDのプロフィールを取得してキャッシュする。
// 行が存在しない場合は任意項目を空にした行を作成してから返す。
// 同一セッション内の同時呼び出しは1回のリモート取得にまとめる。
// 取得中にセッションが切り替わった場合、結果は破棄してキャッシュに反映しない。
func (s *Store) FetchProfile(ctx context.Context, userID string) (*model.Profile, error) {
	tok, err := s.requireUser(userID)
	if err != nil {
		return nil, err
	}

	key := tok.UserID + "/" + strconv.FormatUint(tok.Epoch, 10)
	// 結果は合流した全呼び出しで共有するため、最初の呼び出し元のキャンセルでは中断しない
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := s.fetches.Do(key, func() (any, error) {
		return s.loadProfile(loadCtx, tok)
	})
	if err != nil {
		return nil, err
	}
	p := *v.(*model.Profile)
	if err := s.storeProfile(tok, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// loadProfile はプロフィール行を取得し、存在しなければinsert-if-absentで作成する。
func (s *Store) loadProfile(ctx context.Context, tok Token) (*model.Profile, error) {
	row, err := s.svc.GetRow(ctx, model.TableProfiles, tok.UserID)
	if err != nil {
		return nil, persistence(err, "Failed to load your profile.")
	}

	if row == nil {
		seed := identity.Row{"user_id": tok.UserID}
		if email := s.Current().Email; email != "" {
			seed["email"] = email
		}
		// 既存行がある場合はそのまま返るため、同時に作成されても重複しない
		row, err = s.svc.UpsertRow(ctx, model.TableProfiles, tok.UserID, seed, identity.UpsertOptions{
			OnConflict: identity.IgnoreDuplicates,
		})
		if err != nil {
			return nil, persistence(err, "Failed to create your profile.")
		}
		s.logger.Info("profile created", slog.String("user_id", tok.UserID))
	}

	return decodeProfile(row, tok.UserID)
}

// UpdateProfile はプロフィールを部分更新し、updated_atを現在時刻にする。
// リモートで確定した後にのみキャッシュを置き換え、失敗時はキャッシュを変更しない。
func (s *Store) UpdateProfile(ctx context.Context, userID string, upd model.ProfileUpdate) (*model.Profile, error) {
	if upd.Empty() {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "No profile fields to update.")
	}
	tok, err := s.requireUser(userID)
	if err != nil {
		return nil, err
	}

	fields, err := identity.RowOf(upd)
	if err != nil {
		return nil, model.NewPersistenceError("Failed to save your profile.")
	}
	fields["user_id"] = userID
	fields["updated_at"] = s.now().UTC()

	row, err := s.svc.UpsertRow(ctx, model.TableProfiles, userID, fields, identity.UpsertOptions{
		OnConflict: identity.MergeDuplicates,
	})
	if err != nil {
		return nil, persistence(err, "Failed to save your profile.")
	}

	p, err := decodeProfile(row, userID)
	if err != nil {
		return nil, err
	}
	if err := s.storeProfile(tok, p); err != nil {
		return nil, err
	}
	return p, nil
}

// アバターとして受け付ける画像形式
var avatarTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// UploadAvatar はアバター画像をアップロードし、avatar_urlが更新されたプロフィールをキャッシュする。
// 形式とサイズはリモート呼び出しの前に検証する。contentTypeが空の場合は内容から判定する。
// 古い画像の削除はリモートが行う。
func (s *Store) UploadAvatar(ctx context.Context, userID string, data []byte, contentType string) (*model.Profile, error) {
	tok, err := s.requireUser(userID)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "Please choose an image to upload.")
	}
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	if !avatarTypes[contentType] {
		return nil, model.NewInvalidFileTypeError()
	}
	if len(data) > model.MaxAvatarSize {
		return nil, model.NewFileTooLargeError()
	}

	row, err := s.svc.UploadAvatar(ctx, userID, data, contentType)
	if err != nil {
		if model.IsValidation(err) {
			return nil, err
		}
		return nil, persistence(err, "Failed to upload avatar.")
	}
	p, err := decodeProfile(row, userID)
	if err != nil {
		return nil, err
	}
	if err := s.storeProfile(tok, p); err != nil {
		return nil, err
	}
	s.logger.Info("avatar updated", slog.String("user_id", userID))
	return p, nil
}

// storeProfile はtokが現在のセッションを指している場合のみプロフィールをキャッシュする。
func (s *Store) storeProfile(tok Token, p *model.Profile) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !s.validLocked(tok) {
		s.mu.Unlock()
		s.logger.Debug("discarding profile for stale session", slog.String("user_id", tok.UserID))
		return model.NewSessionChangedError()
	}
	cp := *p
	s.state.Profile = &cp
	st := s.state.clone()
	s.mu.Unlock()

	s.notifyLocked(st)
	return nil
}

func decodeProfile(row identity.Row, userID string) (*model.Profile, error) {
	if row == nil {
		return nil, model.NewPersistenceError("Profile row was not returned.")
	}
	var p model.Profile
	if err := row.Decode(&p); err != nil {
		return nil, model.NewPersistenceError(fmt.Sprintf("Failed to read profile: %v", err))
	}
	if p.UserID != userID {
		return nil, model.NewPersistenceError("Profile row belongs to a different user.")
	}
	return &p, nil
}

// persistence は行操作のエラーをPersistenceErrorに揃える。
// 通信失敗と認証エラーはそのまま返す。
func persistence(err error, msg string) error {
	switch model.CategoryOf(err) {
	case model.CategoryPersistence, model.CategoryTransport, model.CategoryAuth:
		return err
	}
	return model.NewPersistenceError(msg)
}
