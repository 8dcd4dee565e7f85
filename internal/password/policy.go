// Package password はパスワードポリシーの検証とハッシュ化を提供する。
// サインアップ・パスワード再設定・パスワード変更の全経路で同じポリシーを使う。
package password

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hitoshi/zuptin/internal/model"
	"golang.org/x/crypto/bcrypt"
)

// MinLength はパスワードの最小文字数。
const MinLength = 8

// Symbols は記号ルールで許可される記号の集合。
const Symbols = "!@#$%^&*"

// Check は各ルールの充足状況を表す。UIのチェックリスト表示にも使う。
type Check struct {
	Length    bool
	Uppercase bool
	Lowercase bool
	Number    bool
	Special   bool
}

// OK は全ルールを満たしているかどうかを返す。
func (c Check) OK() bool {
	return c.Length && c.Uppercase && c.Lowercase && c.Number && c.Special
}

// failed は満たしていないルールの説明を返す。
func (c Check) failed() []string {
	var out []string
	if !c.Length {
		out = append(out, fmt.Sprintf("at least %d characters", MinLength))
	}
	if !c.Uppercase {
		out = append(out, "an uppercase letter")
	}
	if !c.Lowercase {
		out = append(out, "a lowercase letter")
	}
	if !c.Number {
		out = append(out, "a number")
	}
	if !c.Special {
		out = append(out, "a special character ("+Symbols+")")
	}
	return out
}

// Evaluate はパスワードを5つのルールで評価する。
// 英大文字・英小文字・数字はASCIIのみを数える。
func Evaluate(pw string) Check {
	c := Check{Length: len([]rune(pw)) >= MinLength}
	for _, r := range pw {
		switch {
		case r >= 'A' && r <= 'Z':
			c.Uppercase = true
		case r >= 'a' && r <= 'z':
			c.Lowercase = true
		case r >= '0' && r <= '9':
			c.Number = true
		case strings.ContainsRune(Symbols, r):
			c.Special = true
		}
	}
	return c
}

// Validate はパスワードがポリシーを満たすか検証する。
// 違反している場合は満たしていない全ルールを含むValidationErrorを返す。
func Validate(pw string) error {
	c := Evaluate(pw)
	if c.OK() {
		return nil
	}
	return model.NewPasswordPolicyError(c.failed())
}

// Hash はパスワードをbcryptでハッシュ化する。
// bcryptの上限（72バイト）を超える場合はValidationErrorを返す。
func Hash(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", model.NewValidationError(model.ErrCodeInvalidPassword, "Password must be at most 72 bytes.")
	}
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

// Compare はパスワードとハッシュが一致するかどうかを返す。
func Compare(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}
