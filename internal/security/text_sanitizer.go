package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はユーザー入力の自由記述テキスト（氏名、問い合わせ本文など）から
// HTMLタグと制御文字を取り除く。
// 結果はプレーンテキストであり、HTMLとして出力する側でエスケープする。
type TextSanitizer interface {
	Sanitize(s string) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はタグを一切許可しないポリシーのTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、エンティティを元の文字に戻して前後の空白を取り除く。
// 改行とタブ以外の制御文字は削除する。
func (s *textSanitizer) Sanitize(in string) string {
	if in == "" {
		return ""
	}
	in = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, in)
	out := html.UnescapeString(s.policy.Sanitize(in))
	return strings.TrimSpace(out)
}
