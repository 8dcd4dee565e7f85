package repository

import (
	"crypto/sha256"
	"encoding/hex"
)

// tokenDigest はセッションIDやワンタイムトークンの保存用ダイジェストを返す。
// DBには平文のトークンを保存せず、照合もダイジェストで行う。
func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
