package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Authorization, Content-Type, Prefer"
)

// ParseOrigins はカンマ区切りのオリジン一覧を分解する。末尾の "/" は取り除く。
func ParseOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// NewCORSMiddleware は許可リストに含まれるOriginにのみCORSヘッダーを返す。
// allowedはカンマ区切りで複数指定でき、"*" はすべてのOriginを許可する。
// 認証はAuthorizationヘッダーで行うため、Allow-Credentialsは付与しない。
// プリフライト（OPTIONS）はハンドラーに渡さず204で応答する。
func NewCORSMiddleware(allowed string) func(next http.Handler) http.Handler {
	origins := ParseOrigins(allowed)
	wildcard := false
	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		set[o] = struct{}{}
	}

	allowOrigin := func(origin string) string {
		if wildcard {
			return "*"
		}
		if _, ok := set[origin]; ok {
			return origin
		}
		// Originを送らないクライアント（ネイティブアプリなど）には先頭のオリジンを示す
		if origin == "" && len(origins) > 0 {
			return origins[0]
		}
		return ""
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")
			if o := allowOrigin(r.Header.Get("Origin")); o != "" {
				h.Set("Access-Control-Allow-Origin", o)
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
