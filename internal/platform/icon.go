package platform

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/zuptin/internal/model"
)

// maxIconSize はアイコン画像の最大サイズ（2MB）。
const maxIconSize = 2 * 1024 * 1024

// maxPageSize はアイコン検出のために読むHTMLの最大サイズ。
const maxPageSize = 1024 * 1024

// iconTimeout はアイコン取得1回あたりのタイムアウト。
const iconTimeout = 5 * time.Second

// missTTL は取得に失敗した結果をキャッシュする期間の上限。
const missTTL = 10 * time.Minute

const userAgent = "Zuptin/1.0 (+https://zuptin.app)"

// URLValidator は外部URLの検証とSSRF防止付きクライアントの生成を行う。
// security.URLGuardが満たす。
type URLValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// Icon はプラットフォームのアイコン画像。
type Icon struct {
	Data      []byte
	MimeType  string
	FetchedAt time.Time
}

type cachedIcon struct {
	icon    *Icon
	expires time.Time
}

// IconProxy はプラットフォームのファビコンを取得してメモリにキャッシュする。
// ブラウザから各サイトへ直接リクエストさせないためのプロキシ。
type IconProxy struct {
	guard  URLValidator
	client *http.Client
	ttl    time.Duration
	now    func() time.Time
	lookup func(id string) (Platform, bool)

	mu      sync.Mutex
	cache   map[string]cachedIcon
	fetches singleflight.Group
}

// NewIconProxy はIconProxyを生成する。ttlは取得成功時のキャッシュ期間。
func NewIconProxy(guard URLValidator, ttl time.Duration) *IconProxy {
	return &IconProxy{
		guard:  guard,
		client: guard.NewSafeClient(iconTimeout),
		ttl:    ttl,
		now:    time.Now,
		lookup: Lookup,
		cache:  make(map[string]cachedIcon),
	}
}

// Icon はidのプラットフォームのアイコンを返す。
// 未知のIDの場合はPLATFORM_NOT_FOUNDを返す。取得できなかった場合はnil, nilを返す。
func (p *IconProxy) Icon(ctx context.Context, id string) (*Icon, error) {
	pl, ok := p.lookup(id)
	if !ok {
		return nil, model.NewValidationError(model.ErrCodePlatformNotFound, "Unknown platform: "+id)
	}

	p.mu.Lock()
	c, hit := p.cache[pl.ID]
	p.mu.Unlock()
	if hit && p.now().Before(c.expires) {
		return c.icon, nil
	}

	v, _, _ := p.fetches.Do(pl.ID, func() (any, error) {
		// リクエストのキャンセルで他の待機者の取得まで失敗させない
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*iconTimeout)
		defer cancel()
		icon := p.fetch(fctx, pl.URL)

		ttl := p.ttl
		if icon == nil && ttl > missTTL {
			ttl = missTTL
		}
		p.mu.Lock()
		p.cache[pl.ID] = cachedIcon{icon: icon, expires: p.now().Add(ttl)}
		p.mu.Unlock()
		return icon, nil
	})
	return v.(*Icon), nil
}

// fetch はサイトのHTMLからアイコンのURLを探し、見つからなければ/favicon.icoを試す。
func (p *IconProxy) fetch(ctx context.Context, siteURL string) *Icon {
	for _, u := range p.candidates(ctx, siteURL) {
		if icon := p.fetchImage(ctx, u); icon != nil {
			return icon
		}
	}
	slog.Warn("アイコン取得失敗", "site", siteURL)
	return nil
}

func (p *IconProxy) candidates(ctx context.Context, siteURL string) []string {
	var out []string
	if body, base := p.fetchPage(ctx, siteURL); body != nil {
		out = append(out, ParseIconLinks(body, base)...)
	}
	if fallback := defaultFaviconURL(siteURL); fallback != "" {
		out = append(out, fallback)
	}
	return out
}

func (p *IconProxy) fetchPage(ctx context.Context, siteURL string) ([]byte, string) {
	resp, err := p.get(ctx, siteURL, "text/html")
	if err != nil {
		slog.Debug("アイコン検出: ページ取得失敗", "url", siteURL, "error", err)
		return nil, ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ""
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.Contains(mediaType, "html") {
		return nil, ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, ""
	}
	// リダイレクト後のURLを相対パスの基準にする
	return body, resp.Request.URL.String()
}

func (p *IconProxy) fetchImage(ctx context.Context, iconURL string) *Icon {
	resp, err := p.get(ctx, iconURL, "image/*")
	if err != nil {
		slog.Debug("アイコン取得: HTTPリクエスト失敗", "url", iconURL, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Debug("アイコン取得: HTTPステータス異常", "url", iconURL, "status", resp.StatusCode)
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIconSize+1))
	if err != nil || len(body) == 0 || len(body) > maxIconSize {
		return nil
	}

	mimeType := extractMimeType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mimeType, "image/") {
		// Content-Typeを付けないサーバーがあるため中身から判定する
		mimeType = http.DetectContentType(body)
		if !strings.HasPrefix(mimeType, "image/") {
			return nil
		}
	}
	return &Icon{Data: body, MimeType: mimeType, FetchedAt: p.now()}
}

func (p *IconProxy) get(ctx context.Context, rawURL, accept string) (*http.Response, error) {
	if err := p.guard.ValidateURL(rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)
	return p.client.Do(req)
}

// ParseIconLinks はHTMLのheadからアイコンの<link>を探し、絶対URLで返す。
// rel="icon"（"shortcut icon"を含む）を優先し、apple-touch-iconを後に並べる。
func ParseIconLinks(body []byte, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var icons, touch []string
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return append(icons, touch...)

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tag := string(tn)
			if tag == "body" {
				return append(icons, touch...)
			}
			if tag != "link" || !hasAttr {
				continue
			}

			var rel, href string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "href":
					href = strings.TrimSpace(string(val))
				}
				if !more {
					break
				}
			}
			if href == "" || strings.HasPrefix(strings.ToLower(href), "data:") {
				continue
			}
			resolved := resolveURL(base, href)
			if resolved == "" {
				continue
			}
			for _, r := range strings.Fields(rel) {
				if r == "icon" {
					icons = append(icons, resolved)
					break
				}
				if r == "apple-touch-icon" || r == "apple-touch-icon-precomposed" {
					touch = append(touch, resolved)
					break
				}
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "head" {
				return append(icons, touch...)
			}
		}
	}
}

func resolveURL(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

// defaultFaviconURL はサイトURLから/favicon.icoのURLを組み立てる。
func defaultFaviconURL(siteURL string) string {
	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Path = "/favicon.ico"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// extractMimeType はContent-Typeヘッダーからメディアタイプを抽出する。
func extractMimeType(contentType string) string {
	parts := strings.SplitN(contentType, ";", 2)
	return strings.TrimSpace(strings.ToLower(parts[0]))
}
