// Package platform は連携先の食料品配達プラットフォームのカタログと、
// 各プラットフォームのアイコン取得（ファビコンプロキシ）を提供する。
package platform

import (
	"strings"

	"github.com/hitoshi/zuptin/internal/model"
)

// Platform はカタログに掲載する配達プラットフォーム。
type Platform struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Description string   `json:"description"`
	Features    []string `json:"features"`
	// Aliases は設定画面など別経路で使われてきたIDの別名。
	Aliases []string `json:"-"`
}

var catalog = []Platform{
	{
		ID:          "blinkit",
		Name:        "Blinkit",
		URL:         "https://blinkit.com",
		Description: "10-minute delivery",
		Features:    []string{"Ultra fast", "Wide range"},
	},
	{
		ID:          "zepto",
		Name:        "Zepto",
		URL:         "https://www.zeptonow.com",
		Description: "Quick grocery delivery",
		Features:    []string{"Fast delivery", "Fresh produce"},
	},
	{
		ID:          "swiggy",
		Name:        "Swiggy Instamart",
		URL:         "https://www.swiggy.com/instamart",
		Description: "Instant grocery delivery",
		Features:    []string{"Instant delivery", "Best prices"},
		Aliases:     []string{"instamart"},
	},
	{
		ID:          "bigbasket",
		Name:        "BigBasket",
		URL:         "https://www.bigbasket.com",
		Description: "India's largest grocery",
		Features:    []string{"Huge selection", "Scheduled delivery"},
	},
	{
		ID:          "dunzo",
		Name:        "Dunzo",
		URL:         "https://www.dunzo.com",
		Description: "Delivery in minutes",
		Features:    []string{"Quick delivery", "Multiple categories"},
	},
	{
		ID:          "jiomart",
		Name:        "JioMart",
		URL:         "https://www.jiomart.com",
		Description: "India's most loved shopping app",
		Features:    []string{"Great prices", "Quality products"},
	},
}

// All はカタログ全体を掲載順で返す。戻り値は呼び出し元で変更してよい。
func All() []Platform {
	out := make([]Platform, len(catalog))
	for i, p := range catalog {
		p.Features = append([]string(nil), p.Features...)
		p.Aliases = append([]string(nil), p.Aliases...)
		out[i] = p
	}
	return out
}

// Lookup はIDまたは別名でプラットフォームを検索する。大文字小文字は区別しない。
func Lookup(id string) (Platform, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, p := range catalog {
		if p.ID == id {
			return p, true
		}
		for _, alias := range p.Aliases {
			if alias == id {
				return p, true
			}
		}
	}
	return Platform{}, false
}

// IsKnown はidがカタログに掲載されたプラットフォームかどうかを返す。
func IsKnown(id string) bool {
	_, ok := Lookup(id)
	return ok
}

// Normalize は別名を含むidを正規のIDに変換する。
// 未知のIDの場合はValidationErrorを返す。
func Normalize(id string) (string, error) {
	p, ok := Lookup(id)
	if !ok {
		return "", model.NewInvalidPlatformError(id)
	}
	return p.ID, nil
}
