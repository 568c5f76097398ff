package model

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// SourceKind 标识商品来源平台，在入库时确定一次并随记录携带。
type SourceKind string

const (
	SourceMercari SourceKind = "mercari"
	SourceYahoo   SourceKind = "yahoo"
	SourceRakuten SourceKind = "rakuten"
)

// AllSources 按固定顺序返回全部来源。
func AllSources() []SourceKind {
	return []SourceKind{SourceMercari, SourceYahoo, SourceRakuten}
}

// ParseSourceKind 解析来源名称。
func ParseSourceKind(s string) (SourceKind, error) {
	switch SourceKind(strings.ToLower(strings.TrimSpace(s))) {
	case SourceMercari:
		return SourceMercari, nil
	case SourceYahoo:
		return SourceYahoo, nil
	case SourceRakuten, "fril":
		return SourceRakuten, nil
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// ParseSourceSet 将关键词的来源集合字符串解析为有序来源列表。
//
// "all" 表示全部来源，"both" 与空字符串表示 mercari + yahoo，其余按逗号分隔，
// 无法识别的片段会被忽略。
func ParseSourceSet(s string) []SourceKind {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "all":
		return AllSources()
	case "", "both":
		return []SourceKind{SourceMercari, SourceYahoo}
	}

	want := make(map[SourceKind]bool)
	for _, part := range strings.Split(s, ",") {
		if kind, err := ParseSourceKind(part); err == nil {
			want[kind] = true
		}
	}
	var out []SourceKind
	for _, kind := range AllSources() {
		if want[kind] {
			out = append(out, kind)
		}
	}
	return out
}

// SoldStatus 商品售出状态。
type SoldStatus string

const (
	SoldUnknown   SoldStatus = "unknown"
	SoldAvailable SoldStatus = "available"
	SoldTrading   SoldStatus = "trading"
	SoldSold      SoldStatus = "sold"
	SoldCancelled SoldStatus = "cancelled"
)

var (
	mercariItemPathRe = regexp.MustCompile(`/item/(m\d+)`)
	mercariShopPathRe = regexp.MustCompile(`/shops/product/([A-Za-z0-9]+)`)
	yahooAuctionRe    = regexp.MustCompile(`/auction/([A-Za-z0-9]+)`)
	frilItemRe        = regexp.MustCompile(`/([a-f0-9]{32})`)
)

// SourceKindFromURL 根据商品链接的主机名识别来源并提取 source_id。
func SourceKindFromURL(raw string) (SourceKind, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())

	var (
		kind SourceKind
		re   []*regexp.Regexp
	)
	switch {
	case host == "mercari.com" || strings.HasSuffix(host, ".mercari.com"):
		kind, re = SourceMercari, []*regexp.Regexp{mercariItemPathRe, mercariShopPathRe}
	case host == "auctions.yahoo.co.jp" || strings.HasSuffix(host, ".auctions.yahoo.co.jp"):
		kind, re = SourceYahoo, []*regexp.Regexp{yahooAuctionRe}
	case host == "fril.jp" || strings.HasSuffix(host, ".fril.jp"):
		kind, re = SourceRakuten, []*regexp.Regexp{frilItemRe}
	default:
		return "", "", fmt.Errorf("unsupported host %q", host)
	}

	for _, r := range re {
		if m := r.FindStringSubmatch(u.Path); len(m) > 1 {
			return kind, m[1], nil
		}
	}
	return kind, "", fmt.Errorf("no item id in %s url", kind)
}
