package model

import (
	"reflect"
	"testing"
)

func TestParseSourceSet(t *testing.T) {
	tests := []struct {
		in   string
		want []SourceKind
	}{
		{"all", []SourceKind{SourceMercari, SourceYahoo, SourceRakuten}},
		{"both", []SourceKind{SourceMercari, SourceYahoo}},
		{"", []SourceKind{SourceMercari, SourceYahoo}},
		{"rakuten", []SourceKind{SourceRakuten}},
		{"rakuten, mercari", []SourceKind{SourceMercari, SourceRakuten}},
		{"fril,unknown", []SourceKind{SourceRakuten}},
		{"nothing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseSourceSet(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ParseSourceSet(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSourceKindFromURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		kind    SourceKind
		id      string
		wantErr bool
	}{
		{"mercari_item", "https://jp.mercari.com/item/m12345678901", SourceMercari, "m12345678901", false},
		{"mercari_shop", "https://jp.mercari.com/shops/product/2Xk9abCDef", SourceMercari, "2Xk9abCDef", false},
		{"yahoo", "https://page.auctions.yahoo.co.jp/jp/auction/x123456789", SourceYahoo, "x123456789", false},
		{"fril", "https://item.fril.jp/0123456789abcdef0123456789abcdef", SourceRakuten, "0123456789abcdef0123456789abcdef", false},
		{"substring_is_not_enough", "https://example.com/mercari/item/m12345678901", "", "", true},
		{"missing_id", "https://jp.mercari.com/search?keyword=coat", SourceMercari, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, id, err := SourceKindFromURL(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s %s", kind, id)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if kind != tt.kind || id != tt.id {
				t.Fatalf("got (%s, %s), want (%s, %s)", kind, id, tt.kind, tt.id)
			}
		})
	}
}
