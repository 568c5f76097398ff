package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"goodsdeck/internal/model"
)

const yahooSearchHTML = `<html><body>
<ul>
  <li class="Product">
    <a class="Product__imageLink" href="#" data-auction-id="x100" data-auction-title="Needles track jacket"
       data-auction-img="https://img/x100.jpg" data-auction-price="4500" data-auction-category="2084">img</a>
    <a class="Product__titleLink" href="#" data-auction-id="x100">Needles track jacket</a>
  </li>
  <li class="Product">
    <a class="Product__imageLink" href="#" data-auction-id="x101" data-auction-title=""
       data-auction-price="" data-auction-category="">img</a>
  </li>
</ul>
</body></html>`

func TestYahoo_FetchPage(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{"p": q.Get("p"), "b": q.Get("b"), "n": q.Get("n"), "s1": q.Get("s1"), "o1": q.Get("o1")}
		_, _ = io.WriteString(w, yahooSearchHTML)
	}))
	defer srv.Close()

	y := NewYahoo(newTestFetcher(srv), srv.URL, "https://page.auctions.yahoo.co.jp")
	page, err := y.FetchPage(t.Context(), "track jacket", "")
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}
	if gotQuery["p"] != "track jacket" || gotQuery["b"] != "1" || gotQuery["n"] != "100" || gotQuery["s1"] != "new" || gotQuery["o1"] != "d" {
		t.Fatalf("unexpected query: %v", gotQuery)
	}
	if page.Next != "101" {
		t.Fatalf("next = %q", page.Next)
	}
	if len(page.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(page.Candidates))
	}

	c := page.Candidates[0]
	if c.Source != model.SourceYahoo || c.SourceID != "x100" || c.Title != "Needles track jacket" {
		t.Fatalf("unexpected candidate: %+v", c)
	}
	if c.Price == nil || *c.Price != 4500 || c.CategoryID == nil || *c.CategoryID != "yahoo:2084" {
		t.Fatalf("unexpected price/category: %v %v", c.Price, c.CategoryID)
	}
	if c.URL != "https://page.auctions.yahoo.co.jp/jp/auction/x100" {
		t.Fatalf("url = %q", c.URL)
	}

	bare := page.Candidates[1]
	if bare.Title != "Auction x101" || bare.Price != nil || bare.CategoryID != nil {
		t.Fatalf("missing fields should fall back to defaults: %+v", bare)
	}
}

func TestYahoo_FetchPage_FallbackSelectorAndEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("b") == "101" {
			_, _ = io.WriteString(w, `<html><body><p>no results</p></body></html>`)
			return
		}
		_, _ = io.WriteString(w, `<html><body><div data-auction-id="z1" data-auction-title="Kapital jeans" data-auction-price="7,000"></div></body></html>`)
	}))
	defer srv.Close()

	y := NewYahoo(newTestFetcher(srv), srv.URL, srv.URL)
	page, err := y.FetchPage(t.Context(), "jeans", "")
	if err != nil || len(page.Candidates) != 1 || page.Candidates[0].SourceID != "z1" {
		t.Fatalf("fallback selector: %v %+v", err, page)
	}
	if *page.Candidates[0].Price != 7000 {
		t.Fatalf("price = %d", *page.Candidates[0].Price)
	}

	page, err = y.FetchPage(t.Context(), "jeans", page.Next)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page.Candidates) != 0 || page.Next != "" {
		t.Fatalf("expected end of results, got %+v", page)
	}

	if _, err := y.FetchPage(t.Context(), "jeans", "abc"); err == nil {
		t.Fatalf("expected invalid cursor error")
	}
}

func yahooDetailHTML(item string) string {
	return fmt.Sprintf(`<html><body><script id="__NEXT_DATA__" type="application/json">
{"props": {"pageProps": {"initialState": {"item": {"detail": {"item": %s}}}}}}
</script></body></html>`, item)
}

func TestYahoo_FetchDetail(t *testing.T) {
	items := map[string]string{
		"/jp/auction/a1": `{
  "title": "Visvim boots",
  "img": [{"image": "https://img/a1-1.jpg"}, {"image": "https://img/a1-2.jpg"}],
  "price": 20000, "taxinPrice": 22000, "bidorbuy": 30000,
  "description": ["line one", "line two"],
  "endTime": 1735689600000,
  "status": "open",
  "category": {"path": [{"id": "0", "name": "root"}, {"id": "2084005438", "name": "Fashion"}, {"id": "2084006773", "name": "Boots"}]}
}`,
		"/jp/auction/a2": `{
  "title": "Muji shirt",
  "img": [],
  "price": 1500, "bidorbuy": 1500,
  "endTime": "2025-01-01T09:00:00+09:00",
  "status": "closed"
}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := items[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, yahooDetailHTML(body))
	}))
	defer srv.Close()

	y := NewYahoo(newTestFetcher(srv), srv.URL, srv.URL)

	d, err := y.FetchDetail(t.Context(), ItemRef{SourceID: "a1"})
	if err != nil {
		t.Fatalf("detail a1: %v", err)
	}
	if d.Description != "line one\nline two" || len(d.Images) != 2 {
		t.Fatalf("unexpected detail: %+v", d)
	}
	if d.Price == nil || *d.Price != 22000 {
		t.Fatalf("tax-inclusive price expected, got %v", d.Price)
	}
	if d.IsAuction == nil || !*d.IsAuction || d.SoldStatus != model.SoldAvailable {
		t.Fatalf("auction flags: %v %q", d.IsAuction, d.SoldStatus)
	}
	if d.AuctionEndTime == nil || *d.AuctionEndTime != 1735689600 {
		t.Fatalf("ms end time not normalized: %v", d.AuctionEndTime)
	}
	if len(d.CategoryPath) != 2 || d.CategoryPath[0].ID != "yahoo:2084005438" || d.CategoryPath[1].Name != "Boots" {
		t.Fatalf("category path = %+v", d.CategoryPath)
	}

	d, err = y.FetchDetail(t.Context(), ItemRef{URL: "https://page.auctions.yahoo.co.jp/jp/auction/a2"})
	if err != nil {
		t.Fatalf("detail a2: %v", err)
	}
	if d.Description != "Muji shirt" {
		t.Fatalf("description should fall back to title, got %q", d.Description)
	}
	if d.IsAuction == nil || *d.IsAuction {
		t.Fatalf("buy-now price equal to current price is not an auction")
	}
	if d.SoldStatus != model.SoldSold || d.AuctionEndTime == nil || *d.AuctionEndTime != 1735689600 {
		t.Fatalf("unexpected status/end: %q %v", d.SoldStatus, d.AuctionEndTime)
	}

	if _, err := y.FetchCategoryPath(t.Context(), ItemRef{SourceID: "a2"}); err == nil {
		t.Fatalf("expected error for item without category path")
	}
	if _, err := y.FetchDetail(t.Context(), ItemRef{SourceID: "missing"}); err == nil {
		t.Fatalf("expected error for missing auction")
	}
}

func TestYahoo_FetchDetail_NoItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, yahooDetailHTML("null"))
	}))
	defer srv.Close()

	y := NewYahoo(newTestFetcher(srv), srv.URL, srv.URL)
	if _, err := y.FetchDetail(t.Context(), ItemRef{SourceID: "gone"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestYahooEndTime(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int64
		ok   bool
	}{
		{"seconds", `1735689600`, 1735689600, true},
		{"millis", `1735689600000`, 1735689600, true},
		{"numeric_string", `"1735689600000"`, 1735689600, true},
		{"rfc3339", `"2025-01-01T00:00:00Z"`, 1735689600, true},
		{"naive_jst", `"2025-01-01T09:00:00"`, 1735689600, true},
		{"null", `null`, 0, false},
		{"garbage", `"soon"`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := yahooEndTime(json.RawMessage(tt.raw))
			if !tt.ok {
				if got != nil {
					t.Fatalf("expected nil, got %d", *got)
				}
				return
			}
			if got == nil || *got != tt.want {
				t.Fatalf("yahooEndTime(%s) = %v, want %d", tt.raw, got, tt.want)
			}
		})
	}
}
