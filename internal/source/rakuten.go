package source

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"goodsdeck/internal/model"

	"github.com/PuerkitoBio/goquery"
)

const frilMaxPages = 10

var (
	frilIDRe      = regexp.MustCompile(`/([a-f0-9]{32})`)
	frilSoldWords = []string{"SOLD", "売り切れ", "売却済み"}
)

// Rakuten 抓取楽天ラクマ（fril.jp）的搜索结果页。
//
// 翻页之间随机等待一段时间，最多抓取 frilMaxPages 页。
type Rakuten struct {
	fetcher    *Fetcher
	searchBase string
	itemBase   string
	minDelay   time.Duration
	maxDelay   time.Duration
}

// RakutenOption 配置 Rakuten 适配器。
type RakutenOption func(*Rakuten)

// WithPageDelay 设置翻页间隔范围，均为 0 时不等待。
func WithPageDelay(lo, hi time.Duration) RakutenOption {
	return func(r *Rakuten) {
		if hi < lo {
			hi = lo
		}
		r.minDelay, r.maxDelay = lo, hi
	}
}

// NewRakuten 创建 Rakuten 适配器。searchBase 如 https://fril.jp，itemBase 如 https://item.fril.jp。
func NewRakuten(fetcher *Fetcher, searchBase, itemBase string, opts ...RakutenOption) *Rakuten {
	r := &Rakuten{
		fetcher:    fetcher,
		searchBase: strings.TrimRight(searchBase, "/"),
		itemBase:   strings.TrimRight(itemBase, "/"),
		minDelay:   500 * time.Millisecond,
		maxDelay:   1500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Rakuten) Kind() model.SourceKind { return model.SourceRakuten }

// SearchURL 构造按新着排序的搜索地址，page 从 1 开始。
func (r *Rakuten) SearchURL(keyword string, page int) string {
	params := url.Values{}
	params.Set("query", keyword)
	params.Set("sort", "1")
	params.Set("page", strconv.Itoa(page))
	return r.searchBase + "/s?" + strings.ReplaceAll(params.Encode(), "+", "%20")
}

// FetchPage 抓取一页搜索结果，cursor 为页码。
func (r *Rakuten) FetchPage(ctx context.Context, keyword string, cursor string) (Page, error) {
	pageNo := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return Page{}, fmt.Errorf("invalid rakuten cursor %q", cursor)
		}
		pageNo = n
	}
	if pageNo > frilMaxPages {
		return Page{}, nil
	}
	if pageNo > 1 {
		if err := r.politeWait(ctx); err != nil {
			return Page{}, err
		}
	}

	doc, err := r.fetcher.GetDocument(ctx, r.Kind(), r.SearchURL(keyword, pageNo))
	if err != nil {
		return Page{}, err
	}

	cards := doc.Find("div.item")
	if cards.Length() == 0 {
		return Page{}, nil
	}

	page := Page{}
	if pageNo < frilMaxPages {
		page.Next = strconv.Itoa(pageNo + 1)
	}
	cards.Each(func(_ int, card *goquery.Selection) {
		if c, ok := r.parseCard(card); ok {
			page.Candidates = append(page.Candidates, c)
		}
	})
	return page, nil
}

func (r *Rakuten) parseCard(card *goquery.Selection) (Candidate, bool) {
	href := strings.TrimSpace(card.Find("a.link_search_image").First().AttrOr("href", ""))
	if href == "" {
		return Candidate{}, false
	}
	m := frilIDRe.FindStringSubmatch(href)
	if len(m) < 2 {
		return Candidate{}, false
	}
	id := m[1]

	title := strings.TrimSpace(card.Find("a.link_search_title span").First().Text())
	if title == "" {
		title = "Untitled"
	}
	if brand := strings.TrimSpace(card.Find("a.brand-name").First().Text()); brand != "" && !strings.Contains(title, brand) {
		title = brand + " " + title
	}

	img := card.Find("img.img-responsive").First()
	image := strings.TrimSpace(img.AttrOr("src", ""))
	if image == "" {
		image = strings.TrimSpace(img.AttrOr("data-original", ""))
	}

	return Candidate{
		Source:   model.SourceRakuten,
		SourceID: id,
		Title:    truncateTitle(title),
		Price:    pricePtr(card.Find("p.item-box__item-price").First().Text()),
		ImageURL: image,
		URL:      r.ItemURL(id),
	}, true
}

// ItemURL 返回商品详情页地址。
func (r *Rakuten) ItemURL(id string) string {
	return r.itemBase + "/" + id
}

func (r *Rakuten) politeWait(ctx context.Context) error {
	d := r.minDelay
	if span := r.maxDelay - r.minDelay; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ============================================================================
// 单品详情
// ============================================================================

type ldProduct struct {
	Type        any             `json:"@type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Offers      json.RawMessage `json:"offers"`
}

type ldOffer struct {
	Price        flexInt `json:"price"`
	Availability string  `json:"availability"`
}

// FetchDetail 解析商品页的 JSON-LD，缺失字段回退到页面元素。
func (r *Rakuten) FetchDetail(ctx context.Context, ref ItemRef) (*Detail, error) {
	id := ref.SourceID
	if id == "" && ref.URL != "" {
		if m := frilIDRe.FindStringSubmatch(ref.URL); len(m) > 1 {
			id = m[1]
		}
	}
	if id == "" {
		return nil, fmt.Errorf("rakuten item ref has no id")
	}

	doc, err := r.fetcher.GetDocument(ctx, r.Kind(), r.ItemURL(id))
	if err != nil {
		return nil, err
	}

	detail := &Detail{SoldStatus: model.SoldUnknown}
	if p := findLDProduct(doc); p != nil {
		detail.Title = p.Name
		detail.Description = strings.TrimSpace(p.Description)
		if offer, ok := p.offer(); ok {
			detail.Price = offer.Price.Ptr()
			if strings.Contains(offer.Availability, "OutOfStock") || strings.Contains(offer.Availability, "SoldOut") {
				detail.SoldStatus = model.SoldSold
			} else {
				detail.SoldStatus = model.SoldAvailable
			}
		}
	}

	if detail.Description == "" {
		detail.Description = strings.TrimSpace(doc.Find("div.item__description__line-limited").First().Text())
	}

	var images []string
	doc.Find("img.sp-image").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" {
			src = strings.TrimSpace(s.AttrOr("data-src", ""))
		}
		if src == "" || strings.Contains(src, "item_square_dummy") {
			return
		}
		images = append(images, src)
	})
	if len(images) == 0 {
		if og := strings.TrimSpace(doc.Find(`meta[property="og:image"]`).AttrOr("content", "")); og != "" {
			images = append(images, og)
		}
	}
	detail.Images = capImages(images)

	if detail.SoldStatus == model.SoldUnknown {
		detail.SoldStatus = model.SoldAvailable
		body := doc.Find("body").Text()
		for _, w := range frilSoldWords {
			if strings.Contains(body, w) {
				detail.SoldStatus = model.SoldSold
				break
			}
		}
	}
	return detail, nil
}

func findLDProduct(doc *goquery.Document) *ldProduct {
	var found *ldProduct
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := []byte(strings.TrimSpace(s.Text()))
		var list []ldProduct
		if err := json.Unmarshal(raw, &list); err != nil {
			var single ldProduct
			if err := json.Unmarshal(raw, &single); err != nil {
				return true
			}
			list = []ldProduct{single}
		}
		for i := range list {
			if list[i].isProduct() {
				found = &list[i]
				return false
			}
		}
		return true
	})
	return found
}

func (p *ldProduct) isProduct() bool {
	switch t := p.Type.(type) {
	case string:
		return t == "Product"
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s == "Product" {
				return true
			}
		}
	}
	return false
}

func (p *ldProduct) offer() (ldOffer, bool) {
	if len(p.Offers) == 0 {
		return ldOffer{}, false
	}
	var o ldOffer
	if err := json.Unmarshal(p.Offers, &o); err == nil {
		return o, true
	}
	var list []ldOffer
	if err := json.Unmarshal(p.Offers, &list); err == nil && len(list) > 0 {
		return list[0], true
	}
	return ldOffer{}, false
}
