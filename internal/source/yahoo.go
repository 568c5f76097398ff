package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"goodsdeck/internal/model"

	"github.com/PuerkitoBio/goquery"
)

const yahooPageSize = 100

var jst = time.FixedZone("JST", 9*60*60)

// Yahoo 抓取 Yahoo オークション 的搜索结果页。
//
// 商品字段直接读取 a.Product__imageLink 上的 data-auction-* 属性，游标是 1 起始的结果偏移。
type Yahoo struct {
	fetcher    *Fetcher
	searchBase string
	itemBase   string
}

// NewYahoo 创建 Yahoo 适配器。searchBase 如 https://auctions.yahoo.co.jp，
// itemBase 如 https://page.auctions.yahoo.co.jp。
func NewYahoo(fetcher *Fetcher, searchBase, itemBase string) *Yahoo {
	return &Yahoo{
		fetcher:    fetcher,
		searchBase: strings.TrimRight(searchBase, "/"),
		itemBase:   strings.TrimRight(itemBase, "/"),
	}
}

func (y *Yahoo) Kind() model.SourceKind { return model.SourceYahoo }

// SearchURL 构造按新着顺序排列的搜索地址。
func (y *Yahoo) SearchURL(keyword string, offset int) string {
	params := url.Values{}
	params.Set("p", keyword)
	params.Set("va", keyword)
	params.Set("exflg", "1")
	params.Set("b", strconv.Itoa(offset))
	params.Set("n", strconv.Itoa(yahooPageSize))
	params.Set("s1", "new")
	params.Set("o1", "d")
	return y.searchBase + "/search/search?" + strings.ReplaceAll(params.Encode(), "+", "%20")
}

// FetchPage 抓取一页搜索结果。页面上没有任何商品元素时视为结束。
func (y *Yahoo) FetchPage(ctx context.Context, keyword string, cursor string) (Page, error) {
	offset := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return Page{}, fmt.Errorf("invalid yahoo cursor %q", cursor)
		}
		offset = n
	}

	doc, err := y.fetcher.GetDocument(ctx, y.Kind(), y.SearchURL(keyword, offset))
	if err != nil {
		return Page{}, err
	}

	products := doc.Find("a.Product__imageLink[data-auction-id]")
	if products.Length() == 0 {
		products = doc.Find("[data-auction-id]")
	}
	if products.Length() == 0 {
		return Page{}, nil
	}

	page := Page{Next: strconv.Itoa(offset + yahooPageSize)}
	onPage := make(map[string]struct{})
	products.Each(func(_ int, s *goquery.Selection) {
		id := strings.TrimSpace(s.AttrOr("data-auction-id", ""))
		if id == "" {
			return
		}
		// 标题链接和图片链接可能带有同一个 ID
		if _, dup := onPage[id]; dup {
			return
		}
		onPage[id] = struct{}{}

		title := strings.TrimSpace(s.AttrOr("data-auction-title", ""))
		page.Candidates = append(page.Candidates, Candidate{
			Source:     model.SourceYahoo,
			SourceID:   id,
			Title:      truncateTitle(defaultString(title, "Auction "+id)),
			Price:      pricePtr(s.AttrOr("data-auction-price", "")),
			ImageURL:   strings.TrimSpace(s.AttrOr("data-auction-img", "")),
			URL:        y.ItemURL(id),
			CategoryID: namespacedCategory(model.SourceYahoo, strings.TrimSpace(s.AttrOr("data-auction-category", ""))),
		})
	})
	return page, nil
}

// ItemURL 返回拍卖详情页地址。
func (y *Yahoo) ItemURL(id string) string {
	return y.itemBase + "/jp/auction/" + id
}

// ============================================================================
// 单品详情
// ============================================================================

type yahooNextData struct {
	Props struct {
		PageProps struct {
			InitialState struct {
				Item struct {
					Detail struct {
						Item *yahooItem `json:"item"`
					} `json:"detail"`
				} `json:"item"`
			} `json:"initialState"`
		} `json:"pageProps"`
	} `json:"props"`
}

type yahooItem struct {
	Title string `json:"title"`
	Img   []struct {
		Image string `json:"image"`
	} `json:"img"`
	Price       flexInt         `json:"price"`
	TaxinPrice  flexInt         `json:"taxinPrice"`
	Bidorbuy    flexInt         `json:"bidorbuy"`
	Description json.RawMessage `json:"description"`
	EndTime     json.RawMessage `json:"endTime"`
	Status      string          `json:"status"`
	Category    struct {
		Path []struct {
			ID   flexString `json:"id"`
			Name string     `json:"name"`
		} `json:"path"`
	} `json:"category"`
}

// FetchDetail 解析拍卖详情页的 __NEXT_DATA__。
func (y *Yahoo) FetchDetail(ctx context.Context, ref ItemRef) (*Detail, error) {
	item, err := y.fetchItem(ctx, ref)
	if err != nil {
		return nil, err
	}

	images := make([]string, 0, len(item.Img))
	for _, img := range item.Img {
		images = append(images, img.Image)
	}

	price := item.TaxinPrice
	if !price.Valid {
		price = item.Price
	}
	// 一口价等于当前价的视为定价出售
	isAuction := !(item.Bidorbuy.Valid && item.Price.Valid && item.Bidorbuy.Value == item.Price.Value)

	desc := yahooDescription(item.Description)
	if desc == "" {
		desc = item.Title
	}

	return &Detail{
		Title:          item.Title,
		Description:    desc,
		Price:          price.Ptr(),
		Images:         capImages(images),
		SoldStatus:     yahooSoldStatus(item.Status),
		IsAuction:      boolPtr(isAuction),
		AuctionEndTime: yahooEndTime(item.EndTime),
		CategoryPath:   item.categoryPath(),
	}, nil
}

// FetchCategoryPath 返回详情页 category.path 给出的分类路径。
func (y *Yahoo) FetchCategoryPath(ctx context.Context, ref ItemRef) ([]CategoryNode, error) {
	item, err := y.fetchItem(ctx, ref)
	if err != nil {
		return nil, err
	}
	path := item.categoryPath()
	if len(path) == 0 {
		return nil, fmt.Errorf("yahoo item %s has no category path", ref.SourceID)
	}
	return path, nil
}

func (y *Yahoo) fetchItem(ctx context.Context, ref ItemRef) (*yahooItem, error) {
	id := ref.SourceID
	if id == "" && ref.URL != "" {
		if _, parsed, err := model.SourceKindFromURL(ref.URL); err == nil {
			id = parsed
		}
	}
	if id == "" {
		return nil, fmt.Errorf("yahoo item ref has no id")
	}

	doc, err := y.fetcher.GetDocument(ctx, y.Kind(), y.ItemURL(url.PathEscape(id)))
	if err != nil {
		return nil, err
	}
	var next yahooNextData
	if err := decodeNextData(doc, &next); err != nil {
		return nil, err
	}
	item := next.Props.PageProps.InitialState.Item.Detail.Item
	if item == nil {
		return nil, fmt.Errorf("yahoo auction %s: %w", id, ErrNotFound)
	}
	return item, nil
}

func (it *yahooItem) categoryPath() []CategoryNode {
	var path []CategoryNode
	for _, node := range it.Category.Path {
		if node.ID == "" || node.ID == "0" {
			continue
		}
		path = append(path, CategoryNode{ID: "yahoo:" + string(node.ID), Name: node.Name})
	}
	return path
}

// yahooDescription 把字符串数组形式的描述按行拼接。
func yahooDescription(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return strings.TrimSpace(strings.Join(lines, "\n"))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}

// yahooEndTime 接受秒或毫秒时间戳，以及 ISO 8601 字符串。
func yahooEndTime(raw json.RawMessage) *int64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return int64Ptr(normalizeEpoch(v))
		}
		if f, err := n.Float64(); err == nil {
			return int64Ptr(normalizeEpoch(int64(f)))
		}
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int64Ptr(normalizeEpoch(v))
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return int64Ptr(t.Unix())
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, jst); err == nil {
		return int64Ptr(t.Unix())
	}
	return nil
}

func normalizeEpoch(v int64) int64 {
	if v > 9999999999 {
		return v / 1000
	}
	return v
}

func yahooSoldStatus(status string) model.SoldStatus {
	switch strings.ToLower(status) {
	case "open":
		return model.SoldAvailable
	case "closed":
		return model.SoldSold
	case "cancelled", "canceled":
		return model.SoldCancelled
	}
	return model.SoldUnknown
}
