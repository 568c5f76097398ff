package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"goodsdeck/internal/model"
	"goodsdeck/internal/pkg/dpop"

	"github.com/google/uuid"
)

const (
	mercariPageSize       = 120
	mercariFirstPageToken = "v1:0"
)

// 普通商品 ID 为 m + 11 位数字，其余视为店铺商品。
var mercariItemIDRe = regexp.MustCompile(`^m\d{11}$`)

// Mercari 通过签名的搜索 API 抓取 Mercari。
//
// 请求中不带 country_code 等本地化参数，这样返回的价格才是日元原价。
type Mercari struct {
	fetcher *Fetcher
	signer  dpop.Signer
	apiBase string
	webBase string
	newID   func() string
}

// NewMercari 创建 Mercari 适配器。
//
// 参数:
//
//	fetcher: 共享 HTTP 客户端
//	signer: DPoP 签名器
//	apiBase: API 地址，如 https://api.mercari.jp
//	webBase: 网页地址，如 https://jp.mercari.com
func NewMercari(fetcher *Fetcher, signer dpop.Signer, apiBase, webBase string) *Mercari {
	return &Mercari{
		fetcher: fetcher,
		signer:  signer,
		apiBase: strings.TrimRight(apiBase, "/"),
		webBase: strings.TrimRight(webBase, "/"),
		newID:   uuid.NewString,
	}
}

func (m *Mercari) Kind() model.SourceKind { return model.SourceMercari }

type mercariSearchRequest struct {
	UserID          string                 `json:"userId"`
	PageSize        int                    `json:"pageSize"`
	PageToken       string                 `json:"pageToken"`
	SearchSessionID string                 `json:"searchSessionId"`
	IndexRouting    string                 `json:"indexRouting"`
	SearchCondition mercariSearchCondition `json:"searchCondition"`
	WithAuction     bool                   `json:"withAuction"`
	DefaultDatasets []string               `json:"defaultDatasets"`
}

type mercariSearchCondition struct {
	Keyword string   `json:"keyword"`
	Sort    string   `json:"sort"`
	Order   string   `json:"order"`
	Status  []string `json:"status"`
}

type mercariSearchResponse struct {
	Items []mercariSearchItem `json:"items"`
	Meta  struct {
		NextPageToken string `json:"nextPageToken"`
	} `json:"meta"`
}

type mercariSearchItem struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Price      flexInt    `json:"price"`
	Thumbnails []string   `json:"thumbnails"`
	CategoryID flexString `json:"categoryId"`
	Auction    *struct {
		BidDeadline string `json:"bidDeadline"`
	} `json:"auction"`
}

// FetchPage 抓取一页搜索结果，cursor 为上一页返回的 pageToken。
func (m *Mercari) FetchPage(ctx context.Context, keyword string, cursor string) (Page, error) {
	token := cursor
	if token == "" {
		token = mercariFirstPageToken
	}

	searchURL := m.apiBase + "/v2/entities:search"
	payload, err := json.Marshal(mercariSearchRequest{
		UserID:          "goodsdeck_" + m.newID(),
		PageSize:        mercariPageSize,
		PageToken:       token,
		SearchSessionID: m.newID(),
		IndexRouting:    "INDEX_ROUTING_UNSPECIFIED",
		SearchCondition: mercariSearchCondition{
			Keyword: keyword,
			Sort:    "SORT_CREATED_TIME",
			Order:   "ORDER_DESC",
			Status:  []string{"STATUS_ON_SALE"},
		},
		WithAuction:     true,
		DefaultDatasets: []string{"DATASET_TYPE_MERCARI", "DATASET_TYPE_BEYOND"},
	})
	if err != nil {
		return Page{}, fmt.Errorf("encode mercari search: %w", err)
	}

	proof, err := m.sign(http.MethodPost, searchURL)
	if err != nil {
		return Page{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, searchURL, bytes.NewReader(payload))
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}
	m.setAPIHeaders(req, proof)

	body, err := m.fetcher.Do(ctx, m.Kind(), req)
	if err != nil {
		return Page{}, err
	}

	var resp mercariSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Page{}, fmt.Errorf("parse mercari search: %w", err)
	}

	page := Page{Candidates: make([]Candidate, 0, len(resp.Items))}
	for _, it := range resp.Items {
		if it.ID == "" {
			continue
		}
		c := Candidate{
			Source:     model.SourceMercari,
			SourceID:   it.ID,
			Title:      truncateTitle(defaultString(it.Name, "Item "+it.ID)),
			Price:      it.Price.Ptr(),
			URL:        m.ItemURL(it.ID),
			CategoryID: namespacedCategory(model.SourceMercari, string(it.CategoryID)),
		}
		if len(it.Thumbnails) > 0 {
			c.ImageURL = it.Thumbnails[0]
		}
		if it.Auction != nil {
			c.IsAuction = true
			if t, err := time.Parse(time.RFC3339, it.Auction.BidDeadline); err == nil {
				c.AuctionEndTime = int64Ptr(t.Unix())
			}
		}
		page.Candidates = append(page.Candidates, c)
	}
	if len(resp.Items) > 0 {
		page.Next = resp.Meta.NextPageToken
	}
	return page, nil
}

// ItemURL 返回商品网页地址，店铺商品走 /shops/product。
func (m *Mercari) ItemURL(id string) string {
	if mercariItemIDRe.MatchString(id) {
		return m.webBase + "/item/" + id
	}
	return m.webBase + "/shops/product/" + id
}

func (m *Mercari) sign(method, target string) (string, error) {
	if m.signer == nil {
		return "", fmt.Errorf("%w: no signer configured", ErrSigner)
	}
	proof, err := m.signer.Sign(m.newID(), method, target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigner, err)
	}
	return proof, nil
}

func (m *Mercari) setAPIHeaders(req *http.Request, proof string) {
	req.Header.Set("DPOP", proof)
	req.Header.Set("X-Platform", "web")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
}

// ============================================================================
// 单品详情
// ============================================================================

type mercariItemResponse struct {
	Data mercariItemData `json:"data"`
}

type mercariItemData struct {
	Name        string            `json:"name"`
	Price       flexInt           `json:"price"`
	Description string            `json:"description"`
	Photos      []string          `json:"photos"`
	Status      string            `json:"status"`
	Leaf        *mercariCategory  `json:"item_category_ntiers"`
	Parents     []mercariCategory `json:"parent_categories_ntiers"`
}

type mercariCategory struct {
	ID   flexString `json:"id"`
	Name string     `json:"name"`
}

type mercariShopNextData struct {
	Props struct {
		PageProps struct {
			Item *struct {
				Name        string  `json:"name"`
				Description string  `json:"description"`
				Price       flexInt `json:"price"`
				Photos      []struct {
					ImageURL string `json:"imageUrl"`
				} `json:"photos"`
				Status string `json:"status"`
			} `json:"item"`
		} `json:"pageProps"`
	} `json:"props"`
}

// FetchDetail 抓取单品详情，店铺商品走网页 __NEXT_DATA__。
func (m *Mercari) FetchDetail(ctx context.Context, ref ItemRef) (*Detail, error) {
	id, err := m.resolveID(ref)
	if err != nil {
		return nil, err
	}
	if !mercariItemIDRe.MatchString(id) {
		return m.fetchShopDetail(ctx, id)
	}

	data, err := m.fetchItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{
		Title:        data.Name,
		Description:  strings.TrimSpace(data.Description),
		Price:        data.Price.Ptr(),
		Images:       capImages(data.Photos),
		SoldStatus:   mercariSoldStatus(data.Status),
		CategoryPath: data.categoryPath(),
	}, nil
}

// FetchCategoryPath 通过商品详情中的分类层级返回从根到叶的路径。
func (m *Mercari) FetchCategoryPath(ctx context.Context, ref ItemRef) ([]CategoryNode, error) {
	id, err := m.resolveID(ref)
	if err != nil {
		return nil, err
	}
	data, err := m.fetchItem(ctx, id)
	if err != nil {
		return nil, err
	}
	path := data.categoryPath()
	if len(path) == 0 {
		return nil, fmt.Errorf("mercari item %s has no category path", id)
	}
	return path, nil
}

func (m *Mercari) resolveID(ref ItemRef) (string, error) {
	if ref.SourceID != "" {
		return ref.SourceID, nil
	}
	if ref.URL != "" {
		if _, id, err := model.SourceKindFromURL(ref.URL); err == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("mercari item ref has no id")
}

func (m *Mercari) fetchItem(ctx context.Context, id string) (*mercariItemData, error) {
	endpoint := m.apiBase + "/items/get"
	proof, err := m.sign(http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+url.Values{"id": {id}}.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	m.setAPIHeaders(req, proof)

	body, err := m.fetcher.Do(ctx, m.Kind(), req)
	if err != nil {
		if se, ok := err.(*StatusError); ok && se.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("mercari item %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	var resp mercariItemResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse mercari item: %w", err)
	}
	return &resp.Data, nil
}

func (m *Mercari) fetchShopDetail(ctx context.Context, id string) (*Detail, error) {
	doc, err := m.fetcher.GetDocument(ctx, m.Kind(), m.webBase+"/shops/product/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	var next mercariShopNextData
	if err := decodeNextData(doc, &next); err != nil {
		return nil, err
	}
	item := next.Props.PageProps.Item
	if item == nil {
		return nil, fmt.Errorf("mercari shop product %s: %w", id, ErrNotFound)
	}

	images := make([]string, 0, len(item.Photos))
	for _, p := range item.Photos {
		images = append(images, p.ImageURL)
	}
	return &Detail{
		Title:       item.Name,
		Description: strings.TrimSpace(item.Description),
		Price:       item.Price.Ptr(),
		Images:      capImages(images),
		SoldStatus:  mercariSoldStatus(item.Status),
	}, nil
}

func (d *mercariItemData) categoryPath() []CategoryNode {
	var path []CategoryNode
	for _, p := range d.Parents {
		if p.ID == "" {
			continue
		}
		path = append(path, CategoryNode{ID: "mercari:" + string(p.ID), Name: p.Name})
	}
	if d.Leaf != nil && d.Leaf.ID != "" {
		path = append(path, CategoryNode{ID: "mercari:" + string(d.Leaf.ID), Name: d.Leaf.Name})
	}
	return path
}

func mercariSoldStatus(status string) model.SoldStatus {
	s := strings.TrimPrefix(strings.ToLower(status), "item_status_")
	switch s {
	case "on_sale":
		return model.SoldAvailable
	case "trading":
		return model.SoldTrading
	case "sold_out":
		return model.SoldSold
	case "cancel", "stop":
		return model.SoldCancelled
	}
	return model.SoldUnknown
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
