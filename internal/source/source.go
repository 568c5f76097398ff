// Package source 实现各市场平台的抓取适配器。
//
// 每个适配器把平台特有的响应（签名 JSON API、带 data-* 属性的 HTML、
// CSS 选择器定位的 HTML）归一化为同一种 Candidate 结构。
package source

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"goodsdeck/internal/model"
)

const (
	maxTitleLen = 200
	maxImages   = 20
)

var (
	// ErrSigner 表示请求签名失败，对该来源本次抓取是致命的。
	ErrSigner = errors.New("request signer failure")
	// ErrNotFound 表示商品不存在或已下架。
	ErrNotFound = errors.New("item not found")
	// ErrUnsupported 表示适配器不具备所请求的能力。
	ErrUnsupported = errors.New("capability not supported")
)

// Candidate 是解析完成、尚未入库的一条商品记录。
type Candidate struct {
	Source         model.SourceKind
	SourceID       string
	Title          string
	Price          *int64
	ImageURL       string
	Images         []string
	URL            string
	CategoryID     *string
	IsAuction      bool
	AuctionEndTime *int64
}

// Page 是一页搜索结果。Next 为空表示没有下一页。
type Page struct {
	Candidates []Candidate
	Next       string
}

// ItemRef 定位一条已入库商品，用于详情和分类抓取。
type ItemRef struct {
	Source     model.SourceKind
	SourceID   string
	URL        string
	CategoryID string
}

// Detail 是单品详情页的抓取结果，未获取到的字段保持零值或 nil。
type Detail struct {
	Title          string
	Description    string
	Price          *int64
	Images         []string
	SoldStatus     model.SoldStatus
	IsAuction      *bool
	AuctionEndTime *int64
	CategoryPath   []CategoryNode
}

// HasContent 报告是否获取到了描述或图片。
func (d *Detail) HasContent() bool {
	return d != nil && (d.Description != "" || len(d.Images) > 0)
}

// CategoryNode 是分类路径上的一个节点，ID 带来源前缀。
type CategoryNode struct {
	ID   string
	Name string
}

// Adapter 按关键词和游标抓取一页结果。cursor 为空表示第一页。
type Adapter interface {
	Kind() model.SourceKind
	FetchPage(ctx context.Context, keyword string, cursor string) (Page, error)
}

// DetailFetcher 抓取单品详情。
type DetailFetcher interface {
	FetchDetail(ctx context.Context, ref ItemRef) (*Detail, error)
}

// HierarchyFetcher 通过一条属于该分类的商品获取从根到叶的分类路径。
type HierarchyFetcher interface {
	FetchCategoryPath(ctx context.Context, ref ItemRef) ([]CategoryNode, error)
}

// URLBuilder 根据 source_id 构造规范化的商品链接。
type URLBuilder interface {
	ItemURL(id string) string
}

// Registry 按来源索引适配器。
type Registry map[model.SourceKind]Adapter

// NewRegistry 从适配器列表构建索引。
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Kind()] = a
	}
	return r
}

// Detailer 返回来源的详情抓取能力。
func (r Registry) Detailer(kind model.SourceKind) (DetailFetcher, error) {
	a, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %s", ErrUnsupported, kind)
	}
	d, ok := a.(DetailFetcher)
	if !ok {
		return nil, fmt.Errorf("%w: %s detail", ErrUnsupported, kind)
	}
	return d, nil
}

// ItemURL 返回来源的规范化商品链接，适配器不支持时返回 fallback。
func (r Registry) ItemURL(kind model.SourceKind, id, fallback string) string {
	if b, ok := r[kind].(URLBuilder); ok {
		return b.ItemURL(id)
	}
	return fallback
}

// HierarchyFetchers 返回所有支持分类路径抓取的来源。
func (r Registry) HierarchyFetchers() map[model.SourceKind]HierarchyFetcher {
	out := make(map[model.SourceKind]HierarchyFetcher)
	for kind, a := range r {
		if h, ok := a.(HierarchyFetcher); ok {
			out[kind] = h
		}
	}
	return out
}

func truncateTitle(s string) string {
	if utf8.RuneCountInString(s) <= maxTitleLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxTitleLen])
}

func capImages(images []string) []string {
	out := make([]string, 0, len(images))
	seen := make(map[string]struct{}, len(images))
	for _, img := range images {
		if img == "" {
			continue
		}
		if _, ok := seen[img]; ok {
			continue
		}
		seen[img] = struct{}{}
		out = append(out, img)
		if len(out) == maxImages {
			break
		}
	}
	return out
}

func namespacedCategory(kind model.SourceKind, id string) *string {
	if id == "" {
		return nil
	}
	v := string(kind) + ":" + id
	return &v
}

func int64Ptr(v int64) *int64 { return &v }

func boolPtr(v bool) *bool { return &v }
