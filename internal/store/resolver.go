package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"goodsdeck/internal/model"
	"goodsdeck/internal/source"

	"gorm.io/gorm"
)

// CategoryResolver 在本地分类缓存缺失时，借助一条属于该分类的商品从来源抓取分类路径并写回缓存。
//
// 入库时的黑名单判断只读缓存，不经过这里。
type CategoryResolver struct {
	store    *Store
	fetchers map[model.SourceKind]source.HierarchyFetcher
	logger   *slog.Logger
}

// NewCategoryResolver 创建分类解析器。
func NewCategoryResolver(st *Store, fetchers map[model.SourceKind]source.HierarchyFetcher, logger *slog.Logger) *CategoryResolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CategoryResolver{store: st, fetchers: fetchers, logger: logger}
}

// Ancestors 返回从根到该分类的路径。无法解析时返回只含自身的单节点路径。
func (r *CategoryResolver) Ancestors(ctx context.Context, categoryID string) ([]source.CategoryNode, error) {
	if categoryID == "" {
		return nil, nil
	}

	var chain []source.CategoryNode
	current := categoryID
	for depth := 0; depth < maxCategoryDepth; depth++ {
		cat, err := r.store.GetCategory(ctx, current)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return r.fetch(ctx, categoryID)
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, source.CategoryNode{ID: cat.ID, Name: cat.Name})
		if cat.ParentID == nil || *cat.ParentID == "" {
			break
		}
		current = *cat.ParentID
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (r *CategoryResolver) fetch(ctx context.Context, categoryID string) ([]source.CategoryNode, error) {
	fallback := []source.CategoryNode{{ID: categoryID, Name: categoryID}}

	prefix, _, ok := strings.Cut(categoryID, ":")
	if !ok {
		return fallback, nil
	}
	kind, err := model.ParseSourceKind(prefix)
	if err != nil {
		return fallback, nil
	}
	fetcher, ok := r.fetchers[kind]
	if !ok {
		return fallback, nil
	}

	sample, err := r.store.SampleItemForCategory(ctx, categoryID)
	if errors.Is(err, ErrItemNotFound) {
		return fallback, nil
	}
	if err != nil {
		return nil, err
	}

	path, err := fetcher.FetchCategoryPath(ctx, source.ItemRef{
		Source:     sample.Source,
		SourceID:   sample.SourceID,
		URL:        sample.URL,
		CategoryID: categoryID,
	})
	if err != nil {
		r.logger.Warn("fetch category path failed",
			slog.String("category_id", categoryID),
			slog.String("error", err.Error()))
		return fallback, nil
	}
	if err := r.store.UpsertCategoryPath(ctx, kind, path); err != nil {
		return nil, err
	}
	return path, nil
}
