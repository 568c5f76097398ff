package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"goodsdeck/internal/model"

	"gorm.io/gorm"
)

// normalizeSourceSet 把来源集合规范化为可存储的字符串，无法识别时回退为 "both"。
func normalizeSourceSet(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "", "both":
		return "both"
	case "all":
		return "all"
	}
	kinds := model.ParseSourceSet(raw)
	if len(kinds) == 0 {
		return "both"
	}
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, string(k))
	}
	return strings.Join(parts, ",")
}

// AddKeyword 添加关键词，同名关键词已存在时直接返回已有记录。
func (s *Store) AddKeyword(ctx context.Context, text, sources string, deckID *uint) (*model.Keyword, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("keyword is empty")
	}

	var kw model.Keyword
	err := s.db.WithContext(ctx).Where("keyword = ?", text).First(&kw).Error
	if err == nil {
		return &kw, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup keyword: %w", err)
	}

	kw = model.Keyword{Keyword: text, Source: normalizeSourceSet(sources), DeckID: deckID}
	if err := s.db.WithContext(ctx).Create(&kw).Error; err != nil {
		return nil, fmt.Errorf("create keyword: %w", err)
	}
	return &kw, nil
}

// ListKeywords 按优先级从高到低返回所有关键词。
func (s *Store) ListKeywords(ctx context.Context) ([]model.Keyword, error) {
	var kws []model.Keyword
	if err := s.db.WithContext(ctx).Order("priority DESC").Order("created_at DESC").Order("id DESC").Find(&kws).Error; err != nil {
		return nil, fmt.Errorf("list keywords: %w", err)
	}
	return kws, nil
}

// GetKeyword 按 ID 读取关键词。
func (s *Store) GetKeyword(ctx context.Context, id uint) (*model.Keyword, error) {
	var kw model.Keyword
	if err := s.db.WithContext(ctx).First(&kw, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeywordNotFound
		}
		return nil, fmt.Errorf("get keyword: %w", err)
	}
	return &kw, nil
}

// FindKeyword 按文本查找关键词。
func (s *Store) FindKeyword(ctx context.Context, text string) (*model.Keyword, error) {
	var kw model.Keyword
	if err := s.db.WithContext(ctx).Where("keyword = ?", strings.TrimSpace(text)).First(&kw).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeywordNotFound
		}
		return nil, fmt.Errorf("find keyword: %w", err)
	}
	return &kw, nil
}

// DeleteKeyword 删除关键词及其未查看且未收藏的商品，连同该关键词的黑白名单。
// 已查看或已收藏的商品保留。
func (s *Store) DeleteKeyword(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("keyword_id = ? AND seen = ? AND saved = ?", id, false, false).Delete(&model.Item{}).Error; err != nil {
			return fmt.Errorf("delete keyword items: %w", err)
		}
		if err := tx.Where("keyword_id = ?", id).Delete(&model.CategoryBlock{}).Error; err != nil {
			return fmt.Errorf("delete keyword blocklist: %w", err)
		}
		if err := tx.Where("keyword_id = ?", id).Delete(&model.KeywordWhitelist{}).Error; err != nil {
			return fmt.Errorf("delete keyword whitelist: %w", err)
		}
		res := tx.Delete(&model.Keyword{}, id)
		if res.Error != nil {
			return fmt.Errorf("delete keyword: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrKeywordNotFound
		}
		return nil
	})
}

// CountItemsForKeyword 返回关键词下的商品总数。
func (s *Store) CountItemsForKeyword(ctx context.Context, keywordID uint) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Item{}).Where("keyword_id = ?", keywordID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count keyword items: %w", err)
	}
	return int(n), nil
}

// UpdateKeywordScraped 记录抓取时间和商品数量。
func (s *Store) UpdateKeywordScraped(ctx context.Context, keywordID uint, itemCount int) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&model.Keyword{}).Where("id = ?", keywordID).Updates(map[string]any{
		"last_scraped_at": now,
		"item_count":      itemCount,
	})
	if res.Error != nil {
		return fmt.Errorf("update keyword scraped: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrKeywordNotFound
	}
	return nil
}

// SetKeywordWhitelist 替换关键词的分类白名单。
func (s *Store) SetKeywordWhitelist(ctx context.Context, keywordID uint, categoryIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("keyword_id = ?", keywordID).Delete(&model.KeywordWhitelist{}).Error; err != nil {
			return fmt.Errorf("clear whitelist: %w", err)
		}
		seen := make(map[string]bool, len(categoryIDs))
		for _, id := range categoryIDs {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			if err := tx.Create(&model.KeywordWhitelist{KeywordID: keywordID, CategoryID: id}).Error; err != nil {
				return fmt.Errorf("add whitelist entry: %w", err)
			}
		}
		return nil
	})
}

// GetKeywordWhitelist 返回关键词白名单中的分类 ID。
func (s *Store) GetKeywordWhitelist(ctx context.Context, keywordID uint) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.KeywordWhitelist{}).
		Where("keyword_id = ?", keywordID).
		Order("category_id").
		Pluck("category_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("get whitelist: %w", err)
	}
	return ids, nil
}
