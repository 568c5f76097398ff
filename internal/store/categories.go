package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"goodsdeck/internal/model"
	"goodsdeck/internal/source"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxCategoryDepth 限制分类树遍历深度，防止缓存中出现环时无限循环。
const maxCategoryDepth = 10

// UpsertCategoryPath 缓存一条从根到叶的分类路径，每个节点的父节点是路径上的前一个节点。
func (s *Store) UpsertCategoryPath(ctx context.Context, kind model.SourceKind, path []source.CategoryNode) error {
	if len(path) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var (
			parent *string
			names  []string
		)
		for _, node := range path {
			if node.ID == "" {
				continue
			}
			name := node.Name
			if name == "" {
				name = node.ID
			}
			names = append(names, name)
			cat := model.Category{
				ID:       node.ID,
				Source:   string(kind),
				Name:     name,
				ParentID: parent,
				Path:     strings.Join(names, " > "),
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "parent_id", "path"}),
			}).Create(&cat).Error
			if err != nil {
				return fmt.Errorf("upsert category %s: %w", node.ID, err)
			}
			id := node.ID
			parent = &id
		}
		return nil
	})
}

// GetCategory 读取缓存的分类。
func (s *Store) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	var cat model.Category
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&cat).Error; err != nil {
		return nil, err
	}
	return &cat, nil
}

// CategoryAncestors 沿缓存的 parent_id 向上查找，返回自身及所有祖先（叶在前）。不发起网络请求。
func (s *Store) CategoryAncestors(ctx context.Context, categoryID string) ([]string, error) {
	return categoryAncestors(s.db.WithContext(ctx), categoryID)
}

func categoryAncestors(db *gorm.DB, categoryID string) ([]string, error) {
	if categoryID == "" {
		return nil, nil
	}
	ancestors := []string{categoryID}
	seen := map[string]bool{categoryID: true}
	current := categoryID
	for depth := 0; depth < maxCategoryDepth; depth++ {
		// 根分类的 parent_id 为 NULL，扫进结构体的指针字段
		var rows []model.Category
		if err := db.Select("parent_id").Where("id = ?", current).Limit(1).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("category ancestors: %w", err)
		}
		if len(rows) == 0 || rows[0].ParentID == nil || *rows[0].ParentID == "" {
			break
		}
		parent := *rows[0].ParentID
		if seen[parent] {
			break
		}
		seen[parent] = true
		ancestors = append(ancestors, parent)
		current = parent
	}
	return ancestors, nil
}

// CategoryDescendants 按层遍历返回自身及所有后代分类，最多 maxCategoryDepth 层，重复节点只出现一次。
func (s *Store) CategoryDescendants(ctx context.Context, categoryID string) ([]string, error) {
	return categoryDescendants(s.db.WithContext(ctx), categoryID)
}

func categoryDescendants(db *gorm.DB, categoryID string) ([]string, error) {
	if categoryID == "" {
		return nil, nil
	}
	out := []string{categoryID}
	seen := map[string]bool{categoryID: true}
	frontier := []string{categoryID}
	for depth := 0; depth < maxCategoryDepth && len(frontier) > 0; depth++ {
		var children []string
		if err := db.Model(&model.Category{}).Where("parent_id IN ?", frontier).Pluck("id", &children).Error; err != nil {
			return nil, fmt.Errorf("category descendants: %w", err)
		}
		next := make([]string, 0, len(children))
		for _, c := range children {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			next = append(next, c)
		}
		frontier = next
	}
	return out, nil
}

// IsCategoryBlocked 判断分类或其任一祖先是否在全局黑名单或该关键词的黑名单中。
func (s *Store) IsCategoryBlocked(ctx context.Context, categoryID string, keywordID *uint) (bool, error) {
	return isCategoryBlocked(s.db.WithContext(ctx), categoryID, keywordID)
}

func isCategoryBlocked(db *gorm.DB, categoryID string, keywordID *uint) (bool, error) {
	if categoryID == "" {
		return false, nil
	}
	ancestors, err := categoryAncestors(db, categoryID)
	if err != nil {
		return false, err
	}
	q := db.Model(&model.CategoryBlock{}).Where("category_id IN ?", ancestors)
	if keywordID != nil {
		q = q.Where("keyword_id IS NULL OR keyword_id = ?", *keywordID)
	} else {
		q = q.Where("keyword_id IS NULL")
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, fmt.Errorf("check blocklist: %w", err)
	}
	return n > 0, nil
}

// HideItemsByCategory 隐藏分类及其后代下所有未查看且未收藏的商品，返回受影响条数。
// keywordID 非空时只处理该关键词的商品。
func (s *Store) HideItemsByCategory(ctx context.Context, categoryID string, keywordID *uint) (int64, error) {
	return hideItemsByCategory(s.db.WithContext(ctx), categoryID, keywordID)
}

func hideItemsByCategory(db *gorm.DB, categoryID string, keywordID *uint) (int64, error) {
	ids, err := categoryDescendants(db, categoryID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	q := db.Model(&model.Item{}).
		Where("category_id IN ?", ids).
		Where("seen = ? AND saved = ?", false, false)
	if keywordID != nil {
		q = q.Where("keyword_id = ?", *keywordID)
	}
	res := q.Update("hidden", true)
	if res.Error != nil {
		return 0, fmt.Errorf("hide items: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// AddToBlocklist 添加黑名单条目（已存在时返回已有条目），并隐藏受影响的待看商品。
func (s *Store) AddToBlocklist(ctx context.Context, categoryID string, keywordID *uint) (*model.CategoryBlock, int64, error) {
	categoryID = strings.TrimSpace(categoryID)
	if categoryID == "" {
		return nil, 0, fmt.Errorf("category id is empty")
	}

	var (
		entry  model.CategoryBlock
		hidden int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("category_id = ?", categoryID)
		if keywordID != nil {
			q = q.Where("keyword_id = ?", *keywordID)
		} else {
			q = q.Where("keyword_id IS NULL")
		}
		err := q.First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			entry = model.CategoryBlock{CategoryID: categoryID, KeywordID: keywordID}
			if err := tx.Create(&entry).Error; err != nil {
				return fmt.Errorf("create blocklist entry: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("lookup blocklist entry: %w", err)
		}

		n, err := hideItemsByCategory(tx, categoryID, keywordID)
		if err != nil {
			return err
		}
		hidden = n
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	s.logger.Info("category blocked",
		slog.String("category_id", categoryID),
		slog.Int64("hidden", hidden))
	return &entry, hidden, nil
}

// RemoveFromBlocklist 删除黑名单条目。已隐藏的商品不会恢复。
func (s *Store) RemoveFromBlocklist(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&model.CategoryBlock{}, id)
	if res.Error != nil {
		return fmt.Errorf("remove blocklist entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrBlockNotFound
	}
	return nil
}

// BlockEntry 是带分类名与关键词的黑名单条目。
type BlockEntry struct {
	ID           uint      `json:"id"`
	CategoryID   string    `json:"category_id"`
	KeywordID    *uint     `json:"keyword_id,omitempty"`
	CategoryName *string   `json:"category_name,omitempty"`
	CategoryPath *string   `json:"category_path,omitempty"`
	Keyword      *string   `json:"keyword,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListBlocklist 返回所有黑名单条目，新的在前。
func (s *Store) ListBlocklist(ctx context.Context) ([]BlockEntry, error) {
	var entries []BlockEntry
	err := s.db.WithContext(ctx).
		Table("category_blocklist AS b").
		Select("b.id, b.category_id, b.keyword_id, b.created_at, c.name AS category_name, c.path AS category_path, k.keyword AS keyword").
		Joins("LEFT JOIN categories c ON c.id = b.category_id").
		Joins("LEFT JOIN keywords k ON k.id = b.keyword_id").
		Order("b.created_at DESC").Order("b.id DESC").
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list blocklist: %w", err)
	}
	return entries, nil
}
