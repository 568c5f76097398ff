package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"goodsdeck/internal/model"
	"goodsdeck/internal/source"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetExistingSourceIDs 返回来源下已入库的 source_id 集合。keywordID 非空时只看该关键词的商品。
func (s *Store) GetExistingSourceIDs(ctx context.Context, kind model.SourceKind, keywordID *uint) (map[string]struct{}, error) {
	q := s.db.WithContext(ctx).Model(&model.Item{}).Where("source = ?", kind)
	if keywordID != nil {
		q = q.Where("keyword_id = ?", *keywordID)
	}
	var ids []string
	if err := q.Pluck("source_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("load existing ids: %w", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// SaveScrapedItems 插入新商品并返回实际新增的条数，已存在的 (source, source_id) 被跳过。
//
// 分类命中黑名单（含祖先分类）的商品以 hidden=true 写入。这里只查本地分类缓存，不发起网络请求。
func (s *Store) SaveScrapedItems(ctx context.Context, candidates []source.Candidate, keywordID *uint) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	saved := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range candidates {
			hidden := false
			if c.CategoryID != nil && *c.CategoryID != "" {
				blocked, err := isCategoryBlocked(tx, *c.CategoryID, keywordID)
				if err != nil {
					return err
				}
				hidden = blocked
			}

			item := candidateToItem(c, keywordID)
			item.Hidden = hidden
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "source"}, {Name: "source_id"}},
				DoNothing: true,
			}).Create(&item)
			if res.Error != nil {
				return fmt.Errorf("insert %s/%s: %w", c.Source, c.SourceID, res.Error)
			}
			saved += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return saved, nil
}

func candidateToItem(c source.Candidate, keywordID *uint) model.Item {
	item := model.Item{
		Source:         c.Source,
		SourceID:       c.SourceID,
		KeywordID:      keywordID,
		Title:          c.Title,
		Price:          c.Price,
		ImageURL:       c.ImageURL,
		Images:         c.Images,
		URL:            c.URL,
		CategoryID:     c.CategoryID,
		SoldStatus:     model.SoldUnknown,
		IsAuction:      c.IsAuction,
		AuctionEndTime: c.AuctionEndTime,
	}
	if item.Images == nil {
		item.Images = []string{}
	}
	return item
}

// GetItem 按 ID 读取商品。
func (s *Store) GetItem(ctx context.Context, id uint) (*model.Item, error) {
	var item model.Item
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &item, nil
}

// ImportInput 是手动导入一条商品所需的字段。空字符串和 nil 表示未获取到。
type ImportInput struct {
	Source         model.SourceKind
	SourceID       string
	URL            string
	Title          string
	Price          *int64
	ImageURL       string
	Images         []string
	Description    string
	IsAuction      bool
	AuctionEndTime *int64
	SoldStatus     model.SoldStatus
}

// ImportItem 把商品直接加入收藏。
//
// 商品已存在时只用新值补全（新值为空则保留旧值），is_auction 与 sold_status 总是覆盖，
// 并强制 saved=true、seen=true。
func (s *Store) ImportItem(ctx context.Context, in ImportInput) (*model.Item, error) {
	if in.Source == "" || in.SourceID == "" {
		return nil, fmt.Errorf("import item: source and source_id are required")
	}
	if in.SoldStatus == "" {
		in.SoldStatus = model.SoldUnknown
	}

	var out model.Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Item
		err := tx.Where("source = ? AND source_id = ?", in.Source, in.SourceID).First(&existing).Error
		switch {
		case err == nil:
			if in.Title != "" {
				existing.Title = in.Title
			}
			if in.Price != nil {
				existing.Price = in.Price
			}
			if in.ImageURL != "" {
				existing.ImageURL = in.ImageURL
			}
			if len(in.Images) > 0 {
				existing.Images = in.Images
			}
			if in.Description != "" {
				existing.Description = in.Description
			}
			if in.AuctionEndTime != nil {
				existing.AuctionEndTime = in.AuctionEndTime
			}
			existing.IsAuction = in.IsAuction
			existing.SoldStatus = in.SoldStatus
			existing.Saved = true
			existing.Seen = true
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("update imported item: %w", err)
			}
			out = existing
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			item := model.Item{
				Source:         in.Source,
				SourceID:       in.SourceID,
				URL:            in.URL,
				Title:          in.Title,
				Price:          in.Price,
				ImageURL:       in.ImageURL,
				Images:         in.Images,
				Description:    in.Description,
				IsAuction:      in.IsAuction,
				AuctionEndTime: in.AuctionEndTime,
				SoldStatus:     in.SoldStatus,
				Saved:          true,
				Seen:           true,
			}
			if item.Images == nil {
				item.Images = []string{}
			}
			if err := tx.Create(&item).Error; err != nil {
				return fmt.Errorf("insert imported item: %w", err)
			}
			out = item
			return nil
		default:
			return fmt.Errorf("lookup imported item: %w", err)
		}
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("item imported",
		slog.String("source", string(out.Source)),
		slog.String("source_id", out.SourceID),
		slog.Uint64("item_id", uint64(out.ID)))
	return &out, nil
}

// UpdateItemDetails 写回详情抓取结果。
//
// 价格只在原来为空时补全；描述和图片只在抓到时覆盖；售出状态只在已知时覆盖。
func (s *Store) UpdateItemDetails(ctx context.Context, itemID uint, d *source.Detail) error {
	if d == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item model.Item
		if err := tx.First(&item, itemID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrItemNotFound
			}
			return fmt.Errorf("load item: %w", err)
		}

		if item.Price == nil && d.Price != nil {
			item.Price = d.Price
		}
		if d.Description != "" {
			item.Description = d.Description
		}
		if len(d.Images) > 0 {
			item.Images = d.Images
			if item.ImageURL == "" {
				item.ImageURL = d.Images[0]
			}
		}
		if d.SoldStatus != "" && d.SoldStatus != model.SoldUnknown {
			item.SoldStatus = d.SoldStatus
		}
		if d.IsAuction != nil {
			item.IsAuction = *d.IsAuction
		}
		if d.AuctionEndTime != nil {
			item.AuctionEndTime = d.AuctionEndTime
		}
		if item.CategoryID == nil && len(d.CategoryPath) > 0 {
			leaf := d.CategoryPath[len(d.CategoryPath)-1].ID
			item.CategoryID = &leaf
		}
		if err := tx.Save(&item).Error; err != nil {
			return fmt.Errorf("save item details: %w", err)
		}
		return nil
	})
}

// ItemsNeedingDetails 返回缺少描述或图片的收藏商品，新的在前。
func (s *Store) ItemsNeedingDetails(ctx context.Context, limit int) ([]model.Item, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []model.Item
	err := s.db.WithContext(ctx).
		Where("saved = ?", true).
		Where("description IS NULL OR description = '' OR images IS NULL OR images = '' OR images = '[]' OR images = 'null'").
		Order("id DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("items needing details: %w", err)
	}
	return items, nil
}

// SampleItemForCategory 返回一条属于该分类的商品，用于反查分类路径。
func (s *Store) SampleItemForCategory(ctx context.Context, categoryID string) (*model.Item, error) {
	var item model.Item
	err := s.db.WithContext(ctx).Where("category_id = ?", categoryID).Order("id DESC").First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("sample item: %w", err)
	}
	return &item, nil
}
