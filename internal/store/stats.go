package store

import (
	"context"
	"fmt"

	"goodsdeck/internal/model"
)

// Stats 是库内数据概况。
type Stats struct {
	TotalItems    int64            `json:"total_items"`
	UnseenItems   int64            `json:"unseen_items"`
	SavedItems    int64            `json:"saved_items"`
	HiddenItems   int64            `json:"hidden_items"`
	RatedItems    int64            `json:"rated_items"`
	TotalKeywords int64            `json:"total_keywords"`
	BySource      map[string]int64 `json:"by_source"`
}

// Stats 汇总商品与关键词数量。待看数量不含已隐藏的商品。
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	db := s.db.WithContext(ctx)
	st := &Stats{BySource: map[string]int64{}}

	counts := []func() error{
		func() error { return db.Model(&model.Item{}).Count(&st.TotalItems).Error },
		func() error {
			return db.Model(&model.Item{}).Where("seen = ? AND saved = ? AND hidden = ?", false, false, false).Count(&st.UnseenItems).Error
		},
		func() error { return db.Model(&model.Item{}).Where("saved = ?", true).Count(&st.SavedItems).Error },
		func() error { return db.Model(&model.Item{}).Where("hidden = ?", true).Count(&st.HiddenItems).Error },
		func() error { return db.Model(&model.Item{}).Where("stars IS NOT NULL").Count(&st.RatedItems).Error },
		func() error { return db.Model(&model.Keyword{}).Count(&st.TotalKeywords).Error },
	}
	for _, count := range counts {
		if err := count(); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}

	var rows []struct {
		Source string
		N      int64
	}
	if err := db.Model(&model.Item{}).Select("source, COUNT(*) AS n").Group("source").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("stats by source: %w", err)
	}
	for _, r := range rows {
		st.BySource[r.Source] = r.N
	}
	return st, nil
}
