package model

import (
	"time"
)

// Keyword 表示一个被追踪的搜索关键词。
//
// Source 保存来源集合字符串（如 "all"、"both"、"mercari,rakuten"），通过 ParseSourceSet 解析。
// 删除关键词时只会级联删除未查看且未收藏的商品。
type Keyword struct {
	ID        uint      `gorm:"primaryKey"` // 关键词 ID
	CreatedAt time.Time // 创建时间

	Keyword       string     `gorm:"type:varchar(191);uniqueIndex;not null"` // 搜索词
	Source        string     `gorm:"type:varchar(64);default:both"`          // 来源集合
	Priority      int        `gorm:"default:0"`                              // 优先级（越大越先抓取）
	DeckID        *uint      // 所属文件夹（CRUD 不在本模块内）
	LastScrapedAt *time.Time // 上次抓取时间
	ItemCount     int        `gorm:"default:0"` // 缓存的商品数量
}

// Sources 返回该关键词配置的来源列表。
func (k Keyword) Sources() []SourceKind {
	return ParseSourceSet(k.Source)
}

// Item 表示从市场平台抓取到的一条商品。
//
// (Source, SourceID) 全局唯一，是所有抓取轮次之间的去重键。
type Item struct {
	ID        uint      `gorm:"primaryKey"` // 内部 ID
	CreatedAt time.Time `gorm:"column:scraped_at"`
	UpdatedAt time.Time

	Source    SourceKind `gorm:"type:varchar(16);not null;uniqueIndex:idx_items_source_source_id,priority:1"`
	SourceID  string     `gorm:"type:varchar(191);not null;uniqueIndex:idx_items_source_source_id,priority:2"`
	KeywordID *uint      `gorm:"index"`

	Title          string     `gorm:"type:varchar(255)"`
	Price          *int64     // 日元，无小数
	ImageURL       string     `gorm:"type:varchar(1024)"`
	Images         []string   `gorm:"serializer:json;type:text"` // 有序图片列表
	Description    string     `gorm:"type:text"`
	URL            string     `gorm:"type:varchar(1024)"`
	CategoryID     *string    `gorm:"type:varchar(191);index"` // 形如 "mercari:123"
	SoldStatus     SoldStatus `gorm:"type:varchar(16);default:unknown"`
	IsAuction      bool
	AuctionEndTime *int64 // 秒级时间戳

	Seen     bool `gorm:"default:false;index"`
	Saved    bool `gorm:"default:false;index"`
	Hidden   bool `gorm:"default:false"`
	InCart   bool `gorm:"default:false"`
	Stars    *int // 1-5
	FitScore *int
}

// Category 是按来源命名空间划分的分类节点，按需缓存。
type Category struct {
	ID        string    `gorm:"primaryKey;type:varchar(191)"` // "source:id"
	Source    string    `gorm:"type:varchar(16)"`
	Name      string    `gorm:"type:varchar(255)"`
	NameEN    string    `gorm:"column:name_en;type:varchar(255)"`
	ParentID  *string   `gorm:"type:varchar(191);index"`
	Path      string    `gorm:"type:varchar(1024)"`
	CreatedAt time.Time
}

// CategoryBlock 是分类黑名单条目，KeywordID 为空表示全局生效。
type CategoryBlock struct {
	ID         uint      `gorm:"primaryKey"`
	CreatedAt  time.Time
	CategoryID string `gorm:"type:varchar(191);not null;index"`
	KeywordID  *uint  `gorm:"index"`
}

// TableName 保持与历史表名一致。
func (CategoryBlock) TableName() string { return "category_blocklist" }

// KeywordWhitelist 记录关键词允许的分类。
type KeywordWhitelist struct {
	ID         uint   `gorm:"primaryKey"`
	KeywordID  uint   `gorm:"not null;uniqueIndex:idx_whitelist_kw_cat,priority:1"`
	CategoryID string `gorm:"type:varchar(191);not null;uniqueIndex:idx_whitelist_kw_cat,priority:2"`
}

func (KeywordWhitelist) TableName() string { return "keyword_whitelist" }

// AllModels 返回需要自动迁移的模型列表。
func AllModels() []any {
	return []any{&Keyword{}, &Item{}, &Category{}, &CategoryBlock{}, &KeywordWhitelist{}}
}
