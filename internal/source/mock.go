package source

import (
	"fmt"
	"math/rand"
	"time"

	"goodsdeck/internal/model"
)

var (
	mockBrands = []string{
		"MHL", "Margaret Howell", "Uniqlo", "Muji", "Comme des Garcons",
		"Yohji Yamamoto", "Issey Miyake", "Kapital", "Visvim", "Needles",
	}
	mockTypes  = []string{"sweater", "cardigan", "jacket", "coat", "shirt", "pants", "jeans", "hoodie"}
	mockColors = []string{"black", "navy", "grey", "white", "brown", "olive", "cream"}
	mockSrcs   = []model.SourceKind{model.SourceMercari, model.SourceYahoo}
)

// GenerateMockItems 生成 count 条形状固定的假数据，用于无网络环境下填充列表。
// 标题只由品牌、颜色、品类拼成，keyword 不参与生成。
func GenerateMockItems(keyword string, count int) []Candidate {
	return generateMockItems(rand.New(rand.NewSource(time.Now().UnixNano())), count)
}

func generateMockItems(rng *rand.Rand, count int) []Candidate {
	if count <= 0 {
		return nil
	}
	out := make([]Candidate, 0, count)
	for i := 0; i < count; i++ {
		src := mockSrcs[rng.Intn(len(mockSrcs))]
		brand := mockBrands[rng.Intn(len(mockBrands))]
		color := mockColors[rng.Intn(len(mockColors))]
		kind := mockTypes[rng.Intn(len(mockTypes))]
		// 1000..15000 之间、100 的整数倍
		price := int64(1000 + rng.Intn(141)*100)

		out = append(out, Candidate{
			Source:   src,
			SourceID: fmt.Sprintf("mock_%s_%d_%d", src, i, 10000+rng.Intn(90000)),
			Title:    fmt.Sprintf("%s %s %s", brand, color, kind),
			Price:    &price,
			ImageURL: fmt.Sprintf("https://picsum.photos/seed/%d/400/400", 1+rng.Intn(1000)),
			URL:      fmt.Sprintf("https://example.com/%s/%d", src, i),
		})
	}
	return out
}
