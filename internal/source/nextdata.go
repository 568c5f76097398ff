package source

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// decodeNextData 定位 script#__NEXT_DATA__ 并把其中的 JSON 解码到 v。
func decodeNextData(doc *goquery.Document, v any) error {
	script := doc.Find(`script#__NEXT_DATA__`).First()
	if script.Length() == 0 {
		return fmt.Errorf("parse __NEXT_DATA__: script not found")
	}
	raw := strings.TrimSpace(script.Text())
	if raw == "" {
		return fmt.Errorf("parse __NEXT_DATA__: empty script")
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("parse __NEXT_DATA__: %w", err)
	}
	return nil
}
