package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	priceRe             = regexp.MustCompile(`[0-9][0-9,]*`)
	priceWithCurrencyRe = regexp.MustCompile(`[¥￥]\s*([0-9][0-9,]*)`)
)

// parsePrice 从价格文本中提取日元整数。
//
// 优先匹配货币符号后的数字（"6% OFF ¥950" 取 950），否则取最长的数字串。
//
// 参数:
//
//	txt: 原始价格字符串，如 "¥ 1,200"
//
// 返回值:
//
//	int64: 解析后的数值
//	error: 没有数字时返回错误
func parsePrice(txt string) (int64, error) {
	if match := priceWithCurrencyRe.FindStringSubmatch(txt); len(match) > 1 {
		if val, err := strconv.ParseInt(strings.ReplaceAll(match[1], ",", ""), 10, 64); err == nil {
			return val, nil
		}
	}

	if strings.TrimSpace(txt) == "" {
		return 0, fmt.Errorf("empty price")
	}
	matches := priceRe.FindAllString(txt, -1)
	var (
		bestVal int64
		bestLen int
		found   bool
	)
	for _, match := range matches {
		digits := strings.ReplaceAll(match, ",", "")
		val, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			continue
		}
		if !found || len(digits) > bestLen {
			bestVal, bestLen, found = val, len(digits), true
		}
	}
	if !found {
		return 0, fmt.Errorf("no digits in %q", txt)
	}
	return bestVal, nil
}

// pricePtr 解析价格文本，失败时返回 nil。
func pricePtr(txt string) *int64 {
	v, err := parsePrice(txt)
	if err != nil {
		return nil
	}
	return &v
}

// flexInt 接受 JSON 数字或数字字符串（Mercari 的 price 字段两种形式都出现过）。
type flexInt struct {
	Value int64
	Valid bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = flexInt{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := parsePrice(s)
		if err != nil {
			*f = flexInt{}
			return nil
		}
		*f = flexInt{Value: v, Valid: true}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		*f = flexInt{}
		return nil
	}
	if v, err := n.Int64(); err == nil {
		*f = flexInt{Value: v, Valid: true}
		return nil
	}
	if fv, err := n.Float64(); err == nil {
		*f = flexInt{Value: int64(fv), Valid: true}
		return nil
	}
	*f = flexInt{}
	return nil
}

func (f flexInt) Ptr() *int64 {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

// flexString 接受 JSON 字符串或数字，统一为字符串。
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}
