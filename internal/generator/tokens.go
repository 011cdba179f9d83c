package generator

import (
	"encoding/json"
	"unicode"
)

// EstimateTokens provides a rough token estimate.
// CJK text is ~2 chars/token, others ~4 chars/token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			cjk++
			continue
		}
		other++
	}
	return (cjk+1)/2 + (other+3)/4
}

const maxSampleRows = 20

// SampleRows returns the leading rows whose JSON fits in budget tokens.
// The first row is always included.
func SampleRows(rows []map[string]any, budget int) []map[string]any {
	if len(rows) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, maxSampleRows)
	used := 0
	for _, row := range rows {
		if len(out) == maxSampleRows {
			break
		}
		b, _ := json.Marshal(row)
		cost := EstimateTokens(string(b))
		if len(out) > 0 && used+cost > budget {
			break
		}
		out = append(out, row)
		used += cost
	}
	return out
}
