package locator

import "fmt"

// plausibleBound rejects values the translator emits for unrelated internal
// counters. It is a heuristic guard, not a domain limit: a position beyond
// 10000 lines decodes as absent rather than as a wrong guess.
const plausibleBound = 10000

type Info struct {
	Line   *int `json:"line,omitempty"`
	Column *int `json:"column,omitempty"`
}

// Decode recovers line/column hints from a translator error detail object.
// The translator does not keep its field names stable across builds, so the
// decoder ignores keys entirely and classifies the numeric values: with two
// or more non-negative numbers the largest plausible one is the line and the
// smallest the column, a single number is the line, none means no position.
func Decode(detail map[string]any) Info {
	var candidates []float64
	for _, v := range detail {
		n, ok := numeric(v)
		if !ok || n < 0 {
			continue
		}
		candidates = append(candidates, n)
	}
	switch len(candidates) {
	case 0:
		return Info{}
	case 1:
		return Info{Line: normalizeLine(candidates[0])}
	}
	info := Info{}
	lineSet, colSet := false, false
	var line, col float64
	for _, n := range candidates {
		if n > 0 && n <= plausibleBound && (!lineSet || n > line) {
			line, lineSet = n, true
		}
		if n >= 0 && n < plausibleBound && (!colSet || n < col) {
			col, colSet = n, true
		}
	}
	if lineSet {
		info.Line = normalizeLine(line)
	}
	if colSet {
		info.Column = normalizeColumn(col)
	}
	return info
}

// Format renders a position suffix for an error message, or "" when no line
// could be recovered.
func Format(info Info) string {
	if info.Line == nil {
		return ""
	}
	col := "?"
	if info.Column != nil {
		col = fmt.Sprintf("%d", *info.Column)
	}
	return fmt.Sprintf("(line %d, column %s)", *info.Line, col)
}

func normalizeLine(v float64) *int {
	switch {
	case v < 0:
		return nil
	case v == 0:
		n := 1
		return &n
	default:
		n := int(v)
		return &n
	}
}

func normalizeColumn(v float64) *int {
	if v < 0 {
		return nil
	}
	n := int(v)
	return &n
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
