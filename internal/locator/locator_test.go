package locator_test

import (
	"testing"

	"github.com/cqframework/cql-studio-sub002/internal/locator"
)

func TestDecodeLineAndColumn(t *testing.T) {
	info := locator.Decode(map[string]any{"a": float64(5), "b": float64(0)})
	if info.Line == nil || *info.Line != 5 {
		t.Fatalf("expected line 5, got %v", info.Line)
	}
	if info.Column == nil || *info.Column != 0 {
		t.Fatalf("expected column 0, got %v", info.Column)
	}
}

func TestDecodeIgnoresFieldNames(t *testing.T) {
	// obfuscated keys carry the same values
	a := locator.Decode(map[string]any{"line": float64(12), "column": float64(3)})
	b := locator.Decode(map[string]any{"x7f": float64(12), "q": float64(3)})
	if a.Line == nil || b.Line == nil || *a.Line != *b.Line {
		t.Fatalf("line differs by key name: %v vs %v", a.Line, b.Line)
	}
	if a.Column == nil || b.Column == nil || *a.Column != *b.Column {
		t.Fatalf("column differs by key name: %v vs %v", a.Column, b.Column)
	}
}

func TestDecodeSingleCandidateIsLine(t *testing.T) {
	info := locator.Decode(map[string]any{"n": float64(42)})
	if info.Line == nil || *info.Line != 42 {
		t.Fatalf("expected line 42, got %v", info.Line)
	}
	if info.Column != nil {
		t.Fatalf("expected absent column, got %d", *info.Column)
	}
}

func TestDecodeZeroPromotesToLineOne(t *testing.T) {
	info := locator.Decode(map[string]any{"n": float64(0)})
	if info.Line == nil || *info.Line != 1 {
		t.Fatalf("expected line 1, got %v", info.Line)
	}
	if info.Column != nil {
		t.Fatalf("expected absent column")
	}
}

func TestDecodeNegativeIsAbsent(t *testing.T) {
	info := locator.Decode(map[string]any{"n": float64(-3)})
	if info.Line != nil || info.Column != nil {
		t.Fatalf("expected absent line and column, got %+v", info)
	}
}

func TestDecodeNoNumericProperties(t *testing.T) {
	info := locator.Decode(map[string]any{"msg": "boom", "ok": true, "detail": nil})
	if info.Line != nil || info.Column != nil {
		t.Fatalf("expected absent line and column, got %+v", info)
	}
}

func TestDecodeRejectsImplausiblyLargeValues(t *testing.T) {
	info := locator.Decode(map[string]any{"a": float64(250000), "b": float64(7)})
	if info.Line == nil || *info.Line != 7 {
		t.Fatalf("expected line 7 after dropping outlier, got %v", info.Line)
	}
	if info.Column == nil || *info.Column != 7 {
		t.Fatalf("expected column 7, got %v", info.Column)
	}
}

func TestDecodeIntValues(t *testing.T) {
	info := locator.Decode(map[string]any{"a": 9, "b": int64(2)})
	if info.Line == nil || *info.Line != 9 {
		t.Fatalf("expected line 9, got %v", info.Line)
	}
	if info.Column == nil || *info.Column != 2 {
		t.Fatalf("expected column 2, got %v", info.Column)
	}
}

func TestFormat(t *testing.T) {
	if got := locator.Format(locator.Info{}); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
	line, col := 3, 14
	if got := locator.Format(locator.Info{Line: &line, Column: &col}); got != "(line 3, column 14)" {
		t.Fatalf("unexpected render: %q", got)
	}
	if got := locator.Format(locator.Info{Line: &line}); got != "(line 3, column ?)" {
		t.Fatalf("unexpected render: %q", got)
	}
	if got := locator.Format(locator.Info{Column: &col}); got != "" {
		t.Fatalf("column without line should render empty, got %q", got)
	}
}
