package domain

import "sort"

// StockLine is a requested quantity of one variant in one size.
type StockLine struct {
	VariantID string
	Size      string
	Quantity  int
}

type StockKey struct {
	VariantID string
	Size      string
}

// MergeStockLines sums quantities per (variant, size) and returns them in key order,
// which is also the order rows are locked in.
func MergeStockLines(lines []StockLine) []StockLine {
	totals := make(map[StockKey]int, len(lines))
	for _, l := range lines {
		totals[StockKey{l.VariantID, l.Size}] += l.Quantity
	}
	merged := make([]StockLine, 0, len(totals))
	for k, q := range totals {
		merged = append(merged, StockLine{VariantID: k.VariantID, Size: k.Size, Quantity: q})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].VariantID != merged[j].VariantID {
			return merged[i].VariantID < merged[j].VariantID
		}
		return merged[i].Size < merged[j].Size
	})
	return merged
}
