package domain

import (
	"sort"
	"strings"
)

// InventoryItem is the authoritative available-to-hold count for one
// (shop, sku, variant) combination. Quantity never goes below zero.
type InventoryItem struct {
	ShopID            string
	SKU               string
	VariantKey        string
	VariantAttributes map[string]string
	Quantity          int
}

// VariantKeyFor derives the canonical variant key from attributes, e.g.
// {"color":"red","size":"9"} -> "color:red|size:9". Empty attributes map to
// the empty key (single-variant SKUs).
func VariantKeyFor(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+attrs[k])
	}
	return strings.Join(parts, "|")
}
