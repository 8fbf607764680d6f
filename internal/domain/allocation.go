package domain

// Allocation is the aggregate quantity bound to active or committed holds
// for one SKU/variant.
type Allocation struct {
	SKU               string
	VariantKey        string
	AllocatedQuantity int
}
