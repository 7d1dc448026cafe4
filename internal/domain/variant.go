package domain

// ProductVariant carries the on-hand stock count, the contended resource of
// every reservation decision. Availability is derived, never stored:
// on_hand minus the sum of active reservations.
type ProductVariant struct {
	ID     string
	SKU    string
	OnHand int
	Active bool
}
