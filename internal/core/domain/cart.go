package domain

import "time"

// AbandonedCart is the scanner's view of a cart that went quiet. Only
// the fields the recovery flow needs are carried; the full cart stays
// with the commerce collaborator.
type AbandonedCart struct {
	CartID         string
	UserID         string
	PhoneNumber    string
	Timezone       string
	ItemCount      int
	TotalUSD       float64
	TopItemName    string
	LastActivityAt time.Time
}

// CartStatus is the dispatcher's re-validation view of a single cart.
type CartStatus struct {
	Exists    bool
	Converted bool
	Cleared   bool
}

// Recoverable reports whether a call for this cart still makes sense.
func (c CartStatus) Recoverable() bool {
	return c.Exists && !c.Converted && !c.Cleared
}
