package models

import "time"

// Template is the sellable product. Provider ids are the Lemon Squeezy
// product and variant references it is sold under.
type Template struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	ProviderProductID string    `json:"provider_product_id,omitempty"`
	ProviderVariantID string    `json:"provider_variant_id,omitempty"`
	PurchaseCount     int       `json:"purchase_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (t *Template) Clone() *Template {
	c := *t
	return &c
}
