package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderCompleted  OrderStatus = "COMPLETED"
	OrderCancelled  OrderStatus = "CANCELLED"
	OrderRefunded   OrderStatus = "REFUNDED"
)

// orderTransitions lists the forward moves allowed from each non-terminal
// status. Refunds are accepted from any non-terminal status.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderProcessing, OrderCompleted, OrderCancelled, OrderRefunded},
	OrderProcessing: {OrderCompleted, OrderCancelled, OrderRefunded},
	OrderCompleted:  {OrderCancelled, OrderRefunded},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderProcessing, OrderCompleted, OrderCancelled, OrderRefunded:
		return true
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s == OrderCancelled || s == OrderRefunded
}

// Fulfillable reports whether an order in this status should carry active
// licenses and count as a purchase.
func (s OrderStatus) Fulfillable() bool {
	return s.Valid() && !s.Terminal()
}

func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Order struct {
	ID          string          `json:"id"`
	ExternalID  string          `json:"external_id"`
	OrderNumber string          `json:"order_number,omitempty"`
	UserID      string          `json:"user_id"`
	BuyerEmail  string          `json:"buyer_email"`
	BuyerName   string          `json:"buyer_name"`
	TemplateID  string          `json:"template_id"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	Tier        LicenseTier     `json:"tier"`
	Status      OrderStatus     `json:"status"`
	LicenseKeys []string        `json:"license_keys"`
	TestMode    bool            `json:"test_mode"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no slices or pointers with o.
func (o *Order) Clone() *Order {
	c := *o
	if o.LicenseKeys != nil {
		c.LicenseKeys = append([]string(nil), o.LicenseKeys...)
	}
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
