package webhook

import (
	"github.com/shopspring/decimal"

	"templateshop.app/api/models"
)

const (
	EventOrderCreated  = "order_created"
	EventOrderUpdated  = "order_updated"
	EventOrderRefunded = "order_refunded"
)

// Event is a parsed webhook delivery: *OrderCreated, *OrderUpdated or *Ignored.
type Event interface {
	Name() string
	isEvent()
}

// OrderAttributes are the validated order fields shared by order events.
type OrderAttributes struct {
	ExternalID     string
	Identifier     string
	OrderNumber    string
	BuyerEmail     string
	BuyerName      string
	Currency       string
	Total          decimal.Decimal
	ProviderStatus string
	Status         models.OrderStatus
	Refunded       bool
	ProductID      string
	VariantID      string
	ProductName    string
	VariantName    string
	TestMode       bool
}

type OrderCreated struct {
	EventName string
	Order     OrderAttributes
}

type OrderUpdated struct {
	EventName string
	Order     OrderAttributes
}

// Ignored is an event kind this service acknowledges without processing.
type Ignored struct {
	EventName string
}

func (e *OrderCreated) Name() string { return e.EventName }
func (e *OrderUpdated) Name() string { return e.EventName }
func (e *Ignored) Name() string      { return e.EventName }

func (*OrderCreated) isEvent() {}
func (*OrderUpdated) isEvent() {}
func (*Ignored) isEvent()      {}
