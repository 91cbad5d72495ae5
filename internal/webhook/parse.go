package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"

	"templateshop.app/api/internal/apperr"
	"templateshop.app/api/internal/logger"
	"templateshop.app/api/models"
)

// statusTable maps provider order statuses, lowercased, to internal statuses.
var statusTable = map[string]models.OrderStatus{
	"pending":        models.OrderPending,
	"processing":     models.OrderProcessing,
	"paid":           models.OrderCompleted,
	"completed":      models.OrderCompleted,
	"partial_refund": models.OrderCompleted,
	"failed":         models.OrderCancelled,
	"cancelled":      models.OrderCancelled,
	"canceled":       models.OrderCancelled,
	"void":           models.OrderCancelled,
	"fraudulent":     models.OrderCancelled,
	"refunded":       models.OrderRefunded,
}

// LookupStatus maps a provider status without logging.
func LookupStatus(providerStatus string) (models.OrderStatus, bool) {
	status, ok := statusTable[strings.ToLower(strings.TrimSpace(providerStatus))]
	return status, ok
}

// MapStatus maps a provider status to an internal one. Statuses the table does
// not know become PENDING.
func MapStatus(providerStatus string) models.OrderStatus {
	if status, ok := LookupStatus(providerStatus); ok {
		return status
	}
	logger.Warn("Unrecognized provider order status, treating as pending", logger.Fields{
		"provider_status": providerStatus,
	})
	return models.OrderPending
}

// flexID accepts identifiers sent either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("must be a string or number")
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("must be an integer, got %s", n)
	}
	*f = flexID(n.String())
	return nil
}

type envelope struct {
	Meta struct {
		EventName string `json:"event_name"`
		TestMode  bool   `json:"test_mode"`
	} `json:"meta"`
	Data *struct {
		Type       string          `json:"type"`
		ID         flexID          `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"data"`
}

type orderAttributes struct {
	Identifier     string       `json:"identifier"`
	OrderNumber    flexID       `json:"order_number"`
	UserName       string       `json:"user_name"`
	UserEmail      string       `json:"user_email"`
	Currency       string       `json:"currency"`
	Total          *json.Number `json:"total"`
	Status         string       `json:"status"`
	Refunded       bool         `json:"refunded"`
	FirstOrderItem *struct {
		ProductID   flexID `json:"product_id"`
		VariantID   flexID `json:"variant_id"`
		ProductName string `json:"product_name"`
		VariantName string `json:"variant_name"`
	} `json:"first_order_item"`
}

// Parse validates a raw webhook body and returns the event it describes.
// Every problem with an order event is reported in one validation error, and
// no event is returned alongside it.
func Parse(body []byte) (Event, error) {
	const op = "parse webhook"

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Validation(op, fmt.Errorf("malformed JSON: %w", err))
	}

	eventName := strings.TrimSpace(env.Meta.EventName)
	if eventName == "" {
		return nil, apperr.Validation(op, errors.New("meta.event_name is required"))
	}

	switch eventName {
	case EventOrderCreated, EventOrderUpdated, EventOrderRefunded:
	default:
		return &Ignored{EventName: eventName}, nil
	}

	order, err := parseOrder(&env)
	if err != nil {
		return nil, apperr.Validation(op, err)
	}

	if eventName == EventOrderCreated {
		return &OrderCreated{EventName: eventName, Order: *order}, nil
	}
	if eventName == EventOrderRefunded {
		order.Refunded = true
	}
	return &OrderUpdated{EventName: eventName, Order: *order}, nil
}

func parseOrder(env *envelope) (*OrderAttributes, error) {
	errs := &multierror.Error{ErrorFormat: joinErrors}

	if env.Data == nil {
		return nil, errors.New("data is required")
	}
	if env.Data.Type != "orders" {
		errs = multierror.Append(errs, fmt.Errorf("data.type must be \"orders\", got %q", env.Data.Type))
	}
	if env.Data.ID == "" {
		errs = multierror.Append(errs, errors.New("data.id is required"))
	}
	if len(env.Data.Attributes) == 0 {
		errs = multierror.Append(errs, errors.New("data.attributes is required"))
		return nil, errs
	}

	var attrs orderAttributes
	if err := json.Unmarshal(env.Data.Attributes, &attrs); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("data.attributes: %w", err))
		return nil, errs
	}

	order := &OrderAttributes{
		ExternalID:     string(env.Data.ID),
		Identifier:     attrs.Identifier,
		OrderNumber:    string(attrs.OrderNumber),
		BuyerName:      strings.TrimSpace(attrs.UserName),
		Currency:       strings.ToUpper(strings.TrimSpace(attrs.Currency)),
		ProviderStatus: strings.TrimSpace(attrs.Status),
		Refunded:       attrs.Refunded,
		TestMode:       env.Meta.TestMode,
	}

	if email := strings.TrimSpace(attrs.UserEmail); email == "" {
		errs = multierror.Append(errs, errors.New("user_email is required"))
	} else if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		errs = multierror.Append(errs, fmt.Errorf("user_email %q is not a valid address", email))
	} else {
		order.BuyerEmail = email
	}

	if !isCurrencyCode(order.Currency) {
		errs = multierror.Append(errs, fmt.Errorf("currency must be a 3-letter code, got %q", attrs.Currency))
	}

	if attrs.Total == nil {
		errs = multierror.Append(errs, errors.New("total is required"))
	} else if cents, err := strconv.ParseInt(attrs.Total.String(), 10, 64); err != nil || cents < 0 {
		errs = multierror.Append(errs, fmt.Errorf("total must be a non-negative integer amount in minor units, got %s", attrs.Total))
	} else {
		order.Total = decimal.New(cents, -2)
	}

	if order.ProviderStatus == "" {
		errs = multierror.Append(errs, errors.New("status is required"))
	} else {
		order.Status = MapStatus(order.ProviderStatus)
	}

	if item := attrs.FirstOrderItem; item != nil {
		order.ProductID = string(item.ProductID)
		order.VariantID = string(item.VariantID)
		order.ProductName = strings.TrimSpace(item.ProductName)
		order.VariantName = strings.TrimSpace(item.VariantName)
	}
	if order.ProductID == "" && order.VariantID == "" {
		errs = multierror.Append(errs, errors.New("first_order_item.product_id or first_order_item.variant_id is required"))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return order, nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func joinErrors(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
