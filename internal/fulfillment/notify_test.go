package fulfillment

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"templateshop.app/api/models"
)

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		amount   decimal.Decimal
		currency string
		want     string
	}{
		{decimal.New(4900, -2), "USD", "49.00 USD"},
		{decimal.New(1999, -2), "eur", "19.99 EUR"},
		{decimal.Zero, "USD", "0.00 USD"},
		{decimal.New(5, -3), "GBP", "0.01 GBP"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatPrice(tt.amount, tt.currency))
	}
}

func TestLicenseMessage(t *testing.T) {
	maxUsage := 1
	expires := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
	order := &models.Order{
		ExternalID: "ORD-9",
		BuyerEmail: "buyer@example.com",
		Total:      decimal.New(4900, -2),
		Currency:   "USD",
	}
	template := &models.Template{Name: "Landing Page Kit"}
	license := &models.License{
		Key:       "TPL-ABC-123456",
		Tier:      models.TierSingle,
		MaxUsage:  &maxUsage,
		ExpiresAt: &expires,
	}

	msg := licenseMessage(order, template, license)

	assert.Equal(t, "buyer@example.com", msg.To)
	assert.Equal(t, "Your license for Landing Page Kit", msg.Subject)
	assert.True(t, strings.HasPrefix(msg.Body, "Hi there,"))
	for _, want := range []string{"Order: ORD-9", "Total: 49.00 USD", "License tier: single", "TPL-ABC-123456", "Activations: 1", "Valid until: 2027-03-01"} {
		assert.Contains(t, msg.Body, want)
	}
}
