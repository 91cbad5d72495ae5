package webhook_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"templateshop.app/api/internal/apperr"
	"templateshop.app/api/internal/testutil"
	"templateshop.app/api/internal/webhook"
	"templateshop.app/api/models"
)

func TestVerify(t *testing.T) {
	body := []byte(`{"meta":{"event_name":"order_created"}}`)
	good := testutil.Sign("secret", body)

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		want      bool
	}{
		{"valid signature", body, good, "secret", true},
		{"uppercase hex", body, strings.ToUpper(good), "secret", true},
		{"wrong secret", body, testutil.Sign("other", body), "secret", false},
		{"tampered body", []byte(string(body) + " "), good, "secret", false},
		{"not hex", body, "zz-not-hex", "secret", false},
		{"truncated", body, good[:10], "secret", false},
		{"missing header", body, "", "secret", false},
		{"missing secret", body, good, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, webhook.Verify(tt.body, tt.signature, tt.secret))
		})
	}
}

func TestVerify_RejectsEveryMismatch(t *testing.T) {
	bodies := [][]byte{
		[]byte(``),
		[]byte(`{}`),
		testutil.DefaultOrderPayload("ORD-1").Event(webhook.EventOrderCreated),
		testutil.DefaultOrderPayload("ORD-2").Event(webhook.EventOrderRefunded),
	}

	for i, body := range bodies {
		for j, other := range bodies {
			signature := testutil.Sign("secret", other)
			assert.Equal(t, i == j, webhook.Verify(body, signature, "secret"), "body %d signed as body %d", i, j)
		}
	}
}

func TestVerifier(t *testing.T) {
	body := []byte(`{}`)
	signature := testutil.Sign("secret", body)

	t.Run("configured secret ignores bypass", func(t *testing.T) {
		v := webhook.NewVerifier("secret", webhook.VerifierOptions{AllowUnsigned: true, Environment: "development"})
		assert.False(t, v.Bypassing())
		assert.True(t, v.Verify(body, signature))
		assert.False(t, v.Verify(body, ""))
	})

	t.Run("no secret fails closed", func(t *testing.T) {
		v := webhook.NewVerifier("", webhook.VerifierOptions{Environment: "development"})
		assert.False(t, v.Bypassing())
		assert.False(t, v.Verify(body, signature))
	})

	t.Run("explicit bypass outside production", func(t *testing.T) {
		v := webhook.NewVerifier("", webhook.VerifierOptions{AllowUnsigned: true, Environment: "test"})
		assert.True(t, v.Bypassing())
		assert.True(t, v.Verify(body, ""))
	})

	t.Run("bypass refused in production", func(t *testing.T) {
		v := webhook.NewVerifier("", webhook.VerifierOptions{AllowUnsigned: true, Environment: "production"})
		assert.False(t, v.Bypassing())
		assert.False(t, v.Verify(body, signature))
	})
}

func TestMapStatus(t *testing.T) {
	tests := map[string]models.OrderStatus{
		"pending":        models.OrderPending,
		"processing":     models.OrderProcessing,
		"paid":           models.OrderCompleted,
		"PAID":           models.OrderCompleted,
		" completed ":    models.OrderCompleted,
		"partial_refund": models.OrderCompleted,
		"failed":         models.OrderCancelled,
		"cancelled":      models.OrderCancelled,
		"canceled":       models.OrderCancelled,
		"void":           models.OrderCancelled,
		"fraudulent":     models.OrderCancelled,
		"refunded":       models.OrderRefunded,
		"Refunded":       models.OrderRefunded,
		"on_hold":        models.OrderPending,
		"":               models.OrderPending,
		"chargeback":     models.OrderPending,
	}

	for input, want := range tests {
		got := webhook.MapStatus(input)
		assert.Equal(t, want, got, "status %q", input)
		assert.True(t, got.Valid(), "status %q mapped outside the enum", input)
	}
}

func TestLookupStatus_ReportsUnknown(t *testing.T) {
	_, ok := webhook.LookupStatus("on_hold")
	assert.False(t, ok)

	status, ok := webhook.LookupStatus("paid")
	assert.True(t, ok)
	assert.Equal(t, models.OrderCompleted, status)
}

func TestParse_OrderCreated(t *testing.T) {
	payload := testutil.DefaultOrderPayload("ORD-1")
	payload.VariantName = "Extended License"
	payload.TestMode = true

	event, err := webhook.Parse(payload.Event(webhook.EventOrderCreated))
	require.NoError(t, err)

	created, ok := event.(*webhook.OrderCreated)
	require.True(t, ok, "expected *OrderCreated, got %T", event)
	assert.Equal(t, webhook.EventOrderCreated, created.Name())

	order := created.Order
	assert.Equal(t, "ORD-1", order.ExternalID)
	assert.Equal(t, "1001", order.OrderNumber)
	assert.Equal(t, "buyer@example.com", order.BuyerEmail)
	assert.Equal(t, "Ada Buyer", order.BuyerName)
	assert.Equal(t, "USD", order.Currency)
	assert.True(t, order.Total.Equal(decimal.RequireFromString("49.00")), "total %s", order.Total)
	assert.Equal(t, "paid", order.ProviderStatus)
	assert.Equal(t, models.OrderCompleted, order.Status)
	assert.Equal(t, "42", order.ProductID)
	assert.Equal(t, "7", order.VariantID)
	assert.Equal(t, "Extended License", order.VariantName)
	assert.True(t, order.TestMode)
	assert.False(t, order.Refunded)
}

func TestParse_StringIDs(t *testing.T) {
	body := []byte(`{
		"meta": {"event_name": "order_created"},
		"data": {
			"type": "orders",
			"id": "ORD-77",
			"attributes": {
				"order_number": "A-77",
				"user_email": "buyer@example.com",
				"currency": "eur",
				"total": 0,
				"status": "paid",
				"first_order_item": {"product_id": "not-a-number", "variant_id": null}
			}
		}
	}`)

	event, err := webhook.Parse(body)
	require.NoError(t, err)

	created := event.(*webhook.OrderCreated)
	assert.Equal(t, "ORD-77", created.Order.ExternalID)
	assert.Equal(t, "A-77", created.Order.OrderNumber)
	assert.Equal(t, "EUR", created.Order.Currency)
	assert.Equal(t, "not-a-number", created.Order.ProductID)
	assert.Empty(t, created.Order.VariantID)
	assert.True(t, created.Order.Total.IsZero())
}

func TestParse_Updates(t *testing.T) {
	payload := testutil.DefaultOrderPayload("ORD-1")

	event, err := webhook.Parse(payload.Event(webhook.EventOrderUpdated))
	require.NoError(t, err)
	updated, ok := event.(*webhook.OrderUpdated)
	require.True(t, ok, "expected *OrderUpdated, got %T", event)
	assert.False(t, updated.Order.Refunded)

	payload.Refunded = true
	event, err = webhook.Parse(payload.Event(webhook.EventOrderUpdated))
	require.NoError(t, err)
	assert.True(t, event.(*webhook.OrderUpdated).Order.Refunded)

	// order_refunded implies the flag even when the provider omits it.
	payload.Refunded = false
	event, err = webhook.Parse(payload.Event(webhook.EventOrderRefunded))
	require.NoError(t, err)
	refunded := event.(*webhook.OrderUpdated)
	assert.Equal(t, webhook.EventOrderRefunded, refunded.Name())
	assert.True(t, refunded.Order.Refunded)
}

func TestParse_IgnoresOtherEvents(t *testing.T) {
	body := []byte(`{"meta":{"event_name":"subscription_created"},"data":{"type":"subscriptions","id":9}}`)

	event, err := webhook.Parse(body)
	require.NoError(t, err)
	ignored, ok := event.(*webhook.Ignored)
	require.True(t, ok, "expected *Ignored, got %T", event)
	assert.Equal(t, "subscription_created", ignored.Name())
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    func() []byte
		wantMsg []string
	}{
		{
			name:    "malformed JSON",
			body:    func() []byte { return []byte(`{"meta":`) },
			wantMsg: []string{"malformed JSON"},
		},
		{
			name:    "missing event name",
			body:    func() []byte { return []byte(`{"meta":{},"data":{}}`) },
			wantMsg: []string{"meta.event_name"},
		},
		{
			name:    "missing data",
			body:    func() []byte { return []byte(`{"meta":{"event_name":"order_created"}}`) },
			wantMsg: []string{"data is required"},
		},
		{
			name: "every bad field reported",
			body: func() []byte {
				p := testutil.DefaultOrderPayload("")
				p.Email = "not-an-email"
				p.Currency = "dollars"
				p.Total = -5
				p.Status = ""
				p.ProductID = 0
				p.VariantID = 0
				return p.Event(webhook.EventOrderCreated)
			},
			wantMsg: []string{"data.id", "user_email", "currency", "total", "status", "product_id"},
		},
		{
			name: "wrong resource type",
			body: func() []byte {
				var env map[string]interface{}
				_ = json.Unmarshal(testutil.DefaultOrderPayload("ORD-1").Event(webhook.EventOrderUpdated), &env)
				env["data"].(map[string]interface{})["type"] = "subscriptions"
				body, _ := json.Marshal(env)
				return body
			},
			wantMsg: []string{"data.type"},
		},
		{
			name: "fractional total",
			body: func() []byte {
				return []byte(`{"meta":{"event_name":"order_created"},"data":{"type":"orders","id":1,
					"attributes":{"user_email":"a@b.co","currency":"USD","total":49.5,"status":"paid",
					"first_order_item":{"product_id":42}}}}`)
			},
			wantMsg: []string{"total"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := webhook.Parse(tt.body())
			require.Error(t, err)
			assert.Nil(t, event)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

			detail := apperr.Detail(err)
			for _, want := range tt.wantMsg {
				assert.Contains(t, detail, want)
			}
		})
	}
}
