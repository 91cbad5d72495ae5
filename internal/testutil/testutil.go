package testutil

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"templateshop.app/api/models"
	"templateshop.app/api/storage"
)

const WebhookSecret = "whsec_test_secret"

// TestStorage creates an empty memory storage
func TestStorage() *storage.MemoryStorage {
	return storage.NewMemoryStorage()
}

// CreateTestTemplate creates a template sold under the given provider ids
func CreateTestTemplate(id, productID, variantID string) *models.Template {
	return &models.Template{
		ID:                id,
		Name:              "Template " + id,
		ProviderProductID: productID,
		ProviderVariantID: variantID,
	}
}

// SeedTemplates saves templates or fails the test
func SeedTemplates(t testing.TB, store storage.Queries, templates ...*models.Template) {
	t.Helper()
	for _, template := range templates {
		if err := store.SaveTemplate(context.Background(), template); err != nil {
			t.Fatalf("Failed to seed template %s: %v", template.ID, err)
		}
	}
}

// OrderPayload describes a Lemon Squeezy order event. Zero product or variant
// ids are left out of the payload.
type OrderPayload struct {
	ExternalID  string
	OrderNumber int
	Email       string
	Name        string
	Currency    string
	Total       int64
	Status      string
	Refunded    bool
	ProductID   int64
	VariantID   int64
	ProductName string
	VariantName string
	TestMode    bool
}

func DefaultOrderPayload(externalID string) OrderPayload {
	return OrderPayload{
		ExternalID:  externalID,
		OrderNumber: 1001,
		Email:       "buyer@example.com",
		Name:        "Ada Buyer",
		Currency:    "USD",
		Total:       4900,
		Status:      "paid",
		ProductID:   42,
		VariantID:   7,
		ProductName: "Landing Page Kit",
		VariantName: "Single License",
	}
}

// Event renders the payload inside the provider envelope for eventName
func (p OrderPayload) Event(eventName string) []byte {
	item := map[string]interface{}{
		"product_name": p.ProductName,
		"variant_name": p.VariantName,
	}
	if p.ProductID != 0 {
		item["product_id"] = p.ProductID
	}
	if p.VariantID != 0 {
		item["variant_id"] = p.VariantID
	}

	envelope := map[string]interface{}{
		"meta": map[string]interface{}{
			"event_name": eventName,
			"test_mode":  p.TestMode,
			"custom_data": map[string]interface{}{
				"source": "testutil",
			},
		},
		"data": map[string]interface{}{
			"type": "orders",
			"id":   p.ExternalID,
			"attributes": map[string]interface{}{
				"identifier":       "uuid-" + p.ExternalID,
				"order_number":     p.OrderNumber,
				"user_name":        p.Name,
				"user_email":       p.Email,
				"currency":         p.Currency,
				"total":            p.Total,
				"total_formatted":  fmt.Sprintf("$%.2f", float64(p.Total)/100),
				"status":           p.Status,
				"refunded":         p.Refunded,
				"first_order_item": item,
			},
		},
	}

	payload, _ := json.Marshal(envelope)
	return payload
}

// Sign returns the hex HMAC-SHA256 signature the provider sends in X-Signature
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// MakeWebhookRequest posts a signed payload to the Lemon Squeezy webhook route
func MakeWebhookRequest(t testing.TB, handler http.Handler, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	return MakeWebhookRequestWithSignature(t, handler, payload, Sign(WebhookSecret, payload))
}

func MakeWebhookRequestWithSignature(t testing.TB, handler http.Handler, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/lemonsqueezy", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

type WebhookData struct {
	OrderID    string   `json:"orderId"`
	LicenseIDs []string `json:"licenseIds"`
}

type WebhookResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Data    *WebhookData `json:"data"`
	Error   *struct {
		Kind   string `json:"kind"`
		Detail string `json:"detail"`
	} `json:"error"`
}

// DecodeWebhookResponse checks the status code and decodes the envelope
func DecodeWebhookResponse(t testing.TB, w *httptest.ResponseRecorder, expectedStatus int) WebhookResponse {
	t.Helper()
	if w.Code != expectedStatus {
		t.Fatalf("Expected status %d, got %d: %s", expectedStatus, w.Code, w.Body.String())
	}

	var response WebhookResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode webhook response: %v", err)
	}
	return response
}

// MakeLicenseRequest posts {"license_key": key} to a license endpoint
func MakeLicenseRequest(t testing.TB, handler http.Handler, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"license_key": key})
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:4321"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// StorageTestSuite provides a standard test suite for storage implementations
type StorageTestSuite struct {
	Storage storage.Storage
	Cleanup func()
}

func newTestOrder(externalID, templateID, userID, key string) (*models.Order, *models.License) {
	now := time.Now().UTC().Truncate(time.Second)
	order := &models.Order{
		ID:          "order-" + externalID,
		ExternalID:  externalID,
		UserID:      userID,
		BuyerEmail:  "buyer@example.com",
		BuyerName:   "Ada Buyer",
		TemplateID:  templateID,
		Total:       decimal.New(4900, -2),
		Currency:    "USD",
		Tier:        models.TierSingle,
		Status:      models.OrderCompleted,
		LicenseKeys: []string{key},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	maxUsage := 1
	license := &models.License{
		ID:         "license-" + externalID,
		Key:        key,
		OrderID:    order.ID,
		TemplateID: templateID,
		UserID:     &userID,
		Tier:       models.TierSingle,
		Active:     true,
		MaxUsage:   &maxUsage,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return order, license
}

// RunStorageTestSuite runs standard tests on any storage implementation
func RunStorageTestSuite(t *testing.T, suite StorageTestSuite) {
	defer suite.Cleanup()

	ctx := context.Background()
	store := suite.Storage

	SeedTemplates(t, store,
		CreateTestTemplate("tpl-a", "42", "7"),
		CreateTestTemplate("tpl-b", "43", "8"),
	)

	t.Run("TemplateLookup", func(t *testing.T) {
		template, err := store.GetTemplate(ctx, "tpl-a")
		if err != nil {
			t.Fatalf("Failed to get template: %v", err)
		}
		if template == nil || template.ProviderProductID != "42" {
			t.Fatalf("Expected template tpl-a with product 42, got %v", template)
		}

		missing, err := store.GetTemplate(ctx, "tpl-missing")
		if err != nil || missing != nil {
			t.Errorf("Expected nil, nil for missing template, got %v, %v", missing, err)
		}

		byVariant, err := store.FindTemplatesByProviderIDs(ctx, "", "8")
		if err != nil {
			t.Fatalf("Failed to find templates: %v", err)
		}
		if len(byVariant) != 1 || byVariant[0].ID != "tpl-b" {
			t.Errorf("Expected tpl-b by variant, got %v", byVariant)
		}

		either, err := store.FindTemplatesByProviderIDs(ctx, "42", "8")
		if err != nil {
			t.Fatalf("Failed to find templates: %v", err)
		}
		if len(either) != 2 {
			t.Errorf("Expected both templates for product 42 OR variant 8, got %d", len(either))
		}

		none, err := store.FindTemplatesByProviderIDs(ctx, "", "")
		if err != nil || len(none) != 0 {
			t.Errorf("Expected no match for empty ids, got %v, %v", none, err)
		}
	})

	t.Run("FindOrCreateUser", func(t *testing.T) {
		first, err := store.FindOrCreateUserByEmail(ctx, "Buyer@Example.com ", "Ada Buyer")
		if err != nil {
			t.Fatalf("Failed to create user: %v", err)
		}
		second, err := store.FindOrCreateUserByEmail(ctx, "buyer@example.com", "Someone Else")
		if err != nil {
			t.Fatalf("Failed to find user: %v", err)
		}
		if first.ID != second.ID {
			t.Errorf("Expected same user for same e-mail, got %s and %s", first.ID, second.ID)
		}
		if second.Name != "Ada Buyer" {
			t.Errorf("Expected original name kept, got %s", second.Name)
		}
	})

	user, err := store.FindOrCreateUserByEmail(ctx, "buyer@example.com", "Ada Buyer")
	if err != nil {
		t.Fatalf("Failed to resolve user: %v", err)
	}

	t.Run("OrderLifecycle", func(t *testing.T) {
		order, license := newTestOrder("ORD-1", "tpl-a", user.ID, "TPL-SUITE-000001")

		if err := store.CreateOrderWithLicenses(ctx, order, []*models.License{license}); err != nil {
			t.Fatalf("Failed to create order: %v", err)
		}

		found, err := store.FindOrderByExternalID(ctx, "ORD-1")
		if err != nil {
			t.Fatalf("Failed to find order: %v", err)
		}
		if found == nil {
			t.Fatalf("Expected order, got nil")
		}
		if !found.Total.Equal(decimal.New(4900, -2)) {
			t.Errorf("Expected total 49.00, got %s", found.Total)
		}
		if len(found.LicenseKeys) != 1 || found.LicenseKeys[0] != "TPL-SUITE-000001" {
			t.Errorf("Expected license key on order, got %v", found.LicenseKeys)
		}

		licenses, err := store.FindLicensesByOrder(ctx, order.ID)
		if err != nil {
			t.Fatalf("Failed to find licenses: %v", err)
		}
		if len(licenses) != 1 || licenses[0].MaxUsage == nil || *licenses[0].MaxUsage != 1 {
			t.Fatalf("Expected one capped license, got %v", licenses)
		}
		if licenses[0].UserID == nil || *licenses[0].UserID != user.ID {
			t.Errorf("Expected license owned by %s, got %v", user.ID, licenses[0].UserID)
		}

		if err := store.UpdateOrderStatus(ctx, order.ID, models.OrderRefunded); err != nil {
			t.Fatalf("Failed to update status: %v", err)
		}
		n, err := store.DeactivateLicensesForOrder(ctx, order.ID)
		if err != nil {
			t.Fatalf("Failed to deactivate licenses: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected 1 license deactivated, got %d", n)
		}
		n, err = store.DeactivateLicensesForOrder(ctx, order.ID)
		if err != nil || n != 0 {
			t.Errorf("Expected repeat deactivation to touch nothing, got %d, %v", n, err)
		}

		found, _ = store.FindOrderByExternalID(ctx, "ORD-1")
		if found.Status != models.OrderRefunded {
			t.Errorf("Expected REFUNDED, got %s", found.Status)
		}
		revoked, _ := store.FindLicenseByKey(ctx, "TPL-SUITE-000001")
		if revoked == nil || revoked.Active {
			t.Errorf("Expected inactive license, got %v", revoked)
		}

		if err := store.UpdateOrderStatus(ctx, "order-missing", models.OrderCompleted); !errors.Is(err, storage.ErrOrderNotFound) {
			t.Errorf("Expected ErrOrderNotFound, got %v", err)
		}
	})

	t.Run("UniqueConstraints", func(t *testing.T) {
		order, license := newTestOrder("ORD-2", "tpl-a", user.ID, "TPL-SUITE-000002")
		if err := store.CreateOrderWithLicenses(ctx, order, []*models.License{license}); err != nil {
			t.Fatalf("Failed to create order: %v", err)
		}

		again, againLicense := newTestOrder("ORD-2", "tpl-a", user.ID, "TPL-SUITE-000099")
		again.ID = "order-ORD-2-again"
		againLicense.ID = "license-ORD-2-again"
		againLicense.OrderID = again.ID
		err := store.CreateOrderWithLicenses(ctx, again, []*models.License{againLicense})
		if !errors.Is(err, storage.ErrDuplicateOrder) {
			t.Errorf("Expected ErrDuplicateOrder, got %v", err)
		}

		clash, clashLicense := newTestOrder("ORD-3", "tpl-a", user.ID, "TPL-SUITE-000002")
		err = store.CreateOrderWithLicenses(ctx, clash, []*models.License{clashLicense})
		if !errors.Is(err, storage.ErrDuplicateLicenseKey) {
			t.Errorf("Expected ErrDuplicateLicenseKey, got %v", err)
		}

		// The order row must not survive its failed license insert.
		orphan, err := store.FindOrderByExternalID(ctx, "ORD-3")
		if err != nil || orphan != nil {
			t.Errorf("Expected no ORD-3 after failed create, got %v, %v", orphan, err)
		}
	})

	t.Run("TransactionRollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.WithTransaction(ctx, func(tx storage.Queries) error {
			order, license := newTestOrder("ORD-ROLLBACK", "tpl-b", user.ID, "TPL-SUITE-000003")
			if err := tx.CreateOrderWithLicenses(ctx, order, []*models.License{license}); err != nil {
				return err
			}
			if err := tx.IncrementTemplatePurchaseCount(ctx, "tpl-b"); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Expected boom, got %v", err)
		}

		order, _ := store.FindOrderByExternalID(ctx, "ORD-ROLLBACK")
		if order != nil {
			t.Errorf("Expected rolled back order to be absent")
		}
		template, _ := store.GetTemplate(ctx, "tpl-b")
		if template.PurchaseCount != 0 {
			t.Errorf("Expected purchase count 0 after rollback, got %d", template.PurchaseCount)
		}
	})

	t.Run("PurchaseCount", func(t *testing.T) {
		if err := store.IncrementTemplatePurchaseCount(ctx, "tpl-a"); err != nil {
			t.Fatalf("Failed to increment: %v", err)
		}
		if err := store.IncrementTemplatePurchaseCount(ctx, "tpl-a"); err != nil {
			t.Fatalf("Failed to increment: %v", err)
		}
		template, _ := store.GetTemplate(ctx, "tpl-a")
		if template.PurchaseCount != 2 {
			t.Errorf("Expected purchase count 2, got %d", template.PurchaseCount)
		}

		// Re-saving a template keeps its counter.
		SeedTemplates(t, store, CreateTestTemplate("tpl-a", "42", "7"))
		template, _ = store.GetTemplate(ctx, "tpl-a")
		if template.PurchaseCount != 2 {
			t.Errorf("Expected purchase count to survive save, got %d", template.PurchaseCount)
		}

		if err := store.IncrementTemplatePurchaseCount(ctx, "tpl-missing"); !errors.Is(err, storage.ErrTemplateNotFound) {
			t.Errorf("Expected ErrTemplateNotFound, got %v", err)
		}
	})

	t.Run("LicenseUsage", func(t *testing.T) {
		order, license := newTestOrder("ORD-USAGE", "tpl-b", user.ID, "TPL-SUITE-000004")
		if err := store.CreateOrderWithLicenses(ctx, order, []*models.License{license}); err != nil {
			t.Fatalf("Failed to create order: %v", err)
		}

		used, err := store.IncrementLicenseUsage(ctx, "TPL-SUITE-000004")
		if err != nil {
			t.Fatalf("Failed to use license: %v", err)
		}
		if used.UsedCount != 1 {
			t.Errorf("Expected used count 1, got %d", used.UsedCount)
		}

		if _, err := store.IncrementLicenseUsage(ctx, "TPL-SUITE-000004"); !errors.Is(err, storage.ErrUsageExhausted) {
			t.Errorf("Expected ErrUsageExhausted, got %v", err)
		}
		current, _ := store.FindLicenseByKey(ctx, "TPL-SUITE-000004")
		if current.UsedCount != 1 {
			t.Errorf("Expected used count to stay at cap, got %d", current.UsedCount)
		}

		if _, err := store.IncrementLicenseUsage(ctx, "TPL-NOPE"); !errors.Is(err, storage.ErrLicenseNotFound) {
			t.Errorf("Expected ErrLicenseNotFound, got %v", err)
		}

		if _, err := store.DeactivateLicensesForOrder(ctx, order.ID); err != nil {
			t.Fatalf("Failed to deactivate: %v", err)
		}
		if _, err := store.IncrementLicenseUsage(ctx, "TPL-SUITE-000004"); !errors.Is(err, storage.ErrLicenseInactive) {
			t.Errorf("Expected ErrLicenseInactive, got %v", err)
		}
	})
}
