package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"templateshop.app/api/handlers"
	"templateshop.app/api/internal/catalog"
	"templateshop.app/api/internal/email"
	"templateshop.app/api/internal/fulfillment"
	"templateshop.app/api/internal/licensekey"
	"templateshop.app/api/internal/testutil"
	"templateshop.app/api/internal/webhook"
	"templateshop.app/api/storage"
)

// Integration tests that run complete workflows end-to-end

const productMap = `
packages:
  - template_id: tpl-landing
    name: Landing Page Kit
    product_id: "42"
  - template_id: tpl-dashboard
    name: Dashboard Kit
    variant_id: "77"
`

type outbox struct {
	mu       sync.Mutex
	messages []email.Message
}

func (o *outbox) Send(ctx context.Context, msg email.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
	return nil
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages)
}

func newIntegrationServer(t *testing.T, db storage.Storage, mail email.Sender) *handlers.Server {
	t.Helper()

	mapping, err := catalog.ParseMapping([]byte(productMap))
	if err != nil {
		t.Fatalf("Failed to parse product map: %v", err)
	}
	if _, err := catalog.SeedTemplates(context.Background(), db, mapping); err != nil {
		t.Fatalf("Failed to seed templates: %v", err)
	}

	engine := fulfillment.New(db, catalog.NewResolver(mapping), licensekey.New("TPL"),
		fulfillment.WithPolicy(fulfillment.Policy{
			SingleMaxUsage:   3,
			ExtendedMaxUsage: 10,
			Validity:         365 * 24 * time.Hour,
		}),
		fulfillment.WithSender(mail),
	)
	verifier := webhook.NewVerifier(testutil.WebhookSecret, webhook.VerifierOptions{Environment: "test"})

	return handlers.NewHttpServer(db, engine, verifier, handlers.Options{
		Version:          "integration",
		LicenseRateLimit: 1000,
	})
}

func newSQLiteStorage(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "integration.db"))
	if err != nil {
		t.Fatalf("Failed to create SQLite storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func forEachStorage(t *testing.T, run func(t *testing.T, db storage.Storage)) {
	t.Run("memory", func(t *testing.T) { run(t, testutil.TestStorage()) })
	t.Run("sqlite", func(t *testing.T) { run(t, newSQLiteStorage(t)) })
}

func licenseCall(t *testing.T, server *handlers.Server, path, key string) (int, handlers.ValidateResponse) {
	t.Helper()
	w := testutil.MakeLicenseRequest(t, server.Mux, path, key)

	var response handlers.ValidateResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode license response: %v", err)
	}
	return w.Code, response
}

func licenseKeyFor(t *testing.T, db storage.Queries, orderID string) string {
	t.Helper()
	licenses, err := db.FindLicensesByOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("Failed to load licenses: %v", err)
	}
	if len(licenses) != 1 {
		t.Fatalf("Expected one license for order %s, got %d", orderID, len(licenses))
	}
	return licenses[0].Key
}

func TestFullWorkflow_PurchaseToRefund(t *testing.T) {
	forEachStorage(t, func(t *testing.T, db storage.Storage) {
		mail := &outbox{}
		server := newIntegrationServer(t, db, mail)

		// Step 1: provider reports a paid order
		order := testutil.DefaultOrderPayload("ORD-100")
		created := testutil.DecodeWebhookResponse(t,
			testutil.MakeWebhookRequest(t, server.Mux, order.Event(webhook.EventOrderCreated)), http.StatusOK)
		if !created.Success || created.Data == nil {
			t.Fatalf("Expected fulfilled order, got %+v", created)
		}
		key := licenseKeyFor(t, db, created.Data.OrderID)
		if !licensekey.Valid(key, "TPL") {
			t.Errorf("Unexpected license key format %q", key)
		}
		if mail.count() != 1 {
			t.Errorf("Expected one license e-mail, got %d", mail.count())
		}

		// Step 2: the license validates
		status, response := licenseCall(t, server, "/api/v1/licenses/validate", key)
		if status != http.StatusOK || !response.Valid || response.Message != "license valid" {
			t.Fatalf("Expected valid license, got %d %+v", status, response)
		}
		if response.License.TemplateID != "tpl-landing" {
			t.Errorf("Expected template tpl-landing, got %s", response.License.TemplateID)
		}

		// Step 3: activate once
		status, response = licenseCall(t, server, "/api/v1/licenses/activate", key)
		if status != http.StatusOK || !response.Valid || response.License.UsedCount != 1 {
			t.Fatalf("Expected activation, got %d %+v", status, response)
		}

		// Step 4: redelivery changes nothing
		again := testutil.DecodeWebhookResponse(t,
			testutil.MakeWebhookRequest(t, server.Mux, order.Event(webhook.EventOrderCreated)), http.StatusOK)
		if again.Data.OrderID != created.Data.OrderID {
			t.Errorf("Expected redelivery to return order %s, got %s", created.Data.OrderID, again.Data.OrderID)
		}
		if mail.count() != 1 {
			t.Errorf("Expected no e-mail for redelivery, got %d total", mail.count())
		}

		// Step 5: refund revokes the license
		refund := order
		refund.Status = "refunded"
		refund.Refunded = true
		testutil.DecodeWebhookResponse(t,
			testutil.MakeWebhookRequest(t, server.Mux, refund.Event(webhook.EventOrderRefunded)), http.StatusOK)

		status, response = licenseCall(t, server, "/api/v1/licenses/validate", key)
		if status != http.StatusOK || response.Valid || response.Message != "license not active" {
			t.Errorf("Expected revoked license, got %d %+v", status, response)
		}

		// Step 6: a late "paid" update cannot resurrect the order
		late := order
		late.Status = "paid"
		testutil.DecodeWebhookResponse(t,
			testutil.MakeWebhookRequest(t, server.Mux, late.Event(webhook.EventOrderUpdated)), http.StatusOK)

		stored, err := db.FindOrderByExternalID(context.Background(), "ORD-100")
		if err != nil || stored == nil {
			t.Fatalf("Failed to load order: %v", err)
		}
		if stored.Status != "REFUNDED" {
			t.Errorf("Expected order to stay REFUNDED, got %s", stored.Status)
		}

		status, response = licenseCall(t, server, "/api/v1/licenses/activate", key)
		if status != http.StatusOK || response.Valid {
			t.Errorf("Expected activation of revoked license to fail, got %d %+v", status, response)
		}
	})
}

func TestWorkflow_VariantMapping(t *testing.T) {
	forEachStorage(t, func(t *testing.T, db storage.Storage) {
		server := newIntegrationServer(t, db, email.LogSender{})

		order := testutil.DefaultOrderPayload("ORD-200")
		order.ProductID = 500
		order.VariantID = 77
		order.VariantName = "Extended License"

		created := testutil.DecodeWebhookResponse(t,
			testutil.MakeWebhookRequest(t, server.Mux, order.Event(webhook.EventOrderCreated)), http.StatusOK)

		_, response := licenseCall(t, server, "/api/v1/licenses/validate", licenseKeyFor(t, db, created.Data.OrderID))
		if response.License == nil || response.License.TemplateID != "tpl-dashboard" {
			t.Fatalf("Expected tpl-dashboard license, got %+v", response.License)
		}
		if response.License.Tier != "EXTENDED" {
			t.Errorf("Expected EXTENDED tier, got %s", response.License.Tier)
		}
		if response.License.MaxUsage == nil || *response.License.MaxUsage != 10 {
			t.Errorf("Expected extended usage cap of 10, got %v", response.License.MaxUsage)
		}
	})
}

func TestWorkflow_ErrorHandling(t *testing.T) {
	forEachStorage(t, func(t *testing.T, db storage.Storage) {
		server := newIntegrationServer(t, db, email.LogSender{})
		order := testutil.DefaultOrderPayload("ORD-300")

		tests := []struct {
			name           string
			request        func() *httptest.ResponseRecorder
			expectedStatus int
		}{
			{"forged signature", func() *httptest.ResponseRecorder {
				return testutil.MakeWebhookRequestWithSignature(t, server.Mux, order.Event(webhook.EventOrderCreated), "deadbeef")
			}, http.StatusUnauthorized},
			{"unmapped product", func() *httptest.ResponseRecorder {
				p := order
				p.ProductID, p.VariantID = 1, 2
				return testutil.MakeWebhookRequest(t, server.Mux, p.Event(webhook.EventOrderCreated))
			}, http.StatusBadRequest},
			{"update for unknown order", func() *httptest.ResponseRecorder {
				return testutil.MakeWebhookRequest(t, server.Mux, order.Event(webhook.EventOrderUpdated))
			}, http.StatusNotFound},
			{"malformed body", func() *httptest.ResponseRecorder {
				return testutil.MakeWebhookRequest(t, server.Mux, []byte("not json"))
			}, http.StatusBadRequest},
		}

		for _, tt := range tests {
			if w := tt.request(); w.Code != tt.expectedStatus {
				t.Errorf("%s: expected status %d, got %d: %s", tt.name, tt.expectedStatus, w.Code, w.Body.String())
			}
		}

		if stored, _ := db.FindOrderByExternalID(context.Background(), "ORD-300"); stored != nil {
			t.Errorf("Expected no order after rejected deliveries, got %+v", stored)
		}
	})
}

func TestWorkflow_ConcurrentActivations(t *testing.T) {
	forEachStorage(t, func(t *testing.T, db storage.Storage) {
		server := newIntegrationServer(t, db, email.LogSender{})

		created := testutil.DecodeWebhookResponse(t,
			testutil.MakeWebhookRequest(t, server.Mux, testutil.DefaultOrderPayload("ORD-400").Event(webhook.EventOrderCreated)), http.StatusOK)
		key := licenseKeyFor(t, db, created.Data.OrderID)

		const attempts = 10
		codes := make(chan int, attempts)
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				req := httptest.NewRequest(http.MethodPost, "/api/v1/licenses/activate",
					strings.NewReader(fmt.Sprintf(`{"license_key":%q}`, key)))
				req.RemoteAddr = fmt.Sprintf("198.51.100.%d:1000", i+1)
				w := httptest.NewRecorder()
				server.Mux.ServeHTTP(w, req)
				codes <- w.Code
			}(i)
		}
		wg.Wait()
		close(codes)

		activated, conflicts := 0, 0
		for code := range codes {
			switch code {
			case http.StatusOK:
				activated++
			case http.StatusConflict:
				conflicts++
			default:
				t.Errorf("Unexpected status %d", code)
			}
		}
		if activated != 3 || conflicts != attempts-3 {
			t.Errorf("Expected 3 activations and %d conflicts, got %d and %d", attempts-3, activated, conflicts)
		}
	})
}

func TestWorkflow_HealthCheck(t *testing.T) {
	server := newIntegrationServer(t, testutil.TestStorage(), email.LogSender{})

	w := httptest.NewRecorder()
	server.Mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response handlers.HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if response.Status != "healthy" || response.Version != "integration" {
		t.Errorf("Unexpected health response: %+v", response)
	}
}

func BenchmarkFullWorkflow_WebhookToValidation(b *testing.B) {
	db := testutil.TestStorage()
	testutil.SeedTemplates(b, db, testutil.CreateTestTemplate("tpl-a", "42", "7"))
	engine := fulfillment.New(db, catalog.NewResolver(nil), licensekey.New("TPL"))
	verifier := webhook.NewVerifier(testutil.WebhookSecret, webhook.VerifierOptions{Environment: "test"})
	server := handlers.NewHttpServer(db, engine, verifier, handlers.Options{LicenseRateLimit: b.N + 1})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		payload := testutil.DefaultOrderPayload(fmt.Sprintf("ORD-%d", i)).Event(webhook.EventOrderCreated)
		w := testutil.MakeWebhookRequest(b, server.Mux, payload)
		if w.Code != http.StatusOK {
			b.Fatalf("Webhook failed with status %d", w.Code)
		}
	}
}
