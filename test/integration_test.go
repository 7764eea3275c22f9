//go:build integration

package test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/perfumery-backoffice/internal/admin"
	"github.com/joao-fontenele/perfumery-backoffice/internal/domain"
	"github.com/joao-fontenele/perfumery-backoffice/internal/messaging"
	"github.com/joao-fontenele/perfumery-backoffice/internal/orders"
	"github.com/joao-fontenele/perfumery-backoffice/internal/payments"
	"github.com/joao-fontenele/perfumery-backoffice/internal/webhook"
	"github.com/joao-fontenele/perfumery-backoffice/internal/worker"
)

// fakeMercadoPago serves GET /v1/payments/{id} from a fixed set of payloads.
type fakeMercadoPago struct {
	mu       sync.Mutex
	payments map[string]string
	calls    int
}

func (f *fakeMercadoPago) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if r.Header.Get("Authorization") != "Bearer test-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body, ok := f.payments[r.PathValue("id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Payment not found","status":404}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func (f *fakeMercadoPago) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type storeEnv struct {
	repo    *orders.OrderRepository
	history *orders.HistoryRepository
	webhook *webhook.Handler
	gateway *fakeMercadoPago
	logger  *slog.Logger
	seed    func(name string) int64
	exec    func(query string, args ...any)
}

func newStoreEnv(ctx context.Context, t *testing.T, payloads map[string]string) *storeEnv {
	t.Helper()

	pg := SetupPostgres(ctx, t)
	t.Cleanup(pg.Cleanup)

	db, err := StoreDB(ctx, pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open store DB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mp := &fakeMercadoPago{payments: payloads}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/payments/{id}", mp.handler)
	mpServer := httptest.NewServer(mux)
	t.Cleanup(mpServer.Close)

	repo := orders.NewOrderRepository(db)
	verifier := payments.NewClient(mpServer.URL, "test-token", mpServer.Client())

	handler, err := webhook.NewHandler(verifier, repo, nil, true, logger)
	if err != nil {
		t.Fatalf("failed to create webhook handler: %v", err)
	}

	return &storeEnv{
		repo:    repo,
		history: orders.NewHistoryRepository(db),
		webhook: handler,
		gateway: mp,
		logger:  logger,
		seed:    func(name string) int64 { return SeedProduct(ctx, t, db, name) },
		exec: func(query string, args ...any) {
			if _, err := db.ExecContext(ctx, query, args...); err != nil {
				t.Fatalf("exec %q: %v", query, err)
			}
		},
	}
}

func (e *storeEnv) notify(t *testing.T, body string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/mercadopago", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.webhook.HandleNotification(rec, req)
	return rec.Code
}

func approvedPayload(id string, productID int64) string {
	return fmt.Sprintf(`{
		"id": %q,
		"status": "approved",
		"transaction_amount": 150.00,
		"payment_method_id": "visa",
		"payer": {"email": "a@b.com", "first_name": "Ana", "phone": {"area_code": "099", "number": "123456"}},
		"metadata": {"shipping_type": "delivery", "city": "Montevideo"},
		"additional_info": {
			"items": [
				{"id": "%d", "title": "Eau de Parfum", "quantity": "2", "unit_price": 50.00},
				{"id": "gift-wrap", "title": "Gift wrap", "quantity": 1, "unit_price": 50.00}
			]
		}
	}`, id, productID)
}

func TestWebhookCreatesVerifiedOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	env := newStoreEnv(ctx, t, map[string]string{})
	productID := env.seed("Eau de Parfum")
	env.gateway.payments["MP-123"] = approvedPayload("MP-123", productID)

	// The claimed status in the notification is irrelevant.
	for i := 0; i < 2; i++ {
		if code := env.notify(t, `{"type":"payment","data":{"id":"MP-123","status":"rejected"}}`); code != http.StatusOK {
			t.Fatalf("delivery %d: expected status 200, got %d", i, code)
		}
	}

	if calls := env.gateway.callCount(); calls != 1 {
		t.Fatalf("expected the redelivery to skip verification, got %d gateway calls", calls)
	}

	order, err := env.repo.FindByPaymentID(ctx, "MP-123")
	if err != nil {
		t.Fatalf("failed to load order: %v", err)
	}
	if order == nil {
		t.Fatal("order not found in database")
	}

	all, err := env.repo.List(ctx, "")
	if err != nil {
		t.Fatalf("failed to list orders: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly 1 order, got %d", len(all))
	}

	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected status paid, got %s", order.Status)
	}
	if !order.TotalAmount.Equal(decimal.RequireFromString("150")) {
		t.Fatalf("expected total 150, got %s", order.TotalAmount)
	}
	if order.CustomerEmail != "a@b.com" {
		t.Fatalf("expected customer email a@b.com, got %s", order.CustomerEmail)
	}
	if order.CustomerDetails.City != "Montevideo" || order.CustomerDetails.PaymentMethod != "visa" {
		t.Fatalf("unexpected customer details %+v", order.CustomerDetails)
	}
	if err := order.Validate(); err != nil {
		t.Fatalf("stored order violates total invariant: %v", err)
	}
	if len(order.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(order.Items))
	}

	var catalog, other domain.OrderItem
	for _, item := range order.Items {
		if item.ProductID != nil {
			catalog = item
		} else {
			other = item
		}
	}
	if catalog.ProductID == nil || *catalog.ProductID != productID || catalog.DisplayName() != "Eau de Parfum" {
		t.Fatalf("unexpected catalog item %+v", catalog)
	}
	if other.DisplayName() != domain.DeletedProductName {
		t.Fatalf("expected placeholder name for non-catalog line, got %q", other.DisplayName())
	}
}

func TestWebhookOutcomes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	env := newStoreEnv(ctx, t, map[string]string{
		"200": `{"id": 200, "status": "pending", "transaction_amount": 80}`,
		"300": `{"id": 300, "status": "rejected", "transaction_amount": 80, "payer": {"email": "late@b.com"}}`,
	})

	tests := []struct {
		name      string
		body      string
		wantCode  int
		paymentID string
		want      domain.OrderStatus
	}{
		{name: "missing id", body: `{}`, wantCode: http.StatusBadRequest},
		{name: "pending payment", body: `{"data":{"id":200}}`, wantCode: http.StatusOK, paymentID: "200"},
		{name: "rejected payment", body: `{"data":{"id":"300"}}`, wantCode: http.StatusOK, paymentID: "300", want: domain.OrderStatusRejected},
		{name: "unknown payment", body: `{"data":{"id":"404"}}`, wantCode: http.StatusOK, paymentID: "404"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := env.notify(t, tt.body); code != tt.wantCode {
				t.Fatalf("expected status %d, got %d", tt.wantCode, code)
			}
			if tt.paymentID == "" {
				return
			}

			order, err := env.repo.FindByPaymentID(ctx, tt.paymentID)
			if err != nil {
				t.Fatalf("failed to load order: %v", err)
			}
			if tt.want == "" {
				if order != nil {
					t.Fatalf("expected no order, got %+v", order)
				}
				return
			}
			if order == nil || order.Status != tt.want {
				t.Fatalf("expected %s order, got %+v", tt.want, order)
			}
		})
	}
}

func TestAdminBoardAgainstOrderService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	env := newStoreEnv(ctx, t, map[string]string{})
	productID := env.seed("Eau de Parfum")
	env.gateway.payments["MP-1"] = approvedPayload("MP-1", productID)
	if code := env.notify(t, `{"data":{"id":"MP-1"}}`); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}

	ordersHandler, err := orders.NewHandler(env.repo, env.history, nil, env.logger)
	if err != nil {
		t.Fatalf("failed to create orders handler: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders", ordersHandler.HandleList)
	mux.HandleFunc("GET /orders/{id}", ordersHandler.HandleGet)
	mux.HandleFunc("PATCH /orders/{id}/status", ordersHandler.HandleUpdateStatus)
	mux.HandleFunc("PATCH /orders/{id}/notes", ordersHandler.HandleUpdateNotes)
	server := httptest.NewServer(mux)
	defer server.Close()

	board := admin.NewBoard(admin.NewClient(server.URL, server.Client()), env.logger)
	if err := board.Load(ctx, domain.OrderStatusPaid); err != nil {
		t.Fatalf("failed to load board: %v", err)
	}

	list := board.Orders()
	if len(list) != 1 {
		t.Fatalf("expected 1 paid order, got %d", len(list))
	}
	id := list[0].ID

	if res := board.ChangeStatus(ctx, id, domain.OrderStatusShipped); res.Err != nil || res.Order.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped, got %+v", res)
	}

	res := board.SaveNotes(ctx, id, "leave with doorman")
	if res.Err != nil || res.Order.InternalNotes == nil || *res.Order.InternalNotes != "leave with doorman" {
		t.Fatalf("expected notes to be saved, got %+v", res)
	}
	if res := board.SaveNotes(ctx, id, ""); res.Err != nil || res.Order.InternalNotes != nil {
		t.Fatalf("expected notes to be cleared, got %+v", res)
	}

	if res := board.ChangeStatus(ctx, id, domain.OrderStatusCancelled); res.Err != nil {
		t.Fatalf("failed to cancel: %v", res.Err)
	}

	if res := board.ChangeStatus(ctx, id, domain.OrderStatusDelivered); !errors.Is(res.Err, domain.ErrOrderCancelled) {
		t.Fatalf("expected board to refuse a cancelled order, got %+v", res)
	}

	// A stale view elsewhere still reaches the service, which refuses as well.
	client := admin.NewClient(server.URL, server.Client())
	if _, err := client.UpdateStatus(ctx, id, domain.OrderStatusDelivered); !errors.Is(err, domain.ErrOrderCancelled) {
		t.Fatalf("expected ErrOrderCancelled, got %v", err)
	}

	stored, err := env.repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("failed to load order: %v", err)
	}
	if stored.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected order to stay cancelled, got %s", stored.Status)
	}
}

func TestDeletedProductKeepsOrderItem(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	env := newStoreEnv(ctx, t, map[string]string{})
	productID := env.seed("Discontinued Cologne")
	env.gateway.payments["MP-9"] = approvedPayload("MP-9", productID)
	if code := env.notify(t, `{"data":{"id":"MP-9"}}`); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}

	env.exec(`DELETE FROM products WHERE id = $1`, productID)

	order, err := env.repo.FindByPaymentID(ctx, "MP-9")
	if err != nil {
		t.Fatalf("failed to load order: %v", err)
	}
	if len(order.Items) != 2 {
		t.Fatalf("expected items to survive product deletion, got %d", len(order.Items))
	}
	for _, item := range order.Items {
		if item.ProductID != nil {
			t.Fatalf("expected product reference to be cleared, got %d", *item.ProductID)
		}
		if item.ProductName != domain.DeletedProductName {
			t.Fatalf("expected placeholder name, got %q", item.ProductName)
		}
	}
	if err := order.Validate(); err != nil {
		t.Fatalf("order total changed after product deletion: %v", err)
	}
}

func TestKafkaConnectivity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	brokers, cleanup := SetupKafka(ctx, t)
	defer cleanup()

	if len(brokers) == 0 {
		t.Fatal("expected at least one broker")
	}
}

func TestHistoryProjectionThroughKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	env := newStoreEnv(ctx, t, map[string]string{})
	productID := env.seed("Eau de Parfum")
	env.gateway.payments["MP-7"] = approvedPayload("MP-7", productID)
	if code := env.notify(t, `{"data":{"id":"MP-7"}}`); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	order, err := env.repo.FindByPaymentID(ctx, "MP-7")
	if err != nil || order == nil {
		t.Fatalf("failed to load order: %v", err)
	}

	brokers, cleanup := SetupKafka(ctx, t)
	defer cleanup()

	topic := "order.events." + uuid.NewString()
	producer := messaging.NewProducer(brokers, topic)
	defer func() { _ = producer.Close() }()

	ordersHandler, err := orders.NewHandler(env.repo, env.history, producer, env.logger)
	if err != nil {
		t.Fatalf("failed to create orders handler: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /orders/{id}/status", ordersHandler.HandleUpdateStatus)
	mux.HandleFunc("GET /orders/{id}/history", ordersHandler.HandleHistory)

	created := domain.NewOrderCreatedEvent(order)
	if err := producer.Publish(ctx, fmt.Sprint(order.ID), created); err != nil {
		t.Fatalf("failed to publish created event: %v", err)
	}
	// Redelivered copy of the same event.
	if err := producer.Publish(ctx, fmt.Sprint(order.ID), created); err != nil {
		t.Fatalf("failed to publish created event: %v", err)
	}
	if err := producer.Publish(ctx, fmt.Sprint(order.ID), json.RawMessage(`{"not":"an event"}`)); err != nil {
		t.Fatalf("failed to publish malformed event: %v", err)
	}

	for _, status := range []domain.OrderStatus{domain.OrderStatusShipped, domain.OrderStatusDelivered} {
		req := httptest.NewRequest(http.MethodPatch, fmt.Sprintf("/orders/%d/status", order.ID), strings.NewReader(`{"status":"`+string(status)+`"}`))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
		}
	}

	consumer := messaging.NewConsumer(brokers, topic, "history-test", env.logger, messaging.WithStartOffset(kafka.FirstOffset))
	defer func() { _ = consumer.Close() }()

	projector := worker.NewHistoryProjector(env.history, env.logger)

	consumeCtx, stopConsuming := context.WithCancel(ctx)
	defer stopConsuming()
	done := make(chan error, 1)
	go func() { done <- consumer.Consume(consumeCtx, projector.Handle) }()

	var changes []domain.StatusChange
	deadline := time.Now().Add(90 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/orders/%d/history", order.ID), nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		changes = nil
		if err := json.NewDecoder(rec.Body).Decode(&changes); err != nil {
			t.Fatalf("failed to decode history: %v", err)
		}
		if len(changes) >= 3 {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	stopConsuming()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("consumer stopped with error: %v", err)
	}

	if len(changes) != 3 {
		t.Fatalf("expected 3 history rows, got %d: %+v", len(changes), changes)
	}
	want := []struct {
		from, to domain.OrderStatus
	}{
		{"", domain.OrderStatusPaid},
		{domain.OrderStatusPaid, domain.OrderStatusShipped},
		{domain.OrderStatusShipped, domain.OrderStatusDelivered},
	}
	for i, w := range want {
		if changes[i].From != w.from || changes[i].To != w.to {
			t.Errorf("row %d: expected %q -> %q, got %q -> %q", i, w.from, w.to, changes[i].From, changes[i].To)
		}
	}
}
