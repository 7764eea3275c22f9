// Package webhook turns payment notifications into verified orders.
//
// A notification is only a hint that something happened to a payment: its
// claimed status is never read. The handler asks the payment gateway for the
// authoritative state and derives the order from that answer. Order creation
// is idempotent on the gateway payment id, so redelivered notifications are
// acknowledged without producing a second order.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/perfumery-backoffice/internal/domain"
	"github.com/joao-fontenele/perfumery-backoffice/internal/payments"
)

const maxBodyBytes = 64 << 10

// Outcomes reported on the webhook.notifications counter.
const (
	outcomeMissingID    = "missing_id"
	outcomeIgnoredTopic = "ignored_topic"
	outcomeDuplicate    = "duplicate"
	outcomeNotFound     = "payment_not_found"
	outcomeVerifyFailed = "verification_failed"
	outcomeNotFinal     = "not_final"
	outcomeCreated      = "created"
	outcomeStoreFailed  = "store_failed"
)

type PaymentVerifier interface {
	GetPayment(ctx context.Context, id string) (*payments.Payment, error)
}

type OrderStore interface {
	FindByPaymentID(ctx context.Context, paymentID string) (*domain.Order, error)
	CreateFromPayment(ctx context.Context, order *domain.Order) (bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type Handler struct {
	verifier       PaymentVerifier
	store          OrderStore
	publisher      EventPublisher
	recordFailures bool
	logger         *slog.Logger
	notifications  metric.Int64Counter
}

// NewHandler builds the reconciliation handler. publisher may be nil. When
// recordFailures is set, verified rejected or cancelled payments are stored as
// rejected orders so administrators can follow up on them.
func NewHandler(verifier PaymentVerifier, store OrderStore, publisher EventPublisher, recordFailures bool, logger *slog.Logger) (*Handler, error) {
	notifications, err := otel.Meter("webhook").Int64Counter("webhook.notifications",
		metric.WithDescription("Payment notifications by processing outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &Handler{
		verifier:       verifier,
		store:          store,
		publisher:      publisher,
		recordFailures: recordFailures,
		logger:         logger,
		notifications:  notifications,
	}, nil
}

type notification struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

func (h *Handler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body notification
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read notification body, falling back to query", "error", err)
		raw = nil
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		// A malformed body is treated like an empty one; the id may still be in the query.
		_ = json.Unmarshal(raw, &body)
	}

	paymentID := rawID(body.Data.ID)
	if paymentID == "" {
		paymentID = r.URL.Query().Get("data.id")
	}

	if paymentID == "" {
		h.record(ctx, outcomeMissingID)
		h.writeMessage(w, http.StatusBadRequest, "Missing ID")
		return
	}

	if topic := notificationTopic(body, r); topic != "" && topic != "payment" {
		h.record(ctx, outcomeIgnoredTopic)
		h.logger.Info("notification ignored", "reason", "not a payment", "topic", topic, "payment_id", paymentID)
		h.writeMessage(w, http.StatusOK, "Received")
		return
	}

	existing, err := h.store.FindByPaymentID(ctx, paymentID)
	if err != nil {
		h.record(ctx, outcomeStoreFailed)
		h.logger.Error("failed to look up order by payment", "error", err, "payment_id", paymentID)
		h.writeMessage(w, http.StatusInternalServerError, "DB Error")
		return
	}
	if existing != nil {
		h.record(ctx, outcomeDuplicate)
		h.logger.Info("notification ignored", "reason", "order already recorded", "payment_id", paymentID, "order_id", existing.ID)
		h.writeMessage(w, http.StatusOK, "Received")
		return
	}

	payment, err := h.verifier.GetPayment(ctx, paymentID)
	if errors.Is(err, payments.ErrPaymentNotFound) {
		h.record(ctx, outcomeNotFound)
		h.logger.Info("notification ignored", "reason", "payment not found at gateway", "payment_id", paymentID)
		h.writeMessage(w, http.StatusOK, "Received")
		return
	}
	if err != nil {
		h.record(ctx, outcomeVerifyFailed)
		h.logger.Error("failed to verify payment", "error", err, "payment_id", paymentID)
		h.writeMessage(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	status, ok := h.orderStatus(payment)
	if !ok {
		h.record(ctx, outcomeNotFinal)
		h.logger.Info("notification ignored", "reason", "payment not final", "payment_id", paymentID, "payment_status", payment.Status)
		h.writeMessage(w, http.StatusOK, "Received")
		return
	}

	order := h.buildOrder(payment, status, paymentID)

	created, err := h.store.CreateFromPayment(ctx, order)
	if err != nil {
		h.record(ctx, outcomeStoreFailed)
		h.logger.Error("failed to store order", "error", err, "payment_id", paymentID)
		h.writeMessage(w, http.StatusInternalServerError, "DB Error")
		return
	}

	if !created {
		h.record(ctx, outcomeDuplicate)
		h.logger.Info("notification ignored", "reason", "order recorded concurrently", "payment_id", paymentID, "order_id", order.ID)
		h.writeMessage(w, http.StatusOK, "Received")
		return
	}

	h.record(ctx, outcomeCreated)

	if h.publisher != nil {
		event := domain.NewOrderCreatedEvent(order)
		if err := h.publisher.Publish(ctx, strconv.FormatInt(order.ID, 10), event); err != nil {
			h.logger.Error("failed to publish order created event", "error", err, "order_id", order.ID)
		}
	}

	if order.Status.IsFailed() {
		h.logger.Warn("failed payment recorded", "order_id", order.ID, "payment_id", paymentID, "payment_status", payment.Status, "status_detail", payment.StatusDetail)
	} else {
		h.logger.Info("order created from payment", "order_id", order.ID, "payment_id", paymentID, "status", order.Status, "total", order.TotalAmount.StringFixed(2))
	}
	h.writeMessage(w, http.StatusOK, "Received")
}

// orderStatus maps a verified payment status to the status of the order to
// create. ok is false when no order should be written yet.
func (h *Handler) orderStatus(payment *payments.Payment) (domain.OrderStatus, bool) {
	switch {
	case payment.Approved():
		return domain.OrderStatusPaid, true
	case payment.Failed() && h.recordFailures:
		return domain.OrderStatusRejected, true
	default:
		return "", false
	}
}

func (h *Handler) buildOrder(payment *payments.Payment, status domain.OrderStatus, notifiedID string) *domain.Order {
	paymentID := payment.IDString()
	if paymentID == "" {
		paymentID = notifiedID
	}
	details := payment.CustomerDetails()

	order := &domain.Order{
		Status:          status,
		TotalAmount:     payment.TransactionAmount,
		CustomerEmail:   details.Email,
		CustomerDetails: details,
		PaymentID:       &paymentID,
		Items:           payment.Items(),
	}

	// The verified amount is authoritative; lines that do not add up to it are not kept.
	if err := order.Validate(); errors.Is(err, domain.ErrTotalMismatch) {
		h.logger.Warn("payment items do not match paid amount, storing order without items",
			"payment_id", paymentID,
			"paid", order.TotalAmount.StringFixed(2),
			"items_total", order.ItemsTotal().StringFixed(2),
		)
		order.Items = nil
	}

	return order
}

func notificationTopic(body notification, r *http.Request) string {
	for _, candidate := range []string{body.Type, body.Topic, r.URL.Query().Get("type"), r.URL.Query().Get("topic")} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// rawID accepts the payment id as a JSON string or number.
func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func (h *Handler) record(ctx context.Context, outcome string) {
	h.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (h *Handler) writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"message": message}); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
