package orders

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/perfumery-backoffice/internal/domain"
)

type Store interface {
	List(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
	GetByID(ctx context.Context, id int64) (*domain.Order, error)
	UpdateStatus(ctx context.Context, id int64, status domain.OrderStatus) (*domain.Order, domain.OrderStatus, error)
	UpdateNotes(ctx context.Context, id int64, notes string) (*domain.Order, error)
}

type HistoryStore interface {
	ListByOrder(ctx context.Context, orderID int64) ([]domain.StatusChange, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Handler serves the administrator order API.
type Handler struct {
	store         Store
	history       HistoryStore
	publisher     EventPublisher
	logger        *slog.Logger
	statusUpdates metric.Int64Counter
}

// NewHandler wires the admin API. publisher may be nil when no broker is configured.
func NewHandler(store Store, history HistoryStore, publisher EventPublisher, logger *slog.Logger) (*Handler, error) {
	statusUpdates, err := otel.Meter("orders").Int64Counter("orders.status_updates",
		metric.WithDescription("Administrator status updates by target status and result"),
	)
	if err != nil {
		return nil, err
	}

	return &Handler{
		store:         store,
		history:       history,
		publisher:     publisher,
		logger:        logger,
		statusUpdates: statusUpdates,
	}, nil
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	var status domain.OrderStatus
	if filter := r.URL.Query().Get("status"); filter != "" && filter != "all" {
		parsed, err := domain.ParseStatus(filter)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		status = parsed
	}

	orders, err := h.store.List(r.Context(), status)
	if err != nil {
		h.logger.Error("failed to list orders", "error", err, "status", status)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("orders listed", "count", len(orders), "status", status)
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	order, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.logger.Info("order retrieved", "order_id", order.ID)
	h.writeJSON(w, http.StatusOK, order)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := domain.ParseStatus(req.Status)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	order, from, err := h.store.UpdateStatus(r.Context(), id, status)
	if err != nil {
		h.recordStatusUpdate(r.Context(), status, "error")
		if errors.Is(err, domain.ErrOrderCancelled) {
			h.writeError(w, http.StatusConflict, "order is cancelled")
			return
		}
		h.logger.Error("failed to update order status", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.recordStatusUpdate(r.Context(), status, "not_found")
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.recordStatusUpdate(r.Context(), status, "ok")

	if from != status && h.publisher != nil {
		event := domain.NewStatusChangedEvent(order.ID, from, status)
		if err := h.publisher.Publish(r.Context(), strconv.FormatInt(order.ID, 10), event); err != nil {
			h.logger.Error("failed to publish status changed event", "error", err, "order_id", order.ID)
		}
	}

	h.logger.Info("order status updated", "order_id", order.ID, "from", from, "status", order.Status)
	h.writeJSON(w, http.StatusOK, order)
}

type updateNotesRequest struct {
	InternalNotes string `json:"internal_notes"`
}

func (h *Handler) HandleUpdateNotes(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	var req updateNotesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.store.UpdateNotes(r.Context(), id, req.InternalNotes)
	if err != nil {
		h.logger.Error("failed to update order notes", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.logger.Info("order notes updated", "order_id", order.ID)
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	changes, err := h.history.ListByOrder(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list order history", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, changes)
}

func (h *Handler) orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid order id")
		return 0, false
	}
	return id, true
}

func (h *Handler) recordStatusUpdate(ctx context.Context, status domain.OrderStatus, result string) {
	h.statusUpdates.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("result", result),
	))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
