// Package worker projects order events into the status history table.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/joao-fontenele/perfumery-backoffice/internal/domain"
	"github.com/joao-fontenele/perfumery-backoffice/internal/messaging"
)

type HistoryRecorder interface {
	Record(ctx context.Context, event domain.OrderEvent) (bool, error)
}

type HistoryProjector struct {
	history HistoryRecorder
	logger  *slog.Logger
}

func NewHistoryProjector(history HistoryRecorder, logger *slog.Logger) *HistoryProjector {
	return &HistoryProjector{
		history: history,
		logger:  logger,
	}
}

// Handle records one order event. Events that can never be recorded are
// reported as permanent so the consumer skips them; storage failures are
// returned as-is and the message is redelivered.
func (p *HistoryProjector) Handle(ctx context.Context, payload []byte) error {
	var event domain.OrderEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return messaging.Permanent(fmt.Errorf("unmarshal order event: %w", err))
	}

	if err := validate(event); err != nil {
		return messaging.Permanent(err)
	}

	recorded, err := p.history.Record(ctx, event)
	if err != nil {
		p.logger.Error("failed to record order event", "error", err, "event_id", event.EventID, "order_id", event.OrderID)
		return fmt.Errorf("record order event %s: %w", event.EventID, err)
	}

	if !recorded {
		p.logger.Info("order event already recorded", "event_id", event.EventID, "order_id", event.OrderID)
		return nil
	}

	p.logger.Info("order event recorded", "event_id", event.EventID, "order_id", event.OrderID, "type", event.Type, "from", event.From, "to", event.To)
	return nil
}

func validate(event domain.OrderEvent) error {
	switch {
	case event.EventID == uuid.Nil:
		return errors.New("order event without id")
	case event.OrderID <= 0:
		return fmt.Errorf("order event %s without order id", event.EventID)
	case event.Type != domain.EventOrderCreated && event.Type != domain.EventOrderStatusChanged:
		return fmt.Errorf("order event %s has unknown type %q", event.EventID, event.Type)
	case !event.To.Valid():
		return fmt.Errorf("order event %s has invalid status %q", event.EventID, event.To)
	}
	return nil
}
