package orders

import (
	"context"
	"database/sql"

	"github.com/joao-fontenele/perfumery-backoffice/internal/domain"
)

// HistoryRepository stores the status history projected from order events.
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Record stores one event. Redelivered events are ignored and reported as not recorded.
func (r *HistoryRepository) Record(ctx context.Context, event domain.OrderEvent) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO order_status_history (event_id, order_id, event_type, from_status, to_status, changed_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.OrderID, string(event.Type), string(event.From), string(event.To), event.Timestamp)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}

func (r *HistoryRepository) ListByOrder(ctx context.Context, orderID int64) ([]domain.StatusChange, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, order_id, event_type, COALESCE(from_status, ''), to_status, changed_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY changed_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	changes := []domain.StatusChange{}
	for rows.Next() {
		var change domain.StatusChange
		if err := rows.Scan(&change.EventID, &change.OrderID, &change.Type, &change.From, &change.To, &change.ChangedAt); err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return changes, nil
}
