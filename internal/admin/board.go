package admin

import (
	"context"
	"log/slog"
	"sync"

	"github.com/joao-fontenele/perfumery-backoffice/internal/domain"
)

type OrderService interface {
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, id int64, status domain.OrderStatus) (*domain.Order, error)
	UpdateNotes(ctx context.Context, id int64, notes string) (*domain.Order, error)
}

// Result is the outcome of a mutation made through the Board. Order is the
// order as currently displayed. Reverted is set when a tentative change was
// applied and then rolled back because the remote write failed.
type Result struct {
	Order    domain.Order
	Reverted bool
	Err      error
}

// Board is the administrator's local view of the order list. Status changes
// are shown immediately and undone if the order service rejects them.
type Board struct {
	service OrderService
	logger  *slog.Logger

	mu     sync.RWMutex
	orders []domain.Order
	index  map[int64]int
	// confirmed holds the last status the order service acknowledged per order.
	confirmed map[int64]domain.OrderStatus
}

func NewBoard(service OrderService, logger *slog.Logger) *Board {
	return &Board{
		service:   service,
		logger:    logger,
		index:     map[int64]int{},
		confirmed: map[int64]domain.OrderStatus{},
	}
}

// Load replaces the local view with the orders matching filter. An empty
// filter loads every order.
func (b *Board) Load(ctx context.Context, filter domain.OrderStatus) error {
	orders, err := b.service.ListOrders(ctx, filter)
	if err != nil {
		return err
	}

	index := make(map[int64]int, len(orders))
	confirmed := make(map[int64]domain.OrderStatus, len(orders))
	for i, o := range orders {
		index[o.ID] = i
		confirmed[o.ID] = o.Status
	}

	b.mu.Lock()
	b.orders = orders
	b.index = index
	b.confirmed = confirmed
	b.mu.Unlock()

	b.logger.Info("orders loaded", "count", len(orders), "status", filter)
	return nil
}

func (b *Board) Orders() []domain.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.Order, len(b.orders))
	copy(out, b.orders)
	return out
}

func (b *Board) Order(id int64) (domain.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i, ok := b.index[id]
	if !ok {
		return domain.Order{}, false
	}
	return b.orders[i], true
}

// ChangeStatus shows status on the order right away, then writes it to the
// order service. On failure the last status the service confirmed is restored
// and the error is returned in the Result.
func (b *Board) ChangeStatus(ctx context.Context, id int64, status domain.OrderStatus) Result {
	if !status.Valid() {
		current, _ := b.Order(id)
		return Result{Order: current, Err: domain.ErrInvalidStatus}
	}

	b.mu.Lock()
	i, ok := b.index[id]
	if !ok {
		b.mu.Unlock()
		return Result{Err: ErrNotFound}
	}
	previous := b.orders[i].Status
	if err := domain.CanTransition(previous, status); err != nil {
		current := b.orders[i]
		b.mu.Unlock()
		return Result{Order: current, Err: err}
	}
	b.orders[i].Status = status
	b.mu.Unlock()

	updated, err := b.service.UpdateStatus(ctx, id, status)
	if err != nil {
		b.logger.Warn("status update failed, reverting", "error", err, "order_id", id, "from", previous, "to", status)
		current := b.revertStatus(id, status)
		return Result{Order: current, Reverted: true, Err: err}
	}

	return Result{Order: b.replace(*updated)}
}

// SaveNotes writes the internal notes and only updates the local view once the
// order service has accepted them.
func (b *Board) SaveNotes(ctx context.Context, id int64, notes string) Result {
	current, ok := b.Order(id)
	if !ok {
		return Result{Err: ErrNotFound}
	}

	updated, err := b.service.UpdateNotes(ctx, id, notes)
	if err != nil {
		b.logger.Warn("notes update failed", "error", err, "order_id", id)
		return Result{Order: current, Err: err}
	}

	return Result{Order: b.replace(*updated)}
}

// revertStatus restores the last confirmed status unless a later change
// already replaced the tentative one. The later change reverts on its own if
// it fails too.
func (b *Board) revertStatus(id int64, tentative domain.OrderStatus) domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.index[id]
	if !ok {
		return domain.Order{}
	}
	if b.orders[i].Status == tentative {
		b.orders[i].Status = b.confirmed[id]
	}
	return b.orders[i]
}

func (b *Board) replace(order domain.Order) domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i, ok := b.index[order.ID]; ok {
		b.orders[i] = order
		b.confirmed[order.ID] = order.Status
	}
	return order
}
