package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/joao-fontenele/perfumery-backoffice/internal/domain"
)

const orderColumns = `id, created_at, status, total_amount, customer_email, customer_details, internal_notes, payment_id`

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// CreateFromPayment inserts an order and its items in one transaction. The
// unique payment_id makes the insert idempotent: when an order for the same
// payment already exists nothing is written, order is filled with the stored
// row and created is false.
func (r *OrderRepository) CreateFromPayment(ctx context.Context, order *domain.Order) (bool, error) {
	if order.PaymentID == nil || *order.PaymentID == "" {
		return false, errors.New("order has no payment id")
	}
	if err := order.Validate(); err != nil {
		return false, err
	}

	details, err := json.Marshal(order.CustomerDetails)
	if err != nil {
		return false, fmt.Errorf("marshal customer details: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (status, total_amount, customer_email, customer_details, payment_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payment_id) DO NOTHING
		RETURNING id, created_at
	`, order.Status, order.TotalAmount, order.CustomerEmail, details, *order.PaymentID).Scan(&order.ID, &order.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		existing, err := r.FindByPaymentID(ctx, *order.PaymentID)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, fmt.Errorf("order for payment %s vanished after conflict", *order.PaymentID)
		}
		*order = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		// Unknown catalog ids are stored as a missing product rather than failing the order.
		err = tx.QueryRowContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1, (SELECT id FROM products WHERE id = $2), $3, $4)
			RETURNING id, product_id
		`, order.ID, item.ProductID, item.Quantity, item.UnitPrice).Scan(&item.ID, &item.ProductID)
		if err != nil {
			return false, fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	return true, nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*domain.Order, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *OrderRepository) FindByPaymentID(ctx context.Context, paymentID string) (*domain.Order, error) {
	return r.getOne(ctx, `WHERE payment_id = $1`, paymentID)
}

func (r *OrderRepository) getOne(ctx context.Context, where string, arg any) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	items, err := r.loadItems(ctx, []int64{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]
	if order.Items == nil {
		order.Items = []domain.OrderItem{}
	}

	return order, nil
}

// List returns orders newest first. An empty status lists every order.
func (r *OrderRepository) List(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC, id DESC
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orders []domain.Order
	var ids []int64
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
		ids = append(ids, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []domain.Order{}, nil
	}

	items, err := r.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
		if orders[i].Items == nil {
			orders[i].Items = []domain.OrderItem{}
		}
	}

	return orders, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, orderIDs []int64) (map[int64][]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT oi.order_id, oi.id, oi.product_id, oi.quantity, oi.unit_price, p.name, p.image_url
		FROM order_items oi
		LEFT JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = ANY($1)
		ORDER BY oi.id
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := make(map[int64][]domain.OrderItem, len(orderIDs))
	for rows.Next() {
		var (
			orderID   int64
			item      domain.OrderItem
			productID sql.NullInt64
			name      sql.NullString
			imageURL  sql.NullString
		)
		if err := rows.Scan(&orderID, &item.ID, &productID, &item.Quantity, &item.UnitPrice, &name, &imageURL); err != nil {
			return nil, err
		}
		if productID.Valid {
			item.ProductID = &productID.Int64
		}
		if name.Valid {
			item.Product = &domain.ProductRef{Name: name.String}
			if imageURL.Valid {
				item.Product.ImageURL = &imageURL.String
			}
		}
		item.ProductName = item.DisplayName()
		items[orderID] = append(items[orderID], item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

// UpdateStatus moves an order to a new status under a row lock and returns the
// updated order together with the status it had before. A missing order
// yields a nil order and no error.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id int64, status domain.OrderStatus) (*domain.Order, domain.OrderStatus, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = tx.Rollback() }()

	var from domain.OrderStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	if err := domain.CanTransition(from, status); err != nil {
		return nil, from, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, id); err != nil {
		return nil, from, err
	}

	if err := tx.Commit(); err != nil {
		return nil, from, err
	}

	order, err := r.GetByID(ctx, id)
	return order, from, err
}

// UpdateNotes replaces the internal notes; empty notes are stored as NULL.
func (r *OrderRepository) UpdateNotes(ctx context.Context, id int64, notes string) (*domain.Order, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET internal_notes = NULLIF($1, ''), updated_at = NOW()
		WHERE id = $2
	`, notes, id)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		return nil, nil
	}

	return r.GetByID(ctx, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*domain.Order, error) {
	var (
		order     domain.Order
		details   []byte
		notes     sql.NullString
		paymentID sql.NullString
	)
	if err := row.Scan(&order.ID, &order.CreatedAt, &order.Status, &order.TotalAmount,
		&order.CustomerEmail, &details, &notes, &paymentID); err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &order.CustomerDetails); err != nil {
			return nil, fmt.Errorf("decode customer details of order %d: %w", order.ID, err)
		}
	}
	if notes.Valid {
		order.InternalNotes = &notes.String
	}
	if paymentID.Valid {
		order.PaymentID = &paymentID.String
	}
	return &order, nil
}
