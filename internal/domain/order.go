package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DeletedProductName is shown for items whose catalog product no longer exists.
const DeletedProductName = "deleted product"

var ErrTotalMismatch = errors.New("order total does not match item subtotals")

// totalTolerance absorbs currency rounding when comparing the paid total with item subtotals.
var totalTolerance = decimal.New(1, -2)

type CustomerDetails struct {
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Document      string `json:"cedula,omitempty"`
	Address       string `json:"address,omitempty"`
	City          string `json:"city,omitempty"`
	Department    string `json:"department,omitempty"`
	ZipCode       string `json:"zip_code,omitempty"`
	ShippingType  string `json:"shipping_type,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
}

type ProductRef struct {
	Name     string  `json:"name"`
	ImageURL *string `json:"image_url"`
}

type OrderItem struct {
	ID          int64           `json:"id"`
	ProductID   *int64          `json:"product_id"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Product     *ProductRef     `json:"product,omitempty"`
	ProductName string          `json:"product_name,omitempty"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// DisplayName falls back to a placeholder when the referenced product was deleted
// from the catalog, so historical orders stay readable.
func (i OrderItem) DisplayName() string {
	if i.Product == nil || i.Product.Name == "" {
		return DeletedProductName
	}
	return i.Product.Name
}

type Order struct {
	ID              int64           `json:"id"`
	CreatedAt       time.Time       `json:"created_at"`
	Status          OrderStatus     `json:"status"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	CustomerEmail   string          `json:"customer_email"`
	CustomerDetails CustomerDetails `json:"customer_details"`
	InternalNotes   *string         `json:"internal_notes"`
	PaymentID       *string         `json:"payment_id"`
	Items           []OrderItem     `json:"order_items"`
}

func (o *Order) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// Validate checks the write-time invariants of a new order. An order without
// items carries only the paid total and is accepted as is.
func (o *Order) Validate() error {
	if !o.Status.Valid() {
		return ErrInvalidStatus
	}
	if len(o.Items) == 0 {
		return nil
	}
	if o.ItemsTotal().Sub(o.TotalAmount).Abs().GreaterThan(totalTolerance) {
		return ErrTotalMismatch
	}
	return nil
}
