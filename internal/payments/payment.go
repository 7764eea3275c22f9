package payments

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/perfumery-backoffice/internal/domain"
)

type Status string

// Payment statuses reported by Mercado Pago.
const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusAuthorized  Status = "authorized"
	StatusInProcess   Status = "in_process"
	StatusInMediation Status = "in_mediation"
	StatusRejected    Status = "rejected"
	StatusCancelled   Status = "cancelled"
	StatusRefunded    Status = "refunded"
	StatusChargedBack Status = "charged_back"
)

type Payment struct {
	ID                ID              `json:"id"`
	Status            Status          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	PaymentMethodID   string          `json:"payment_method_id"`
	ExternalReference string          `json:"external_reference"`
	Payer             Payer           `json:"payer"`
	Metadata          map[string]any  `json:"metadata"`
	AdditionalInfo    AdditionalInfo  `json:"additional_info"`
}

type Payer struct {
	Email          string         `json:"email"`
	FirstName      string         `json:"first_name"`
	LastName       string         `json:"last_name"`
	Phone          Phone          `json:"phone"`
	Identification Identification `json:"identification"`
}

type Phone struct {
	AreaCode flexString `json:"area_code"`
	Number   flexString `json:"number"`
}

type Identification struct {
	Type   string     `json:"type"`
	Number flexString `json:"number"`
}

type AdditionalInfo struct {
	Items     []Item    `json:"items"`
	Shipments Shipments `json:"shipments"`
}

type Item struct {
	ID        flexString      `json:"id"`
	Title     flexString      `json:"title"`
	Quantity  flexInt         `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type Shipments struct {
	ReceiverAddress ReceiverAddress `json:"receiver_address"`
}

type ReceiverAddress struct {
	StreetName   flexString `json:"street_name"`
	StreetNumber flexString `json:"street_number"`
	ZipCode      flexString `json:"zip_code"`
	CityName     flexString `json:"city_name"`
	StateName    flexString `json:"state_name"`
}

// ID is a gateway transaction id. Mercado Pago sends numbers; other
// producers of the same payload use opaque strings.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("parse payment id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

// flexString holds snapshot text that the gateway may send as a string or a
// number. Any other JSON value decodes to the empty string.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0:
		*s = ""
	case data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
	case data[0] == '-' || (data[0] >= '0' && data[0] <= '9'):
		*s = flexString(data)
	default:
		*s = ""
	}
	return nil
}

// flexInt accepts quantities sent as JSON numbers or numeric strings,
// including whole-valued decimals like 1.0. Anything that is not a whole
// number decodes to zero so the line is skipped instead of failing the payment.
type flexInt int

func (n *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	*n = 0
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	v, err := decimal.NewFromString(string(data))
	if err != nil || !v.IsInteger() {
		return nil
	}
	*n = flexInt(v.IntPart())
	return nil
}

func (p *Payment) Approved() bool {
	return p.Status == StatusApproved
}

func (p *Payment) Failed() bool {
	return p.Status == StatusRejected || p.Status == StatusCancelled
}

func (p *Payment) IDString() string {
	return string(p.ID)
}

var nonDigits = regexp.MustCompile(`\D`)

// CustomerDetails snapshots the buyer data carried by the payment. Checkout
// metadata, when present, takes precedence over the payer record.
func (p *Payment) CustomerDetails() domain.CustomerDetails {
	addr := p.AdditionalInfo.Shipments.ReceiverAddress
	details := domain.CustomerDetails{
		Name:          strings.TrimSpace(p.Payer.FirstName + " " + p.Payer.LastName),
		Email:         p.Payer.Email,
		Phone:         nonDigits.ReplaceAllString(string(p.Payer.Phone.AreaCode+p.Payer.Phone.Number), ""),
		Document:      string(p.Payer.Identification.Number),
		Address:       strings.TrimSpace(string(addr.StreetName + " " + addr.StreetNumber)),
		City:          string(addr.CityName),
		Department:    string(addr.StateName),
		ZipCode:       string(addr.ZipCode),
		PaymentMethod: p.PaymentMethodID,
	}

	overrides := []struct {
		key    string
		target *string
	}{
		{"name", &details.Name},
		{"email", &details.Email},
		{"phone", &details.Phone},
		{"cedula", &details.Document},
		{"address", &details.Address},
		{"city", &details.City},
		{"department", &details.Department},
		{"zip_code", &details.ZipCode},
		{"shipping_type", &details.ShippingType},
	}
	for _, o := range overrides {
		if v, ok := p.Metadata[o.key].(string); ok && strings.TrimSpace(v) != "" {
			*o.target = strings.TrimSpace(v)
		}
	}

	return details
}

// Items converts the purchased lines into order items. Lines without a
// positive quantity are skipped. Line ids that are not catalog product ids
// leave the product reference empty.
func (p *Payment) Items() []domain.OrderItem {
	items := make([]domain.OrderItem, 0, len(p.AdditionalInfo.Items))
	for _, line := range p.AdditionalInfo.Items {
		if line.Quantity <= 0 {
			continue
		}
		item := domain.OrderItem{
			Quantity:  int(line.Quantity),
			UnitPrice: line.UnitPrice,
		}
		if id, err := strconv.ParseInt(string(line.ID), 10, 64); err == nil {
			item.ProductID = &id
		}
		items = append(items, item)
	}
	return items
}
