// Package admin is the administrator side of the order API: an HTTP client
// and a Board that applies status changes optimistically.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/joao-fontenele/perfumery-backoffice/internal/domain"
)

var ErrNotFound = errors.New("order not found")

// APIError is returned for responses the client has no sentinel for.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orders service returned status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, client *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: client,
	}
}

// ListOrders returns orders newest first. An empty status lists every order.
func (c *Client) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	path := "/orders"
	if status != "" {
		path += "?" + url.Values{"status": {string(status)}}.Encode()
	}

	var orders []domain.Order
	if err := c.do(ctx, http.MethodGet, path, nil, &orders); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

func (c *Client) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	var order domain.Order
	if err := c.do(ctx, http.MethodGet, orderPath(id, ""), nil, &order); err != nil {
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	return &order, nil
}

func (c *Client) UpdateStatus(ctx context.Context, id int64, status domain.OrderStatus) (*domain.Order, error) {
	body := map[string]string{"status": string(status)}

	var order domain.Order
	if err := c.do(ctx, http.MethodPatch, orderPath(id, "/status"), body, &order); err != nil {
		return nil, fmt.Errorf("update status of order %d: %w", id, err)
	}
	return &order, nil
}

// UpdateNotes replaces the internal notes. An empty string clears them.
func (c *Client) UpdateNotes(ctx context.Context, id int64, notes string) (*domain.Order, error) {
	body := map[string]string{"internal_notes": notes}

	var order domain.Order
	if err := c.do(ctx, http.MethodPatch, orderPath(id, "/notes"), body, &order); err != nil {
		return nil, fmt.Errorf("update notes of order %d: %w", id, err)
	}
	return &order, nil
}

func orderPath(id int64, suffix string) string {
	return "/orders/" + strconv.FormatInt(id, 10) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return domain.ErrOrderCancelled
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidStatus, body.Error)
	default:
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	}
}
