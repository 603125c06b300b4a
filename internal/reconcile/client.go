package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/readmodel"
)

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.StatusCode, e.Message)
}

// Client talks to the order API on behalf of one bearer
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	dialer  *websocket.Dialer
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// ListOrderItems pulls the authoritative snapshot, limited to statuses when
// any are given.
func (c *Client) ListOrderItems(ctx context.Context, statuses []orderitem.Status) ([]readmodel.OrderItemView, error) {
	path := "/api/order-items"
	if len(statuses) > 0 {
		parts := make([]string, 0, len(statuses))
		for _, st := range statuses {
			parts = append(parts, string(st))
		}
		path += "?status=" + url.QueryEscape(strings.Join(parts, ","))
	}
	var views []readmodel.OrderItemView
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// AddToCart sends an add with its client token as the idempotency key
func (c *Client) AddToCart(ctx context.Context, line PendingLine) (*orderitem.OrderItem, error) {
	body := map[string]any{"product_id": line.ProductID, "quantity": line.Quantity}
	header := http.Header{"Idempotency-Key": {line.ClientToken}}
	var item orderitem.OrderItem
	if err := c.do(ctx, http.MethodPost, "/api/cart/items", body, header, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// DialPush opens the push channel
func (c *Client) DialPush(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), http.Header{"Authorization": {"Bearer " + c.token}})
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, header http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
