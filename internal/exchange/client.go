// Package exchange implements the REST client for the derivatives venue.
// Requests are HMAC-SHA256 signed; responses are mapped onto the engine's
// transient/fatal error classification so the resilience layer can decide
// what to retry.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/perpguard/perpbot/internal/domain"
)

// ClientConfig holds connection parameters for the venue REST client.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Client is the venue REST client. Safe for concurrent use; rate limiting is
// enforced by the caller (ExecutionClient) through the shared limiter.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  []byte
	httpClient *http.Client
	// now is indirected for deterministic signature tests.
	now func() time.Time
}

// NewClient creates a venue REST client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		apiSecret: []byte(cfg.APISecret),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

// PlaceOrder submits an order. The ClientRef travels as client_order_id so a
// retried submission after an ambiguous failure is deduplicated venue-side.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := ValidatePerpSymbol(req.Symbol); err != nil {
		return OrderAck{}, &domain.FatalError{Op: "place order", Err: err}
	}
	ws, err := WireSymbol(req.Symbol)
	if err != nil {
		return OrderAck{}, &domain.FatalError{Op: "place order", Err: err}
	}

	payload := orderPayload{
		Symbol:        ws,
		Side:          string(req.Side),
		Type:          string(req.Type),
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		ReduceOnly:    req.ReduceOnly,
		ClientOrderID: req.ClientRef,
		Leverage:      req.Leverage,
	}

	body, err := c.doSignedRequest(ctx, http.MethodPost, "/v1/orders", payload)
	if err != nil {
		return OrderAck{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderAck{}, &domain.TransientError{Op: "place order", Err: fmt.Errorf("decode response: %w", err)}
	}
	return ackFromResponse(resp), nil
}

// CancelOrder cancels an order by its exchange-assigned ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	ws, err := WireSymbol(symbol)
	if err != nil {
		return &domain.FatalError{Op: "cancel order", Err: err}
	}
	path := fmt.Sprintf("/v1/orders/%s?symbol=%s", url.PathEscape(exchangeID), url.QueryEscape(ws))
	if _, err := c.doSignedRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return err
	}
	return nil
}

// GetOrder fetches the current status of an order.
func (c *Client) GetOrder(ctx context.Context, symbol, exchangeID string) (OrderAck, error) {
	ws, err := WireSymbol(symbol)
	if err != nil {
		return OrderAck{}, &domain.FatalError{Op: "get order", Err: err}
	}
	path := fmt.Sprintf("/v1/orders/%s?symbol=%s", url.PathEscape(exchangeID), url.QueryEscape(ws))

	body, err := c.doSignedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return OrderAck{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderAck{}, &domain.TransientError{Op: "get order", Err: fmt.Errorf("decode response: %w", err)}
	}
	return ackFromResponse(resp), nil
}

// GetPositions returns the venue's authoritative view of all open positions.
func (c *Client) GetPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	body, err := c.doSignedRequest(ctx, http.MethodGet, "/v1/positions", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Positions []positionResponse `json:"positions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.TransientError{Op: "get positions", Err: fmt.Errorf("decode response: %w", err)}
	}

	positions := make([]domain.ExchangePosition, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		side := domain.SideLong
		if strings.EqualFold(p.Side, "short") || strings.EqualFold(p.Side, "sell") {
			side = domain.SideShort
		}
		positions = append(positions, domain.ExchangePosition{
			Symbol:           p.Symbol,
			Side:             side,
			Quantity:         p.Quantity,
			EntryPrice:       p.EntryPrice,
			MarkPrice:        p.MarkPrice,
			UnrealizedPnL:    p.UnrealizedPnL,
			Leverage:         p.Leverage,
			LiquidationPrice: p.LiquidationPrice,
		})
	}
	return positions, nil
}

// GetTicker returns the latest mark price for a symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (float64, error) {
	ws, err := WireSymbol(symbol)
	if err != nil {
		return 0, &domain.FatalError{Op: "get ticker", Err: err}
	}
	path := "/v1/ticker?symbol=" + url.QueryEscape(ws)

	body, err := c.doSignedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}

	var resp tickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &domain.TransientError{Op: "get ticker", Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Mark > 0 {
		return resp.Mark, nil
	}
	return resp.Last, nil
}

// GetBalance returns the settle-currency account balance.
func (c *Client) GetBalance(ctx context.Context) (Balance, error) {
	body, err := c.doSignedRequest(ctx, http.MethodGet, "/v1/balance", nil)
	if err != nil {
		return Balance{}, err
	}

	var resp balanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, &domain.TransientError{Op: "get balance", Err: fmt.Errorf("decode response: %w", err)}
	}
	return Balance{Currency: resp.Currency, Total: resp.Total, Available: resp.Available}, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doSignedRequest builds, signs, sends, and reads an HTTP request against the
// venue API, classifying failures into transient vs fatal.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var bodyBytes []byte
	if reqBody != nil {
		var err error
		bodyBytes, err = json.Marshal(reqBody)
		if err != nil {
			return nil, &domain.FatalError{Op: method + " " + path, Err: fmt.Errorf("marshal request: %w", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &domain.FatalError{Op: method + " " + path, Err: err}
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.signRequest(req, method, path, string(bodyBytes))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and client timeouts are transient; an expired
		// context is surfaced as-is so cancellation stays visible.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TransientError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &domain.TransientError{Op: method + " " + path, Err: fmt.Errorf("read response: %w", err)}
	}

	if err := classifyStatus(method+" "+path, resp, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// signRequest adds HMAC authentication headers. The signature covers
// timestamp + method + path + body, hex-encoded.
func (c *Client) signRequest(req *http.Request, method, path, body string) {
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("X-API-TIMESTAMP", ts)
	req.Header.Set("X-API-SIGNATURE", signAt(c.apiSecret, ts, method, path, body))
}

// signAt computes the request signature for a fixed timestamp. Split out so
// tests can verify signatures deterministically.
func signAt(secret []byte, ts, method, path, body string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + method + path + body))
	return hex.EncodeToString(mac.Sum(nil))
}

// classifyStatus maps HTTP status codes onto the engine's error taxonomy.
func classifyStatus(op string, resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	base := fmt.Errorf("HTTP %d: %s (%s)", code, msg, ae.Code)

	switch {
	case code == http.StatusTooManyRequests:
		return &domain.TransientError{
			Op:         op,
			Err:        fmt.Errorf("%w: %v", domain.ErrRateLimited, base),
			RetryAfter: retryAfterFrom(resp.Header),
		}

	case code == http.StatusRequestTimeout || code >= 500:
		return &domain.TransientError{Op: op, Err: base}

	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &domain.FatalError{Op: op, Err: fmt.Errorf("%w: %v", domain.ErrUnauthorized, base)}

	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		if strings.Contains(strings.ToLower(ae.Code+msg), "insufficient") {
			return &domain.FatalError{Op: op, Err: fmt.Errorf("%w: %v", domain.ErrInsufficientBalance, base)}
		}
		return &domain.FatalError{Op: op, Err: fmt.Errorf("%w: %v", domain.ErrInvalidOrder, base)}

	case code == http.StatusNotFound:
		return &domain.FatalError{Op: op, Err: fmt.Errorf("%w: %v", domain.ErrNotFound, base)}

	default:
		return &domain.FatalError{Op: op, Err: base}
	}
}

// retryAfterFrom extracts a Retry-After wait hint (seconds or HTTP date).
func retryAfterFrom(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func ackFromResponse(resp orderResponse) OrderAck {
	return OrderAck{
		ExchangeID:   resp.OrderID,
		ClientRef:    resp.ClientOrderID,
		Status:       mapOrderStatus(resp.Status),
		FilledQty:    resp.FilledQty,
		AvgFillPrice: resp.AvgPrice,
		Fee:          resp.Fee,
	}
}

// mapOrderStatus normalizes the venue's status strings.
func mapOrderStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "new", "accepted", "pending":
		return domain.OrderStatusPending
	case "open", "working":
		return domain.OrderStatusOpen
	case "partially_filled", "partial":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "cancelled":
		return domain.OrderStatusCancelled
	case "rejected", "failed":
		return domain.OrderStatusFailed
	case "expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatus(strings.ToLower(s))
	}
}
