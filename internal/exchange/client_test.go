package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/perpguard/perpbot/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{
		BaseURL:   srv.URL,
		APIKey:    "key",
		APISecret: "secret",
		Timeout:   2 * time.Second,
	})
	return c, srv
}

func TestSignAtDeterministic(t *testing.T) {
	sig1 := signAt([]byte("secret"), "1700000000000", "POST", "/v1/orders", `{"symbol":"BTCUSDT"}`)
	sig2 := signAt([]byte("secret"), "1700000000000", "POST", "/v1/orders", `{"symbol":"BTCUSDT"}`)
	if sig1 != sig2 {
		t.Fatal("signature is not deterministic for fixed inputs")
	}
	if sig1 == signAt([]byte("other"), "1700000000000", "POST", "/v1/orders", `{"symbol":"BTCUSDT"}`) {
		t.Fatal("different secrets produced the same signature")
	}
}

func TestPlaceOrderSignsAndSendsIdempotencyRef(t *testing.T) {
	var gotPayload orderPayload
	var gotKey, gotSig, gotTS string

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-KEY")
		gotSig = r.Header.Get("X-API-SIGNATURE")
		gotTS = r.Header.Get("X-API-TIMESTAMP")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_ = json.NewEncoder(w).Encode(orderResponse{
			OrderID:       "ex-1",
			ClientOrderID: gotPayload.ClientOrderID,
			Status:        "filled",
			FilledQty:     0.01,
			AvgPrice:      48000,
			Fee:           0.19,
		})
	})

	ack, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol:    "BTC/USDT:USDT",
		Side:      domain.OrderSideBuy,
		Type:      domain.OrderTypeMarket,
		Quantity:  0.01,
		ClientRef: "ref-123",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if gotKey != "key" || gotSig == "" || gotTS == "" {
		t.Errorf("auth headers missing: key=%q sig=%q ts=%q", gotKey, gotSig, gotTS)
	}
	if gotPayload.ClientOrderID != "ref-123" {
		t.Errorf("client_order_id = %q, want ref-123", gotPayload.ClientOrderID)
	}
	if gotPayload.Symbol != "BTCUSDT" {
		t.Errorf("wire symbol = %q, want BTCUSDT", gotPayload.Symbol)
	}
	if ack.ExchangeID != "ex-1" || ack.Status != domain.OrderStatusFilled {
		t.Errorf("ack = %+v", ack)
	}
	if ack.FilledQty != 0.01 || ack.AvgFillPrice != 48000 {
		t.Errorf("fill fields = %+v", ack)
	}
}

func TestPlaceOrderRejectsSpotSymbol(t *testing.T) {
	called := false
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "BTC/USDT",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 0.01,
	})
	if !domain.IsFatal(err) {
		t.Fatalf("got %v, want fatal error for spot symbol", err)
	}
	if called {
		t.Error("request reached the wire with a spot-convention symbol")
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		headers   map[string]string
		transient bool
		fatal     bool
	}{
		{"rate limited", 429, `{"code":"rate_limit"}`, map[string]string{"Retry-After": "3"}, true, false},
		{"server error", 500, `{}`, nil, true, false},
		{"gateway timeout", 504, `{}`, nil, true, false},
		{"request timeout", 408, `{}`, nil, true, false},
		{"bad request", 400, `{"code":"invalid_qty","message":"quantity too small"}`, nil, false, true},
		{"insufficient balance", 400, `{"code":"insufficient_balance"}`, nil, false, true},
		{"unauthorized", 401, `{}`, nil, false, true},
		{"forbidden", 403, `{}`, nil, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.GetPositions(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if domain.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v (%v)", domain.IsTransient(err), tt.transient, err)
			}
			if domain.IsFatal(err) != tt.fatal {
				t.Errorf("IsFatal = %v, want %v (%v)", domain.IsFatal(err), tt.fatal, err)
			}
		})
	}
}

func TestRateLimitCarriesRetryAfterHint(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.GetTicker(context.Background(), "BTC/USDT:USDT")
	if err == nil {
		t.Fatal("expected error")
	}
	if hint := domain.RetryAfterHint(err); hint != 7*time.Second {
		t.Errorf("RetryAfterHint = %s, want 7s", hint)
	}
}

func TestGetPositionsMapsSides(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"positions":[
			{"symbol":"BTC/USDT:USDT","side":"long","quantity":0.5,"entry_price":48000,"mark_price":48100},
			{"symbol":"ETH/USDT:USDT","side":"short","quantity":2,"entry_price":2600,"mark_price":2590}
		]}`))
	})

	positions, err := c.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("got %d positions, want 2", len(positions))
	}
	if positions[0].Side != domain.SideLong || positions[1].Side != domain.SideShort {
		t.Errorf("sides = %s/%s, want long/short", positions[0].Side, positions[1].Side)
	}
}

func TestContextCancellationSurfacesAsContextError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.GetBalance(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.IsTransient(err) {
		t.Errorf("context expiry classified transient; cancellation must stay visible: %v", err)
	}
}
