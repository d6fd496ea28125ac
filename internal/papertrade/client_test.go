package papertrade

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/gw/quantnest-sync/internal/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.APIURL = srv.URL + "/api"
	cfg.AccessToken = "secret"
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestClient_GetOrders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/paper/orders/list/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Write([]byte(`[{"id":7,"symbol":"TCS","side":"BUY","qty":5,"filled_qty":2,"order_type":"LIMIT",
			"price":"3245.500000","trigger_price":null,"status":"PARTIAL","avg_fill_price":"3245.5",
			"is_slm":false,"created_at":"2025-01-02T09:15:00Z","updated_at":"2025-01-02T09:15:01Z"}]`))
	})
	c := newTestClient(t, mux)

	orders, err := c.GetOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)

	o := orders[0]
	assert.Equal(t, int64(7), o.ID)
	assert.Equal(t, Limit, o.OrderType)
	assert.True(t, o.Price.Valid)
	assert.True(t, o.Price.Decimal.Equal(decimal.RequireFromString("3245.5")))
	assert.False(t, o.TriggerPrice.Valid)
	assert.True(t, o.Open())
}

func TestClient_GetTradesPaginated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/paper/orders/trades/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count":1,"next":null,"results":[{"id":1,"order_id":7,"qty":2,"price":"10.5","ts":"2025-01-02T09:15:00Z"}]}`))
	})
	c := newTestClient(t, mux)

	trades, err := c.GetTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(7), trades[0].OrderID)
	assert.Equal(t, "10.5", trades[0].Price.String())
}

func TestClient_PlaceOrderBody(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/paper/orders/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":11,"symbol":"RELIANCE","side":"BUY","qty":10,"order_type":"LIMIT","status":"PENDING"}`))
	})
	c := newTestClient(t, mux)

	order, err := c.PlaceOrder(context.Background(), &SimpleOrderRequest{
		Symbol:    "RELIANCE",
		Side:      Buy,
		Qty:       10,
		OrderType: Limit,
		Price:     NewAmount(decimal.RequireFromString("2458.50")),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), order.ID)
	assert.Equal(t, 2458.5, got["price"])
	assert.Nil(t, got["trigger_price"])
	_, hasProduct := got["product_type"]
	assert.False(t, hasProduct)
}

func TestClient_ErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   ErrorKind
		detail string
	}{
		{"detail field", http.StatusBadRequest, `{"detail":"Not cancellable"}`, KindValidation, "Not cancellable"},
		{"serializer errors", http.StatusBadRequest, `{"qty":["A valid integer is required."]}`, KindValidation, "qty: A valid integer is required."},
		{"non field", http.StatusBadRequest, `{"non_field_errors":["insufficient margin"]}`, KindValidation, "insufficient margin"},
		{"unauthorized", http.StatusUnauthorized, `{"detail":"Given token not valid"}`, KindAuthorization, "Given token not valid"},
		{"not found", http.StatusNotFound, `<html>nope</html>`, KindNotFound, "paper api error 404: <html>nope</html>"},
		{"server", http.StatusBadGateway, ``, KindServer, "paper api error 502"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))

			_, err := c.CancelOrder(context.Background(), 3)
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.kind, apiErr.Kind)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.detail, DetailOf(err))
			assert.Equal(t, tt.kind == KindServer, IsRetryable(err))
		})
	}
}

func TestClient_LongErrorBodyKeepsRunesWhole(t *testing.T) {
	// "a" shifts every three-byte rune off a 200-byte boundary
	body := "a" + strings.Repeat("₹", 300)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(body))
	}))

	_, err := c.GetOrders(context.Background())
	require.Error(t, err)

	detail := DetailOf(err)
	require.True(t, utf8.ValidString(detail), "detail %q", detail)
	text := strings.TrimPrefix(detail, "paper api error 502: ")
	assert.Equal(t, 200, utf8.RuneCountInString(text))
	assert.True(t, strings.HasPrefix(body, text))
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	cfg := config.Defaults()
	cfg.APIURL = srv.URL
	srv.Close()

	c, err := NewClient(cfg)
	require.NoError(t, err)

	_, err = c.GetPositions(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestClient_OrderBook(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/paper/orderbook/M&M/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("depth"))
		w.Write([]byte(`{"bids":[{"price":101.5,"qty":3,"order_id":9}],"asks":[]}`))
	})
	c := newTestClient(t, mux)

	book, err := c.GetOrderBook(context.Background(), "M&M", 5)
	require.NoError(t, err)
	assert.Equal(t, "M&M", book.Symbol)
	assert.Equal(t, 5, book.Depth)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, "101.5", book.Bids[0].Price.String())
	assert.Empty(t, book.Asks)
}

func TestSymbolFromInstrument(t *testing.T) {
	assert.Equal(t, "RELIANCE", SymbolFromInstrument("NSE:RELIANCE-EQ"))
	assert.Equal(t, "TCS", SymbolFromInstrument("tcs"))
	assert.Equal(t, "NSE:INFY-EQ", Instrument("NSE", "infy"))
}

func TestParseOrderType(t *testing.T) {
	ot, ok := ParseOrderType("stop-market")
	assert.True(t, ok)
	assert.Equal(t, StopMarket, ot)

	_, ok = ParseOrderType("iceberg")
	assert.False(t, ok)
}
