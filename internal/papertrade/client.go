package papertrade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gw/quantnest-sync/internal/config"
	"github.com/tidwall/gjson"
)

// Client talks to the paper-trading REST API. Token refresh is the
// caller's concern; an expired token surfaces as KindAuthorization.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

func NewClient(cfg *config.Config) (*Client, error) {
	parsed, err := url.Parse(cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("parsing api URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("api URL must be absolute, got %q", cfg.APIURL)
	}

	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		token:   cfg.AccessToken,
	}, nil
}

// --- Reads ---

func (c *Client) GetOrders(ctx context.Context) ([]Order, error) {
	var out []Order
	if err := c.getList(ctx, "/paper/orders/list/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	if err := c.getList(ctx, "/paper/positions/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTrades(ctx context.Context) ([]Trade, error) {
	var out []Trade
	if err := c.getList(ctx, "/paper/orders/trades/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetAuditLogs(ctx context.Context, p AuditParams) ([]AuditLogEntry, error) {
	params := url.Values{}
	if p.OrderID != 0 {
		params.Set("order_id", strconv.FormatInt(p.OrderID, 10))
	}
	if p.Action != "" {
		params.Set("action", p.Action)
	}

	var out []AuditLogEntry
	if err := c.getList(ctx, "/paper/orders/audit-logs/", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	params := url.Values{}
	params.Set("depth", strconv.Itoa(depth))

	var book OrderBook
	path := fmt.Sprintf("/paper/orderbook/%s/", url.PathEscape(symbol))
	if err := c.do(ctx, http.MethodGet, path, params, nil, &book); err != nil {
		return nil, err
	}
	book.Symbol = symbol
	book.Depth = depth
	return &book, nil
}

func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.do(ctx, http.MethodGet, "/paper/account/", nil, nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// GetLatestTick returns the last stored tick for a symbol.
func (c *Client) GetLatestTick(ctx context.Context, symbol string) (*Tick, error) {
	params := url.Values{}
	params.Set("instrument", symbol)

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/market/latest-tick/", params, nil, &raw); err != nil {
		return nil, err
	}
	var t Tick
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, &APIError{Kind: KindDecode, Err: fmt.Errorf("decoding latest tick: %w", err), Body: string(raw)}
	}
	if t.Symbol == "" {
		t.Symbol = symbol
	}
	t.Raw = raw
	return &t, nil
}

// --- Commands ---

func (c *Client) PlaceOrder(ctx context.Context, req *SimpleOrderRequest) (*Order, error) {
	var out Order
	if err := c.do(ctx, http.MethodPost, "/paper/orders/", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PlaceBracket(ctx context.Context, req *BracketOrderRequest) (*BracketResult, error) {
	var out BracketResult
	if err := c.do(ctx, http.MethodPost, "/paper/bracket/", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PlaceCover(ctx context.Context, req *CoverOrderRequest) (*CoverResult, error) {
	var out CoverResult
	if err := c.do(ctx, http.MethodPost, "/paper/cover/", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID int64) (*CancelResult, error) {
	var out CancelResult
	path := fmt.Sprintf("/paper/orders/%d/cancel/", orderID)
	if err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ModifyOrder(ctx context.Context, orderID int64, patch OrderPatch) (*Order, error) {
	var out Order
	path := fmt.Sprintf("/paper/orders/%d/modify/", orderID)
	if err := c.do(ctx, http.MethodPost, path, nil, patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ModifyPositionStops(ctx context.Context, positionID int64, stops PositionStops) (json.RawMessage, error) {
	var out json.RawMessage
	path := fmt.Sprintf("/paper/positions/%d/", positionID)
	if err := c.do(ctx, http.MethodPost, path, nil, stops, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- HTTP helpers ---

// getList decodes either a bare JSON array or a paginated {"results": [...]}.
func (c *Client) getList(ctx context.Context, path string, params url.Values, out interface{}) error {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, params, nil, &raw); err != nil {
		return err
	}
	body := []byte(raw)
	if results := gjson.GetBytes(body, "results"); results.IsArray() {
		body = []byte(results.Raw)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{Kind: KindDecode, Err: fmt.Errorf("decoding %s: %w", path, err), Body: string(raw)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, in, out interface{}) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	return c.doRequest(req, out)
}

func (c *Client) doRequest(req *http.Request, out interface{}) error {
	slog.Debug("paper request", "method", req.Method, "url", req.URL.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Kind: KindNetwork, Err: fmt.Errorf("paper request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Kind: KindNetwork, Status: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		apiErr := newStatusError(resp.StatusCode, body)
		slog.Warn("paper API error", "method", req.Method, "path", req.URL.Path,
			"status", resp.StatusCode, "kind", apiErr.Kind, "detail", apiErr.Detail)
		return apiErr
	}

	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return &APIError{
				Kind:   KindDecode,
				Status: resp.StatusCode,
				Err:    fmt.Errorf("decoding response: %w", err),
				Body:   string(body),
			}
		}
	}

	return nil
}
