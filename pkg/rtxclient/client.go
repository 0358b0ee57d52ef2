// Package rtxclient is a Go SDK for the rtxbridge HTTP command API. Every
// command is a POST of a JSON argument object to /<command>, authenticated
// with HTTP basic auth; the response body is the JSON result.
package rtxclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnauthorized is returned when the server rejects the credentials.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response carrying the server's error message.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rtxbridge: %d %s", e.StatusCode, e.Message)
}

// Client talks to one rtxbridge server.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Call invokes command with args and decodes the result into out. A nil out
// discards the result.
func (c *Client) Call(ctx context.Context, command string, args map[string]any, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding %s arguments: %w", command, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+command, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", command, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 300:
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", command, err)
	}
	return nil
}

// Record is an order, ticket or execution as rendered by the server.
type Record map[string]any

// ID returns the record's permanent id.
func (r Record) ID() string {
	s, _ := r["permid"].(string)
	return s
}

// Status returns the user-facing status.
func (r Record) Status() string {
	s, _ := r["status"].(string)
	return s
}

// Status returns the upstream connection status.
func (c *Client) Status(ctx context.Context) (string, error) {
	var s string
	return s, c.Call(ctx, "status", nil, &s)
}

// Version returns server, Go and backend versions.
func (c *Client) Version(ctx context.Context) (map[string]string, error) {
	var v map[string]string
	return v, c.Call(ctx, "version", nil, &v)
}

// Help returns usage text keyed by command.
func (c *Client) Help(ctx context.Context) (map[string]string, error) {
	var v map[string]string
	return v, c.Call(ctx, "help", nil, &v)
}

// Shutdown asks the server to shut its session down.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, "shutdown", nil, nil)
}

// AddSymbol subscribes to symbol and returns its current data.
func (c *Client) AddSymbol(ctx context.Context, symbol string) (map[string]any, error) {
	var v map[string]any
	return v, c.Call(ctx, "add_symbol", map[string]any{"symbol": symbol}, &v)
}

// DelSymbol releases the subscription to symbol.
func (c *Client) DelSymbol(ctx context.Context, symbol string) (bool, error) {
	var v bool
	return v, c.Call(ctx, "del_symbol", map[string]any{"symbol": symbol}, &v)
}

// Symbols returns the active symbols.
func (c *Client) Symbols(ctx context.Context) ([]string, error) {
	var v []string
	return v, c.Call(ctx, "query_symbols", nil, &v)
}

// Symbol returns data for an active symbol, or nil when it is not active.
func (c *Client) Symbol(ctx context.Context, symbol string) (map[string]any, error) {
	var v map[string]any
	return v, c.Call(ctx, "query_symbol", map[string]any{"symbol": symbol}, &v)
}

// Bars returns [date, time, open, high, low, close, volume] rows.
func (c *Client) Bars(ctx context.Context, symbol, period, start, end string) ([][]any, error) {
	var v [][]any
	args := map[string]any{"symbol": symbol, "period": period, "start": start, "end": end}
	return v, c.Call(ctx, "query_bars", args, &v)
}

// Accounts returns the account names.
func (c *Client) Accounts(ctx context.Context) ([]string, error) {
	var v []string
	return v, c.Call(ctx, "query_accounts", nil, &v)
}

// SetAccount selects the current account and reports whether it exists.
func (c *Client) SetAccount(ctx context.Context, account string) (bool, error) {
	var v bool
	return v, c.Call(ctx, "set_account", map[string]any{"account": account}, &v)
}

// AccountData returns account fields; an empty fields selects all.
func (c *Client) AccountData(ctx context.Context, account string, fields ...string) (map[string]any, error) {
	var v map[string]any
	args := map[string]any{"account": account}
	if len(fields) > 0 {
		args["fields"] = fields
	}
	return v, c.Call(ctx, "query_account", args, &v)
}

// Positions returns account -> symbol -> signed quantity.
func (c *Client) Positions(ctx context.Context) (map[string]map[string]int64, error) {
	var v map[string]map[string]int64
	return v, c.Call(ctx, "query_positions", nil, &v)
}

// Order returns one order.
func (c *Client) Order(ctx context.Context, id string) (Record, error) {
	var v Record
	return v, c.Call(ctx, "query_order", map[string]any{"id": id}, &v)
}

// Orders returns every order keyed by id.
func (c *Client) Orders(ctx context.Context) (map[string]Record, error) {
	var v map[string]Record
	return v, c.Call(ctx, "query_orders", nil, &v)
}

// Tickets returns every staged ticket keyed by id.
func (c *Client) Tickets(ctx context.Context) (map[string]Record, error) {
	var v map[string]Record
	return v, c.Call(ctx, "query_tickets", nil, &v)
}

// Executions returns every execution keyed by id.
func (c *Client) Executions(ctx context.Context) (map[string]Record, error) {
	var v map[string]Record
	return v, c.Call(ctx, "query_executions", nil, &v)
}

// OrderExecutions returns the executions of one order.
func (c *Client) OrderExecutions(ctx context.Context, id string) (map[string]Record, error) {
	var v map[string]Record
	return v, c.Call(ctx, "query_order_executions", map[string]any{"id": id}, &v)
}

// OrderOptions are the optional fields of an order submission.
type OrderOptions struct {
	Account string
	Route   string
}

func (o OrderOptions) apply(args map[string]any) map[string]any {
	if o.Account != "" {
		args["account"] = o.Account
	}
	if o.Route != "" {
		args["route"] = o.Route
	}
	return args
}

// MarketOrder submits a market order; negative quantity sells.
func (c *Client) MarketOrder(ctx context.Context, symbol string, qty int64, opt OrderOptions) (Record, error) {
	var v Record
	args := opt.apply(map[string]any{"symbol": symbol, "quantity": qty})
	return v, c.Call(ctx, "market_order", args, &v)
}

// LimitOrder submits a limit order.
func (c *Client) LimitOrder(ctx context.Context, symbol string, price decimal.Decimal, qty int64, opt OrderOptions) (Record, error) {
	var v Record
	args := opt.apply(map[string]any{"symbol": symbol, "price": price.String(), "quantity": qty})
	return v, c.Call(ctx, "limit_order", args, &v)
}

// StopOrder submits a stop order.
func (c *Client) StopOrder(ctx context.Context, symbol string, stop decimal.Decimal, qty int64, opt OrderOptions) (Record, error) {
	var v Record
	args := opt.apply(map[string]any{"symbol": symbol, "price": stop.String(), "quantity": qty})
	return v, c.Call(ctx, "stop_order", args, &v)
}

// StopLimitOrder submits a stop-limit order.
func (c *Client) StopLimitOrder(ctx context.Context, symbol string, stop, limit decimal.Decimal, qty int64, opt OrderOptions) (Record, error) {
	var v Record
	args := opt.apply(map[string]any{
		"symbol": symbol, "stop_price": stop.String(), "limit_price": limit.String(), "quantity": qty,
	})
	return v, c.Call(ctx, "stoplimit_order", args, &v)
}

// CancelOrder requests cancellation of an order.
func (c *Client) CancelOrder(ctx context.Context, id string) (any, error) {
	var v any
	return v, c.Call(ctx, "cancel_order", map[string]any{"id": id}, &v)
}

// GlobalCancel cancels every pending order and returns their ids.
func (c *Client) GlobalCancel(ctx context.Context) ([]string, error) {
	var v []string
	return v, c.Call(ctx, "global_cancel", nil, &v)
}

// SetOrderRoute sets the default route: a name or {name: params}.
func (c *Client) SetOrderRoute(ctx context.Context, route any) (map[string]any, error) {
	var v map[string]any
	return v, c.Call(ctx, "set_order_route", map[string]any{"route": route}, &v)
}

// OrderRoute returns the default route as {name: params}.
func (c *Client) OrderRoute(ctx context.Context) (map[string]any, error) {
	var v map[string]any
	return v, c.Call(ctx, "get_order_route", nil, &v)
}
