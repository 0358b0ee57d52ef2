package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"rtxbridge/internal/domain"
)

// argError marks a malformed request.
type argError struct{ msg string }

func (e *argError) Error() string { return e.msg }

// args is a decoded command body. Numbers are kept as json.Number.
type args map[string]any

func decodeArgs(r *http.Request) (args, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	a := args{}
	if len(bytes.TrimSpace(body)) == 0 {
		return a, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return a, nil
}

// str returns a required scalar argument as a string.
func (a args) str(key string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", &argError{"missing argument: " + key}
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	}
	return "", &argError{fmt.Sprintf("argument %s must be a scalar", key)}
}

// optional returns a scalar argument, or "" when absent.
func (a args) optional(key string) string {
	v, err := a.str(key)
	if err != nil {
		return ""
	}
	return v
}

func (a args) symbol() (string, error) {
	s, err := a.str("symbol")
	return strings.ToUpper(s), err
}

func (a args) boolean(key string) bool {
	b, _ := a[key].(bool)
	return b
}

// strings returns a list-of-strings argument; absent means nil.
func (a args) strings(key string) []string {
	list, _ := a[key].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = append(out, fmt.Sprint(v))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (a args) integer(key string) (int64, error) {
	s, err := a.str(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &argError{fmt.Sprintf("argument %s must be an integer: %q", key, s)}
	}
	return n, nil
}

func (a args) decimal(key string) (decimal.Decimal, error) {
	s, err := a.str(key)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &argError{fmt.Sprintf("argument %s must be a number: %q", key, s)}
	}
	return d, nil
}

// orderRequest builds a request of the given kind. Limit and stop orders take
// their price from "price"; stop-limit orders use "stop_price" and
// "limit_price". "account" and "route" are optional.
func (a args) orderRequest(kind domain.OrderKind) (domain.OrderRequest, error) {
	req := domain.OrderRequest{
		Kind:    kind,
		Account: strings.ToUpper(a.optional("account")),
		Route:   a.optional("route"),
	}
	var err error
	if req.Symbol, err = a.symbol(); err != nil {
		return req, err
	}
	if req.Quantity, err = a.integer("quantity"); err != nil {
		return req, err
	}
	switch kind {
	case domain.OrderKindLimit:
		req.Price, err = a.decimal("price")
	case domain.OrderKindStop:
		req.StopPrice, err = a.decimal("price")
	case domain.OrderKindStopLimit:
		if req.StopPrice, err = a.decimal("stop_price"); err == nil {
			req.Price, err = a.decimal("limit_price")
		}
	}
	return req, err
}
