// Package domain defines the value types shared by the gateway session and
// the front-end adapters: order requests, statuses, notifications, and the
// result sinks through which asynchronous operations deliver their outcome.
package domain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ClientID identifies a downstream client (a TCP connection, an HTTP caller,
// or the session itself) in a symbol's interest set.
type ClientID string

// ---------------------------------------------------------------------------
// Connection status
// ---------------------------------------------------------------------------

// ConnectionStatus is the lifecycle state of the upstream gateway session.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "Disconnected"
	StatusConnecting   ConnectionStatus = "Connecting"
	StatusInitializing ConnectionStatus = "Initializing"
	StatusUp           ConnectionStatus = "Up"
	StatusShutdown     ConnectionStatus = "Shutdown"
)

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderStatus is the user-facing status derived from upstream order fragments.
type OrderStatus string

const (
	OrderStatusInitialized OrderStatus = "Initialized"
	OrderStatusSubmitted   OrderStatus = "Submitted"
	OrderStatusPending     OrderStatus = "Pending"
	OrderStatusFilled      OrderStatus = "Filled"
	OrderStatusCancelled   OrderStatus = "Cancelled"
	OrderStatusChanged     OrderStatus = "Changed"
	OrderStatusAccepted    OrderStatus = "Accepted"
	OrderStatusError       OrderStatus = "Error"
)

// OrderKind selects the price type of a submitted order.
type OrderKind string

const (
	OrderKindMarket    OrderKind = "market"
	OrderKindLimit     OrderKind = "limit"
	OrderKindStop      OrderKind = "stop"
	OrderKindStopLimit OrderKind = "stoplimit"
)

// OrderClass separates regular orders from staged tickets awaiting manual
// execution upstream.
type OrderClass string

const (
	OrderClassUndefined OrderClass = "undefined"
	OrderClassOrder     OrderClass = "order"
	OrderClassTicket    OrderClass = "ticket"
)

// OrderRequest carries the parameters of an order submission. Quantity is
// signed: positive buys, negative sells. Tag is set for staged orders.
type OrderRequest struct {
	Kind      OrderKind       `json:"kind"`
	Account   string          `json:"account"`
	Route     string          `json:"route"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	StopPrice decimal.Decimal `json:"stop_price"`
	Quantity  int64           `json:"quantity"`
	Tag       string          `json:"tag,omitempty"`
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

// Notification is one line broadcast to every connected front-end client.
// Flag, when set, restricts delivery to clients that enabled that option.
type Notification struct {
	Text string `json:"text"`
	Flag string `json:"flag,omitempty"`
}

// ---------------------------------------------------------------------------
// Results and sinks
// ---------------------------------------------------------------------------

// Failure is the structured value returned for business-level rejections
// such as an unknown account or an invalid route.
type Failure struct {
	Status   string `json:"status"`
	ErrorMsg string `json:"errorMsg"`
	ID       string `json:"id,omitempty"`
}

// NewFailure returns a Failure with status "Error".
func NewFailure(msg string) Failure {
	return Failure{Status: string(OrderStatusError), ErrorMsg: msg}
}

// Result is the outcome of one asynchronous operation.
type Result struct {
	Label string
	Value any
	Err   error
}

// SinkKind discriminates the delivery target of a Sink.
type SinkKind int

const (
	// SinkNone discards results.
	SinkNone SinkKind = iota
	// SinkFunc hands the Result to a Go function.
	SinkFunc
	// SinkLine renders the Result as a "<channel>.<label>: <json>" line.
	SinkLine
)

// Sink is the one-shot consumer of an operation's Result.
type Sink struct {
	Kind SinkKind
	Func func(Result)
	Line func(string)
}

// FuncSink returns a Sink that calls fn with the Result.
func FuncSink(fn func(Result)) Sink {
	return Sink{Kind: SinkFunc, Func: fn}
}

// LineSink returns a Sink that writes the Result as a protocol line.
func LineSink(write func(string)) Sink {
	return Sink{Kind: SinkLine, Line: write}
}

// Deliver resolves the sink's target by its Kind and hands over r.
func (s Sink) Deliver(channel string, r Result) {
	switch s.Kind {
	case SinkFunc:
		if s.Func != nil {
			s.Func(r)
		}
	case SinkLine:
		if s.Line == nil {
			return
		}
		if r.Err != nil {
			s.Line(fmt.Sprintf("%s.error: %v", channel, r.Err))
			return
		}
		data, err := json.Marshal(r.Value)
		if err != nil {
			s.Line(fmt.Sprintf("%s.error: encoding %s result: %v", channel, r.Label, err))
			return
		}
		s.Line(fmt.Sprintf("%s.%s: %s", channel, r.Label, data))
	}
}

// Await issues call with a sink that captures its Result and blocks until the
// result arrives or ctx is done. A Result carrying an error is returned with
// that error.
func Await(ctx context.Context, call func(Sink)) (Result, error) {
	ch := make(chan Result, 1)
	call(FuncSink(func(r Result) {
		select {
		case ch <- r:
		default:
		}
	}))
	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
