// Package broker defines the boundary between the gateway session and the
// front-end adapters, and provides an in-memory paper implementation used by
// the adapters' tests and by demo deployments without a gateway.
package broker

import (
	"rtxbridge/internal/domain"
	"rtxbridge/internal/rtx"
)

// Compile-time interface check.
var _ Broker = (*rtx.Session)(nil)

// Broker is the asynchronous operation surface consumed by the HTTP, TCP,
// and streaming adapters. Every call returns immediately and delivers its
// outcome to the sink exactly once.
type Broker interface {
	// Name returns the backend identifier (e.g. "rtx", "simulator").
	Name() string

	// Symbols.
	EnableSymbol(symbol string, client domain.ClientID, sink domain.Sink)
	DisableSymbol(symbol string, client domain.ClientID, sink domain.Sink)
	CloseClient(client domain.ClientID)
	QuerySymbol(symbol string, raw bool, filter []string, sink domain.Sink)
	QuerySymbols(sink domain.Sink)
	QuerySymbolData(sink domain.Sink)
	SetPrimaryExchange(symbol, exchange string, sink domain.Sink)
	QueryBars(symbol, interval, start, end string, sink domain.Sink)

	// Orders.
	SubmitOrder(req domain.OrderRequest, sink domain.Sink)
	StageOrder(tag string, req domain.OrderRequest, sink domain.Sink)
	ChangeOrder(oid string, req domain.OrderRequest, sink domain.Sink)
	CreateStagedTicket(account string, sink domain.Sink)
	CancelOrder(oid string, sink domain.Sink)
	GlobalCancel(sink domain.Sink)

	// Ledger queries.
	QueryOrder(oid string, sink domain.Sink)
	QueryOrders(sink domain.Sink)
	QueryTickets(sink domain.Sink)
	QueryExecutions(sink domain.Sink)
	QueryOrderExecutions(oid string, sink domain.Sink)
	QueryExecution(xid string, sink domain.Sink)
	QueryPositions(sink domain.Sink)

	// Accounts and session state.
	QueryAccounts(sink domain.Sink)
	QueryAccountData(account string, fields []string, sink domain.Sink)
	SetAccount(name string, sink domain.Sink)
	SetOrderRoute(route any, sink domain.Sink)
	GetOrderRoute(sink domain.Sink)
	CallbackMetrics(sink domain.Sink)
	ConnectionStatus() domain.ConnectionStatus
	Initialized() bool
	Shutdown(reason string)
}
