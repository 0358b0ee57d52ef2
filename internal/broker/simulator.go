package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rtxbridge/internal/domain"
	"rtxbridge/internal/rtx"
)

// Compile-time interface check.
var _ Broker = (*Simulator)(nil)

// ErrNoBars is returned by the simulator's bar query; it keeps no history.
var ErrNoBars = errors.New("simulator keeps no bar history")

const simChannel = "sim"

type simSymbol struct {
	last    decimal.Decimal
	hasLast bool
	size    int64
	volume  int64
	clients map[domain.ClientID]struct{}
}

type simOrder struct {
	id      string
	req     domain.OrderRequest
	class   domain.OrderClass
	status  domain.OrderStatus
	typ     string
	filled  int64
	avgFill decimal.Decimal
}

// Simulator is a paper broker. Market orders fill at the last price set with
// SetPrice; resting limit and stop orders fill when a later price crosses
// them. It keeps all state in memory and delivers results synchronously.
type Simulator struct {
	mu         sync.Mutex
	notifier   rtx.Notifier
	newID      func() string
	now        func() time.Time
	accounts   []string
	current    string
	route      map[string]any
	primary    map[string]string
	symbols    map[string]*simSymbol
	orders     map[string]*simOrder
	executions map[string]map[string]any
	positions  map[string]map[string]int64
	status     domain.ConnectionStatus
	done       chan struct{}
}

// NewSimulator creates a Simulator trading the given accounts. notifier may
// be nil.
func NewSimulator(accounts []string, notifier rtx.Notifier) *Simulator {
	sim := &Simulator{
		notifier:   notifier,
		newID:      uuid.NewString,
		now:        time.Now,
		accounts:   slices.Sorted(slices.Values(accounts)),
		route:      map[string]any{"DEMO": nil},
		primary:    make(map[string]string),
		symbols:    make(map[string]*simSymbol),
		orders:     make(map[string]*simOrder),
		executions: make(map[string]map[string]any),
		positions:  make(map[string]map[string]int64),
		status:     domain.StatusUp,
		done:       make(chan struct{}),
	}
	if len(sim.accounts) > 0 {
		sim.current = sim.accounts[0]
	}
	return sim
}

// Name returns "simulator".
func (b *Simulator) Name() string { return "simulator" }

// Done is closed by Shutdown.
func (b *Simulator) Done() <-chan struct{} { return b.done }

// SetPrice records a trade at price and fills any resting orders it crosses.
func (b *Simulator) SetPrice(symbol string, price decimal.Decimal, size int64) {
	b.mu.Lock()
	sym := b.symbol(symbol)
	sym.last, sym.hasLast = price, true
	sym.size = size
	sym.volume += size
	var lines []domain.Notification
	if len(sym.clients) > 0 {
		lines = append(lines, b.line(fmt.Sprintf("trade.%s:%s %d %d", symbol, price, size, sym.volume), "trades"))
	}
	for _, id := range slices.Sorted(maps.Keys(b.orders)) {
		o := b.orders[id]
		if o.req.Symbol != symbol || o.status != domain.OrderStatusPending {
			continue
		}
		if b.crosses(o, price) {
			lines = append(lines, b.fill(o, price)...)
		}
	}
	b.mu.Unlock()
	b.broadcast(lines)
}

// ---------------------------------------------------------------------------
// Symbols
// ---------------------------------------------------------------------------

// EnableSymbol adds client to the symbol's interest set.
func (b *Simulator) EnableSymbol(symbol string, client domain.ClientID, sink domain.Sink) {
	b.mu.Lock()
	sym := b.symbol(symbol)
	sym.clients[client] = struct{}{}
	out := b.export(symbol, sym)
	b.mu.Unlock()
	b.deliver(sink, "new_symbol", out, nil)
}

// DisableSymbol removes client from the symbol's interest set.
func (b *Simulator) DisableSymbol(symbol string, client domain.ClientID, sink domain.Sink) {
	b.mu.Lock()
	sym, ok := b.symbols[symbol]
	if ok {
		delete(sym.clients, client)
	}
	b.mu.Unlock()
	b.deliver(sink, "del_symbol", ok, nil)
}

// CloseClient drops client from every symbol.
func (b *Simulator) CloseClient(client domain.ClientID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sym := range b.symbols {
		delete(sym.clients, client)
	}
}

// QuerySymbol returns the exported view of an active symbol.
func (b *Simulator) QuerySymbol(symbol string, raw bool, filter []string, sink domain.Sink) {
	b.mu.Lock()
	sym, ok := b.symbols[symbol]
	var out any
	switch {
	case !ok || len(sym.clients) == 0:
		out = domain.NewFailure("symbol not active")
	case len(filter) > 0 && !raw:
		full := b.export(symbol, sym)
		sel := make(map[string]any, len(filter))
		for _, f := range filter {
			sel[f] = full[strings.ToLower(f)]
		}
		out = sel
	default:
		out = b.export(symbol, sym)
	}
	b.mu.Unlock()
	b.deliver(sink, "symbol", out, nil)
}

// QuerySymbols lists the active symbol names.
func (b *Simulator) QuerySymbols(sink domain.Sink) {
	b.mu.Lock()
	names := b.activeSymbols()
	b.mu.Unlock()
	b.deliver(sink, "symbols", names, nil)
}

// QuerySymbolData exports every active symbol keyed by name.
func (b *Simulator) QuerySymbolData(sink domain.Sink) {
	b.mu.Lock()
	out := make(map[string]any)
	for _, name := range b.activeSymbols() {
		out[name] = b.export(name, b.symbols[name])
	}
	b.mu.Unlock()
	b.deliver(sink, "symbol_data", out, nil)
}

// SetPrimaryExchange records an exchange override. Empty removes it.
func (b *Simulator) SetPrimaryExchange(symbol, exchange string, sink domain.Sink) {
	b.mu.Lock()
	if exchange == "" {
		delete(b.primary, symbol)
	} else {
		b.primary[symbol] = exchange
	}
	out := maps.Clone(b.primary)
	b.mu.Unlock()
	b.deliver(sink, "set_primary_exchange", out, nil)
}

// QueryBars always fails with ErrNoBars.
func (b *Simulator) QueryBars(_, _, _, _ string, sink domain.Sink) {
	b.deliver(sink, "query_bars_failed", nil, ErrNoBars)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SubmitOrder records the order and fills it immediately when it is
// marketable at the last price.
func (b *Simulator) SubmitOrder(req domain.OrderRequest, sink domain.Sink) {
	b.place(req, domain.OrderClassOrder, "UserSubmitOrder", sink)
}

// StageOrder records a staged order; staged orders never fill.
func (b *Simulator) StageOrder(tag string, req domain.OrderRequest, sink domain.Sink) {
	req.Tag = tag
	b.place(req, domain.OrderClassTicket, "UserSubmitStagedOrder", sink)
}

// ChangeOrder replaces the price and quantity of a pending order.
func (b *Simulator) ChangeOrder(oid string, req domain.OrderRequest, sink domain.Sink) {
	b.mu.Lock()
	o, ok := b.orders[oid]
	var out any
	var lines []domain.Notification
	switch {
	case !ok:
		out = failureFor(oid, "Order not found")
	case o.status != domain.OrderStatusPending:
		out = failureFor(oid, "order is not pending")
	default:
		o.req.Price, o.req.StopPrice, o.req.Quantity = req.Price, req.StopPrice, req.Quantity
		o.typ = "UserSubmitChange"
		lines = b.orderLines(o)
		out = o.render()
	}
	b.mu.Unlock()
	b.broadcast(lines)
	b.deliver(sink, "order", out, nil)
}

// CreateStagedTicket creates an empty ticket for account.
func (b *Simulator) CreateStagedTicket(account string, sink domain.Sink) {
	b.mu.Lock()
	if account == "" {
		account = b.current
	}
	if !slices.Contains(b.accounts, account) {
		b.mu.Unlock()
		b.deliver(sink, "create_staged_order_ticket", domain.NewFailure("account unknown"), nil)
		return
	}
	o := &simOrder{
		id:     "T-" + b.newID(),
		req:    domain.OrderRequest{Account: account, Symbol: "N/A"},
		class:  domain.OrderClassTicket,
		status: domain.OrderStatusPending,
		typ:    "UserSubmitStagedOrder",
	}
	b.orders[o.id] = o
	out := o.render()
	b.mu.Unlock()
	b.deliver(sink, "ticket", out, nil)
}

// CancelOrder cancels a pending order.
func (b *Simulator) CancelOrder(oid string, sink domain.Sink) {
	b.mu.Lock()
	o, ok := b.orders[oid]
	var out any
	var lines []domain.Notification
	switch {
	case !ok:
		out = failureFor(oid, "Order not found")
	case o.status == domain.OrderStatusCancelled:
		out = failureFor(oid, "Already canceled.")
	default:
		o.status, o.typ = domain.OrderStatusCancelled, "UserSubmitCancel"
		lines = b.orderLines(o)
		out = o.render()
	}
	b.mu.Unlock()
	b.broadcast(lines)
	b.deliver(sink, "cancel_order", out, nil)
}

// GlobalCancel cancels every pending order and returns their ids.
func (b *Simulator) GlobalCancel(sink domain.Sink) {
	b.mu.Lock()
	ids := []string{}
	var lines []domain.Notification
	for _, id := range slices.Sorted(maps.Keys(b.orders)) {
		o := b.orders[id]
		if o.status != domain.OrderStatusPending || o.class != domain.OrderClassOrder {
			continue
		}
		o.status, o.typ = domain.OrderStatusCancelled, "UserSubmitCancel"
		lines = append(lines, b.orderLines(o)...)
		ids = append(ids, id)
	}
	b.mu.Unlock()
	b.broadcast(lines)
	b.deliver(sink, "global_cancel", ids, nil)
}

// ---------------------------------------------------------------------------
// Ledger queries
// ---------------------------------------------------------------------------

// QueryOrder returns the rendered order oid.
func (b *Simulator) QueryOrder(oid string, sink domain.Sink) {
	b.mu.Lock()
	var out any = failureFor(oid, "Order not found")
	if o, ok := b.orders[oid]; ok {
		out = o.render()
	}
	b.mu.Unlock()
	b.deliver(sink, "order_status", out, nil)
}

// QueryOrders returns every regular order keyed by id.
func (b *Simulator) QueryOrders(sink domain.Sink) {
	b.deliver(sink, "orders", b.ordersOf(domain.OrderClassOrder), nil)
}

// QueryTickets returns every staged ticket keyed by id.
func (b *Simulator) QueryTickets(sink domain.Sink) {
	b.deliver(sink, "tickets", b.ordersOf(domain.OrderClassTicket), nil)
}

// QueryExecutions returns every execution keyed by execution id.
func (b *Simulator) QueryExecutions(sink domain.Sink) {
	b.deliver(sink, "executions", b.executionsWhere(func(map[string]any) bool { return true }), nil)
}

// QueryOrderExecutions returns the executions of order oid.
func (b *Simulator) QueryOrderExecutions(oid string, sink domain.Sink) {
	b.deliver(sink, "order_executions", b.executionsWhere(func(x map[string]any) bool {
		return x["ORIGINAL_ORDER_ID"] == oid
	}), nil)
}

// QueryExecution returns execution xid.
func (b *Simulator) QueryExecution(xid string, sink domain.Sink) {
	b.deliver(sink, "execution", b.executionsWhere(func(x map[string]any) bool {
		return x["ORDER_ID"] == xid
	}), nil)
}

// QueryPositions returns {account: {symbol: signed quantity}}, pre-seeded
// with every account.
func (b *Simulator) QueryPositions(sink domain.Sink) {
	b.mu.Lock()
	out := make(map[string]map[string]int64, len(b.accounts))
	for _, acct := range b.accounts {
		out[acct] = maps.Clone(b.positions[acct])
		if out[acct] == nil {
			out[acct] = make(map[string]int64)
		}
	}
	b.mu.Unlock()
	b.deliver(sink, "positions", out, nil)
}

// ---------------------------------------------------------------------------
// Accounts and session state
// ---------------------------------------------------------------------------

// QueryAccounts returns the sorted account list.
func (b *Simulator) QueryAccounts(sink domain.Sink) {
	b.deliver(sink, "accounts", slices.Clone(b.accounts), nil)
}

// QueryAccountData returns a synthetic deposit row with a fixed cash balance.
func (b *Simulator) QueryAccountData(account string, fields []string, sink domain.Sink) {
	if !slices.Contains(b.accounts, account) {
		b.deliver(sink, "account_data", map[string]any{}, nil)
		return
	}
	row := map[string]any{"ACCOUNT": account, "EXCESS_EQ": 100000.0, "_cash": 100000.0}
	if len(fields) > 0 {
		sel := map[string]any{"_cash": row["_cash"]}
		for _, f := range fields {
			if v, ok := row[f]; ok {
				sel[f] = v
			}
		}
		row = sel
	}
	b.deliver(sink, "account_data", row, nil)
}

// SetAccount selects the current account and reports whether it is known.
func (b *Simulator) SetAccount(name string, sink domain.Sink) {
	b.mu.Lock()
	ok := slices.Contains(b.accounts, name)
	if ok {
		b.current = name
	}
	b.mu.Unlock()
	if ok {
		b.broadcast([]domain.Notification{b.line("current-account: "+name, "")})
	}
	b.deliver(sink, "set_account", ok, nil)
}

// SetOrderRoute accepts a route name or a single-key map of parameters.
func (b *Simulator) SetOrderRoute(route any, sink domain.Sink) {
	var next map[string]any
	switch r := route.(type) {
	case string:
		var name string
		if json.Unmarshal([]byte(r), &name) != nil {
			name = r
		}
		next = map[string]any{name: nil}
	case map[string]any:
		if len(r) == 1 {
			next = maps.Clone(r)
		}
	}
	if next == nil {
		b.deliver(sink, "set_order_route", nil, fmt.Errorf("%w: %v", rtx.ErrBadRoute, route))
		return
	}
	b.mu.Lock()
	b.route = next
	b.mu.Unlock()
	b.deliver(sink, "set_order_route", maps.Clone(next), nil)
}

// GetOrderRoute returns the current route as {name: params}.
func (b *Simulator) GetOrderRoute(sink domain.Sink) {
	b.mu.Lock()
	out := maps.Clone(b.route)
	b.mu.Unlock()
	b.deliver(sink, "get_order_route", out, nil)
}

// CallbackMetrics returns an empty summary; the simulator has no pending
// calls.
func (b *Simulator) CallbackMetrics(sink domain.Sink) {
	b.deliver(sink, "callback_metrics", map[string]rtx.CallbackStat{}, nil)
}

// ConnectionStatus returns Up until Shutdown.
func (b *Simulator) ConnectionStatus() domain.ConnectionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Initialized reports true until Shutdown.
func (b *Simulator) Initialized() bool {
	return b.ConnectionStatus() == domain.StatusUp
}

// Shutdown marks the simulator down and closes Done.
func (b *Simulator) Shutdown(reason string) {
	b.mu.Lock()
	if b.status == domain.StatusShutdown {
		b.mu.Unlock()
		return
	}
	b.status = domain.StatusShutdown
	close(b.done)
	b.mu.Unlock()
	b.broadcast([]domain.Notification{
		b.line("connection-status-changed: "+string(domain.StatusShutdown), ""),
		b.line("error: SIM Forcing shutdown: "+reason, ""),
	})
}

// ---------------------------------------------------------------------------
// Implementation
// ---------------------------------------------------------------------------

func (b *Simulator) place(req domain.OrderRequest, class domain.OrderClass, typ string, sink domain.Sink) {
	b.mu.Lock()
	reject := func(msg string) {
		b.mu.Unlock()
		b.deliver(sink, "submit_order", domain.NewFailure(msg), nil)
	}
	if b.status != domain.StatusUp {
		reject("gateway not initialized")
		return
	}
	if req.Account == "" {
		req.Account = b.current
	}
	if !slices.Contains(b.accounts, req.Account) {
		reject("account unknown")
		return
	}
	switch req.Kind {
	case domain.OrderKindMarket, domain.OrderKindLimit, domain.OrderKindStop, domain.OrderKindStopLimit:
	default:
		reject(fmt.Sprintf("unknown order type: %s", req.Kind))
		return
	}
	if req.Quantity == 0 {
		reject("quantity must be non-zero")
		return
	}

	o := &simOrder{id: b.newID(), req: req, class: class, status: domain.OrderStatusPending, typ: typ}
	b.orders[o.id] = o
	lines := b.orderLines(o)
	if sym := b.symbols[req.Symbol]; class == domain.OrderClassOrder && sym != nil && sym.hasLast && b.crosses(o, sym.last) {
		lines = append(lines, b.fill(o, sym.last)...)
	}
	out := o.render()
	b.mu.Unlock()
	b.broadcast(lines)
	b.deliver(sink, "order", out, nil)
}

// crosses reports whether o is marketable at price. A triggered stop
// becomes a market order; a triggered stop-limit becomes a limit order.
func (b *Simulator) crosses(o *simOrder, price decimal.Decimal) bool {
	buy := o.req.Quantity > 0
	limitOK := func() bool {
		if buy {
			return price.LessThanOrEqual(o.req.Price)
		}
		return price.GreaterThanOrEqual(o.req.Price)
	}
	stopOK := func() bool {
		if buy {
			return price.GreaterThanOrEqual(o.req.StopPrice)
		}
		return price.LessThanOrEqual(o.req.StopPrice)
	}
	switch o.req.Kind {
	case domain.OrderKindMarket:
		return true
	case domain.OrderKindLimit:
		return limitOK()
	case domain.OrderKindStop:
		return stopOK()
	case domain.OrderKindStopLimit:
		if stopOK() {
			o.req.Kind = domain.OrderKindLimit
			return limitOK()
		}
	}
	return false
}

// fill executes the whole remaining quantity of o at price. The caller holds
// b.mu.
func (b *Simulator) fill(o *simOrder, price decimal.Decimal) []domain.Notification {
	qty := abs(o.req.Quantity)
	o.filled, o.avgFill = qty, price
	o.status, o.typ = domain.OrderStatusFilled, "ExchangeTradeOrder"

	acct := b.positions[o.req.Account]
	if acct == nil {
		acct = make(map[string]int64)
		b.positions[o.req.Account] = acct
	}
	acct[o.req.Symbol] += o.req.Quantity

	xid := b.newID()
	side := "Sell"
	if o.req.Quantity > 0 {
		side = "Buy"
	}
	x := map[string]any{
		"ORDER_ID":          xid,
		"ORIGINAL_ORDER_ID": o.id,
		"CURRENT_STATUS":    "COMPLETED",
		"TYPE":              "ExchangeTradeOrder",
		"DISP_NAME":         o.req.Symbol,
		"ACCOUNT":           o.req.Account,
		"BUYORSELL":         side,
		"VOLUME":            qty,
		"PRICE":             price.InexactFloat64(),
		"TRD_DATE":          b.now().Format("2006-01-02"),
		"TRD_TIME":          b.now().Format("15:04:05"),
	}
	b.executions[xid] = x
	data, _ := json.Marshal(x)
	return append(b.orderLines(o),
		b.line(fmt.Sprintf("execution.%s %s %s COMPLETED", xid, o.req.Account, o.id), "execution-notification"),
		b.line("execution-data "+string(data), "execution-data"),
	)
}

func (b *Simulator) orderLines(o *simOrder) []domain.Notification {
	class := string(o.class)
	data, _ := json.Marshal(o.render())
	return []domain.Notification{
		b.line(fmt.Sprintf("%s.%s %s %s %s", class, o.id, o.req.Account, o.typ, o.status), class+"-notification"),
		b.line(class+"-data "+string(data), class+"-data"),
	}
}

func (o *simOrder) render() map[string]any {
	qty := abs(o.req.Quantity)
	side := "Sell"
	if o.req.Quantity > 0 {
		side = "Buy"
	}
	var avg any
	if o.filled > 0 {
		avg = o.avgFill.InexactFloat64()
	}
	raw := map[string]any{
		"ORIGINAL_ORDER_ID": o.id,
		"DISP_NAME":         o.req.Symbol,
		"BUYORSELL":         side,
		"VOLUME":            qty,
		"TYPE":              o.typ,
		"PRICE_TYPE":        string(o.req.Kind),
	}
	if !o.req.Price.IsZero() {
		raw["PRICE"] = o.req.Price.InexactFloat64()
	}
	if !o.req.StopPrice.IsZero() {
		raw["STOP_PRICE"] = o.req.StopPrice.InexactFloat64()
	}
	if o.req.Tag != "" {
		raw["ORDER_TAG"] = o.req.Tag
	}
	return map[string]any{
		"permid":       o.id,
		"symbol":       o.req.Symbol,
		"account":      o.req.Account,
		"quantity":     qty,
		"class":        string(o.class),
		"status":       string(o.status),
		"type":         o.typ,
		"origin":       "client",
		"filled":       o.filled,
		"remaining":    qty - o.filled,
		"avgfillprice": avg,
		"text":         fmt.Sprintf("%s %d %s (%s)", side, qty, o.req.Symbol, o.status),
		"raw":          raw,
	}
}

func (b *Simulator) ordersOf(class domain.OrderClass) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]any)
	for id, o := range b.orders {
		if o.class == class {
			out[id] = o.render()
		}
	}
	return out
}

func (b *Simulator) executionsWhere(match func(map[string]any) bool) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]any)
	for id, x := range b.executions {
		if match(x) {
			out[id] = maps.Clone(x)
		}
	}
	return out
}

func (b *Simulator) symbol(name string) *simSymbol {
	sym, ok := b.symbols[name]
	if !ok {
		sym = &simSymbol{clients: make(map[domain.ClientID]struct{})}
		b.symbols[name] = sym
	}
	return sym
}

func (b *Simulator) activeSymbols() []string {
	var names []string
	for name, sym := range b.symbols {
		if len(sym.clients) > 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (b *Simulator) export(name string, sym *simSymbol) map[string]any {
	var last any
	if sym.hasLast {
		last = sym.last.InexactFloat64()
	}
	return map[string]any{
		"symbol":    name,
		"last":      last,
		"size":      sym.size,
		"volume":    sym.volume,
		"fullname":  name,
		"tradetime": nil,
	}
}

func (b *Simulator) line(msg, flag string) domain.Notification {
	return domain.Notification{Text: simChannel + "." + msg, Flag: flag}
}

func (b *Simulator) broadcast(lines []domain.Notification) {
	if b.notifier == nil {
		return
	}
	for _, n := range lines {
		b.notifier.Broadcast(n)
	}
}

func (b *Simulator) deliver(sink domain.Sink, label string, v any, err error) {
	sink.Deliver(simChannel, domain.Result{Label: label, Value: v, Err: err})
}

func failureFor(oid, msg string) domain.Failure {
	f := domain.NewFailure(msg)
	f.ID = oid
	return f
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
