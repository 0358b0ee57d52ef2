package rtx

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"rtxbridge/internal/config"
	"rtxbridge/internal/domain"
)

// ---------------------------------------------------------------------------
// Symbols
// ---------------------------------------------------------------------------

// EnableSymbol adds client to the symbol's interest set. The sink receives
// the exported snapshot once the symbol is live.
func (s *Session) EnableSymbol(symbol string, client domain.ClientID, sink domain.Sink) {
	s.submit(labelNewSymbol, sink, func() {
		s.symbolEnable(symbol, client, sink, config.TimeoutAddSymbol)
	})
}

// DisableSymbol removes client from the symbol's interest set and reports
// whether the symbol was active.
func (s *Session) DisableSymbol(symbol string, client domain.ClientID, sink domain.Sink) {
	s.submit(labelDisableSymbol, sink, func() {
		s.newCallback(symbol, labelDisableSymbol, sink, "").complete(s.symbolDisable(symbol, client))
	})
}

// CloseClient drops client from every symbol.
func (s *Session) CloseClient(client domain.ClientID) {
	s.submit(labelDisableSymbol, domain.Sink{}, func() { s.closeClient(client) })
}

// QuerySymbol returns the snapshot of an active symbol: the exported view,
// the selected raw fields when filter is set, or every raw field when raw is
// set.
func (s *Session) QuerySymbol(symbol string, raw bool, filter []string, sink domain.Sink) {
	s.submit(labelSymbol, sink, func() {
		cb := s.newCallback(symbol, labelSymbol, sink, "")
		sym, ok := s.symbols[symbol]
		if !ok || !sym.live {
			cb.complete(domain.NewFailure("symbol not active"))
			return
		}
		if raw {
			cb.complete(map[string]any(sym.rawdata.clone()))
			return
		}
		cb.complete(sym.export(filter))
	})
}

// QuerySymbols lists the active symbol names.
func (s *Session) QuerySymbols(sink domain.Sink) {
	s.submit(labelSymbols, sink, func() {
		s.newCallback(s.id, labelSymbols, sink, "").complete(s.symbolNames())
	})
}

// QuerySymbolData exports every live symbol keyed by name.
func (s *Session) QuerySymbolData(sink domain.Sink) {
	s.submit(labelSymbolData, sink, func() {
		out := make(map[string]any, len(s.symbols))
		for name, sym := range s.symbols {
			if sym.live {
				out[name] = sym.export(nil)
			}
		}
		s.newCallback(s.id, labelSymbolData, sink, "").complete(out)
	})
}

// SetPrimaryExchange overrides the EXCHANGE sent with orders for symbol. An
// empty exchange removes the override. The sink receives the full map.
func (s *Session) SetPrimaryExchange(symbol, exchange string, sink domain.Sink) {
	s.submit(labelSetPrimary, sink, func() {
		if exchange != "" {
			s.primaryExchange[symbol] = exchange
		} else {
			delete(s.primaryExchange, symbol)
		}
		s.newCallback(s.id, labelSetPrimary, sink, "").complete(maps.Clone(s.primaryExchange))
	})
}

// QueryBars requests OHLCV bars for an active symbol.
func (s *Session) QueryBars(symbol, interval, start, end string, sink domain.Sink) {
	s.submit(labelBarchart, sink, func() { s.queryBars(symbol, interval, start, end, sink) })
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SubmitOrder submits a new order. An empty account means the current
// account. The sink receives the rendered order once the gateway reports it,
// or a domain.Failure.
func (s *Session) SubmitOrder(req domain.OrderRequest, sink domain.Sink) {
	s.submit(labelSubmitOrder, sink, func() { s.submitOrder(req, "", sink) })
}

// StageOrder submits a staged order carrying tag for manual execution
// upstream.
func (s *Session) StageOrder(tag string, req domain.OrderRequest, sink domain.Sink) {
	req.Tag = tag
	s.submit(labelSubmitOrder, sink, func() { s.submitOrder(req, "", sink) })
}

// ChangeOrder submits a change to the order with original id oid.
func (s *Session) ChangeOrder(oid string, req domain.OrderRequest, sink domain.Sink) {
	s.submit(labelSubmitOrder, sink, func() { s.submitOrder(req, oid, sink) })
}

// CreateStagedTicket creates an empty staged ticket for account.
func (s *Session) CreateStagedTicket(account string, sink domain.Sink) {
	s.submit(labelCreateTicket, sink, func() { s.createStagedTicket(account, sink) })
}

// CancelOrder cancels the order with original id oid.
func (s *Session) CancelOrder(oid string, sink domain.Sink) {
	s.submit(labelCancelOrder, sink, func() { s.cancelOrder(oid, sink) })
}

// GlobalCancel cancels every live or pending order. The sink receives the
// ids being cancelled.
func (s *Session) GlobalCancel(sink domain.Sink) {
	s.submit(labelGlobalCancel, sink, func() { s.globalCancel(sink) })
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// QueryOrder returns the rendered order oid, refreshed from the gateway.
func (s *Session) QueryOrder(oid string, sink domain.Sink) {
	s.submit(labelOrderStatus, sink, func() {
		s.ledgerRequest(oid, labelOrderStatus, whereClause("ORIGINAL_ORDER_ID", oid), sink)
	})
}

// QueryOrders returns every regular order keyed by original id.
func (s *Session) QueryOrders(sink domain.Sink) {
	s.submit(labelOrders, sink, func() { s.ledgerRequest(s.id, labelOrders, "", sink) })
}

// QueryTickets returns every staged ticket keyed by original id.
func (s *Session) QueryTickets(sink domain.Sink) {
	s.submit(labelTickets, sink, func() { s.ledgerRequest(s.id, labelTickets, "", sink) })
}

// QueryExecutions returns every execution keyed by execution id.
func (s *Session) QueryExecutions(sink domain.Sink) {
	s.submit(labelExecutions, sink, func() { s.ledgerRequest(s.id, labelExecutions, executionWhere, sink) })
}

// QueryOrderExecutions returns the executions of order oid.
func (s *Session) QueryOrderExecutions(oid string, sink domain.Sink) {
	s.submit(labelOrderExecutions, sink, func() {
		s.ledgerRequest(oid, labelOrderExecutions, executionWhere+","+whereClause("ORIGINAL_ORDER_ID", oid), sink)
	})
}

// QueryExecution returns execution xid.
func (s *Session) QueryExecution(xid string, sink domain.Sink) {
	s.submit(labelExecution, sink, func() {
		s.ledgerRequest(xid, labelExecution, executionWhere+","+whereClause("ORDER_ID", xid), sink)
	})
}

// QueryPositions returns {account: {symbol: signed quantity}}.
func (s *Session) QueryPositions(sink domain.Sink) {
	s.submit(labelPositions, sink, func() {
		cb := s.newCallback(s.id, labelPositions, sink, config.TimeoutPosition)
		s.cxnGet(serviceAccountGateway, topicOrder).request(tablePosition, "*", "", cb)
	})
}

// QueryAccounts returns the sorted account list, waiting for the initial
// account query if it is still outstanding.
func (s *Session) QueryAccounts(sink domain.Sink) {
	s.submit(labelRequestAccounts, sink, func() { s.requestAccounts(sink) })
}

// QueryAccountData returns the DEPOSIT row of account, limited to fields
// when given.
func (s *Session) QueryAccountData(account string, fields []string, sink domain.Sink) {
	s.submit(labelAccountData, sink, func() {
		parts := strings.Split(account, ".")
		if len(parts) < 4 {
			// An unparseable account matches no rows.
			parts = []string{".", ".", ".", "."}
		}
		what := "*"
		if len(fields) > 0 {
			what = strings.Join(fields, ",")
		}
		where := whereClause("BANK", parts[0], "BRANCH", parts[1], "CUSTOMER", parts[2], "DEPOSIT", parts[3])
		cb := s.newCallback(s.id, labelAccountData, sink, config.TimeoutAccount)
		s.cxnGet(serviceAccountGateway, topicOrder).request(tableDeposit, what, where, cb)
	})
}

// SetAccount selects the current account. The sink receives whether the
// account is known.
func (s *Session) SetAccount(name string, sink domain.Sink) {
	s.submit(labelSetAccount, sink, func() { s.setAccount(name, sink) })
}

// SetOrderRoute sets the default route: a name, a quoted JSON name, or a
// single-key JSON object of route parameters. The sink receives the route.
func (s *Session) SetOrderRoute(route any, sink domain.Sink) {
	s.submit(labelSetOrderRoute, sink, func() {
		cb := s.newCallback(s.id, labelSetOrderRoute, sink, "")
		if err := s.setOrderRoute(route); err != nil {
			cb.fail(err)
			return
		}
		cb.complete(s.orderRoute())
	})
}

// GetOrderRoute returns the current route as {name: params}.
func (s *Session) GetOrderRoute(sink domain.Sink) {
	s.submit(labelGetOrderRoute, sink, func() {
		s.newCallback(s.id, labelGetOrderRoute, sink, "").complete(s.orderRoute())
	})
}

// CallbackMetrics returns per-label pending-call statistics.
func (s *Session) CallbackMetrics(sink domain.Sink) {
	s.submit(labelCallbackMetrics, sink, func() {
		s.newCallback(s.id, labelCallbackMetrics, sink, "").complete(s.stats.snapshot())
	})
}

// ConnectionStatus returns the current gateway status. It is safe to call
// from any goroutine.
func (s *Session) ConnectionStatus() domain.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Name returns "rtx".
func (s *Session) Name() string { return "rtx" }

// Initialized reports whether the bootstrap queries have completed.
func (s *Session) Initialized() bool { return s.initialized.Load() }

// Shutdown forces the session down. Run then returns ErrShutdown.
func (s *Session) Shutdown(reason string) {
	s.submit("shutdown", domain.Sink{}, func() { s.forceDisconnect(reason) })
}

// ---------------------------------------------------------------------------
// Implementation
// ---------------------------------------------------------------------------

func (s *Session) ledgerRequest(id, label, where string, sink domain.Sink) {
	cb := s.newCallback(id, label, sink, config.TimeoutOrderStatus)
	s.cxnGet(serviceAccountGateway, topicOrder).request(tableOrders, "*", where, cb)
}

// setOrderRoute accepts a route name, a quoted JSON string, a JSON object
// string, or a decoded object. Objects must have exactly one key.
func (s *Session) setOrderRoute(route any) error {
	if str, ok := route.(string); ok {
		switch {
		case strings.HasPrefix(str, "{"):
			var m map[string]any
			if err := json.Unmarshal([]byte(str), &m); err != nil {
				return fmt.Errorf("%w %s: %v", ErrBadRoute, str, err)
			}
			route = m
		case strings.HasPrefix(str, `"`):
			var name string
			if err := json.Unmarshal([]byte(str), &name); err != nil {
				return fmt.Errorf("%w %s: %v", ErrBadRoute, str, err)
			}
			route = map[string]any{name: nil}
		default:
			route = map[string]any{str: nil}
		}
	}
	m, ok := route.(map[string]any)
	if !ok || len(m) != 1 {
		return fmt.Errorf("%w %v", ErrBadRoute, route)
	}
	for name, params := range m {
		if name == "" {
			return fmt.Errorf("%w %v", ErrBadRoute, route)
		}
		var p map[string]any
		if params != nil {
			if p, ok = params.(map[string]any); !ok {
				return fmt.Errorf("%w %v", ErrBadRoute, route)
			}
		}
		s.routeName = name
		s.routeParams = p
	}
	return nil
}

func (s *Session) orderRoute() map[string]any {
	var params any
	if s.routeParams != nil {
		params = maps.Clone(s.routeParams)
	}
	return map[string]any{s.routeName: params}
}

// accountFields splits bank.branch.customer.deposit into wire fields.
func accountFields(account string) ([]field, bool) {
	parts := strings.Split(account, ".")
	if len(parts) < 4 {
		return nil, false
	}
	return []field{
		{"BANK", parts[0]}, {"BRANCH", parts[1]}, {"CUSTOMER", parts[2]}, {"DEPOSIT", parts[3]},
	}, true
}

func fieldsRow(fields []field) Row {
	row := make(Row, len(fields))
	for _, f := range fields {
		row[f.name] = f.value
	}
	return row
}

// submitOrder builds and pokes a UserSubmit[Staged]{Order|Change} record.
// A non-empty oid submits a change to that order.
func (s *Session) submitOrder(req domain.OrderRequest, oid string, sink domain.Sink) {
	reject := func(msg string) {
		s.newCallback(s.id, labelSubmitOrder, sink, "").complete(domain.NewFailure(msg))
	}
	if !s.initialized.Load() {
		reject("gateway not initialized")
		return
	}
	if req.Account == "" {
		req.Account = s.currentAccount
	}
	if !s.verifyAccount(req.Account) {
		reject("account unknown")
		return
	}
	if req.Route != "" {
		if err := s.setOrderRoute(req.Route); err != nil {
			s.errorHandler(s.id, err.Error())
			reject(fmt.Sprintf("undefined order route: %s", req.Route))
			return
		}
	}
	if !s.limiter.Allow() {
		reject("order rate limit exceeded")
		return
	}

	fields, ok := accountFields(req.Account)
	if !ok {
		reject("account unknown")
		return
	}
	side := "Sell"
	if req.Quantity > 0 {
		side = "Buy"
	}
	fields = append(fields,
		field{"BUYORSELL", side},
		field{"GOOD_UNTIL", "DAY"},
		field{"EXIT_VEHICLE", s.routeName},
	)
	for _, k := range slices.Sorted(maps.Keys(s.routeParams)) {
		v := s.routeParams[k]
		value := valueString(v)
		if k == "STRAT_PARAMETERS" || k == "STRAT_REDUNDANT_DATA" {
			value = strategyParams(v)
		}
		fields = append(fields, field{k, value})
	}

	exchange := defaultExchange
	if x, ok := s.primaryExchange[req.Symbol]; ok {
		exchange = x
	}
	fields = append(fields,
		field{"DISP_NAME", req.Symbol},
		field{"STYP", stockType},
		field{"EXCHANGE", exchange},
	)

	switch req.Kind {
	case domain.OrderKindMarket:
		fields = append(fields, field{"PRICE_TYPE", "Market"})
	case domain.OrderKindLimit:
		fields = append(fields, field{"PRICE_TYPE", "AsEntered"}, field{"PRICE", req.Price.String()})
	case domain.OrderKindStop:
		fields = append(fields, field{"PRICE_TYPE", "Stop"}, field{"STOP_PRICE", req.StopPrice.String()})
	case domain.OrderKindStopLimit:
		fields = append(fields, field{"PRICE_TYPE", "StopLimit"},
			field{"STOP_PRICE", req.StopPrice.String()}, field{"PRICE", req.Price.String()})
	default:
		msg := fmt.Sprintf("unknown order type: %s", req.Kind)
		s.errorHandler(s.id, msg)
		reject(msg)
		return
	}

	qty := req.Quantity
	if qty < 0 {
		qty = -qty
	}
	fields = append(fields, field{"VOLUME_TYPE", "AsEntered"}, field{"VOLUME", fmt.Sprint(qty)})

	staging := ""
	if req.Tag != "" {
		fields = append(fields, field{"ORDER_TAG", req.Tag})
		staging = "Staged"
	}
	submission := "Order"
	if oid != "" {
		fields = append(fields, field{"REFERS_TO_ID", oid})
		submission = "Change"
	} else {
		oid = s.newID()
		fields = append(fields, field{"CLIENT_ORDER_ID", oid})
	}
	fields = append(fields, field{"TYPE", "UserSubmit" + staging + submission})

	cb := s.newCallback(oid, labelOrder, sink, config.TimeoutOrder)
	if o, ok := s.orders[oid]; ok {
		o.cb = cb
		s.pendingOrders[oid] = o
	} else {
		s.pendingOrders[oid] = newOrder(s, oid, fieldsRow(fields), originClient, cb)
	}

	ack := s.localCallback(oid, labelOrderAck, config.TimeoutOrder,
		func(v any) { s.log.Info("order submission acknowledged", "oid", oid, "ack", v) }, nil)
	status := s.localCallback(oid, labelOrder, config.TimeoutOrder,
		func(any) { s.log.Info("order submitted", "oid", oid) }, s.failSubmission(s.pendingOrders, oid))
	s.cxnGet(serviceAccountGateway, topicOrder).poke(tableOrders, "*", "", pokeData(fields), ack, status)
}

// failSubmission resolves a pending submission with the error its poke
// failed with, so the caller does not wait for the order timeout.
func (s *Session) failSubmission(pending map[string]*Order, id string) func(error) {
	return func(err error) {
		s.errorHandler(id, fmt.Sprintf("order submission failed: %v", err))
		o, ok := pending[id]
		if !ok {
			return
		}
		delete(pending, id)
		if o.cb != nil {
			o.cb.fail(err)
		}
	}
}

func (s *Session) createStagedTicket(account string, sink domain.Sink) {
	if account == "" {
		account = s.currentAccount
	}
	fields, ok := accountFields(account)
	if !ok || !s.verifyAccount(account) {
		s.newCallback(s.id, labelCreateTicket, sink, "").complete(domain.NewFailure("account unknown"))
		return
	}
	tid := "T-" + s.newID()
	fields = append(fields,
		field{"CLIENT_ORDER_ID", tid},
		field{"DISP_NAME", "N/A"},
		field{"STYP", stockType},
		field{"EXIT_VEHICLE", "NONE"},
		field{"TYPE", typeUserSubmitStagedOrder},
	)
	cb := s.newCallback(tid, labelTicket, sink, config.TimeoutOrder)
	s.pendingTickets[tid] = newOrder(s, tid, fieldsRow(fields), originClient, cb)

	ack := s.localCallback(tid, labelTicketAck, config.TimeoutOrder,
		func(v any) { s.log.Info("staged order ticket submission acknowledged", "tid", tid, "ack", v) }, nil)
	status := s.localCallback(tid, labelTicket, config.TimeoutOrder,
		func(any) { s.log.Info("staged order ticket submitted", "tid", tid) }, s.failSubmission(s.pendingTickets, tid))
	s.cxnGet(serviceAccountGateway, topicOrder).poke(tableOrders, "*", "", pokeData(fields), ack, status)
}

func (s *Session) cancelOrder(oid string, sink domain.Sink) {
	s.log.Info("cancel order", "oid", oid)
	if !s.initialized.Load() {
		s.newCallback(oid, labelCancelOrder, sink, "").complete(domain.NewFailure("gateway not initialized"))
		return
	}
	cb := s.newCallback(oid, labelCancelOrder, sink, config.TimeoutOrder)
	o, ok := s.orders[oid]
	if !ok {
		f := domain.NewFailure("Order not found")
		f.ID = oid
		cb.complete(f)
		return
	}
	if o.status() == string(domain.OrderStatusCancelled) {
		f := domain.NewFailure("Already canceled.")
		f.ID = oid
		cb.complete(f)
		return
	}
	fields := []field{{"TYPE", typeUserSubmitCancel}, {"REFERS_TO_ID", oid}}
	s.cxnGet(serviceAccountGateway, topicOrder).poke(tableOrders, "*", "", pokeData(fields), nil, cb)
}

func (s *Session) globalCancel(sink domain.Sink) {
	done := s.newCallback(s.id, labelGlobalCancel, sink, config.TimeoutOrder)
	cxn := s.cxnGet(serviceAccountGateway, topicOrder)
	cb := s.localCallback(cxn.id, labelGlobalCancel, config.TimeoutOrder,
		func(v any) { done.complete(s.handleGlobalCancel(rowsOf(v))) },
		func(err error) { done.fail(err) })
	cxn.request(tableOrders, "ORDER_ID,ORIGINAL_ORDER_ID,CURRENT_STATUS,TYPE",
		"CURRENT_STATUS={'LIVE','PENDING'}", cb)
}

// handleGlobalCancel cancels each live or pending order once and returns
// their ids.
func (s *Session) handleGlobalCancel(rows []Row) []string {
	ids := []string{}
	for _, row := range rows {
		switch row.Str("CURRENT_STATUS") {
		case lifecycleLive, lifecyclePending:
		default:
			continue
		}
		oid := row.Str("ORIGINAL_ORDER_ID")
		if oid == "" || slices.Contains(ids, oid) {
			continue
		}
		ids = append(ids, oid)
		s.cancelOrder(oid, domain.FuncSink(func(r domain.Result) {
			s.log.Info("global cancel", "oid", oid, "result", r.Value, "error", r.Err)
		}))
	}
	return ids
}
