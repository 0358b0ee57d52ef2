package rtx

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtxbridge/internal/config"
	"rtxbridge/internal/domain"
)

const testAccount = "1.2.3.4"

func orderRow(oid, orderID, lifecycle, otype string) Row {
	return Row{
		"ORIGINAL_ORDER_ID": oid,
		"ORDER_ID":          orderID,
		"CURRENT_STATUS":    lifecycle,
		"TYPE":              otype,
		"DISP_NAME":         "AAPL",
		"CUSIP":             "037833100",
		"BANK":              "1",
		"BRANCH":            "2",
		"CUSTOMER":          "3",
		"DEPOSIT":           "4",
		"BUYORSELL":         "Buy",
		"VOLUME":            "100",
		"ORIGINAL_VOLUME":   "100",
	}
}

func TestMarketOrderLiveThenFilled(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.ready(testAccount)
	s := ts.s

	sink, got := capture()
	s.SubmitOrder(domain.OrderRequest{
		Kind: domain.OrderKindMarket, Account: testAccount, Symbol: "AAPL", Quantity: 100,
	}, sink)
	ts.drain()

	require.Len(t, s.pendingOrders, 1)
	var coid string
	for k := range s.pendingOrders {
		coid = k
	}

	slot := ts.lastSlot("connect")
	ts.connect(slot)
	pokes := ts.sent("poke ")
	require.Len(t, pokes, 1)
	assert.Contains(t, pokes[0], "ORDERS;*;!BANK=1,BRANCH=2,CUSTOMER=3,DEPOSIT=4,BUYORSELL=Buy,GOOD_UNTIL=DAY,EXIT_VEHICLE=DEMO,")
	assert.Contains(t, pokes[0], "DISP_NAME=AAPL,STYP=1,EXCHANGE=NYS,PRICE_TYPE=Market,VOLUME_TYPE=AsEntered,VOLUME=100,")
	assert.True(t, strings.HasSuffix(pokes[0], "CLIENT_ORDER_ID="+coid+",TYPE=UserSubmitOrder"))

	live := orderRow("X", "X-1", lifecycleLive, typeUserSubmitOrder)
	live["CLIENT_ORDER_ID"] = coid
	s.handleOrderResponse(live)

	require.Len(t, *got, 1)
	rendered := (*got)[0].Value.(map[string]any)
	assert.Equal(t, string(domain.OrderStatusPending), rendered["status"])
	assert.Equal(t, "X", rendered["permid"])
	assert.Equal(t, "order", rendered["class"])
	assert.Equal(t, testAccount, rendered["account"])
	assert.Equal(t, "Buy 100 AAPL (Pending)", rendered["text"])
	assert.Empty(t, s.pendingOrders)

	fill := orderRow("X", "X-2", lifecycleCompleted, typeExchangeTradeOrder)
	fill["VOLUME_TRADED"] = "100"
	fill["AVG_PRICE"] = "171.25"
	s.handleOrderResponse(fill)

	o := s.orders["X"]
	require.NotNil(t, o)
	assert.Equal(t, string(domain.OrderStatusFilled), o.status())
	assert.True(t, ts.rec.has("rtx.order.X 1.2.3.4 ExchangeTradeOrder Filled"))
	assert.True(t, ts.rec.has("rtx.order-data "))
	assert.Equal(t, "100", o.render()["filled"])
}

func TestDuplicateFragmentsLogOnce(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.s
	row := orderRow("X", "X-1", lifecycleLive, typeUserSubmitOrder)
	for i := 0; i < 5; i++ {
		s.handleOrderResponse(row)
	}
	o := s.orders["X"]
	require.NotNil(t, o)
	// The first sighting seeds the record; repeats are duplicates.
	assert.Len(t, o.updates, 1)

	changed := row.clone()
	changed["CURRENT_STATUS"] = lifecycleCompleted
	s.handleOrderResponse(changed)
	s.handleOrderResponse(changed)
	assert.Len(t, o.updates, 2)
	assert.Equal(t, map[string]any{"CURRENT_STATUS": lifecycleCompleted}, o.updates[1].Fields)
}

func TestUpstreamOrderBroadcastOnFirstSighting(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.s.handleOrderResponse(orderRow("U", "U-1", lifecyclePending, typeUserSubmitOrder))
	assert.True(t, ts.rec.has("rtx.order.U 1.2.3.4 UserSubmitOrder Submitted"))
	assert.Equal(t, originUpstream, ts.s.orders["U"].render()["origin"])
}

func TestFilledRequiresFillEvent(t *testing.T) {
	cases := []struct {
		name      string
		lifecycle string
		otype     string
		traded    string
		want      domain.OrderStatus
	}{
		{"complete fill", lifecycleCompleted, typeExchangeTradeOrder, "100", domain.OrderStatusFilled},
		{"partial fill keeps status", lifecycleCompleted, typeExchangeTradeOrder, "40", domain.OrderStatusInitialized},
		{"no fill event", lifecycleCompleted, typeUserSubmitOrder, "100", domain.OrderStatusSubmitted},
		{"live", lifecycleLive, typeExchangeTradeOrder, "100", domain.OrderStatusPending},
		{"cancel", lifecycleCompleted, typeUserSubmitCancel, "", domain.OrderStatusCancelled},
		{"change", lifecycleCompleted, typeAdjustQty, "", domain.OrderStatusChanged},
		{"accept", lifecycleCompleted, typeExchangeAcceptOrder, "", domain.OrderStatusAccepted},
		{"reject", lifecycleCompleted, typeClerkReject, "", domain.OrderStatusError},
		{"unknown type", lifecycleCompleted, "Mystery", "", domain.OrderStatusError},
		{"cancelled", lifecycleCancelled, typeUserSubmitOrder, "", domain.OrderStatusCancelled},
		{"deleted", lifecycleDeleted, typeUserSubmitOrder, "", domain.OrderStatusError},
		{"unknown lifecycle", "WEIRD", typeUserSubmitOrder, "", domain.OrderStatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestSession(t, nil)
			row := orderRow("X", "X-1", tc.lifecycle, tc.otype)
			if tc.traded != "" {
				row["VOLUME_TRADED"] = tc.traded
			}
			o := newOrder(ts.s, "X", row, originUpstream, nil)
			o.render()
			assert.Equal(t, string(tc.want), o.status())
		})
	}
}

func TestTicketPromotedByClientOrderID(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.ready(testAccount)
	s := ts.s
	sink, got := capture()
	s.CreateStagedTicket(testAccount, sink)
	ts.drain()

	require.Contains(t, s.pendingTickets, "T-id-1")
	row := orderRow("T", "T-1", lifecyclePending, typeUserSubmitStagedOrder)
	row["CLIENT_ORDER_ID"] = "T-id-1"
	s.handleOrderResponse(row)

	require.Len(t, *got, 1)
	rendered := (*got)[0].Value.(map[string]any)
	assert.Equal(t, "ticket", rendered["class"])
	assert.Equal(t, labelTicket, (*got)[0].Label)
	assert.Empty(t, s.pendingTickets)
	assert.Contains(t, s.orders, "T")
}

func TestSubmitOrderRejections(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.s
	req := domain.OrderRequest{Kind: domain.OrderKindLimit, Account: testAccount, Symbol: "AAPL",
		Price: decimal.RequireFromString("10.5"), Quantity: -10}

	sink, got := capture()
	s.SubmitOrder(req, sink)
	ts.drain()
	require.Len(t, *got, 1)
	assert.Equal(t, domain.NewFailure("gateway not initialized"), (*got)[0].Value)

	ts.ready("9.9.9.9")
	s.SubmitOrder(req, sink)
	ts.drain()
	assert.Equal(t, domain.NewFailure("account unknown"), (*got)[1].Value)

	ts.ready(testAccount)
	bad := req
	bad.Route = `{"A": 1, "B": 2}`
	s.SubmitOrder(bad, sink)
	ts.drain()
	assert.Equal(t, "undefined order route: "+bad.Route, (*got)[2].Value.(domain.Failure).ErrorMsg)

	s.SubmitOrder(req, sink)
	ts.drain()
	ts.connect(ts.lastSlot("connect"))
	poke := ts.sent("poke ")[0]
	assert.Contains(t, poke, "BUYORSELL=Sell")
	assert.Contains(t, poke, "PRICE_TYPE=AsEntered,PRICE=10.5,VOLUME_TYPE=AsEntered,VOLUME=10,")
}

func TestSubmitStopLimitWithRouteParams(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.ready(testAccount)
	s := ts.s
	s.SetPrimaryExchange("AAPL", "NAS", domain.Sink{})
	s.SubmitOrder(domain.OrderRequest{
		Kind: domain.OrderKindStopLimit, Account: testAccount, Symbol: "AAPL",
		Route:     `{"ALGO": {"STRAT_PARAMETERS": {"b": "2", "a": "1"}, "STRAT_TIME": "10"}}`,
		Price:     decimal.RequireFromString("11"),
		StopPrice: decimal.RequireFromString("10.75"),
		Quantity:  5,
	}, domain.Sink{})
	ts.drain()
	ts.connect(ts.lastSlot("connect"))

	poke := ts.sent("poke ")[0]
	assert.Contains(t, poke, "EXIT_VEHICLE=ALGO,STRAT_PARAMETERS=a\x1f1\x01b\x1f2\x01,STRAT_TIME=10,")
	assert.Contains(t, poke, "EXCHANGE=NAS,PRICE_TYPE=StopLimit,STOP_PRICE=10.75,PRICE=11,")
}

func TestStageOrderUsesCurrentAccountAndThrottles(t *testing.T) {
	ts := newTestSession(t, func(cfg *config.Config) { cfg.Orders.RateLimit = 1 })
	ts.ready(testAccount)
	s := ts.s
	s.currentAccount = testAccount

	s.StageOrder("desk-7", domain.OrderRequest{Kind: domain.OrderKindMarket, Symbol: "AAPL", Quantity: 3}, domain.Sink{})
	ts.drain()
	ts.connect(ts.lastSlot("connect"))
	poke := ts.sent("poke ")[0]
	assert.Contains(t, poke, "BANK=1,BRANCH=2,CUSTOMER=3,DEPOSIT=4,BUYORSELL=Buy,")
	assert.Contains(t, poke, "ORDER_TAG=desk-7,")
	assert.Contains(t, poke, "TYPE=UserSubmitStagedOrder")

	sink, got := capture()
	s.SubmitOrder(domain.OrderRequest{Kind: domain.OrderKindMarket, Symbol: "AAPL", Quantity: 1}, sink)
	ts.drain()
	require.Len(t, *got, 1)
	assert.Equal(t, domain.NewFailure("order rate limit exceeded"), (*got)[0].Value)
}

func TestCancelOrder(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.ready(testAccount)
	s := ts.s
	s.handleOrderResponse(orderRow("X", "X-1", lifecycleLive, typeUserSubmitOrder))

	sink, got := capture()
	s.CancelOrder("missing", sink)
	ts.drain()
	require.Len(t, *got, 1)
	assert.Equal(t, domain.Failure{Status: "Error", ErrorMsg: "Order not found", ID: "missing"}, (*got)[0].Value)

	s.CancelOrder("X", sink)
	ts.drain()
	slot := ts.lastSlot("connect")
	ts.connect(slot)
	require.Equal(t, []string{"poke " + slot + " ORDERS;*;!TYPE=UserSubmitCancel,REFERS_TO_ID=X"}, ts.sent("poke "))
	ts.ack(slot, ackPoke)
	ts.status(slot, statusOtherAck)
	require.Len(t, *got, 2)
	assert.NoError(t, (*got)[1].Err)

	s.handleOrderResponse(orderRow("X", "X-2", lifecycleCancelled, typeUserSubmitCancel))
	s.CancelOrder("X", sink)
	ts.drain()
	assert.Equal(t, "Already canceled.", (*got)[2].Value.(domain.Failure).ErrorMsg)
}

func TestSubmitFailsOnStatusError(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.ready(testAccount)
	s := ts.s

	sink, got := capture()
	s.SubmitOrder(domain.OrderRequest{Kind: domain.OrderKindMarket, Account: testAccount, Symbol: "AAPL", Quantity: 1}, sink)
	ts.drain()
	slot := ts.lastSlot("connect")
	ts.connect(slot)
	ts.ack(slot, ackPoke)
	assert.Empty(t, *got)

	ts.recv(kindStatus, slot, map[string]string{"msg": statusOtherAck, "status": "0"})
	require.Len(t, *got, 1)
	assert.ErrorIs(t, (*got)[0].Err, ErrStatusFailed)
	assert.Empty(t, s.pendingOrders)
	assert.Contains(t, strings.Join(ts.rec.texts(), "\n"), "order submission failed")
}

func TestGlobalCancel(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.ready(testAccount)
	s := ts.s
	s.handleOrderResponse(orderRow("X", "X-1", lifecycleLive, typeUserSubmitOrder))
	s.handleOrderResponse(orderRow("Y", "Y-1", lifecyclePending, typeUserSubmitOrder))

	sink, got := capture()
	s.GlobalCancel(sink)
	ts.drain()
	slot := ts.lastSlot("connect")
	ts.connect(slot)
	ts.ack(slot, ackRequest)
	ts.respond(slot,
		Row{"ORIGINAL_ORDER_ID": "X", "CURRENT_STATUS": lifecycleLive},
		Row{"ORIGINAL_ORDER_ID": "X", "CURRENT_STATUS": lifecycleLive},
		Row{"ORIGINAL_ORDER_ID": "Y", "CURRENT_STATUS": lifecyclePending},
		Row{"ORIGINAL_ORDER_ID": "Z", "CURRENT_STATUS": lifecycleCompleted},
	)

	require.Len(t, *got, 1)
	assert.Equal(t, []string{"X", "Y"}, (*got)[0].Value)
}

func TestQueryOrdersSeparatesTickets(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.s
	sink, got := capture()
	s.QueryOrders(sink)
	ts.drain()
	slot := ts.lastSlot("connect")
	ts.connect(slot)
	ts.ack(slot, ackRequest)
	ts.respond(slot,
		orderRow("X", "X-1", lifecycleLive, typeUserSubmitOrder),
		orderRow("T", "T-1", lifecyclePending, typeUserSubmitStagedOrder),
	)

	require.Len(t, *got, 1)
	orders := (*got)[0].Value.(map[string]any)
	assert.Contains(t, orders, "X")
	assert.NotContains(t, orders, "T")
}

func TestOrderRouteForms(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.s

	require.NoError(t, s.setOrderRoute(`"DEMOEUR"`))
	assert.Equal(t, map[string]any{"DEMOEUR": nil}, s.orderRoute())

	require.NoError(t, s.setOrderRoute(`{"ALGO": {"X": "1"}}`))
	assert.Equal(t, map[string]any{"ALGO": map[string]any{"X": "1"}}, s.orderRoute())

	assert.ErrorIs(t, s.setOrderRoute(map[string]any{}), ErrBadRoute)
	assert.ErrorIs(t, s.setOrderRoute(42), ErrBadRoute)
	assert.Equal(t, "ALGO", s.routeName)
}
