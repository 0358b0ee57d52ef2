package broker

import (
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtxbridge/internal/domain"
)

type recorder struct {
	mu    sync.Mutex
	lines []domain.Notification
}

func (r *recorder) Broadcast(n domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, n)
}

func (r *recorder) has(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.lines {
		if strings.HasPrefix(n.Text, prefix) {
			return true
		}
	}
	return false
}

func newSim(t *testing.T) (*Simulator, *recorder) {
	t.Helper()
	rec := &recorder{}
	sim := NewSimulator([]string{"1.2.3.5", "1.2.3.4"}, rec)
	n := 0
	sim.newID = func() string {
		n++
		return "sim-" + string(rune('0'+n))
	}
	return sim, rec
}

func result(t *testing.T, call func(domain.Sink)) domain.Result {
	t.Helper()
	var got []domain.Result
	call(domain.FuncSink(func(r domain.Result) { got = append(got, r) }))
	require.Len(t, got, 1, "sink must be completed exactly once")
	return got[0]
}

func TestSimulatorName(t *testing.T) {
	sim, _ := newSim(t)
	assert.Equal(t, "simulator", sim.Name())
	assert.True(t, sim.Initialized())
	assert.Equal(t, domain.StatusUp, sim.ConnectionStatus())
}

func TestSimulatorMarketOrderFills(t *testing.T) {
	sim, rec := newSim(t)
	sim.SetPrice("AAPL", decimal.RequireFromString("171.25"), 100)

	r := result(t, func(s domain.Sink) {
		sim.SubmitOrder(domain.OrderRequest{Kind: domain.OrderKindMarket, Account: "1.2.3.4", Symbol: "AAPL", Quantity: 100}, s)
	})
	require.NoError(t, r.Err)
	order := r.Value.(map[string]any)
	assert.Equal(t, "Filled", order["status"])
	assert.Equal(t, 171.25, order["avgfillprice"])
	assert.Equal(t, "Buy 100 AAPL (Filled)", order["text"])

	assert.True(t, rec.has("sim.order.sim-1 1.2.3.4 ExchangeTradeOrder Filled"))
	assert.True(t, rec.has("sim.execution.sim-2 1.2.3.4 sim-1 COMPLETED"))

	pos := result(t, sim.QueryPositions).Value.(map[string]map[string]int64)
	assert.Equal(t, int64(100), pos["1.2.3.4"]["AAPL"])
	assert.Empty(t, pos["1.2.3.5"], "every account is present")

	execs := result(t, func(s domain.Sink) { sim.QueryOrderExecutions("sim-1", s) }).Value.(map[string]any)
	assert.Contains(t, execs, "sim-2")
}

func TestSimulatorRestingOrders(t *testing.T) {
	sim, _ := newSim(t)
	sim.SetPrice("AAPL", decimal.NewFromInt(100), 1)

	limit := result(t, func(s domain.Sink) {
		sim.SubmitOrder(domain.OrderRequest{Kind: domain.OrderKindLimit, Account: "1.2.3.4", Symbol: "AAPL",
			Price: decimal.NewFromInt(95), Quantity: 10}, s)
	}).Value.(map[string]any)
	stop := result(t, func(s domain.Sink) {
		sim.SubmitOrder(domain.OrderRequest{Kind: domain.OrderKindStop, Account: "1.2.3.4", Symbol: "AAPL",
			StopPrice: decimal.NewFromInt(90), Quantity: -5}, s)
	}).Value.(map[string]any)
	assert.Equal(t, "Pending", limit["status"])
	assert.Equal(t, "Pending", stop["status"])

	sim.SetPrice("AAPL", decimal.NewFromInt(95), 1)
	got := result(t, func(s domain.Sink) { sim.QueryOrder(limit["permid"].(string), s) }).Value.(map[string]any)
	assert.Equal(t, "Filled", got["status"])
	got = result(t, func(s domain.Sink) { sim.QueryOrder(stop["permid"].(string), s) }).Value.(map[string]any)
	assert.Equal(t, "Pending", got["status"])

	sim.SetPrice("AAPL", decimal.NewFromInt(89), 1)
	got = result(t, func(s domain.Sink) { sim.QueryOrder(stop["permid"].(string), s) }).Value.(map[string]any)
	assert.Equal(t, "Filled", got["status"])

	pos := result(t, sim.QueryPositions).Value.(map[string]map[string]int64)
	assert.Equal(t, int64(5), pos["1.2.3.4"]["AAPL"])
}

func TestSimulatorRejections(t *testing.T) {
	sim, _ := newSim(t)
	cases := map[string]domain.OrderRequest{
		"account unknown":         {Kind: domain.OrderKindMarket, Account: "9.9.9.9", Symbol: "AAPL", Quantity: 1},
		"unknown order type: foo": {Kind: "foo", Account: "1.2.3.4", Symbol: "AAPL", Quantity: 1},
		"quantity must be non-zero": {Kind: domain.OrderKindMarket, Account: "1.2.3.4", Symbol: "AAPL"},
	}
	for msg, req := range cases {
		t.Run(msg, func(t *testing.T) {
			r := result(t, func(s domain.Sink) { sim.SubmitOrder(req, s) })
			assert.Equal(t, domain.NewFailure(msg), r.Value)
		})
	}
}

func TestSimulatorCancel(t *testing.T) {
	sim, _ := newSim(t)
	o := result(t, func(s domain.Sink) {
		sim.SubmitOrder(domain.OrderRequest{Kind: domain.OrderKindLimit, Account: "1.2.3.4", Symbol: "AAPL",
			Price: decimal.NewFromInt(1), Quantity: 1}, s)
	}).Value.(map[string]any)
	oid := o["permid"].(string)

	r := result(t, func(s domain.Sink) { sim.CancelOrder(oid, s) })
	assert.Equal(t, "Cancelled", r.Value.(map[string]any)["status"])

	r = result(t, func(s domain.Sink) { sim.CancelOrder(oid, s) })
	assert.Equal(t, domain.Failure{Status: "Error", ErrorMsg: "Already canceled.", ID: oid}, r.Value)

	r = result(t, func(s domain.Sink) { sim.CancelOrder("nope", s) })
	assert.Equal(t, "Order not found", r.Value.(domain.Failure).ErrorMsg)
}

func TestSimulatorGlobalCancel(t *testing.T) {
	sim, _ := newSim(t)
	for range 2 {
		result(t, func(s domain.Sink) {
			sim.SubmitOrder(domain.OrderRequest{Kind: domain.OrderKindLimit, Account: "1.2.3.4", Symbol: "AAPL",
				Price: decimal.NewFromInt(1), Quantity: 1}, s)
		})
	}
	ids := result(t, sim.GlobalCancel).Value.([]string)
	assert.Equal(t, []string{"sim-1", "sim-2"}, ids)
	assert.Empty(t, result(t, sim.GlobalCancel).Value)
}

func TestSimulatorTicketsSeparateFromOrders(t *testing.T) {
	sim, _ := newSim(t)
	tk := result(t, func(s domain.Sink) { sim.CreateStagedTicket("1.2.3.4", s) }).Value.(map[string]any)
	assert.Equal(t, "T-sim-1", tk["permid"])
	assert.Equal(t, "ticket", tk["class"])

	assert.Empty(t, result(t, sim.QueryOrders).Value)
	assert.Contains(t, result(t, sim.QueryTickets).Value, "T-sim-1")

	r := result(t, func(s domain.Sink) { sim.CreateStagedTicket("bogus", s) })
	assert.Equal(t, domain.NewFailure("account unknown"), r.Value)
}

func TestSimulatorSymbols(t *testing.T) {
	sim, rec := newSim(t)
	r := result(t, func(s domain.Sink) { sim.QuerySymbol("AAPL", false, nil, s) })
	assert.Equal(t, domain.NewFailure("symbol not active"), r.Value)

	result(t, func(s domain.Sink) { sim.EnableSymbol("AAPL", "c1", s) })
	result(t, func(s domain.Sink) { sim.EnableSymbol("MSFT", "c2", s) })
	assert.Equal(t, []string{"AAPL", "MSFT"}, result(t, sim.QuerySymbols).Value)

	sim.SetPrice("AAPL", decimal.RequireFromString("10.5"), 3)
	assert.True(t, rec.has("sim.trade.AAPL:10.5 3 3"))

	sym := result(t, func(s domain.Sink) { sim.QuerySymbol("AAPL", false, nil, s) }).Value.(map[string]any)
	assert.Equal(t, 10.5, sym["last"])

	sim.CloseClient("c1")
	assert.Equal(t, []string{"MSFT"}, result(t, sim.QuerySymbols).Value)
	assert.Equal(t, true, result(t, func(s domain.Sink) { sim.DisableSymbol("MSFT", "c2", s) }).Value)
	assert.Empty(t, result(t, sim.QuerySymbolData).Value)
}

func TestSimulatorAccountsAndRoute(t *testing.T) {
	sim, rec := newSim(t)
	assert.Equal(t, []string{"1.2.3.4", "1.2.3.5"}, result(t, sim.QueryAccounts).Value)

	assert.Equal(t, true, result(t, func(s domain.Sink) { sim.SetAccount("1.2.3.5", s) }).Value)
	assert.True(t, rec.has("sim.current-account: 1.2.3.5"))
	assert.Equal(t, false, result(t, func(s domain.Sink) { sim.SetAccount("x", s) }).Value)

	r := result(t, func(s domain.Sink) { sim.SetOrderRoute(`"NITE"`, s) })
	require.NoError(t, r.Err)
	assert.Equal(t, map[string]any{"NITE": nil}, result(t, sim.GetOrderRoute).Value)

	r = result(t, func(s domain.Sink) { sim.SetOrderRoute(42, s) })
	assert.Error(t, r.Err)

	data := result(t, func(s domain.Sink) { sim.QueryAccountData("1.2.3.4", []string{"EXCESS_EQ"}, s) }).Value.(map[string]any)
	assert.Equal(t, 100000.0, data["_cash"])
	assert.Contains(t, data, "EXCESS_EQ")
	assert.NotContains(t, data, "ACCOUNT")
}

func TestSimulatorShutdown(t *testing.T) {
	sim, rec := newSim(t)
	sim.Shutdown("operator request")
	sim.Shutdown("again")

	select {
	case <-sim.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.False(t, sim.Initialized())
	assert.True(t, rec.has("sim.error: SIM Forcing shutdown: operator request"))

	r := result(t, func(s domain.Sink) {
		sim.SubmitOrder(domain.OrderRequest{Kind: domain.OrderKindMarket, Account: "1.2.3.4", Symbol: "AAPL", Quantity: 1}, s)
	})
	assert.Equal(t, domain.NewFailure("gateway not initialized"), r.Value)
}

func TestSimulatorBarsUnavailable(t *testing.T) {
	sim, _ := newSim(t)
	r := result(t, func(s domain.Sink) { sim.QueryBars("AAPL", "D", ".", ".", s) })
	assert.ErrorIs(t, r.Err, ErrNoBars)
}
