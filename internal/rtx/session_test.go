package rtx

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtxbridge/internal/config"
	"rtxbridge/internal/domain"
	"rtxbridge/internal/util"
)

func accountRow(bank, branch, customer, deposit string) Row {
	return Row{"BANK": bank, "BRANCH": branch, "CUSTOMER": customer, "DEPOSIT": deposit}
}

// slotFor returns the slot id of the outbound command whose arguments end
// with args.
func (ts *testSession) slotFor(verb, args string) string {
	ts.t.Helper()
	for _, l := range ts.sent(verb + " ") {
		if strings.HasSuffix(l, " "+args) {
			return strings.Fields(l)[1]
		}
	}
	ts.t.Fatalf("no %s command for %q", verb, args)
	return ""
}

func TestStartupReachesUp(t *testing.T) {
	ts := newTestSession(t, func(c *config.Config) { c.Features.SecondsTick = false })
	s := ts.s

	ts.recv(kindSystem, "", map[string]string{"msg": "startup"})
	assert.Equal(t, domain.StatusInitializing, s.ConnectionStatus())
	require.Len(t, ts.sent("connect "), 5)

	// Account queries made during startup wait for the initial answer.
	accSink, accGot := capture()
	s.QueryAccounts(accSink)
	setSink, setGot := capture()
	s.SetAccount("5.6.7.8", setSink)
	ts.drain()
	assert.Empty(t, *accGot)

	for _, l := range ts.sent("connect ") {
		ts.connect(strings.Fields(l)[1])
	}
	require.Len(t, ts.sent("request "), 3)
	require.Len(t, ts.sent("advise "), 2)

	acct := ts.slotFor("request", "ACCOUNT;*;")
	ts.ack(acct, ackRequest)
	ts.respond(acct, accountRow("5", "6", "7", "8"), accountRow("1", "2", "3", "4"), accountRow("1", "2", "3", "4"))

	require.Len(t, *accGot, 1)
	assert.Equal(t, []string{"1.2.3.4", "5.6.7.8"}, (*accGot)[0].Value)
	require.Len(t, *setGot, 1)
	assert.Equal(t, true, (*setGot)[0].Value)
	assert.True(t, ts.rec.has(`rtx.accounts: ["1.2.3.4","5.6.7.8"]`))
	assert.True(t, ts.rec.has("rtx.current-account: 5.6.7.8"))

	s.everySecond(ts.now)
	assert.False(t, s.Initialized(), "orders and executions still outstanding")

	for _, args := range []string{"ORDERS;*;", "ORDERS;*;" + executionWhere} {
		id := ts.slotFor("advise", args)
		ts.ack(id, ackAdvise)
		ts.status(id, statusOtherAck)
	}

	orders := ts.slotFor("request", "ORDERS;*;")
	ts.ack(orders, ackRequest)
	ts.respond(orders, orderRow("X", "X-1", lifecycleLive, typeUserSubmitOrder))
	assert.Contains(t, s.orders, "X")

	execs := ts.slotFor("request", "ORDERS;*;"+executionWhere)
	ts.ack(execs, ackRequest)
	ts.respond(execs)

	s.everySecond(ts.now)
	assert.True(t, s.Initialized())
	assert.Equal(t, domain.StatusUp, s.ConnectionStatus())
	assert.True(t, ts.rec.has("rtx.connection-status-changed: Up"))
}

func TestStartupWaitsForMappers(t *testing.T) {
	ts := newTestSession(t, func(c *config.Config) { c.Features.SecondsTick = false })
	s := ts.s
	s.connected = true
	s.mappers["AAPL"] = &enrichBatch{s: s, symbol: "AAPL"}
	s.pendingMappers = true

	s.everySecond(ts.now)
	assert.False(t, s.Initialized())

	delete(s.mappers, "AAPL")
	s.everySecond(ts.now)
	assert.True(t, s.Initialized())
}

func TestEmptyAccountListForcesShutdown(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.s.handleAccounts(nil)
	assert.True(t, ts.s.shutdown)
	assert.True(t, ts.rec.has("rtx.error: RTX Forcing shutdown: Initial Account query failed"))
}

func TestSetAccount(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.ready(testAccount)
	s := ts.s

	sink, got := capture()
	s.SetAccount(testAccount, sink)
	s.SetAccount("9.9.9.9", sink)
	ts.drain()

	require.Len(t, *got, 2)
	assert.Equal(t, true, (*got)[0].Value)
	assert.Equal(t, false, (*got)[1].Value)
	assert.Equal(t, testAccount, s.currentAccount)
	assert.True(t, ts.rec.has("rtx.error: RTX set_account(): account 9.9.9.9 not found"))
}

func TestHandleTimeBroadcastsOncePerMinute(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.s
	tick := func(clock string) {
		s.handleTime([]Row{{"DISP_NAME": "$TIME", "TRD_DATE": "2024-03-12", "TRDTIM_1": clock}})
	}

	tick("11:00:30")
	tick("11:00:31")
	tick("11:01:00")

	var times []string
	for _, txt := range ts.rec.texts() {
		if strings.HasPrefix(txt, "rtx.time: ") {
			times = append(times, txt)
		}
	}
	assert.Equal(t, []string{"rtx.time: 2024-03-12 15:00:00", "rtx.time: 2024-03-12 15:01:00"}, times)
	assert.Equal(t, time.Date(2024, 3, 12, 15, 1, 0, 0, time.UTC), s.feedNow.UTC())
	assert.False(t, s.shutdown)

	tick("Error 256")
	assert.False(t, s.shutdown)
	assert.True(t, ts.rec.has("rtx.error: RTX handle_time: time field Error 256"))

	tick("Error 17")
	assert.True(t, s.shutdown)
}

func TestSecondsTickRequestsGatewayTime(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.ready(testAccount)
	ts.s.everySecond(ts.now)

	slot := ts.lastSlot("connect")
	ts.connect(slot)
	assert.Equal(t,
		[]string{"request " + slot + " LIVEQUOTE;DISP_NAME,TRDTIM_1,TRD_DATE;DISP_NAME='$TIME'"},
		ts.sent("request "))
	ts.ack(slot, ackRequest)
	ts.respond(slot, Row{"DISP_NAME": "$TIME", "TRD_DATE": "2024-03-12", "TRDTIM_1": "11:00:30"})
	assert.True(t, ts.rec.has("rtx.time: 2024-03-12 15:00:00"))
}

func TestDisconnectTimeoutForcesShutdown(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.s
	for i := 0; i < 15; i++ {
		s.everySecond(ts.now)
	}
	assert.False(t, s.shutdown)
	s.everySecond(ts.now)
	assert.True(t, s.shutdown)
	assert.True(t, ts.tr.closed)
	assert.True(t, ts.rec.has("rtx.error: RTX Forcing shutdown: Realtick Gateway connection timed out after 16 seconds"))
}

func TestDisconnectTimeoutDisabled(t *testing.T) {
	ts := newTestSession(t, func(c *config.Config) { c.Gateway.DisconnectShutdown = false })
	for i := 0; i < 30; i++ {
		ts.s.everySecond(ts.now)
	}
	assert.False(t, ts.s.shutdown)
}

func TestAutoReset(t *testing.T) {
	ts := newTestSession(t, func(c *config.Config) {
		c.Features.SecondsTick = false
		c.AutoReset.Enabled = true
		c.AutoReset.LocalTime = "05:00"
	})
	ts.ready(testAccount)
	s := ts.s
	at := func(hh, mm, ss int) time.Time { return time.Date(2024, 3, 12, hh, mm, ss, 0, time.UTC) }

	s.everySecond(at(4, 59, 59))
	assert.False(t, s.autoResetTrigger)
	s.everySecond(at(5, 0, 10))
	assert.True(t, s.autoResetTrigger)
	s.everySecond(at(5, 0, 59))
	assert.False(t, s.shutdown)
	s.everySecond(at(5, 1, 0))
	assert.True(t, s.shutdown)
	assert.True(t, ts.rec.has("rtx.error: RTX Forcing shutdown: auto reset"))
}

func TestStopRejectsQueuedAndPendingWork(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.s

	pendingSink, pending := capture()
	s.newCallback("q", labelPositions, pendingSink, config.TimeoutPosition)
	queuedSink, queued := capture()
	s.QuerySymbols(queuedSink)

	s.stop()
	require.Len(t, *pending, 1)
	assert.ErrorIs(t, (*pending)[0].Err, ErrShutdown)
	require.Len(t, *queued, 1)
	assert.ErrorIs(t, (*queued)[0].Err, ErrShutdown)
	assert.Equal(t, labelSymbols, (*queued)[0].Label)

	lateSink, late := capture()
	s.QueryPositions(lateSink)
	require.Len(t, *late, 1)
	assert.ErrorIs(t, (*late)[0].Err, ErrShutdown)
	assert.Equal(t, domain.StatusShutdown, s.ConnectionStatus())
}

func TestFormatPositions(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.s
	s.accounts = []string{"1.2.3.4", "5.6.7.8"}

	long := accountRow("1", "2", "3", "4")
	long["DISP_NAME"], long["LONGPOS"], long["SHORTPOS"] = "AAPL", "100", "30"
	overnight := accountRow("1", "2", "3", "4")
	overnight["DISP_NAME"], overnight["LONGPOS0"] = "AAPL", "5"
	short := accountRow("9", "9", "9", "9")
	short["DISP_NAME"], short["SHORTPOS0"] = "MSFT", "5"

	got := s.formatPositions([]Row{long, overnight, short, {}})
	assert.Equal(t, map[string]map[string]int64{
		"1.2.3.4": {"AAPL": 75},
		"5.6.7.8": {},
		"9.9.9.9": {"MSFT": -5},
	}, got)
}

func TestQueryAccountData(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.s
	sink, got := capture()
	s.QueryAccountData(testAccount, []string{"EXCESS_EQ", "CURRENCY"}, sink)
	ts.drain()
	slot := ts.lastSlot("connect")
	ts.connect(slot)
	require.Equal(t,
		[]string{"request " + slot + " DEPOSIT;EXCESS_EQ,CURRENCY;BANK='1',BRANCH='2',CUSTOMER='3',DEPOSIT='4'"},
		ts.sent("request "))

	ts.ack(slot, ackRequest)
	ts.respond(slot, Row{"EXCESS_EQ": "1234.567", "CURRENCY": "USD"})
	require.Len(t, *got, 1)
	data := (*got)[0].Value.(map[string]any)
	assert.Equal(t, 1234.57, data["_cash"])
	assert.Equal(t, "USD", data["CURRENCY"])
}

func TestSystemShutdownIsTransportLoss(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.ready(testAccount)
	ts.recv(kindSystem, "", map[string]string{"msg": "shutdown"})
	assert.False(t, ts.s.shutdown)
	assert.Equal(t, domain.StatusDisconnected, ts.s.ConnectionStatus())
	assert.False(t, ts.s.Initialized())
}

func TestServeOverPipe(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.s
	server, client := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, server) }()

	received := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(client)
		for sc.Scan() {
			received <- sc.Text()
		}
	}()

	_, err := client.Write([]byte(`{"type":"system","data":{"msg":"startup","item":"gw"}}` + "\n"))
	require.NoError(t, err)

	select {
	case line := <-received:
		assert.True(t, strings.HasPrefix(line, "connect "), line)
		assert.True(t, strings.HasSuffix(line, " ACCOUNT_GATEWAY;ORDER"), line)
	case <-time.After(2 * time.Second):
		t.Fatal("no connect command from session")
	}

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		return s.ConnectionStatus() == domain.StatusDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, domain.StatusShutdown, s.ConnectionStatus())

	sink, got := capture()
	s.QuerySymbols(sink)
	require.Len(t, *got, 1)
	assert.ErrorIs(t, (*got)[0].Err, ErrShutdown)
}

func TestRunStopsOnBadAddress(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.LocalZone = "UTC"
	cfg.Gateway.Host = "1::2"
	cfg.Gateway.ConnectAttempts = 5
	s, err := New(cfg, &recorder{}, util.DiscardLogger())
	require.NoError(t, err)

	start := time.Now()
	err = s.Run(context.Background())
	var addrErr *net.AddrError
	require.ErrorAs(t, err, &addrErr)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "a malformed address is not retried")
	assert.Equal(t, domain.StatusShutdown, s.ConnectionStatus())
}
