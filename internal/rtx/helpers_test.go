package rtx

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rtxbridge/internal/config"
	"rtxbridge/internal/domain"
	"rtxbridge/internal/util"
)

// fakeTransport records outbound gateway lines.
type fakeTransport struct {
	lines  []string
	closed bool
}

func (f *fakeTransport) Send(line string) error {
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

// recorder is a Notifier that keeps every broadcast.
type recorder struct {
	mu    sync.Mutex
	notes []domain.Notification
}

func (r *recorder) Broadcast(n domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Text
	}
	return out
}

func (r *recorder) has(prefix string) bool {
	for _, t := range r.texts() {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return false
}

// testSession drives a Session synchronously: inbound messages are handed
// straight to handleLine and queued requests run on drain.
type testSession struct {
	t    *testing.T
	s    *Session
	tr   *fakeTransport
	rec  *recorder
	now  time.Time
	next int
}

func newTestSession(t *testing.T, mutate func(*config.Config)) *testSession {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.LocalZone = "UTC"
	if mutate != nil {
		mutate(cfg)
	}
	rec := &recorder{}
	s, err := New(cfg, rec, util.DiscardLogger())
	require.NoError(t, err)

	ts := &testSession{
		t:   t,
		s:   s,
		tr:  &fakeTransport{},
		rec: rec,
		now: time.Date(2024, 3, 12, 15, 0, 0, 0, time.UTC),
	}
	s.transport = ts.tr
	s.nowFunc = func() time.Time { return ts.now }
	s.newID = func() string {
		ts.next++
		return fmt.Sprintf("id-%d", ts.next)
	}
	return ts
}

// ready puts the session in the post-startup state without the bootstrap
// exchange.
func (ts *testSession) ready(accounts ...string) {
	ts.s.connected = true
	ts.s.accounts = accounts
	ts.s.initialized.Store(true)
}

func (ts *testSession) drain() { ts.s.drainQueue() }

func (ts *testSession) recv(typ, id string, data any) {
	ts.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(ts.t, err)
	line, err := json.Marshal(envelope{Type: typ, ID: id, Data: raw})
	require.NoError(ts.t, err)
	ts.s.handleLine(line)
}

func (ts *testSession) ack(id, token string) { ts.recv(kindAck, id, token) }

func (ts *testSession) status(id, msg string) {
	ts.recv(kindStatus, id, map[string]string{"msg": msg, "status": "1"})
}

// connect completes the slot handshake, releasing any queued action.
func (ts *testSession) connect(id string) {
	ts.ack(id, ackConnection)
	ts.status(id, statusInitAck)
}

func (ts *testSession) respond(id string, rows ...Row) {
	if len(rows) == 0 {
		ts.recv(kindResponse, id, map[string]any{"row": nil, "complete": true})
		return
	}
	for i, row := range rows {
		ts.recv(kindResponse, id, map[string]any{"row": row, "complete": i == len(rows)-1})
	}
}

func (ts *testSession) update(id string, row Row) {
	if row == nil {
		ts.recv(kindUpdate, id, nil)
		return
	}
	ts.recv(kindUpdate, id, map[string]any{"row": row})
}

// sent returns the outbound lines starting with prefix.
func (ts *testSession) sent(prefix string) []string {
	var out []string
	for _, l := range ts.tr.lines {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

// lastSlot returns the slot id of the last outbound command with the given
// verb.
func (ts *testSession) lastSlot(verb string) string {
	ts.t.Helper()
	lines := ts.sent(verb + " ")
	require.NotEmpty(ts.t, lines, "no %s command sent", verb)
	return strings.Fields(lines[len(lines)-1])[1]
}

// capture returns a sink that stores every delivered result.
func capture() (domain.Sink, *[]domain.Result) {
	var got []domain.Result
	return domain.FuncSink(func(r domain.Result) { got = append(got, r) }), &got
}

// enableLive brings symbol through the snapshot query and the advise
// handshake.
func (ts *testSession) enableLive(symbol string, client domain.ClientID, row Row) (domain.Sink, *[]domain.Result) {
	ts.t.Helper()
	sink, got := capture()
	ts.s.EnableSymbol(symbol, client, sink)
	ts.drain()
	slot := ts.lastSlot("connect")
	ts.connect(slot)
	ts.ack(slot, ackRequest)
	ts.respond(slot, row)
	adv := ts.lastSlot("connect")
	ts.connect(adv)
	ts.ack(adv, ackAdvise)
	ts.status(adv, statusOtherAck)
	return sink, got
}

func quoteRow(symbol string) Row {
	return Row{
		"DISP_NAME":    symbol,
		"COMPANY_NAME": symbol + " Inc",
		"CUSIP":        "037833100",
		"TRD_DATE":     "2024-03-12",
		"TRDTIM_1":     "10:59:30",
		"TRDPRC_1":     "171.25",
		"TRDVOL_1":     "100",
		"ACVOL_1":      "1500000",
		"BID":          "171.20",
		"BIDSIZE":      "3",
		"ASK":          "171.30",
		"ASKSIZE":      "5",
		"OPEN_PRC":     "170.00",
		"HST_CLOSE":    "169.50",
		"VWAP":         "170.90",
		"STARTTIME":    "09:30:00",
		"STOPTIME":     "16:00:00",
	}
}
