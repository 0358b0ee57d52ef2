// Package rtx implements the gateway session: the multiplexed connection
// slots to the upstream RTX gateway, the pending-call framework that turns
// its asynchronous replies into one-shot results, the order and execution
// ledger, and the symbol registry with quote fan-out.
//
// All session state is owned by a single goroutine (Serve). Public methods
// enqueue work for that goroutine and deliver their outcome to a
// domain.Sink.
package rtx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rtxbridge/internal/config"
	"rtxbridge/internal/domain"
	"rtxbridge/internal/util"
)

// Notifier fans broadcast lines out to front-end clients.
type Notifier interface {
	Broadcast(n domain.Notification)
}

// Transport writes protocol lines to the gateway.
type Transport interface {
	Send(line string) error
	Close() error
}

// lineTransport frames outbound commands with a trailing newline.
type lineTransport struct {
	conn io.WriteCloser
	w    *bufio.Writer
}

func newLineTransport(conn io.WriteCloser) *lineTransport {
	return &lineTransport{conn: conn, w: bufio.NewWriter(conn)}
}

func (t *lineTransport) Send(line string) error {
	if _, err := t.w.WriteString(line + "\n"); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *lineTransport) Close() error { return t.conn.Close() }

// event is one inbound line or the terminal read error.
type event struct {
	line []byte
	err  error
}

// request is a unit of work queued for the session goroutine.
type request struct {
	label string
	sink  domain.Sink
	run   func()
}

// Session is the gateway session. Construct it with New and drive it with
// Run (or Serve over an established connection).
type Session struct {
	cfg      *config.Config
	log      *slog.Logger
	notifier Notifier
	clock    *util.FeedClock
	fields   fieldParser
	limiter  *util.RateLimiter
	channel  string
	id       string
	clientID domain.ClientID
	nowFunc  func() time.Time
	newID    func() string

	transport Transport
	pool      *pool
	callbacks []*Callback
	stats     callbackStats

	symbols        map[string]*Symbol
	orders         map[string]*Order
	pendingOrders  map[string]*Order
	pendingTickets map[string]*Order
	executions     map[string]*Execution
	mappers        map[string]*enrichBatch

	accounts          []string
	currentAccount    string
	accountWaiters    []*Callback
	setAccountWaiters []*Callback

	connected         bool
	pendingAccounts   bool
	pendingOrderInit  bool
	pendingExecutions bool
	pendingMappers    bool

	routeName       string
	routeParams     map[string]any
	primaryExchange map[string]string

	feedNow             time.Time
	localNow            time.Time
	lastMinute          int
	secondsDisconnected int
	autoResetTrigger    bool
	shutdown            bool

	initialized atomic.Bool

	mu     sync.Mutex
	queue  []request
	closed bool
	status domain.ConnectionStatus
	wake   chan struct{}
}

// New builds a session from cfg. notifier may be nil.
func New(cfg *config.Config, notifier Notifier, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clock, err := util.NewFeedClock(cfg.Gateway.Timezone, cfg.Gateway.LocalZone,
		time.Duration(cfg.Gateway.TimeOffset)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("building feed clock: %w", err)
	}
	log := logger.With("component", "rtx")
	s := &Session{
		cfg:             cfg,
		log:             log,
		notifier:        notifier,
		clock:           clock,
		fields:          fieldParser{warn: log.Warn},
		limiter:         util.NewRateLimiter(cfg.Orders.RateLimit),
		channel:         "rtx",
		id:              "RTX",
		clientID:        domain.ClientID("RTX"),
		nowFunc:         time.Now,
		newID:           newOrderID,
		pool:            newPool(),
		stats:           make(callbackStats),
		symbols:         make(map[string]*Symbol),
		orders:          make(map[string]*Order),
		pendingOrders:   make(map[string]*Order),
		pendingTickets:  make(map[string]*Order),
		executions:      make(map[string]*Execution),
		mappers:         make(map[string]*enrichBatch),
		primaryExchange: make(map[string]string),
		lastMinute:      -1,
		status:          domain.StatusDisconnected,
		wake:            make(chan struct{}, 1),
	}
	if err := s.setOrderRoute(cfg.Gateway.Route); err != nil {
		return nil, err
	}
	return s, nil
}

// newOrderID returns a time-based UUID, falling back to a random one.
func newOrderID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *Session) now() time.Time { return s.nowFunc() }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Run dials the gateway and serves the session until ctx is cancelled or the
// session shuts itself down, in which case it returns ErrShutdown.
func (s *Session) Run(ctx context.Context) error {
	s.setStatus(domain.StatusConnecting)
	addr := s.cfg.Gateway.Addr()
	var conn net.Conn
	err := util.Retry(ctx, max(s.cfg.Gateway.ConnectAttempts, 1), time.Second, func() error {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			s.log.Warn("gateway dial failed", "addr", addr, "error", err)
			if badAddress(err) {
				return util.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		s.setStatus(domain.StatusDisconnected)
		s.stop()
		return fmt.Errorf("connecting to gateway %s: %w", addr, err)
	}
	s.log.Info("awaiting startup response from gateway", "addr", addr)
	return s.Serve(ctx, conn)
}

// badAddress reports dial errors that no retry can fix.
func badAddress(err error) bool {
	var addrErr *net.AddrError
	if errors.As(err, &addrErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// Serve runs the session loop over an established gateway connection.
func (s *Session) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	defer s.stop()
	s.transport = newLineTransport(conn)
	s.setStatus(domain.StatusConnecting)

	events := make(chan event, 64)
	done := make(chan struct{})
	defer close(done)
	go readLines(conn, events, done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("session stopping", "reason", ctx.Err())
			_ = conn.Close()
			return nil
		case ev := <-events:
			if ev.err != nil {
				s.gatewayDisconnected(ev.err)
				events = nil
				break
			}
			s.handleLine(ev.line)
		case <-s.wake:
			s.drainQueue()
		case now := <-ticker.C:
			s.everySecond(now)
		}
		if s.shutdown {
			_ = conn.Close()
			return ErrShutdown
		}
	}
}

// readLines feeds inbound lines to the session loop until the connection
// fails.
func readLines(r io.Reader, events chan<- event, done <-chan struct{}) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		select {
		case events <- event{line: line}:
		case <-done:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case events <- event{err: fmt.Errorf("%w: %v", ErrTransportLost, err)}:
	case <-done:
	}
}

// submit queues fn for the session goroutine. After shutdown the sink
// receives ErrShutdown instead.
func (s *Session) submit(label string, sink domain.Sink, fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sink.Deliver(s.channel, domain.Result{Label: label, Err: ErrShutdown})
		return
	}
	s.queue = append(s.queue, request{label: label, sink: sink, run: fn})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) drainQueue() {
	s.mu.Lock()
	reqs := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, r := range reqs {
		r.run()
	}
}

// stop rejects queued work and resolves every pending call with ErrShutdown.
func (s *Session) stop() {
	s.mu.Lock()
	s.closed = true
	reqs := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, r := range reqs {
		r.sink.Deliver(s.channel, domain.Result{Label: r.label, Err: ErrShutdown})
	}
	pending := s.callbacks
	s.callbacks = nil
	for _, cb := range pending {
		cb.fail(ErrShutdown)
	}
	s.initialized.Store(false)
	s.setStatus(domain.StatusShutdown)
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func (s *Session) handleLine(line []byte) {
	env, err := decodeEnvelope(line)
	if err != nil {
		s.errorHandler(s.id, fmt.Sprintf("Exception parsing data from gateway: %v", err))
		return
	}
	if s.cfg.Logging.APIMessages {
		s.log.Info("-->", "type", env.Type, "id", env.ID, "data", string(env.Data))
	}
	if env.Type == kindSystem {
		s.handleSystem(env.Data)
		return
	}
	s.routeMessage(env)
}

func (s *Session) handleSystem(data json.RawMessage) {
	var sd systemData
	if err := json.Unmarshal(data, &sd); err != nil {
		s.errorHandler(s.id, fmt.Sprintf("%v: malformed system message %s", ErrProtocolViolation, data))
		return
	}
	switch sd.Msg {
	case "startup":
		s.connected = true
		s.initialized.Store(false)
		s.accounts = nil
		s.log.Info("received gateway startup response", "item", sd.Item)
		s.setStatus(domain.StatusInitializing)
		s.setupLocalQueries()
	case "shutdown":
		s.gatewayDisconnected(fmt.Errorf("%w: gateway announced shutdown", ErrTransportLost))
	default:
		s.errorHandler(s.id, fmt.Sprintf("Unknown system message: %s", data))
	}
}

// setupLocalQueries issues the bootstrap queries: accounts, the standing
// order and execution subscriptions with their snapshots, and a fresh
// snapshot for every symbol still registered.
func (s *Session) setupLocalQueries() {
	s.log.Info("sending initial accounts query")
	cxn := s.cxnGet(serviceAccountGateway, topicOrder)
	cb := s.localCallback(cxn.id, labelAccounts, config.TimeoutAccount,
		func(v any) { s.handleAccounts(rowsOf(v)) },
		func(err error) { s.forceDisconnect(fmt.Sprintf("Initial Account query failed: %v", err)) })
	cxn.request(tableAccount, "*", "", cb)

	s.log.Info("sending initial orders query")
	s.cxnGet(serviceAccountGateway, topicOrder).advise(tableOrders, "*", "", s.handleOrderUpdate)
	cxn = s.cxnGet(serviceAccountGateway, topicOrder)
	cb = s.localCallback(cxn.id, labelOrders, config.TimeoutOrderStatus,
		func(any) {
			s.log.Info("initial orders refresh complete", "orders", len(s.orders))
			s.pendingOrderInit = false
		},
		func(err error) { s.forceDisconnect(fmt.Sprintf("Initial Order query failed (%v)", err)) })
	cxn.request(tableOrders, "*", "", cb)

	s.log.Info("sending initial executions query")
	s.cxnGet(serviceAccountGateway, topicOrder).advise(tableOrders, "*", executionWhere, s.handleExecutionUpdate)
	cxn = s.cxnGet(serviceAccountGateway, topicOrder)
	cb = s.localCallback(cxn.id, labelExecutions, config.TimeoutOrderStatus,
		func(any) {
			s.log.Info("initial executions refresh complete", "executions", len(s.executions))
			s.pendingExecutions = false
		},
		func(err error) { s.forceDisconnect(fmt.Sprintf("Initial Execution query failed (%v)", err)) })
	cxn.request(tableOrders, "*", executionWhere, cb)

	for _, name := range s.symbolNames() {
		s.symbols[name].initialRequest()
	}

	s.pendingAccounts = true
	s.pendingOrderInit = true
	s.pendingExecutions = true
	s.pendingMappers = true
	s.initialized.Store(false)
}

func (s *Session) isStartupComplete() bool {
	switch {
	case s.pendingAccounts:
		s.log.Debug("awaiting initial account response")
	case s.pendingOrderInit:
		s.log.Debug("awaiting initial order response")
	case s.pendingExecutions:
		s.log.Debug("awaiting initial execution response")
	case s.pendingMappers:
		if len(s.mappers) > 0 {
			s.log.Debug("awaiting initial update mapper lookups", "pending", len(s.mappers))
			return false
		}
		s.pendingMappers = false
		s.log.Info("initial update mapping complete")
		return true
	default:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

// everySecond drives startup completion, the gateway heartbeat, the
// disconnect timeout, pending-call expiry and the auto reset.
func (s *Session) everySecond(now time.Time) {
	if s.connected {
		if !s.initialized.Load() && s.isStartupComplete() {
			s.initialized.Store(true)
			s.log.Info("initialization complete")
			s.setStatus(domain.StatusUp)
		}
		if s.cfg.Features.SecondsTick {
			s.requestTime()
		}
	} else {
		s.secondsDisconnected++
		if s.secondsDisconnected > s.cfg.Gateway.DisconnectTimeout && s.cfg.Gateway.DisconnectShutdown {
			s.forceDisconnect(fmt.Sprintf("Realtick Gateway connection timed out after %d seconds", s.secondsDisconnected))
		}
	}
	s.checkPendingResults(now)

	if s.cfg.AutoReset.Enabled {
		s.checkAutoReset(now)
	}
	if now.Unix()%60 == 0 {
		s.everyMinute()
	}
}

func (s *Session) everyMinute() {
	if len(s.stats) > 0 && s.cfg.Logging.CallbackMetrics {
		s.log.Info("callback metrics", "metrics", s.stats.snapshot())
	}
}

// checkAutoReset arms at the configured local time and shuts the session
// down once that minute has passed.
func (s *Session) checkAutoReset(now time.Time) {
	if now.In(s.clock.LocalZone()).Format("15:04") == s.cfg.AutoReset.LocalTime {
		if !s.autoResetTrigger {
			s.autoResetTrigger = true
			s.log.Warn("auto shutdown in 1 minute", "local_reset_time", s.cfg.AutoReset.LocalTime)
		}
		return
	}
	if s.autoResetTrigger {
		s.forceDisconnect("auto reset")
	}
}

func (s *Session) requestTime() {
	cxn := s.cxnGet(serviceTA, topicLiveQuote)
	cb := s.localCallback(cxn.id, labelTick, config.TimeoutTimer,
		func(v any) { s.handleTime(rowsOf(v)) },
		func(err error) { s.log.Error("time error", "error", err) })
	cxn.request(tableLiveQuote, "DISP_NAME,TRDTIM_1,TRD_DATE", whereClause("DISP_NAME", "$TIME"), cb)
}

// handleTime records the gateway clock and broadcasts a time line once per
// minute.
func (s *Session) handleTime(rows []Row) {
	if len(rows) == 0 || rows[0] == nil {
		s.errorHandler(s.id, "handle_time: unexpected null input")
		return
	}
	timeField := rows[0].Str("TRDTIM_1")
	dateField := rows[0].Str("TRD_DATE")
	if timeField == FieldNoRecord.String() {
		// $TIME is unknown when the gateway login failed.
		s.forceDisconnect("Gateway reports $TIME symbol unknown; connection has failed")
		return
	}
	if _, bad := ParseFieldError(timeField); bad {
		s.errorHandler(s.id, "handle_time: time field "+timeField)
		return
	}
	y, m, d, ok := s.fields.Date(dateField, s.id, "TRD_DATE")
	clk, ok2 := s.fields.Time(timeField, s.id, "TRDTIM_1")
	if !ok || !ok2 {
		s.errorHandler(s.id, fmt.Sprintf("handle_time: cannot parse %s %s", dateField, timeField))
		return
	}
	s.feedNow = s.clock.FeedTime(y, m, d, clk)
	s.localNow = s.clock.Localize(s.feedNow)
	if minute := s.feedNow.Minute(); minute != s.lastMinute {
		s.lastMinute = minute
		s.writeAllClients(fmt.Sprintf("time: %s:00", s.localNow.Format("2006-01-02 15:04")), "")
	}
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *Session) handleAccounts(rows []Row) {
	if len(rows) == 0 {
		s.forceDisconnect("Initial Account query failed: Initial Account query returned no data.")
		return
	}
	seen := make(map[string]struct{}, len(rows))
	accounts := make([]string, 0, len(rows))
	for _, row := range rows {
		a := makeAccount(row)
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	s.accounts = accounts
	s.pendingAccounts = false
	s.log.Info("initial accounts refresh complete", "accounts", len(accounts))
	data, _ := json.Marshal(accounts)
	s.writeAllClients("accounts: "+string(data), "")

	waiters := s.accountWaiters
	s.accountWaiters = nil
	for _, cb := range waiters {
		cb.complete(slices.Clone(s.accounts))
	}
	setters := s.setAccountWaiters
	s.setAccountWaiters = nil
	for _, cb := range setters {
		s.log.Info("set_account: processing deferred response", "account", cb.id)
		s.processSetAccount(cb.id, cb)
	}
}

func (s *Session) setAccount(name string, sink domain.Sink) {
	cb := s.newCallback(name, labelSetAccount, sink, config.TimeoutAccount)
	switch {
	case len(s.accounts) > 0:
		s.processSetAccount(name, cb)
	case s.pendingAccounts:
		s.setAccountWaiters = append(s.setAccountWaiters, cb)
	default:
		s.errorHandler(s.id, "set_account; no data, but no initial_account_request_pending")
		cb.complete(false)
	}
}

func (s *Session) verifyAccount(name string) bool {
	if slices.Contains(s.accounts, name) {
		return true
	}
	s.errorHandler(s.id, fmt.Sprintf("set_account(): account %s not found", name))
	return false
}

func (s *Session) processSetAccount(name string, cb *Callback) {
	ok := s.verifyAccount(name)
	if ok {
		s.currentAccount = name
		s.writeAllClients("current-account: "+name, "")
	}
	cb.complete(ok)
}

func (s *Session) requestAccounts(sink domain.Sink) {
	cb := s.newCallback(s.id, labelRequestAccounts, sink, config.TimeoutAccount)
	switch {
	case len(s.accounts) > 0:
		cb.complete(slices.Clone(s.accounts))
	case s.pendingAccounts:
		s.accountWaiters = append(s.accountWaiters, cb)
	default:
		s.log.Error("request_accounts: no data, but no account request pending")
		cb.complete([]string(nil))
	}
}

// ---------------------------------------------------------------------------
// Outbound and status
// ---------------------------------------------------------------------------

// writeAllClients broadcasts "rtx.<msg>". A non-empty flag limits delivery
// to clients that enabled that option.
func (s *Session) writeAllClients(msg, flag string) {
	text := s.channel + "." + msg
	if s.cfg.Logging.ClientMessages {
		s.log.Info("write all clients", "msg", text, "flag", flag)
	}
	label := flag
	if label == "" {
		label = "all"
	}
	Broadcasts.WithLabelValues(label).Inc()
	if s.notifier != nil {
		s.notifier.Broadcast(domain.Notification{Text: text, Flag: flag})
	}
}

// errorHandler logs an error and broadcasts it to every client.
func (s *Session) errorHandler(id, msg string) {
	s.log.Error("alert", "id", id, "msg", msg)
	s.writeAllClients(fmt.Sprintf("error: %s %s", id, msg), "")
}

// forceDisconnect shuts the session down; the supervisor restarts it.
func (s *Session) forceDisconnect(reason string) {
	s.setStatus(domain.StatusShutdown)
	s.errorHandler(s.id, "Forcing shutdown: "+reason)
	s.shutdown = true
	if s.transport != nil {
		_ = s.transport.Close()
	}
}

// gatewayDisconnected handles transport loss. Pending state is dropped and
// the disconnect counter starts.
func (s *Session) gatewayDisconnected(err error) {
	s.log.Warn("gateway transport lost", "error", err)
	s.transport = nil
	s.connected = false
	s.initialized.Store(false)
	s.secondsDisconnected = 0
	s.pendingAccounts = false
	s.pendingOrderInit = false
	s.pendingExecutions = false
	s.pendingMappers = false
	s.accounts = nil
	s.setStatus(domain.StatusDisconnected)
	s.errorHandler(s.id, "API Disconnected")
	s.cxnClear()
}

func (s *Session) setStatus(status domain.ConnectionStatus) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()
	if !changed {
		return
	}
	s.log.Info("connection status changed", "status", status)
	observeStatus(status)
	s.writeAllClients("connection-status-changed: "+string(status), "")
}

func (s *Session) gatewaySend(msg string) {
	if s.cfg.Logging.APIMessages {
		s.log.Info("<--", "msg", msg)
	}
	if s.transport == nil {
		s.log.Debug("gateway send dropped; no transport", "msg", msg)
		return
	}
	if err := s.transport.Send(msg); err != nil {
		s.log.Error("gateway send failed", "error", err)
	}
}
