package tcpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rtxbridge/internal/domain"
	"rtxbridge/internal/live"
)

type client struct {
	s    *Server
	conn net.Conn
	id   domain.ClientID
	log  func(msg string, args ...any)

	authorized atomic.Bool
	optMu      sync.RWMutex
	options    map[string]any

	subID  int
	events <-chan live.Event
	out    chan string
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newClient(s *Server, conn net.Conn) *client {
	c := &client{
		s:       s,
		conn:    conn,
		id:      domain.ClientID("tcp-" + uuid.NewString()),
		options: map[string]any{},
		out:     make(chan string, s.outBuf),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.log = func(msg string, args ...any) {
		s.log.Info(msg, append([]any{"client", string(c.id), "remote", conn.RemoteAddr().String()}, args...)...)
	}
	if s.hub != nil {
		c.subID, c.events = s.hub.Subscribe(s.outBuf, c.accepts)
	}
	return c
}

// accepts filters hub notifications: nothing before auth, unflagged lines
// always, flagged lines only when the client enabled that option.
func (c *client) accepts(flag string) bool {
	if !c.authorized.Load() {
		return false
	}
	if flag == "" {
		return true
	}
	c.optMu.RLock()
	defer c.optMu.RUnlock()
	return truthy(c.options[flag])
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	}
	return true
}

// send queues a frame. A client whose queue is full is disconnected.
func (c *client) send(line string) {
	if len(line) > MaxFrame {
		c.s.log.Error("dropping oversized frame", "client", string(c.id), "len", len(line))
		return
	}
	select {
	case <-c.done:
	case c.out <- line:
	default:
		c.log("client output queue full; disconnecting")
		c.close()
	}
}

func (c *client) sink() domain.Sink { return domain.LineSink(c.send) }

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writeLoop() {
	w := bufio.NewWriter(c.conn)
	write := func(line string) bool {
		if err := writeNetstring(w, line); err != nil {
			c.close()
			return false
		}
		return true
	}
	for {
		select {
		case <-c.done:
			return
		case <-c.quit:
			// Flush what the reader queued before it stopped.
			for {
				select {
				case line := <-c.out:
					if !write(line) {
						return
					}
				default:
					c.close()
					return
				}
			}
		case line := <-c.out:
			if !write(line) {
				return
			}
		case evt, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			if !write(evt.Text) {
				return
			}
		}
	}
}

func (c *client) readLoop() {
	defer func() {
		close(c.quit)
		if c.s.hub != nil {
			c.s.hub.Unsubscribe(c.subID)
		}
		c.s.broker.CloseClient(c.id)
		c.log("client connection closed")
	}()
	c.log("client connection")
	c.send(fmt.Sprintf(".connected: %s %s on %s", c.s.broker.Name(), c.s.version, c.s.hostname))

	r := bufio.NewReader(c.conn)
	for {
		frame, err := readNetstring(r, MaxFrame)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log("client read failed", "error", err)
			}
			return
		}
		line := strings.TrimSpace(string(frame))
		if line == "" {
			continue
		}
		if !c.dispatch(line) {
			return
		}
	}
}

type handler func(c *client, line string, fields []string) error

var commands = map[string]handler{
	"auth":             (*client).cmdAuth,
	"help":             (*client).cmdHelp,
	"quit":             (*client).cmdDisconnect,
	"exit":             (*client).cmdDisconnect,
	"bye":              (*client).cmdDisconnect,
	"status":           (*client).cmdStatus,
	"getbars":          ready((*client).cmdGetBars),
	"marketorder":      ready(orderCmd(domain.OrderKindMarket)),
	"stagemarketorder": ready((*client).cmdStageMarketOrder),
	"stoporder":        ready(orderCmd(domain.OrderKindStop)),
	"limitorder":       ready(orderCmd(domain.OrderKindLimit)),
	"stoplimitorder":   ready(orderCmd(domain.OrderKindStopLimit)),
	"add":              ready((*client).cmdAdd),
	"del":              ready((*client).cmdDel),
	"query":            ready((*client).cmdQuery),
	"querydata":        ready((*client).cmdQueryData),
	"symbols":          ready((*client).cmdSymbols),
	"positions":        ready(simple(func(c *client, sink domain.Sink) { c.s.broker.QueryPositions(sink) })),
	"orders":           ready(simple(func(c *client, sink domain.Sink) { c.s.broker.QueryOrders(sink) })),
	"tickets":          ready(simple(func(c *client, sink domain.Sink) { c.s.broker.QueryTickets(sink) })),
	"executions":       ready(simple(func(c *client, sink domain.Sink) { c.s.broker.QueryExecutions(sink) })),
	"globalcancel":     ready((*client).cmdGlobalCancel),
	"cancel":           ready((*client).cmdCancel),
	"setaccount":       ready((*client).cmdSetAccount),
	"accounts":         ready(simple(func(c *client, sink domain.Sink) { c.s.broker.QueryAccounts(sink) })),
	"shutdown":         authorized((*client).cmdShutdown),
}

var commandNames []string

func init() {
	commandNames = slices.Sorted(maps.Keys(commands))
}

// errClose ends the connection after the current command.
var errClose = errors.New("close connection")

// dispatch runs one command and reports whether the connection stays open.
func (c *client) dispatch(line string) bool {
	fields := strings.Fields(line)
	if fields[0] == "auth" {
		c.log("user command", "command", strings.Join(fields[:min(2, len(fields))], " ")+" xxxxxxxxxxx")
	} else {
		c.log("user command", "command", line)
	}
	h, ok := commands[fields[0]]
	if !ok {
		c.send(".what?")
		return true
	}
	if err := h(c, line, fields); err != nil {
		if errors.Is(err, errClose) {
			return false
		}
		c.s.log.Warn("tcp command failed", "client", string(c.id), "command", fields[0], "error", err)
		c.send(".error: " + err.Error())
	}
	return true
}

// authorized wraps h with the authorization check.
func authorized(h handler) handler {
	return func(c *client, line string, fields []string) error {
		if !c.authorized.Load() {
			c.send(".Authorization required!")
			return errClose
		}
		return h(c, line, fields)
	}
}

// ready wraps h with the authorization and initialization checks.
func ready(h handler) handler {
	return authorized(func(c *client, line string, fields []string) error {
		if !c.s.broker.Initialized() {
			c.send(".Initialization not complete!")
			return errClose
		}
		return h(c, line, fields)
	})
}

func simple(call func(c *client, sink domain.Sink)) handler {
	return func(c *client, _ string, _ []string) error {
		call(c, c.sink())
		return nil
	}
}

// argsN returns fields[1:n+1] or an error naming the usage.
func argsN(fields []string, n int, usage string) ([]string, error) {
	if len(fields) < n+1 {
		return nil, fmt.Errorf("usage: %s", usage)
	}
	return fields[1 : n+1], nil
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (c *client) cmdAuth(line string, fields []string) error {
	if len(fields) < 3 {
		c.send(".Authorization required!")
		return errClose
	}
	user, pass := fields[1], fields[2]
	rest := restAfter(line, 3)

	opts := map[string]any{}
	if strings.HasPrefix(rest, "{") {
		if err := json.Unmarshal([]byte(rest), &opts); err != nil {
			return fmt.Errorf("parsing auth options: %w", err)
		}
	} else {
		// Legacy options are space-separated flag names.
		for _, o := range strings.Fields(rest) {
			opts[o] = true
		}
	}
	if user != c.s.auth.Username || pass != c.s.auth.Password {
		c.send(".Authorization required!")
		return errClose
	}
	c.optMu.Lock()
	c.options = opts
	c.optMu.Unlock()
	c.authorized.Store(true)
	c.log("client authorized", "options", slices.Sorted(maps.Keys(opts)))
	c.send(".Authorized " + c.s.broker.Name())
	return nil
}

// restAfter returns line with its first n whitespace-separated tokens
// removed.
func restAfter(line string, n int) string {
	rest := strings.TrimSpace(line)
	for range n {
		i := strings.IndexFunc(rest, unicode.IsSpace)
		if i < 0 {
			return ""
		}
		rest = strings.TrimSpace(rest[i:])
	}
	return rest
}

func (c *client) cmdHelp(_ string, _ []string) error {
	c.send(".commands: " + strings.Join(commandNames, " "))
	return nil
}

func (c *client) cmdDisconnect(_ string, _ []string) error {
	c.authorized.Store(false)
	return errClose
}

func (c *client) cmdStatus(_ string, _ []string) error {
	c.send(".status: " + string(c.s.broker.ConnectionStatus()))
	return nil
}

func (c *client) cmdShutdown(line string, _ []string) error {
	c.s.log.Warn("client requested shutdown", "client", string(c.id), "line", line)
	c.s.broker.CloseClient(c.id)
	c.s.broker.Shutdown("client requested shutdown")
	return nil
}

func (c *client) cmdSetAccount(_ string, fields []string) error {
	a, err := argsN(fields, 1, "setaccount <account>")
	if err != nil {
		return err
	}
	c.s.broker.SetAccount(a[0], c.sink())
	return nil
}

func (c *client) cmdGetBars(_ string, fields []string) error {
	a, err := argsN(fields, 6, "getbars <symbol> <period> <start date> <start time> <end date> <end time>")
	if err != nil {
		return err
	}
	c.s.broker.QueryBars(strings.ToUpper(a[0]), a[1], a[2]+" "+a[3], a[4]+" "+a[5], c.sink())
	return nil
}

func (c *client) cmdAdd(_ string, fields []string) error {
	a, err := argsN(fields, 1, "add <symbol>")
	if err != nil {
		return err
	}
	c.s.broker.EnableSymbol(strings.ToUpper(a[0]), c.id, c.sink())
	return nil
}

func (c *client) cmdDel(_ string, fields []string) error {
	a, err := argsN(fields, 1, "del <symbol>")
	if err != nil {
		return err
	}
	c.s.broker.DisableSymbol(strings.ToUpper(a[0]), c.id, c.sink())
	return nil
}

// symbolFields returns the SYMBOL_FIELDS option as a list.
func (c *client) symbolFields() []string {
	c.optMu.RLock()
	defer c.optMu.RUnlock()
	var out []string
	switch v := c.options["SYMBOL_FIELDS"].(type) {
	case []any:
		for _, f := range v {
			out = append(out, fmt.Sprint(f))
		}
	case string:
		out = strings.Split(v, ",")
	}
	return out
}

func (c *client) cmdQuery(_ string, fields []string) error {
	a, err := argsN(fields, 1, "query <symbol>")
	if err != nil {
		return err
	}
	c.s.broker.QuerySymbol(strings.ToUpper(a[0]), false, c.symbolFields(), c.sink())
	return nil
}

func (c *client) cmdQueryData(_ string, fields []string) error {
	a, err := argsN(fields, 1, "querydata <symbol>")
	if err != nil {
		return err
	}
	c.s.broker.QuerySymbol(strings.ToUpper(a[0]), true, nil, c.sink())
	return nil
}

func (c *client) cmdSymbols(_ string, _ []string) error {
	c.s.broker.QuerySymbolData(c.sink())
	return nil
}

// orderCmd parses "<cmd> <account> <route> <symbol> [price...] <quantity>".
func orderCmd(kind domain.OrderKind) handler {
	usage := map[domain.OrderKind]string{
		domain.OrderKindMarket:    "marketorder <account> <route> <symbol> <quantity>",
		domain.OrderKindLimit:     "limitorder <account> <route> <symbol> <price> <quantity>",
		domain.OrderKindStop:      "stoporder <account> <route> <symbol> <price> <quantity>",
		domain.OrderKindStopLimit: "stoplimitorder <account> <route> <symbol> <stop price> <limit price> <quantity>",
	}[kind]
	nprices := map[domain.OrderKind]int{domain.OrderKindLimit: 1, domain.OrderKindStop: 1, domain.OrderKindStopLimit: 2}[kind]

	return func(c *client, _ string, fields []string) error {
		a, err := argsN(fields, 4+nprices, usage)
		if err != nil {
			return err
		}
		req, err := parseOrder(kind, a[0], a[1], a[2], a[3:3+nprices], a[3+nprices])
		if err != nil {
			return err
		}
		c.s.broker.SubmitOrder(req, c.sink())
		return nil
	}
}

func (c *client) cmdStageMarketOrder(_ string, fields []string) error {
	a, err := argsN(fields, 5, "stagemarketorder <tag> <account> <route> <symbol> <quantity>")
	if err != nil {
		return err
	}
	req, err := parseOrder(domain.OrderKindMarket, a[1], a[2], a[3], nil, a[4])
	if err != nil {
		return err
	}
	c.s.broker.StageOrder(a[0], req, c.sink())
	return nil
}

func parseOrder(kind domain.OrderKind, account, route, symbol string, prices []string, qty string) (domain.OrderRequest, error) {
	req := domain.OrderRequest{Kind: kind, Account: account, Route: route, Symbol: strings.ToUpper(symbol)}
	q, err := strconv.ParseInt(qty, 10, 64)
	if err != nil {
		return req, fmt.Errorf("invalid quantity %q", qty)
	}
	req.Quantity = q
	ps := make([]decimal.Decimal, len(prices))
	for i, p := range prices {
		if ps[i], err = decimal.NewFromString(p); err != nil {
			return req, fmt.Errorf("invalid price %q", p)
		}
	}
	switch kind {
	case domain.OrderKindLimit:
		req.Price = ps[0]
	case domain.OrderKindStop:
		req.StopPrice = ps[0]
	case domain.OrderKindStopLimit:
		req.StopPrice, req.Price = ps[0], ps[1]
	}
	return req, nil
}

func (c *client) cmdCancel(_ string, fields []string) error {
	a, err := argsN(fields, 1, "cancel <id>")
	if err != nil {
		return err
	}
	c.s.broker.CancelOrder(a[0], c.sink())
	return nil
}

func (c *client) cmdGlobalCancel(_ string, _ []string) error {
	c.send(".global order cancel requested")
	c.s.broker.GlobalCancel(c.sink())
	return nil
}
