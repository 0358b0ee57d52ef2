// Package gwsim is a scripted upstream gateway. It speaks the line-JSON
// slot protocol over TCP, keeps accounts, quotes, orders and positions in
// memory, and fills orders against the last trade price. It backs the
// rtx-gwsim binary and the session's end-to-end tests.
package gwsim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway is an in-memory upstream gateway.
type Gateway struct {
	log  *slog.Logger
	zone *time.Location
	now  func() time.Time

	mu        sync.Mutex
	seq       int64
	accounts  []string
	cash      map[string]decimal.Decimal
	positions map[string]map[string]int64
	quotes    map[string]Row
	orders    map[string]*order
	fragments []Row
	conns     map[*conn]struct{}
	wg        sync.WaitGroup
}

// New creates a gateway holding the given accounts, each funded with
// 100,000. zone is the feed time zone; nil means America/New_York.
func New(accounts []string, zone *time.Location, log *slog.Logger) *Gateway {
	if zone == nil {
		zone, _ = time.LoadLocation("America/New_York")
		if zone == nil {
			zone = time.UTC
		}
	}
	g := &Gateway{
		log:       log,
		zone:      zone,
		now:       time.Now,
		accounts:  slices.Sorted(slices.Values(accounts)),
		cash:      make(map[string]decimal.Decimal),
		positions: make(map[string]map[string]int64),
		quotes:    make(map[string]Row),
		orders:    make(map[string]*order),
		conns:     make(map[*conn]struct{}),
	}
	for _, a := range g.accounts {
		g.cash[a] = decimal.NewFromInt(100000)
	}
	return g
}

// AddSymbol lists symbol with an initial trade price and identifier.
func (g *Gateway) AddSymbol(symbol, cusip string, price decimal.Decimal) {
	d, t := g.clock()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes[symbol] = Row{
		"DISP_NAME":    symbol,
		"COMPANY_NAME": symbol + " Corp",
		"CUSIP":        cusip,
		"TRD_DATE":     d,
		"TRDTIM_1":     t,
		"TRDPRC_1":     price.StringFixed(2),
		"TRDVOL_1":     "0",
		"ACVOL_1":      "0",
		"BID":          price.Sub(decimal.New(1, -2)).StringFixed(2),
		"BIDSIZE":      "1",
		"ASK":          price.Add(decimal.New(1, -2)).StringFixed(2),
		"ASKSIZE":      "1",
		"OPEN_PRC":     price.StringFixed(2),
		"HIGH_1":       price.StringFixed(2),
		"LOW_1":        price.StringFixed(2),
		"HST_CLOSE":    price.StringFixed(2),
		"VWAP":         price.StringFixed(2),
		"STARTTIME":    "09:30:00",
		"STOPTIME":     "16:00:00",
	}
}

// Trade prints a trade: the quote is updated, symbol subscribers receive an
// update, and resting orders that the price crosses are filled.
func (g *Gateway) Trade(symbol string, price decimal.Decimal, size int64) error {
	d, t := g.clock()
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.quotes[symbol]
	if !ok {
		return fmt.Errorf("unknown symbol %s", symbol)
	}
	vol, _ := strconv.ParseInt(q.str("ACVOL_1"), 10, 64)
	p := price.StringFixed(2)
	update := Row{
		"DISP_NAME": symbol,
		"TRD_DATE":  d,
		"TRDTIM_1":  t,
		"TRDPRC_1":  p,
		"TRDVOL_1":  strconv.FormatInt(size, 10),
		"ACVOL_1":   strconv.FormatInt(vol+size, 10),
	}
	for k, v := range update {
		q[k] = v
	}
	if hi, err := decimal.NewFromString(q.str("HIGH_1")); err == nil && price.GreaterThan(hi) {
		q["HIGH_1"] = p
	}
	if lo, err := decimal.NewFromString(q.str("LOW_1")); err == nil && price.LessThan(lo) {
		q["LOW_1"] = p
	}
	g.publish(tableLiveQuote, update)

	for _, id := range slices.Sorted(maps.Keys(g.orders)) {
		o := g.orders[id]
		if o.symbol != symbol {
			continue
		}
		for _, f := range g.cross(o, price) {
			g.publish(tableOrders, f)
		}
	}
	return nil
}

// Positions returns account -> symbol -> signed quantity.
func (g *Gateway) Positions() map[string]map[string]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]map[string]int64, len(g.positions))
	for a, m := range g.positions {
		out[a] = make(map[string]int64, len(m))
		for s, q := range m {
			out[a][s] = q
		}
	}
	return out
}

// Connections returns the number of attached sessions.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Announce sends a system message ("startup" or "shutdown") to every
// attached session.
func (g *Gateway) Announce(msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.conns {
		c.emit("system", "", map[string]any{"msg": msg, "item": "gwsim"})
	}
}

// Drop closes every session connection without notice.
func (g *Gateway) Drop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.conns {
		c.close()
	}
}

// Wander moves each listed symbol by a random tick every interval until ctx
// is cancelled.
func (g *Gateway) Wander(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		g.mu.Lock()
		moves := make(map[string]decimal.Decimal, len(g.quotes))
		for sym := range g.quotes {
			last, ok := g.last(sym)
			if !ok {
				continue
			}
			step := decimal.New(int64(rand.IntN(11)-5), -2)
			if next := last.Add(step); next.IsPositive() {
				moves[sym] = next
			}
		}
		g.mu.Unlock()
		for sym, p := range moves {
			_ = g.Trade(sym, p, int64(rand.IntN(10)+1)*100)
		}
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve accepts sessions on ln until ctx is cancelled. Each new session is
// greeted with the startup system message.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.log.Info("gateway simulator listening", "addr", ln.Addr().String())
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer func() {
		g.Drop()
		g.wg.Wait()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		c := newConn(g, nc)
		g.mu.Lock()
		g.conns[c] = struct{}{}
		c.emit("system", "", map[string]any{"msg": "startup", "item": "gwsim"})
		g.mu.Unlock()

		g.wg.Add(2)
		go func() {
			defer g.wg.Done()
			c.writeLoop()
		}()
		go func() {
			defer g.wg.Done()
			c.readLoop()
			g.mu.Lock()
			delete(g.conns, c)
			g.mu.Unlock()
			c.close()
		}()
	}
}

// publish sends update rows to every subscription on table whose filter
// the row satisfies. The caller holds g.mu.
func (g *Gateway) publish(table string, row Row) {
	for c := range g.conns {
		for slot, sub := range c.subs {
			if sub.table == table && matches(row, sub.where) {
				c.emit("update", slot, map[string]any{"row": project(row, sub.what)})
			}
		}
	}
}

// conn is one attached session.
type conn struct {
	g    *Gateway
	nc   net.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once

	// subs maps slot to its active advise; guarded by g.mu.
	subs map[string]query
}

func newConn(g *Gateway, nc net.Conn) *conn {
	return &conn{
		g:    g,
		nc:   nc,
		out:  make(chan []byte, 4096),
		done: make(chan struct{}),
		subs: make(map[string]query),
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.nc.Close()
	})
}

func (c *conn) emit(typ, id string, data any) {
	line, err := encode(typ, id, data)
	if err != nil {
		c.g.log.Error("encoding gateway message", "error", err)
		return
	}
	select {
	case c.out <- line:
	case <-c.done:
	default:
		c.g.log.Warn("session output queue full, dropping connection")
		go c.close()
	}
}

func (c *conn) writeLoop() {
	w := bufio.NewWriter(c.nc)
	for {
		select {
		case <-c.done:
			return
		case line := <-c.out:
			if _, err := w.Write(line); err != nil {
				c.close()
				return
			}
			// Coalesce whatever is already queued into one flush.
			for n := len(c.out); n > 0; n-- {
				if _, err := w.Write(<-c.out); err != nil {
					c.close()
					return
				}
			}
			if err := w.Flush(); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) readLoop() {
	sc := bufio.NewScanner(c.nc)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		c.handle(sc.Text())
	}
}

func (c *conn) handle(line string) {
	cmd, ok := parseCommand(line)
	if !ok {
		c.g.log.Warn("malformed command", "line", line)
		return
	}
	ack, known := acks[cmd.verb]
	if !known {
		c.g.log.Warn("unknown command", "verb", cmd.verb)
		return
	}

	g := c.g
	g.mu.Lock()
	defer g.mu.Unlock()

	c.emit("ack", cmd.slot, ack)
	status := func(msg string) {
		c.emit("status", cmd.slot, map[string]any{"msg": msg, "status": "1"})
	}
	respond := func(rows []Row) {
		if len(rows) == 0 {
			c.emit("response", cmd.slot, map[string]any{"row": nil, "complete": true})
			return
		}
		for i, r := range rows {
			c.emit("response", cmd.slot, map[string]any{"row": r, "complete": i == len(rows)-1})
		}
	}

	switch cmd.verb {
	case "connect":
		status(statusInitAck)
	case "request":
		respond(g.lookup(parseQuery(cmd.args)))
	case "advise":
		c.subs[cmd.slot] = parseQuery(cmd.args)
		status(statusOtherAck)
	case "adviserequest":
		q := parseQuery(cmd.args)
		respond(g.lookup(q))
		c.subs[cmd.slot] = q
		status(statusOtherAck)
	case "unadvise":
		delete(c.subs, cmd.slot)
		status(statusOtherAck)
	case "poke":
		q := parseQuery(cmd.args)
		status(statusOtherAck)
		if q.table == tableOrders {
			for _, f := range g.poke(q.data) {
				g.publish(tableOrders, f)
			}
		}
	case "execute", "terminate":
	}
}
