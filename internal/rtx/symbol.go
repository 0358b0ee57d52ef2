package rtx

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"rtxbridge/internal/config"
	"rtxbridge/internal/domain"
)

// Symbol is one actively subscribed instrument. It exists while at least one
// client is interested in it.
type Symbol struct {
	s       *Session
	symbol  string
	clients map[domain.ClientID]struct{}

	// init is resolved once the initial snapshot (and optional bar chart)
	// arrives; waiters enabled during that window share its result.
	init    *Callback
	waiters []*Callback
	live    bool

	fullname      string
	cusip         string
	bid           *float64
	bidSize       *int64
	ask           *float64
	askSize       *int64
	last          *float64
	size          *int64
	volume        *int64
	open          *float64
	close         *float64
	vwap          *float64
	high          *float64
	low           *float64
	lastTradeTime string
	rawdata       Row
	lastQuote     string
	lastTrade     string
	barchart      map[string][]any

	cxnInit    *Connection
	cxnUpdates *Connection
}

func newSymbol(s *Session, symbol string, client domain.ClientID, init *Callback) *Symbol {
	sym := &Symbol{
		s:             s,
		symbol:        symbol,
		clients:       make(map[domain.ClientID]struct{}),
		init:          init,
		lastTradeTime: "00:00:00",
		rawdata:       Row{},
		barchart:      make(map[string][]any),
	}
	if client != "" {
		sym.clients[client] = struct{}{}
	}
	s.symbols[symbol] = sym
	sym.initialRequest()
	return sym
}

func (sym *Symbol) String() string {
	return fmt.Sprintf("Symbol<%s>", sym.symbol)
}

func (sym *Symbol) pid() string { return "Symbol(" + sym.symbol + ")" }

// initialRequest queries the full LIVEQUOTE snapshot for the symbol.
func (sym *Symbol) initialRequest() {
	sym.s.log.Info("requesting initial symbol data", "symbol", sym.symbol)
	sym.cxnUpdates = nil
	sym.cxnInit = sym.s.cxnGet(serviceTA, topicLiveQuote)
	cb := sym.s.localCallback(sym.cxnInit.id, labelInitSymbol, config.TimeoutAddSymbol,
		func(v any) { sym.initHandler(rowsOf(v)) },
		sym.initFailed)
	sym.cxnInit.request(tableLiveQuote, "*", whereClause("DISP_NAME", sym.symbol), cb)
}

func (sym *Symbol) requestUpdates() {
	sym.s.log.Info("adding symbol to watchlist", "symbol", sym.symbol)
	table, what, where := sym.adviseFields()
	sym.cxnUpdates = sym.s.cxnGet(serviceTA, topicLiveQuote)
	sym.cxnUpdates.advise(table, what, where, sym.handleUpdate)
}

func (sym *Symbol) cancelUpdates() {
	if sym.cxnUpdates == nil {
		return
	}
	sym.s.log.Info("removing symbol from watchlist", "symbol", sym.symbol)
	table, what, where := sym.adviseFields()
	cb := sym.s.localCallback(sym.cxnUpdates.id, labelUnadvise, config.TimeoutDefault,
		func(v any) { sym.s.log.Debug("advise terminated", "symbol", sym.symbol, "data", v) },
		func(err error) { sym.s.errorHandler(sym.String(), fmt.Sprintf("advise cancel failed: %v", err)) })
	sym.cxnUpdates.unadvise(table, what, where, cb)
	sym.cxnUpdates = nil
}

func (sym *Symbol) adviseFields() (table, what, where string) {
	what = "TRD_DATE,TRDTIM_1,TRDPRC_1,TRDVOL_1,ACVOL_1,OPEN_PRC,HST_CLOSE,VWAP"
	if sym.s.cfg.Features.Ticker {
		what += ",BID,BIDSIZE,ASK,ASKSIZE"
	}
	if sym.s.cfg.Features.HighLow {
		what += ",HIGH_1,LOW_1"
	}
	return tableLiveQuote, what, whereClause("DISP_NAME", sym.symbol)
}

// valid reports whether the gateway returned data without a symbol error.
func (sym *Symbol) valid() bool {
	return len(sym.rawdata) > 0 && !sym.rawdata.Has("SYMBOL_ERROR")
}

func (sym *Symbol) addClient(client domain.ClientID) {
	sym.s.log.Info("adding symbol client", "symbol", sym.symbol, "client", client)
	sym.clients[client] = struct{}{}
}

// delClient removes a client and tears the subscription down when the last
// one leaves. It reports whether the symbol was dropped.
func (sym *Symbol) delClient(client domain.ClientID) bool {
	if _, ok := sym.clients[client]; !ok {
		return false
	}
	sym.s.log.Info("deleting symbol client", "symbol", sym.symbol, "client", client)
	delete(sym.clients, client)
	if len(sym.clients) > 0 {
		return false
	}
	sym.cancelUpdates()
	if cur, ok := sym.s.symbols[sym.symbol]; ok && cur == sym {
		delete(sym.s.symbols, sym.symbol)
	}
	return true
}

// ---------------------------------------------------------------------------
// Initialization
// ---------------------------------------------------------------------------

func (sym *Symbol) initHandler(rows []Row) {
	var row Row
	if len(rows) > 0 {
		row = rows[0]
	}
	sym.parseFields(row)
	sym.rawdata = Row{}
	sym.updateRawdata(row)
	sym.cxnInit = nil

	if sym.s.cfg.Features.SymbolBarchart && sym.valid() {
		sym.s.queryBars(sym.symbol, "1", ".", ".", domain.FuncSink(func(r domain.Result) {
			if r.Err != nil {
				sym.s.errorHandler(sym.String(), fmt.Sprintf("Initial BARCHART query failed for symbol %s: %v", sym.symbol, r.Err))
			} else {
				sym.barchartUpdate(r.Value)
			}
			sym.completeInit()
		}))
		return
	}
	sym.completeInit()
}

func (sym *Symbol) initFailed(err error) {
	sym.s.errorHandler(sym.String(), fmt.Sprintf("Initial %s query failed; %v", sym.symbol, err))
	sym.cxnInit = nil
	sym.resolveInit(nil, fmt.Errorf("initial %s query: %w", sym.symbol, err))
	if cur, ok := sym.s.symbols[sym.symbol]; ok && cur == sym {
		delete(sym.s.symbols, sym.symbol)
	}
}

func (sym *Symbol) completeInit() {
	if sym.s.symbolInit(sym) {
		sym.requestUpdates()
	}
}

// resolveInit completes the init call and every waiter with the same
// snapshot.
func (sym *Symbol) resolveInit(value any, err error) {
	calls := append([]*Callback{sym.init}, sym.waiters...)
	sym.init = nil
	sym.waiters = nil
	for _, cb := range calls {
		if cb == nil {
			continue
		}
		if err != nil {
			cb.fail(err)
		} else {
			cb.complete(value)
		}
	}
}

// ---------------------------------------------------------------------------
// Updates
// ---------------------------------------------------------------------------

func (sym *Symbol) updateRawdata(row Row) {
	for k, v := range row {
		if isFieldError(v) {
			v = ""
		}
		sym.rawdata[k] = v
	}
}

func (sym *Symbol) handleUpdate(_ *Connection, row Row) {
	if row == nil {
		sym.s.forceDisconnect(fmt.Sprintf("LIVEQUOTE Advise has been terminated by API for %s", sym.pid()))
		return
	}
	sym.parseFields(row)
}

// parseFields applies a field row to the consolidated snapshot and emits
// deduplicated quote and trade notifications.
func (sym *Symbol) parseFields(row Row) {
	if row == nil {
		return
	}
	p := sym.s.fields
	pid := sym.pid()
	tradeFlag, quoteFlag := false, false

	sym.updateRawdata(row)

	if row.Has("TRDPRC_1") {
		sym.last = p.Float(row["TRDPRC_1"], pid, "TRDPRC_1")
		tradeFlag = true
		if row.Has("TRDTIM_1") && row.Has("TRD_DATE") {
			d, t := sym.s.formatBarchartDate(row["TRD_DATE"], row["TRDTIM_1"], pid)
			sym.lastTradeTime = d + " " + t
		} else {
			sym.s.errorHandler(sym.String(), "TRDPRC_1 without TRD_DATE, TRDTIM_1")
		}
		if sym.s.cfg.Features.SymbolBarchart && sym.cxnInit == nil && sym.live {
			sym.s.queryBars(sym.symbol, "1", "-5", ".", domain.FuncSink(func(r domain.Result) {
				if r.Err != nil {
					sym.s.errorHandler(sym.String(), fmt.Sprintf("BARCHART query failed for symbol %s: %v", sym.symbol, r.Err))
					return
				}
				sym.barchartUpdate(r.Value)
			}))
		}
	}
	if row.Has("HIGH_1") {
		sym.high = p.Float(row["HIGH_1"], pid, "HIGH_1")
		tradeFlag = true
	}
	if row.Has("LOW_1") {
		sym.low = p.Float(row["LOW_1"], pid, "LOW_1")
		tradeFlag = true
	}
	if row.Has("TRDVOL_1") {
		sym.size = p.Int(row["TRDVOL_1"], pid, "TRDVOL_1")
		tradeFlag = true
	}
	if row.Has("ACVOL_1") {
		sym.volume = p.Int(row["ACVOL_1"], pid, "ACVOL_1")
		tradeFlag = true
	}
	if row.Has("BID") {
		sym.bid = p.Float(row["BID"], pid, "BID")
		sym.bidSize = sizeField(p, sym.bid, row, "BIDSIZE", pid)
		quoteFlag = true
	}
	if row.Has("ASK") {
		sym.ask = p.Float(row["ASK"], pid, "ASK")
		sym.askSize = sizeField(p, sym.ask, row, "ASKSIZE", pid)
		quoteFlag = true
	}
	if row.Has("COMPANY_NAME") {
		sym.fullname = p.Str(row["COMPANY_NAME"], pid, "COMPANY_NAME")
	}
	if row.Has("CUSIP") {
		sym.cusip = p.Str(row["CUSIP"], pid, "CUSIP")
	}
	if row.Has("OPEN_PRC") {
		sym.open = p.Float(row["OPEN_PRC"], pid, "OPEN_PRC")
	}
	if row.Has("HST_CLOSE") {
		sym.close = p.Float(row["HST_CLOSE"], pid, "HST_CLOSE")
	}
	if row.Has("VWAP") {
		sym.vwap = p.Float(row["VWAP"], pid, "VWAP")
	}

	if sym.s.cfg.Features.Ticker {
		if quoteFlag {
			sym.updateQuote()
		}
		if tradeFlag {
			sym.updateTrade()
		}
	}
}

// sizeField parses a bid/ask size, which is only meaningful alongside a
// non-zero price.
func sizeField(p fieldParser, price *float64, row Row, key, pid string) *int64 {
	if price != nil && *price != 0 && row.Has(key) {
		return p.Int(row[key], pid, key)
	}
	var zero int64
	return &zero
}

func (sym *Symbol) updateQuote() {
	quote := fmt.Sprintf("quote.%s:%s %s %s %s", sym.symbol,
		fmtFloat(sym.bid), fmtInt(sym.bidSize), fmtFloat(sym.ask), fmtInt(sym.askSize))
	if quote != sym.lastQuote {
		sym.lastQuote = quote
		sym.s.writeAllClients(quote, "quotes")
	}
}

func (sym *Symbol) updateTrade() {
	trade := fmt.Sprintf("trade.%s:%s %s %s", sym.symbol, fmtFloat(sym.last), fmtInt(sym.size), fmtInt(sym.volume))
	if trade != sym.lastTrade {
		sym.lastTrade = trade
		sym.s.writeAllClients(trade, "trades")
	}
}

func fmtFloat(f *float64) string {
	if f == nil {
		return "null"
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func fmtInt(n *int64) string {
	if n == nil {
		return "null"
	}
	return strconv.FormatInt(*n, 10)
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

// export renders the snapshot. With a field filter it returns the selected
// raw fields instead.
func (sym *Symbol) export(filter []string) map[string]any {
	if len(filter) > 0 {
		out := make(map[string]any, len(filter))
		for _, f := range filter {
			out[f] = sym.rawdata[f]
		}
		return out
	}
	out := map[string]any{
		"symbol":    sym.symbol,
		"last":      sym.last,
		"tradetime": sym.lastTradeTime,
		"size":      sym.size,
		"volume":    sym.volume,
		"open":      sym.open,
		"close":     sym.close,
		"vwap":      sym.vwap,
		"fullname":  sym.fullname,
		"cusip":     sym.cusip,
	}
	if sym.s.cfg.Features.HighLow {
		out["high"] = sym.high
		out["low"] = sym.low
	}
	if sym.s.cfg.Features.Ticker {
		out["bid"] = sym.bid
		out["bidsize"] = sym.bidSize
		out["ask"] = sym.ask
		out["asksize"] = sym.askSize
	}
	if sym.s.cfg.Features.SymbolBarchart {
		out["bars"] = sym.barchartRender()
	}
	return out
}

func (sym *Symbol) barchartRender() [][]any {
	keys := make([]string, 0, len(sym.barchart))
	for k := range sym.barchart {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]any, 0, len(keys))
	for _, k := range keys {
		date, clock, _ := strings.Cut(k, " ")
		bar := append([]any{date, clock}, sym.barchart[k]...)
		out = append(out, bar)
	}
	return out
}

// barchartUpdate merges formatted bars keyed by their date and time.
func (sym *Symbol) barchartUpdate(v any) {
	bars, _ := v.([][]any)
	found := false
	for _, bar := range bars {
		if len(bar) < 2 {
			continue
		}
		key := fmt.Sprintf("%v %v", bar[0], bar[1])
		sym.barchart[key] = append([]any(nil), bar[2:]...)
		found = true
	}
	if !found {
		sym.s.errorHandler(sym.symbol, fmt.Sprintf("barchart_update: no bars found in %v", v))
	}
}
