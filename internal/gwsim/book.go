package gwsim

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	tableAccount   = "ACCOUNT"
	tableDeposit   = "DEPOSIT"
	tablePosition  = "POSITION"
	tableOrders    = "ORDERS"
	tableLiveQuote = "LIVEQUOTE"
	tableDaily     = "DAILY"
	tableIntraday  = "INTRADAY"

	timeSymbol = "$TIME"
)

// order is a live order on the book.
type order struct {
	id        string
	account   Row
	symbol    string
	side      string
	priceType string
	price     decimal.Decimal
	stop      decimal.Decimal
	volume    int64
	traded    int64
	cancelled bool
	base      Row
}

func (o *order) open() bool { return !o.cancelled && o.traded < o.volume }

func accountRow(account string) Row {
	parts := strings.Split(account, ".")
	for len(parts) < 4 {
		parts = append(parts, "")
	}
	return Row{"BANK": parts[0], "BRANCH": parts[1], "CUSTOMER": parts[2], "DEPOSIT": parts[3]}
}

func accountOf(r Row) string {
	return fmt.Sprintf("%s.%s.%s.%s", r.str("BANK"), r.str("BRANCH"), r.str("CUSTOMER"), r.str("DEPOSIT"))
}

func (g *Gateway) clock() (date, tod string) {
	now := g.now().In(g.zone)
	return now.Format("2006-01-02"), now.Format("15:04:05")
}

func (g *Gateway) nextID(prefix string) string {
	g.seq++
	return prefix + strconv.FormatInt(g.seq, 10)
}

// lookup answers a request. The caller holds g.mu.
func (g *Gateway) lookup(q query) []Row {
	var rows []Row
	switch q.table {
	case tableAccount:
		for _, a := range g.accounts {
			rows = append(rows, accountRow(a))
		}
	case tableDeposit:
		for _, a := range g.accounts {
			r := accountRow(a)
			if !matches(r, q.where) {
				continue
			}
			r["EXCESS_EQ"] = g.cash[a].StringFixed(2)
			r["CURRENCY"] = "USD"
			rows = append(rows, project(r, q.what))
		}
	case tablePosition:
		for _, a := range g.accounts {
			for _, sym := range slices.Sorted(maps.Keys(g.positions[a])) {
				qty := g.positions[a][sym]
				r := accountRow(a)
				r["DISP_NAME"] = sym
				if qty >= 0 {
					r["LONGPOS"] = strconv.FormatInt(qty, 10)
				} else {
					r["SHORTPOS"] = strconv.FormatInt(-qty, 10)
				}
				rows = append(rows, r)
			}
		}
	case tableOrders:
		for _, r := range g.orderRows(q) {
			rows = append(rows, r.clone())
		}
	case tableLiveQuote:
		sym := q.get("DISP_NAME")
		if sym == timeSymbol {
			d, t := g.clock()
			return []Row{{"DISP_NAME": timeSymbol, "TRD_DATE": d, "TRDTIM_1": t}}
		}
		quote, ok := g.quotes[sym]
		if !ok {
			return []Row{{"DISP_NAME": sym, "SYMBOL_ERROR": "Error 17"}}
		}
		rows = append(rows, project(quote, q.what))
	case tableDaily, tableIntraday:
		return []Row{g.bars(q)}
	}
	return rows
}

// orderRows returns the ORDERS fragments matching q. A lifecycle filter
// applies to each order's latest fragment only.
func (g *Gateway) orderRows(q query) []Row {
	if _, ok := q.where["CURRENT_STATUS"]; !ok {
		var rows []Row
		for _, r := range g.fragments {
			if matches(r, q.where) {
				rows = append(rows, r)
			}
		}
		return rows
	}
	latest := make(map[string]Row)
	var ids []string
	for _, r := range g.fragments {
		oid := r.str("ORIGINAL_ORDER_ID")
		if _, seen := latest[oid]; !seen {
			ids = append(ids, oid)
		}
		latest[oid] = r
	}
	var rows []Row
	for _, oid := range ids {
		if r := latest[oid]; matches(r, q.where) {
			rows = append(rows, r)
		}
	}
	return rows
}

// bars synthesises five column-oriented bars ending at the last price.
func (g *Gateway) bars(q query) Row {
	sym := q.get("DISP_NAME")
	quote, ok := g.quotes[sym]
	if !ok {
		return Row{"DISP_NAME": sym, "SYMBOL_ERROR": "Error 17"}
	}
	last, _ := decimal.NewFromString(quote.str("TRDPRC_1"))
	now := g.now().In(g.zone)
	var dates, times, opens, highs, lows, closes, vols []any
	for i := 4; i >= 0; i-- {
		var t time.Time
		if q.table == tableDaily {
			t = now.AddDate(0, 0, -i)
		} else {
			t = now.Add(-time.Duration(i) * time.Minute)
		}
		c := last.Sub(decimal.NewFromInt(int64(i)))
		dates = append(dates, t.Format("2006-01-02"))
		times = append(times, t.Format("15:04:00"))
		opens = append(opens, c.Sub(decimal.NewFromFloat(0.5)).StringFixed(2))
		highs = append(highs, c.Add(decimal.NewFromInt(1)).StringFixed(2))
		lows = append(lows, c.Sub(decimal.NewFromInt(1)).StringFixed(2))
		closes = append(closes, c.StringFixed(2))
		vols = append(vols, strconv.Itoa(1000*(5-i)))
	}
	row := Row{
		"DISP_NAME": sym, "TRD_DATE": dates, "TRDTIM_1": times,
		"OPEN_PRC": opens, "HIGH_1": highs, "LOW_1": lows, "SETTLE": closes, "ACVOL_1": vols,
	}
	if q.table == tableDaily {
		row["TRDTIM_1"] = "Error 17"
	}
	return row
}

// poke applies an ORDERS submission and returns the fragments it produced.
// The caller holds g.mu.
func (g *Gateway) poke(data Row) []Row {
	switch data.str("TYPE") {
	case "UserSubmitOrder":
		return g.submit(data)
	case "UserSubmitStagedOrder":
		f := data.clone()
		f["ORIGINAL_ORDER_ID"] = g.nextID("T")
		f["ORDER_ID"] = g.nextID("F")
		f["CURRENT_STATUS"] = "COMPLETED"
		f["TIME_STAMP"] = g.stamp()
		return g.record(f)
	case "UserSubmitChange":
		return g.change(data)
	case "UserSubmitCancel":
		return g.cancel(data.str("REFERS_TO_ID"))
	}
	g.log.Warn("unsupported poke", "type", data.str("TYPE"))
	return nil
}

func (g *Gateway) stamp() string {
	d, t := g.clock()
	return d + " " + t
}

func (g *Gateway) record(f Row) []Row {
	g.fragments = append(g.fragments, f)
	return []Row{f.clone()}
}

func (g *Gateway) fragment(o *order, typ, status string) Row {
	f := o.base.clone()
	maps.Copy(f, o.account)
	f["ORIGINAL_ORDER_ID"] = o.id
	f["ORDER_ID"] = g.nextID("F")
	f["TYPE"] = typ
	f["CURRENT_STATUS"] = status
	f["ORIGINAL_VOLUME"] = strconv.FormatInt(o.volume, 10)
	f["VOLUME_TRADED"] = strconv.FormatInt(o.traded, 10)
	f["ORDER_RESIDUAL"] = strconv.FormatInt(o.volume-o.traded, 10)
	f["TIME_STAMP"] = g.stamp()
	if q, ok := g.quotes[o.symbol]; ok {
		f["CUSIP"] = q["CUSIP"]
	}
	return f
}

func (g *Gateway) submit(data Row) []Row {
	vol, err := strconv.ParseInt(data.str("VOLUME"), 10, 64)
	account := accountOf(data)
	if err != nil || vol <= 0 || !slices.Contains(g.accounts, account) {
		f := data.clone()
		f["ORIGINAL_ORDER_ID"] = g.nextID("O")
		f["ORDER_ID"] = g.nextID("F")
		f["TYPE"] = "ClerkReject"
		f["CURRENT_STATUS"] = "COMPLETED"
		return g.record(f)
	}
	o := &order{
		id:        g.nextID("O"),
		account:   accountRow(account),
		symbol:    data.str("DISP_NAME"),
		side:      data.str("BUYORSELL"),
		priceType: data.str("PRICE_TYPE"),
		volume:    vol,
		base:      data.clone(),
	}
	o.price, _ = decimal.NewFromString(data.str("PRICE"))
	o.stop, _ = decimal.NewFromString(data.str("STOP_PRICE"))
	g.orders[o.id] = o

	out := g.record(g.fragment(o, "UserSubmitOrder", "LIVE"))
	if last, ok := g.last(o.symbol); ok {
		out = append(out, g.cross(o, last)...)
	}
	return out
}

func (g *Gateway) change(data Row) []Row {
	o, ok := g.orders[data.str("REFERS_TO_ID")]
	if !ok || !o.open() {
		return nil
	}
	if v, err := strconv.ParseInt(data.str("VOLUME"), 10, 64); err == nil && v > 0 {
		o.volume = v
	}
	if p, err := decimal.NewFromString(data.str("PRICE")); err == nil {
		o.price = p
	}
	if p, err := decimal.NewFromString(data.str("STOP_PRICE")); err == nil {
		o.stop = p
	}
	if pt := data.str("PRICE_TYPE"); pt != "" {
		o.priceType = pt
	}
	maps.Copy(o.base, data)
	out := g.record(g.fragment(o, "UserSubmitChange", "COMPLETED"))
	if last, ok := g.last(o.symbol); ok {
		out = append(out, g.cross(o, last)...)
	}
	return out
}

func (g *Gateway) cancel(oid string) []Row {
	o, ok := g.orders[oid]
	if !ok || !o.open() {
		return nil
	}
	o.cancelled = true
	return g.record(g.fragment(o, "UserSubmitCancel", "CANCELLED"))
}

func (g *Gateway) last(symbol string) (decimal.Decimal, bool) {
	q, ok := g.quotes[symbol]
	if !ok {
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(q.str("TRDPRC_1"))
	return p, err == nil
}

// cross fills o completely if price satisfies it.
func (g *Gateway) cross(o *order, price decimal.Decimal) []Row {
	if !o.open() {
		return nil
	}
	buy := o.side == "Buy"
	hit := func(level decimal.Decimal) bool {
		if buy {
			return price.LessThanOrEqual(level)
		}
		return price.GreaterThanOrEqual(level)
	}
	stopHit := func() bool {
		if buy {
			return price.GreaterThanOrEqual(o.stop)
		}
		return price.LessThanOrEqual(o.stop)
	}
	switch o.priceType {
	case "Market":
	case "AsEntered", "Limit":
		if !hit(o.price) {
			return nil
		}
		price = o.price
	case "Stop":
		if !stopHit() {
			return nil
		}
	case "StopLimit":
		if !stopHit() {
			return nil
		}
		o.priceType = "AsEntered"
		if !hit(o.price) {
			return nil
		}
		price = o.price
	default:
		return nil
	}

	qty := o.volume - o.traded
	o.traded = o.volume
	account := accountOf(o.account)
	if g.positions[account] == nil {
		g.positions[account] = make(map[string]int64)
	}
	signed := qty
	if !buy {
		signed = -qty
	}
	g.positions[account][o.symbol] += signed
	g.cash[account] = g.cash[account].Sub(price.Mul(decimal.NewFromInt(signed)))

	f := g.fragment(o, "ExchangeTradeOrder", "COMPLETED")
	f["AVG_PRICE"] = price.String()
	f["PRICE"] = price.String()
	f["VOLUME"] = strconv.FormatInt(qty, 10)
	f["FILL_ID"] = g.nextID("X")
	d, t := g.clock()
	f["MARKET_TRD_DATE"], f["TRD_TIME"] = d, t
	return g.record(f)
}
