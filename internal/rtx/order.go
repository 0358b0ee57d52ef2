package rtx

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"rtxbridge/internal/domain"
)

// Upstream order lifecycle values (CURRENT_STATUS).
const (
	lifecyclePending   = "PENDING"
	lifecycleLive      = "LIVE"
	lifecycleCompleted = "COMPLETED"
	lifecycleCancelled = "CANCELLED"
	lifecycleDeleted   = "DELETED"
)

// Upstream order event types (TYPE).
const (
	typeUserSubmitOrder       = "UserSubmitOrder"
	typeUserSubmitStagedOrder = "UserSubmitStagedOrder"
	typeUserSubmitStatus      = "UserSubmitStatus"
	typeExchangeReportStatus  = "ExchangeReportStatus"
	typeUserSubmitCancel      = "UserSubmitCancel"
	typeUserSubmitChange      = "UserSubmitChange"
	typeAdjustQty             = "AdjustQty"
	typeExchangeAcceptOrder   = "ExchangeAcceptOrder"
	typeExchangeTradeOrder    = "ExchangeTradeOrder"
	typeClerkReject           = "ClerkReject"
	typeExchangeKillOrder     = "ExchangeKillOrder"
)

const (
	originClient   = "client"
	originUpstream = "realtick"
)

// OrderUpdate is one entry of an order's change log.
type OrderUpdate struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields"`
	Time   float64        `json:"time"`
}

// Order consolidates upstream order fragments under a stable original order
// id. Records are never deleted.
type Order struct {
	s         *Session
	oid       string
	origin    string
	cb        *Callback
	updates   []OrderUpdate
	suborders map[string]Row
	fields    map[string]any

	identified bool
	class      domain.OrderClass
}

func newOrder(s *Session, oid string, data Row, origin string, cb *Callback) *Order {
	o := &Order{
		s:         s,
		oid:       oid,
		origin:    origin,
		cb:        cb,
		suborders: make(map[string]Row),
		fields:    make(map[string]any),
		class:     domain.OrderClassUndefined,
	}
	o.fields["status"] = string(domain.OrderStatusInitialized)
	o.fields["origin"] = origin
	o.update(data, true)
	return o
}

func (o *Order) String() string {
	return fmt.Sprintf("Order<%s>", o.oid)
}

// Class reports whether the record is a regular order or a staged ticket.
func (o *Order) Class() domain.OrderClass { return o.class }

func (o *Order) identifyOrderType(data Row) {
	if o.identified || !data.Has("TYPE") {
		return
	}
	otype := data.Str("TYPE")
	if strings.HasPrefix(otype, "UserSubmitStaged") {
		o.class = domain.OrderClassTicket
	} else {
		o.class = domain.OrderClassOrder
	}
	o.fields["type"] = otype
	o.identified = true
}

// initialUpdate applies the first upstream fragment of a client-submitted
// order and resolves the submitter's call with the rendered record.
func (o *Order) initialUpdate(data Row) {
	o.update(data, false)
	if o.cb != nil {
		cb := o.cb
		o.cb = nil
		cb.complete(o.render())
	}
}

func (o *Order) fieldState() string {
	b, _ := json.Marshal(o.fields)
	return string(b)
}

// update merges one fragment. Fragments identical to the last one seen for
// the same ORDER_ID are duplicates and never move the record.
func (o *Order) update(data Row, init bool) {
	before := o.fieldState()
	data = data.clone()

	o.identifyOrderType(data)

	var orderID, change string
	switch {
	case data.Has("ORDER_ID"):
		orderID = data.Str("ORDER_ID")
		prev, seen := o.suborders[orderID]
		switch {
		case !seen:
			change = "new"
		case reflect.DeepEqual(prev, data):
			change = "dup"
		default:
			change = "changed"
		}
		// Keep the fragment as received; enrichment below must not affect
		// duplicate detection.
		o.suborders[orderID] = data.clone()
	case init:
		orderID, change = "(init)", "new"
	default:
		o.s.errorHandler(o.oid, fmt.Sprintf("Order Update without ORDER_ID: %v", map[string]any(data)))
		orderID, change = "unknown", "error"
	}
	OrderUpdates.WithLabelValues(change).Inc()

	if data.Has("DISP_NAME") && !data.Has("CUSIP") {
		data["CUSIP"] = o.s.getCusip(data.Str("DISP_NAME"))
	}

	logCfg := o.s.cfg.Logging
	logArgs := []any{"type", data.Str("TYPE"), "change", change, "oid", o.oid, "order_id", orderID}
	if logCfg.OrderUpdates && (change != "dup" || logCfg.OrderUpdateDups) {
		o.s.log.Info("order update", logArgs...)
	} else {
		o.s.log.Debug("order update", logArgs...)
	}

	if change == "new" || change == "changed" {
		changes := make(map[string]any)
		for k, v := range data {
			ov, had := o.fields[k]
			o.fields[k] = v
			if !had || !reflect.DeepEqual(v, ov) {
				changes[k] = v
			}
		}
		if len(changes) > 0 {
			updateType := "Undefined"
			if data.Has("TYPE") {
				updateType = data.Str("TYPE")
			}
			if logCfg.OrderUpdates {
				o.s.log.Debug("order changes", "type", updateType, "oid", o.oid, "order_id", orderID, "changes", changes)
			}
			o.updates = append(o.updates, OrderUpdate{
				ID:     orderID,
				Type:   updateType,
				Fields: changes,
				Time:   float64(o.s.now().UnixNano()) / 1e9,
			})
		}
	}

	if !init && o.fieldState() != before {
		o.s.sendOrderUpdate(o.render(), false)
	}
}

func (o *Order) str(key string) string {
	return valueString(o.fields[key])
}

func (o *Order) updateFillFields() {
	switch o.str("TYPE") {
	case typeUserSubmitOrder, typeExchangeTradeOrder:
	default:
		return
	}
	if v, ok := o.fields["VOLUME_TRADED"]; ok {
		o.fields["filled"] = v
	}
	if v, ok := o.fields["ORDER_RESIDUAL"]; ok {
		o.fields["remaining"] = v
	}
	if v, ok := o.fields["AVG_PRICE"]; ok {
		o.fields["avgfillprice"] = v
	}
}

// deriveStatus maps lifecycle and event type to the user-facing status.
func (o *Order) deriveStatus() {
	if _, ok := o.fields["CURRENT_STATUS"]; !ok {
		o.fields["CURRENT_STATUS"] = "UNDEFINED"
	}
	if _, ok := o.fields["TYPE"]; !ok {
		o.fields["TYPE"] = "Undefined"
	}
	lifecycle := o.str("CURRENT_STATUS")
	otype := o.str("TYPE")

	set := func(st domain.OrderStatus) { o.fields["status"] = string(st) }

	switch lifecycle {
	case lifecyclePending:
		set(domain.OrderStatusSubmitted)
	case lifecycleLive:
		set(domain.OrderStatusPending)
		o.updateFillFields()
	case lifecycleCompleted:
		switch {
		case o.isFilled():
			set(domain.OrderStatusFilled)
			if otype == typeExchangeTradeOrder {
				o.updateFillFields()
			}
		case otype == typeUserSubmitOrder, otype == typeUserSubmitStagedOrder,
			otype == typeUserSubmitStatus, otype == typeExchangeReportStatus:
			set(domain.OrderStatusSubmitted)
			o.updateFillFields()
		case otype == typeUserSubmitCancel:
			set(domain.OrderStatusCancelled)
		case otype == typeUserSubmitChange, otype == typeAdjustQty:
			set(domain.OrderStatusChanged)
		case otype == typeExchangeAcceptOrder:
			set(domain.OrderStatusAccepted)
		case otype == typeExchangeTradeOrder:
			// A partial fill keeps the prior status.
			o.updateFillFields()
		case otype == typeClerkReject, otype == typeExchangeKillOrder:
			set(domain.OrderStatusError)
		default:
			o.s.errorHandler(o.oid, "Unknown TYPE: "+otype)
			set(domain.OrderStatusError)
		}
	case lifecycleCancelled:
		set(domain.OrderStatusCancelled)
	case lifecycleDeleted:
		set(domain.OrderStatusError)
	default:
		o.s.errorHandler(o.oid, "Unknown CURRENT_STATUS: "+lifecycle)
		set(domain.OrderStatusError)
	}
}

// render derives the lowercase view fields and returns them with the
// upstream fields nested under "raw".
func (o *Order) render() map[string]any {
	if v, ok := o.fields["ORIGINAL_ORDER_ID"]; ok {
		o.fields["permid"] = v
	}
	o.fields["symbol"] = o.fields["DISP_NAME"]
	o.fields["cusip"] = o.fields["CUSIP"]
	o.fields["account"] = makeAccount(o.fields)
	o.fields["quantity"] = o.fields["VOLUME"]
	o.fields["class"] = string(o.class)

	o.deriveStatus()

	o.fields["updates"] = o.updates
	o.fields["text"] = fmt.Sprintf("%s %d %s (%s)",
		o.str("BUYORSELL"), toInt(o.fields["quantity"]), o.str("symbol"), o.str("status"))

	raw := make(map[string]any)
	out := map[string]any{"raw": raw}
	for k, v := range o.fields {
		if isLowerKey(k) {
			out[k] = v
		} else {
			raw[k] = v
		}
	}
	out["updates"] = append([]OrderUpdate(nil), o.updates...)
	return out
}

// isFilled requires a completed lifecycle, a fill-producing event, and
// traded volume equal to the original volume.
func (o *Order) isFilled() bool {
	if o.str("CURRENT_STATUS") != lifecycleCompleted || !o.hasFillType() {
		return false
	}
	orig, ok1 := o.fields["ORIGINAL_VOLUME"]
	traded, ok2 := o.fields["VOLUME_TRADED"]
	return ok1 && ok2 && sameValue(orig, traded)
}

func (o *Order) hasFillType() bool {
	if o.str("TYPE") == typeExchangeTradeOrder {
		return true
	}
	for _, u := range o.updates {
		if u.Type == typeExchangeTradeOrder {
			return true
		}
	}
	return false
}

func (o *Order) status() string {
	return o.str("status")
}

func isLowerKey(k string) bool {
	hasLetter := false
	for _, r := range k {
		if r >= 'A' && r <= 'Z' {
			return false
		}
		if r >= 'a' && r <= 'z' {
			hasLetter = true
		}
	}
	return hasLetter
}

func toInt(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	}
	s := valueString(v)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

// makeAccount joins the four account components into
// BANK.BRANCH.CUSTOMER.DEPOSIT.
func makeAccount(fields map[string]any) string {
	return fmt.Sprintf("%s.%s.%s.%s",
		valueString(fields["BANK"]), valueString(fields["BRANCH"]),
		valueString(fields["CUSTOMER"]), valueString(fields["DEPOSIT"]))
}

// ---------------------------------------------------------------------------
// Ledger routing
// ---------------------------------------------------------------------------

// handleOrderUpdate is the standing handler of the ORDERS advise.
func (s *Session) handleOrderUpdate(_ *Connection, row Row) {
	if row == nil {
		s.forceDisconnect("API Order Status ADVISE connection has been terminated; connection has failed")
		return
	}
	s.handleOrderResponse(row)
}

// handleOrderResponse routes one fragment to its order record, promoting
// pending client submissions on their first sighting.
func (s *Session) handleOrderResponse(msg Row) {
	oid := msg.Str("ORIGINAL_ORDER_ID")
	if oid == "" {
		s.errorHandler(s.id, fmt.Sprintf("handle_order_response: ORIGINAL_ORDER_ID not found in %v", map[string]any(msg)))
		return
	}

	if coid := msg.Str("CLIENT_ORDER_ID"); coid != "" {
		if o, ok := s.pendingOrders[coid]; ok {
			delete(s.pendingOrders, coid)
			o.oid = oid
			s.orders[oid] = o
			o.initialUpdate(msg)
			return
		}
		if t, ok := s.pendingTickets[coid]; ok {
			delete(s.pendingTickets, coid)
			t.oid = oid
			s.orders[oid] = t
			t.initialUpdate(msg)
			return
		}
	}

	if o, ok := s.pendingOrders[oid]; ok {
		// A change submission refers to an existing original id.
		delete(s.pendingOrders, oid)
		o.initialUpdate(msg)
		return
	}

	if o, ok := s.orders[oid]; ok {
		o.update(msg, false)
		return
	}

	o := newOrder(s, oid, msg, originUpstream, nil)
	s.orders[oid] = o
	s.sendOrderUpdate(o.render(), false)
}

// sendOrderUpdate broadcasts a rendered order, deferring it until the
// instrument identifier is known.
func (s *Session) sendOrderUpdate(fields map[string]any, mapped bool) {
	symbol := valueString(fields["symbol"])
	if valueString(fields["cusip"]) == "" {
		if !mapped {
			s.deferUpdate(symbol, updateOrder, fields)
			return
		}
		s.log.Debug("order update still missing CUSIP after mapping", "symbol", symbol)
	}
	class := valueString(fields["class"])
	raw, _ := fields["raw"].(map[string]any)
	s.writeAllClients(fmt.Sprintf("%s.%s %s %s %s", class, valueString(fields["permid"]),
		valueString(fields["account"]), valueString(raw["TYPE"]), valueString(fields["status"])),
		class+"-notification")
	data, err := json.Marshal(fields)
	if err != nil {
		s.errorHandler(s.id, fmt.Sprintf("encoding order update: %v", err))
		return
	}
	s.writeAllClients(class+"-data "+string(data), class+"-data")
}
