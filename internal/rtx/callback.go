package rtx

import (
	"fmt"
	"time"

	"rtxbridge/internal/config"
	"rtxbridge/internal/domain"
)

// Result labels. The label selects how a raw gateway payload is formatted
// before it reaches the caller.
const (
	labelAccountData     = "account_data"
	labelPositions       = "positions"
	labelOrders          = "orders"
	labelOrderStatus     = "order_status"
	labelTickets         = "tickets"
	labelExecutions      = "executions"
	labelOrderExecutions = "order_executions"
	labelExecution       = "execution"
	labelBarchart        = "barchart"
	labelNewSymbol       = "new_symbol"
	labelAddSymbol       = "add_symbol"
	labelOrder           = "order"
	labelTicket          = "ticket"
	labelUnadvise        = "unadvise"
	labelSubmitOrder     = "submit_order"
	labelRequestAccounts = "request_accounts"
	labelGetOrderRoute   = "get_order_route"
	labelSetAccount      = "set_account"
	labelCreateTicket    = "create_staged_order_ticket"
	labelQueryBarsFailed = "query_bars_failed"
	labelCancelOrder     = "cancel_order"
	labelGlobalCancel    = "global_cancel"
	labelInitSymbol      = "init_symbol"
	labelTick            = "tick"
	labelAccounts        = "accounts"
	labelOrderAck        = "order-ack"
	labelTicketAck       = "ticket-ack"
	labelSymbol          = "symbol"
	labelSymbols         = "symbols"
	labelSetPrimary      = "set_primary_exchange"
	labelCallbackMetrics = "callback_metrics"
	labelDisableSymbol   = "del_symbol"
	labelSymbolData      = "symbol_data"
	labelSetOrderRoute   = "set_order_route"
)

// Callback is a pending call: a one-shot result consumer with a label, a
// source id, and a deadline. It is completed at most once.
type Callback struct {
	s       *Session
	id      string
	label   string
	sink    domain.Sink
	started time.Time
	expire  time.Time
	done    bool
	expired bool
}

// newCallback registers a pending call whose budget is taken from the given
// timeout category. The call is tracked for the once-per-second sweep.
func (s *Session) newCallback(id, label string, sink domain.Sink, category string) *Callback {
	if category == "" {
		category = config.TimeoutDefault
	}
	now := s.now()
	cb := &Callback{
		s:       s,
		id:      id,
		label:   label,
		sink:    sink,
		started: now,
		expire:  now.Add(s.cfg.Timeouts.Get(category)),
	}
	s.callbacks = append(s.callbacks, cb)
	return cb
}

// localCallback wraps internal consumers. onErr may be nil, in which case
// failures are reported through the session error path.
func (s *Session) localCallback(id, label, category string, onOK func(any), onErr func(error)) *Callback {
	return s.newCallback(id, label, domain.FuncSink(func(r domain.Result) {
		if r.Err != nil {
			if onErr != nil {
				onErr(r.Err)
			} else {
				s.errorHandler(id, fmt.Sprintf("%s failed: %v", label, r.Err))
			}
			return
		}
		if onOK != nil {
			onOK(r.Value)
		}
	}), category)
}

func (c *Callback) String() string {
	return fmt.Sprintf("Callback<%s %s>", c.label, c.id)
}

// Done reports whether the call has been resolved.
func (c *Callback) Done() bool { return c.done }

// complete formats raw by label and hands it to the sink. A second
// completion is reported and dropped.
func (c *Callback) complete(raw any) {
	elapsed := c.s.now().Sub(c.started)
	if c.done {
		c.s.errorHandler(c.id, fmt.Sprintf("%s completed after timeout: callback=%s elapsed=%.2f",
			c.label, c, elapsed.Seconds()))
		c.s.stats.record(c.label, elapsed, c.expired)
		return
	}
	c.done = true
	value, err := c.s.formatResult(c, raw)
	if err != nil {
		c.s.errorHandler(c.id, err.Error())
	}
	c.sink.Deliver(c.s.channel, domain.Result{Label: c.label, Value: value, Err: err})
	c.s.stats.record(c.label, elapsed, c.expired)
}

// fail resolves the call with err unless it is already resolved.
func (c *Callback) fail(err error) {
	if c.done {
		return
	}
	c.done = true
	c.sink.Deliver(c.s.channel, domain.Result{Label: c.label, Err: err})
	c.s.stats.record(c.label, c.s.now().Sub(c.started), false)
}

// checkExpire fails the call with ErrCallbackExpired once its deadline has
// passed. It reports whether the call expired on this check.
func (c *Callback) checkExpire(now time.Time) bool {
	if c.done || !now.After(c.expire) {
		return false
	}
	msg := fmt.Sprintf("callback expired: %s", c)
	c.s.errorHandler(c.id, msg)
	c.expired = true
	c.done = true
	CallbacksExpired.WithLabelValues(c.label).Inc()
	c.sink.Deliver(c.s.channel, domain.Result{Label: c.label, Err: fmt.Errorf("%w: %s", ErrCallbackExpired, c)})
	return true
}

// checkPendingResults sweeps every tracked call, expiring overdue ones and
// dropping resolved ones from the list.
func (s *Session) checkPendingResults(now time.Time) {
	pending := s.callbacks
	s.callbacks = nil
	live := make([]*Callback, 0, len(pending))
	for _, cb := range pending {
		cb.checkExpire(now)
		if !cb.done {
			live = append(live, cb)
		}
	}
	// Expiry handlers may have registered new calls.
	s.callbacks = append(live, s.callbacks...)
}
