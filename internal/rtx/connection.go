package rtx

import (
	"encoding/json"
	"fmt"
)

// UpdateHandler receives the rows of an active advise. A nil row means the
// gateway terminated the subscription.
type UpdateHandler func(c *Connection, row Row)

// SlotState is the protocol step a connection slot is waiting on.
type SlotState int

const (
	SlotReady SlotState = iota
	SlotAwaitingAck
	SlotAwaitingResponse
	SlotAwaitingStatus
	// SlotSubscribed is held by a slot carrying a live advise.
	SlotSubscribed
)

func (st SlotState) String() string {
	switch st {
	case SlotReady:
		return "Ready"
	case SlotAwaitingAck:
		return "AwaitingAck"
	case SlotAwaitingResponse:
		return "AwaitingResponse"
	case SlotAwaitingStatus:
		return "AwaitingStatus"
	case SlotSubscribed:
		return "Subscribed"
	}
	return "Unknown"
}

// action is one command with the protocol steps it expects in return.
type action struct {
	cmd           string
	args          string
	expectAck     string
	ackCB         *Callback
	responseCB    *Callback
	expectStatus  string
	statusCB      *Callback
	updateCB      *Callback
	updateHandler UpdateHandler
}

// Connection is one logical channel to the gateway, keyed by service and
// topic. It accepts a command only when ready; otherwise it holds a single
// queued action until the pending steps clear.
type Connection struct {
	s         *Session
	id        string
	service   string
	topic     string
	key       string
	lastQuery string
	cmd       string

	ackPending      string
	ackCB           *Callback
	responsePending bool
	responseCB      *Callback
	responseRows    []Row
	statusPending   string
	statusCB        *Callback
	updateCB        *Callback
	updateHandler   UpdateHandler

	connected  bool
	// subscribed is set once an advise has been acknowledged with its
	// first status.
	subscribed bool
	ready      bool
	queued     *action
}

func newConnection(s *Session, service, topic string) *Connection {
	c := &Connection{
		s:             s,
		id:            s.newID(),
		service:       service,
		topic:         topic,
		key:           service + ";" + topic,
		ackPending:    ackConnection,
		statusPending: statusInitAck,
	}
	s.cxnRegister(c)
	s.gatewaySend(connectCommand(c.id, c.key))
	return c
}

// ID returns the slot id carried by every message on this channel.
func (c *Connection) ID() string { return c.id }

// Key returns "service;topic".
func (c *Connection) Key() string { return c.key }

// State summarises the pending protocol step.
func (c *Connection) State() SlotState {
	switch {
	case c.ackPending != "":
		return SlotAwaitingAck
	case c.responsePending:
		return SlotAwaitingResponse
	case c.updateHandler != nil:
		return SlotSubscribed
	case c.statusPending != "" || c.statusCB != nil || c.updateCB != nil:
		return SlotAwaitingStatus
	}
	return SlotReady
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection<%s %s>", c.id, c.key)
}

// updateReady recomputes readiness and enrolls the slot in the idle pool on
// the transition into ready.
func (c *Connection) updateReady() {
	was := c.ready
	c.ready = c.ackPending == "" && !c.responsePending && c.statusPending == "" &&
		c.statusCB == nil && c.updateCB == nil && c.updateHandler == nil
	if c.ready && !was {
		c.s.cxnActivate(c)
	}
}

func (c *Connection) logEvent(msg string, args ...any) {
	if c.s.cfg.Logging.CxnEvents {
		c.s.log.Info(msg, append([]any{"cxn", c.String()}, args...)...)
	}
}

// receive dispatches one inbound message by kind.
func (c *Connection) receive(kind string, data json.RawMessage) {
	switch kind {
	case kindAck:
		var token string
		if err := json.Unmarshal(data, &token); err != nil {
			c.s.errorHandler(c.id, fmt.Sprintf("%v: malformed ack %s", ErrProtocolViolation, data))
			break
		}
		c.handleAck(token)
	case kindResponse:
		var rd responseData
		if err := json.Unmarshal(data, &rd); err != nil {
			c.s.errorHandler(c.id, fmt.Sprintf("%v: malformed response %s", ErrProtocolViolation, data))
			break
		}
		c.handleResponse(rd)
	case kindStatus:
		var sd statusData
		if err := json.Unmarshal(data, &sd); err != nil {
			c.s.errorHandler(c.id, fmt.Sprintf("%v: malformed status %s", ErrProtocolViolation, data))
			break
		}
		c.handleStatus(sd)
	case kindUpdate:
		var ud updateData
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, &ud); err != nil {
				c.s.errorHandler(c.id, fmt.Sprintf("%v: malformed update %s", ErrProtocolViolation, data))
				break
			}
		}
		c.handleUpdate(ud.Row)
	default:
		c.s.errorHandler(c.id, fmt.Sprintf("Message Type Unexpected: %s %s", kind, data))
	}
	c.updateReady()
}

func (c *Connection) handleAck(token string) {
	c.logEvent("ack received", "ack", token)
	if c.ackPending == "" {
		c.s.errorHandler(c.id, "Ack Unexpected: "+token)
		return
	}
	if token == c.ackPending {
		c.ackPending = ""
	} else {
		c.s.errorHandler(c.id, fmt.Sprintf("Ack Mismatch: expected %s, got %s", c.ackPending, token))
		c.handleResponseFailure()
	}
	if c.ackCB != nil {
		cb := c.ackCB
		c.ackCB = nil
		cb.complete(token)
	}
}

func (c *Connection) handleResponse(rd responseData) {
	c.logEvent("response received", "complete", rd.Complete)
	if !c.responsePending {
		c.s.log.Error("response unexpected", "cxn", c.String(), "row", rd.Row)
		return
	}
	c.responseRows = append(c.responseRows, rd.Row)
	if !rd.Complete {
		return
	}
	rows := c.responseRows
	cb := c.responseCB
	c.responsePending = false
	c.responseCB = nil
	c.responseRows = nil
	if cb != nil {
		cb.complete(rows)
	}
}

// handleResponseFailure fails the pending response call and tells a
// standing update handler that its subscription is gone.
func (c *Connection) handleResponseFailure() {
	c.s.log.Error("connection response failure", "cxn", c.String(), "last_query", c.lastQuery)
	if c.responseCB != nil {
		cb := c.responseCB
		c.responseCB = nil
		c.responsePending = false
		c.responseRows = nil
		cb.fail(fmt.Errorf("%w: %s", ErrResponseFailed, c.lastQuery))
	}
	if h := c.updateHandler; h != nil {
		c.updateHandler = nil
		c.subscribed = false
		h(c, nil)
	}
}

func (c *Connection) handleStatus(sd statusData) {
	c.logEvent("status received", "msg", sd.Msg, "status", string(sd.Status))
	if c.statusPending == "" || sd.Msg != c.statusPending {
		c.s.errorHandler(c.id, fmt.Sprintf("Status Unexpected: msg=%s status=%s", sd.Msg, sd.Status))
		c.handleResponseFailure()
		return
	}

	// An active advise interleaves OnOtherAck statuses with its updates, so
	// the expected status stays armed while a handler is registered.
	if c.updateHandler == nil {
		c.statusPending = ""
	}

	if sd.Status != "1" {
		msg := fmt.Sprintf("Status Error: msg=%s status=%s", sd.Msg, sd.Status)
		c.s.errorHandler(c.id, msg)
		if cb := c.statusCB; cb != nil {
			c.statusCB = nil
			cb.fail(fmt.Errorf("%w: %s", ErrStatusFailed, msg))
		}
		return
	}

	prev := c.statusCB
	c.statusCB = nil
	if c.updateHandler != nil {
		c.subscribed = true
	}
	if sd.Msg == statusInitAck {
		c.connected = true
		if q := c.queued; q != nil {
			c.queued = nil
			c.ready = true
			c.logEvent("sending queued action", "cmd", q.cmd)
			c.send(q)
		}
	}
	if prev != nil {
		prev.complete(sd)
	}
	// An unadvise that arrived while its advise was in flight goes out once
	// the advise is established.
	if q := c.queued; q != nil && q.cmd == "unadvise" && c.subscribed && c.ackPending == "" {
		c.queued = nil
		c.ready = true
		c.send(q)
	}
}

func (c *Connection) handleUpdate(row Row) {
	c.logEvent("update received", "fields", len(row))
	if c.updateCB != nil {
		cb := c.updateCB
		c.updateCB = nil
		cb.complete(row)
		return
	}
	if c.updateHandler != nil {
		c.updateHandler(c, row)
		return
	}
	c.s.errorHandler(c.id, fmt.Sprintf("Update Unexpected: %v", row))
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (c *Connection) query(a *action, table, what, where string) bool {
	a.args = tql(table, what, where)
	c.lastQuery = a.cmd + ": " + a.args
	return c.send(a)
}

func (c *Connection) request(table, what, where string, cb *Callback) bool {
	return c.query(&action{cmd: "request", expectAck: ackRequest, responseCB: cb}, table, what, where)
}

func (c *Connection) advise(table, what, where string, handler UpdateHandler) bool {
	return c.query(&action{
		cmd: "advise", expectAck: ackAdvise, expectStatus: statusOtherAck, updateHandler: handler,
	}, table, what, where)
}

func (c *Connection) adviseRequest(table, what, where string, cb *Callback, handler UpdateHandler) bool {
	return c.query(&action{
		cmd: "adviserequest", expectAck: ackAdviseRequest, responseCB: cb,
		expectStatus: statusOtherAck, updateHandler: handler,
	}, table, what, where)
}

// unadvise cancels the slot's advise. An established advise is cancelled
// at once; one still in flight is cancelled when it is established; one
// still queued behind the connect handshake is dropped without being sent.
func (c *Connection) unadvise(table, what, where string, cb *Callback) bool {
	a := &action{cmd: "unadvise", expectAck: ackUnadvise, expectStatus: statusOtherAck, statusCB: cb}
	switch {
	case c.subscribed:
		c.ready = true
		return c.query(a, table, what, where)
	case !c.connected:
		if c.queued != nil && c.queued.updateHandler != nil {
			c.logEvent("dropping queued advise", "args", c.queued.args)
			c.queued = nil
		}
		if cb != nil {
			cb.complete(nil)
		}
		return true
	}
	return c.query(a, table, what, where)
}

func (c *Connection) poke(table, what, where, data string, ackCB, cb *Callback) bool {
	args := tql(table, what, where) + "!" + data
	c.lastQuery = "poke: " + args
	return c.send(&action{
		cmd: "poke", args: args, expectAck: ackPoke, ackCB: ackCB,
		expectStatus: statusOtherAck, statusCB: cb,
	})
}

func (c *Connection) execute(command string, cb *Callback) bool {
	c.lastQuery = "execute: " + command
	return c.send(&action{cmd: "execute", args: command, expectAck: ackExecute, ackCB: cb})
}

func (c *Connection) terminate(code int, cb *Callback) bool {
	c.lastQuery = fmt.Sprintf("terminate: %d", code)
	return c.send(&action{cmd: "terminate", args: fmt.Sprint(code), expectAck: ackTerminate, ackCB: cb})
}

// send writes the command if the slot is ready, otherwise queues it. Only
// one action may be queued; a second is rejected.
func (c *Connection) send(a *action) bool {
	if !c.ready {
		if c.queued != nil {
			c.s.errorHandler(c.id, fmt.Sprintf("Failure: queued action already exists: %s %s", c.queued.cmd, c.queued.args))
			return false
		}
		c.logEvent("storing queued action", "cmd", a.cmd)
		c.queued = a
		return true
	}

	c.cmd = a.cmd
	c.ready = false
	c.s.cxnDeactivate(c)
	if a.responseCB != nil {
		c.responseRows = []Row{}
	}
	msg := a.cmd + " " + c.id + " " + a.args
	c.logEvent("send", "msg", msg)
	c.s.gatewaySend(msg)
	c.ackPending = a.expectAck
	c.ackCB = a.ackCB
	c.responsePending = a.responseCB != nil
	c.responseCB = a.responseCB
	c.statusPending = a.expectStatus
	c.statusCB = a.statusCB
	c.updateCB = a.updateCB
	c.updateHandler = a.updateHandler
	c.subscribed = false
	return true
}
