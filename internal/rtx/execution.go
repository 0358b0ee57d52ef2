package rtx

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Execution consolidates the fill fragments of one execution, keyed by its
// ORDER_ID.
type Execution struct {
	s      *Session
	xid    string
	fields map[string]any
}

func newExecution(s *Session, xid string) *Execution {
	return &Execution{s: s, xid: xid, fields: make(map[string]any)}
}

func (e *Execution) String() string {
	return fmt.Sprintf("Execution<%s>", e.xid)
}

// update merges a fragment and broadcasts the execution when any field was
// added or changed.
func (e *Execution) update(data Row, init bool) {
	data = data.clone()
	if symbol := data.Str("DISP_NAME"); symbol != "" && data.Str("CUSIP") == "" {
		data["CUSIP"] = e.s.getCusip(symbol)
	}

	if data.Str("ORDER_ID") != e.xid {
		e.s.errorHandler(e.xid, fmt.Sprintf("Execution Update ORDER_ID mismatch: %v", map[string]any(data)))
		return
	}

	changed := false
	for k, v := range data {
		if ov, ok := e.fields[k]; ok && reflect.DeepEqual(ov, v) {
			continue
		}
		e.fields[k] = v
		changed = true
	}
	if changed && !init {
		e.s.sendExecutionUpdate(e.render(), false)
	}
}

func (e *Execution) originalOrderID() string {
	return valueString(e.fields["ORIGINAL_ORDER_ID"])
}

// render returns the default execution field set. With the account format
// enabled, the four account components collapse into ACCOUNT.
func (e *Execution) render() map[string]any {
	out := make(map[string]any, len(defaultExecutionFields)+1)
	for _, f := range defaultExecutionFields {
		out[f] = e.fields[f]
	}
	if e.s.cfg.Features.ExecutionAccountFormat {
		out["ACCOUNT"] = makeAccount(e.fields)
		delete(out, "BANK")
		delete(out, "BRANCH")
		delete(out, "CUSTOMER")
		delete(out, "DEPOSIT")
	}
	return out
}

// handleExecutionUpdate is the standing handler of the executions advise.
func (s *Session) handleExecutionUpdate(_ *Connection, row Row) {
	if row == nil {
		s.forceDisconnect("API Execution Status ADVISE connection has been terminated; connection has failed")
		return
	}
	s.handleExecutionResponse(row)
}

func (s *Session) handleExecutionResponse(msg Row) {
	xid := msg.Str("ORDER_ID")
	if xid == "" {
		s.errorHandler(s.id, fmt.Sprintf("handle_execution_response: ORDER_ID not found in %v", map[string]any(msg)))
		return
	}
	e, ok := s.executions[xid]
	if !ok {
		e = newExecution(s, xid)
		s.executions[xid] = e
	}
	e.update(msg, false)
}

// sendExecutionUpdate broadcasts a rendered execution, deferring it until
// the instrument identifier is known.
func (s *Session) sendExecutionUpdate(fields map[string]any, mapped bool) {
	symbol := valueString(fields["DISP_NAME"])
	if valueString(fields["CUSIP"]) == "" {
		if !mapped {
			s.deferUpdate(symbol, updateExecution, fields)
			return
		}
		s.log.Debug("execution update still missing CUSIP after mapping", "symbol", symbol)
	}
	account := valueString(fields["ACCOUNT"])
	if account == "" {
		account = makeAccount(fields)
	}
	xid := valueString(fields["ORDER_ID"])
	if s.cfg.Logging.ExecutionUpdates {
		s.log.Info("fill", "xid", xid, "cusip", fields["CUSIP"], "symbol", symbol,
			"side", fields["BUYORSELL"], "volume", fields["VOLUME"], "price", fields["PRICE"],
			"remaining", fields["ORDER_RESIDUAL"])
	}
	s.writeAllClients(fmt.Sprintf("execution.%s %s %s %s", xid, account,
		valueString(fields["ORIGINAL_ORDER_ID"]), valueString(fields["CURRENT_STATUS"])),
		"execution-notification")
	data, err := json.Marshal(fields)
	if err != nil {
		s.errorHandler(s.id, fmt.Sprintf("encoding execution update: %v", err))
		return
	}
	s.writeAllClients("execution-data "+string(data), "execution-data")
}
