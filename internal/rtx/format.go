package rtx

import (
	"fmt"

	"github.com/shopspring/decimal"

	"rtxbridge/internal/domain"
)

// formatResult converts a raw gateway payload into the caller-facing value
// for the call's label. Order and execution rows are merged into the ledger
// before the ledger view is rendered.
func (s *Session) formatResult(c *Callback, raw any) (any, error) {
	switch c.label {
	case labelAccountData:
		return s.formatAccountData(rowsOf(raw)), nil
	case labelPositions:
		return s.formatPositions(rowsOf(raw)), nil
	case labelOrders:
		return s.formatOrders(rowsOf(raw), "", domain.OrderClassOrder), nil
	case labelOrderStatus:
		return s.formatOrders(rowsOf(raw), c.id, domain.OrderClassOrder), nil
	case labelTickets:
		return s.formatOrders(rowsOf(raw), "", domain.OrderClassTicket), nil
	case labelExecutions:
		return s.formatExecutions(rowsOf(raw), "", ""), nil
	case labelOrderExecutions:
		return s.formatExecutions(rowsOf(raw), "", c.id), nil
	case labelExecution:
		return s.formatExecutions(rowsOf(raw), c.id, ""), nil
	case labelBarchart:
		return s.formatBarchart(rowsOf(raw))
	case labelNewSymbol, labelOrder, labelTicket, labelUnadvise, labelAddSymbol,
		labelSubmitOrder, labelRequestAccounts, labelGetOrderRoute, labelSetAccount,
		labelCreateTicket, labelQueryBarsFailed, labelCancelOrder, labelGlobalCancel,
		labelInitSymbol, labelTick, labelAccounts, labelOrderAck, labelTicketAck,
		labelSymbol, labelSymbols, labelSetPrimary, labelCallbackMetrics,
		labelDisableSymbol, labelSymbolData, labelSetOrderRoute:
		return raw, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownLabel, c.label)
}

// rowsOf accepts the shapes a response call can be completed with.
func rowsOf(v any) []Row {
	switch t := v.(type) {
	case []Row:
		return t
	case Row:
		return []Row{t}
	case []any:
		out := make([]Row, 0, len(t))
		for _, e := range t {
			switch r := e.(type) {
			case Row:
				out = append(out, r)
			case map[string]any:
				out = append(out, Row(r))
			}
		}
		return out
	case map[string]any:
		return []Row{Row(t)}
	}
	return nil
}

func (s *Session) formatAccountData(rows []Row) map[string]any {
	if len(rows) == 0 || rows[0] == nil {
		return nil
	}
	data := map[string]any(rows[0].clone())
	if eq := rows[0].Str("EXCESS_EQ"); eq != "" {
		if d, err := decimal.NewFromString(eq); err == nil {
			data["_cash"] = d.Round(2).InexactFloat64()
		}
	}
	return data
}

// formatPositions returns {account: {symbol: signed quantity}} with every
// known account present.
func (s *Session) formatPositions(rows []Row) map[string]map[string]int64 {
	positions := make(map[string]map[string]int64, len(s.accounts))
	for _, a := range s.accounts {
		positions[a] = make(map[string]int64)
	}
	signs := []struct {
		field string
		sign  int64
	}{{"LONGPOS", 1}, {"LONGPOS0", 1}, {"SHORTPOS", -1}, {"SHORTPOS0", -1}}
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		account := makeAccount(row)
		symbol := row.Str("DISP_NAME")
		if positions[account] == nil {
			positions[account] = make(map[string]int64)
		}
		qty := positions[account][symbol]
		for _, f := range signs {
			if row.Has(f.field) {
				qty += f.sign * toInt(row[f.field])
			}
		}
		positions[account][symbol] = qty
	}
	return positions
}

// formatOrders merges rows into the ledger and renders either the single
// order oid or every record of the given class.
func (s *Session) formatOrders(rows []Row, oid string, class domain.OrderClass) any {
	for _, row := range rows {
		if len(row) > 0 {
			s.handleOrderResponse(row)
		}
	}
	if oid != "" {
		if o, ok := s.orders[oid]; ok {
			return o.render()
		}
		return nil
	}
	out := make(map[string]any)
	for k, o := range s.orders {
		if o.class == class {
			out[k] = o.render()
		}
	}
	return out
}

func (s *Session) formatExecutions(rows []Row, xid, oid string) any {
	for _, row := range rows {
		if len(row) > 0 {
			s.handleExecutionResponse(row)
		}
	}
	if xid != "" {
		if e, ok := s.executions[xid]; ok {
			return e.render()
		}
		return nil
	}
	out := make(map[string]any)
	for k, e := range s.executions {
		if oid == "" || e.originalOrderID() == oid {
			out[k] = e.render()
		}
	}
	return out
}
