package rtx

import (
	"fmt"

	"rtxbridge/internal/domain"
)

type updateKind int

const (
	updateOrder updateKind = iota
	updateExecution
)

type pendingUpdate struct {
	kind   updateKind
	fields map[string]any
}

// enrichBatch buffers rendered updates for one symbol until its CUSIP is
// known, then replays them.
type enrichBatch struct {
	s       *Session
	symbol  string
	updates []pendingUpdate
}

// deferUpdate queues a rendered update behind the symbol's lookup, starting
// the lookup on the first deferred update.
func (s *Session) deferUpdate(symbol string, kind updateKind, fields map[string]any) {
	s.log.Debug("update missing CUSIP, deferring until mapped", "symbol", symbol)
	b, ok := s.mappers[symbol]
	if !ok {
		b = &enrichBatch{s: s, symbol: symbol}
		s.mappers[symbol] = b
		s.log.Info("registering pending mapper", "symbol", symbol)
	}
	b.updates = append(b.updates, pendingUpdate{kind: kind, fields: deepCopy(fields).(map[string]any)})
	if len(b.updates) == 1 {
		s.enableForEnrichment(symbol, domain.FuncSink(b.handle))
	}
}

// handle replays the batch when the lookup resolves. A failed lookup still
// replays, without the identifier.
func (b *enrichBatch) handle(r domain.Result) {
	if r.Err != nil {
		b.s.errorHandler(b.String(), fmt.Sprintf("Update Mapping for %s failed; %v", b.symbol, r.Err))
	}
	if cur, ok := b.s.mappers[b.symbol]; ok && cur == b {
		delete(b.s.mappers, b.symbol)
		b.s.log.Info("clearing pending mapper", "symbol", b.symbol)
	}
	cusip := b.s.getCusip(b.symbol)
	updates := b.updates
	b.updates = nil
	for _, u := range updates {
		switch u.kind {
		case updateOrder:
			u.fields["cusip"] = cusip
			if raw, ok := u.fields["raw"].(map[string]any); ok {
				raw["CUSIP"] = cusip
			}
			if ups, ok := u.fields["updates"].([]OrderUpdate); ok && len(ups) > 0 {
				ups[0].Fields["CUSIP"] = cusip
			}
			b.s.sendOrderUpdate(u.fields, true)
		case updateExecution:
			u.fields["CUSIP"] = cusip
			b.s.sendExecutionUpdate(u.fields, true)
		}
	}
}

func (b *enrichBatch) String() string {
	return fmt.Sprintf("Mapper<%s %d>", b.symbol, len(b.updates))
}

// deepCopy clones the container types found in rendered records.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case Row:
		out := make(Row, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case []OrderUpdate:
		out := make([]OrderUpdate, len(t))
		for i, u := range t {
			u.Fields = deepCopy(u.Fields).(map[string]any)
			out[i] = u
		}
		return out
	default:
		return v
	}
}
