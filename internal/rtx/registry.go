package rtx

import (
	"fmt"
	"sort"

	"rtxbridge/internal/config"
	"rtxbridge/internal/domain"
)

// symbolEnable adds client to the symbol's interest set, creating the entry
// and querying its snapshot on first interest. The sink receives the
// exported snapshot once the symbol is live.
func (s *Session) symbolEnable(symbol string, client domain.ClientID, sink domain.Sink, category string) {
	s.log.Info("symbol enable", "symbol", symbol, "client", client)
	if sym, ok := s.symbols[symbol]; ok {
		sym.addClient(client)
		if !sym.live {
			sym.waiters = append(sym.waiters, s.newCallback(symbol, labelAddSymbol, sink, category))
			return
		}
		s.newCallback(symbol, labelAddSymbol, sink, category).complete(sym.export(nil))
		return
	}
	cb := s.newCallback(symbol, labelNewSymbol, sink, category)
	newSymbol(s, symbol, client, cb)
}

// symbolInit resolves a symbol's pending enable calls and reports whether
// the live subscription should be requested. Invalid symbols are dropped
// from the registry and resolved with ErrSymbolRejected; a symbol nobody is
// interested in any more is resolved but not subscribed.
func (s *Session) symbolInit(sym *Symbol) bool {
	if !sym.valid() {
		if cur, ok := s.symbols[sym.symbol]; ok && cur == sym {
			delete(s.symbols, sym.symbol)
		}
		sym.resolveInit(nil, fmt.Errorf("%w: %s", ErrSymbolRejected, sym.symbol))
		return false
	}
	if cur := s.symbols[sym.symbol]; cur != sym || len(sym.clients) == 0 {
		// Every client left while the snapshot was in flight.
		s.log.Info("symbol released during init", "symbol", sym.symbol)
		if cur == sym {
			delete(s.symbols, sym.symbol)
		}
		sym.resolveInit(sym.export(nil), nil)
		return false
	}
	sym.live = true
	sym.resolveInit(sym.export(nil), nil)
	return true
}

// symbolDisable removes client from the symbol's interest set. It reports
// whether the symbol was active.
func (s *Session) symbolDisable(symbol string, client domain.ClientID) bool {
	s.log.Info("symbol disable", "symbol", symbol, "client", client)
	sym, ok := s.symbols[symbol]
	if !ok {
		return false
	}
	sym.delClient(client)
	return true
}

// closeClient removes client from every symbol.
func (s *Session) closeClient(client domain.ClientID) {
	for _, name := range s.symbolNames() {
		if sym, ok := s.symbols[name]; ok {
			sym.delClient(client)
		}
	}
}

func (s *Session) symbolNames() []string {
	names := make([]string, 0, len(s.symbols))
	for name := range s.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Session) getCusip(symbol string) string {
	if sym, ok := s.symbols[symbol]; ok {
		return sym.cusip
	}
	return ""
}

// enableForEnrichment subscribes the session itself to symbol so its
// identifier becomes known.
func (s *Session) enableForEnrichment(symbol string, sink domain.Sink) {
	s.symbolEnable(symbol, s.clientID, sink, config.TimeoutOrderStatus)
}
