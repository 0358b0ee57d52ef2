package rtx

import (
	"fmt"
)

// pool tracks every slot by id and the ready slots by key.
type pool struct {
	active map[string]*Connection
	idle   map[string][]*Connection
}

func newPool() *pool {
	return &pool{
		active: make(map[string]*Connection),
		idle:   make(map[string][]*Connection),
	}
}

func (s *Session) cxnRegister(c *Connection) {
	if s.cfg.Logging.CxnEvents {
		s.log.Info("cxn register", "cxn", c.String())
	}
	s.pool.active[c.id] = c
}

func (s *Session) cxnActivate(c *Connection) {
	if s.cfg.Logging.CxnEvents {
		s.log.Info("cxn activate", "cxn", c.String())
	}
	for _, idle := range s.pool.idle[c.key] {
		if idle == c {
			return
		}
	}
	s.pool.idle[c.key] = append(s.pool.idle[c.key], c)
}

func (s *Session) cxnDeactivate(c *Connection) {
	list := s.pool.idle[c.key]
	for i, idle := range list {
		if idle == c {
			s.pool.idle[c.key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// cxnGet returns a slot for service/topic: an idle one if available, else
// one still connecting with nothing queued, else a new slot.
func (s *Session) cxnGet(service, topic string) *Connection {
	key := service + ";" + topic
	var c *Connection
	if list := s.pool.idle[key]; len(list) > 0 {
		c = list[len(list)-1]
		s.pool.idle[key] = list[:len(list)-1]
	} else {
		for _, a := range s.pool.active {
			if a.key == key && !a.connected && a.queued == nil {
				c = a
				break
			}
		}
		if c == nil {
			c = newConnection(s, service, topic)
		}
	}
	if s.cfg.Logging.CxnEvents {
		s.log.Info("cxn get", "cxn", c.String())
	}
	return c
}

// cxnClear drops every slot after the transport is lost.
func (s *Session) cxnClear() {
	clear(s.pool.idle)
	for _, c := range s.pool.active {
		s.log.Warn("clearing active connection", "cxn", c.String(), "last_query", c.lastQuery)
	}
	clear(s.pool.active)
	for _, sym := range s.symbols {
		if sym.cxnInit != nil {
			s.log.Warn("clearing symbol init connection", "symbol", sym.symbol)
			sym.cxnInit = nil
		}
		if sym.cxnUpdates != nil {
			s.log.Warn("clearing symbol update connection", "symbol", sym.symbol)
			sym.cxnUpdates = nil
		}
	}
}

// routeMessage hands an inbound message to the owning slot.
func (s *Session) routeMessage(env envelope) {
	c, ok := s.pool.active[env.ID]
	if !ok {
		s.errorHandler(s.id, fmt.Sprintf("Message Received on Unknown connection: %s %s %s", env.Type, env.ID, env.Data))
		return
	}
	c.receive(env.Type, env.Data)
}
