// Package httpapi serves the bridge's JSON-over-HTTP command surface. Every
// command is a POST to /<command> with a JSON object body and HTTP basic
// auth; the response body is the JSON-encoded result.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"runtime"
	"slices"
	"strings"
	"time"

	"rtxbridge/internal/broker"
	"rtxbridge/internal/config"
	"rtxbridge/internal/domain"
	"rtxbridge/internal/rtx"
)

// ClientID is the interest-set identity of every HTTP caller.
const ClientID domain.ClientID = "HTTP"

type handlerFunc func(ctx context.Context, a args) (any, error)

type command struct {
	usage string
	doc   string
	run   handlerFunc
}

// Server serves the HTTP command API.
type Server struct {
	broker  broker.Broker
	auth    config.Auth
	log     *slog.Logger
	version string
	started time.Time
	wait    time.Duration
	logReqs bool
	now     func() time.Time

	commands map[string]command
}

// NewServer creates a new HTTP command server.
func NewServer(b broker.Broker, cfg *config.Config, version string, log *slog.Logger) *Server {
	wait := time.Duration(0)
	for _, c := range config.TimeoutCategories {
		wait = max(wait, cfg.Timeouts.Get(c))
	}
	s := &Server{
		broker:  b,
		auth:    cfg.Auth,
		log:     log,
		version: version,
		started: time.Now(),
		// The session always completes a sink within its timeout budget;
		// the extra slack covers the one-second expiry sweep.
		wait:    wait + 5*time.Second,
		logReqs: cfg.Logging.HTTPRequests,
		now:     time.Now,
	}
	s.commands = s.commandTable()
	return s
}

func (s *Server) commandTable() map[string]command {
	return map[string]command{
		"shutdown": {"shutdown()", "Request server shutdown", s.shutdown},
		"status":   {"status() => 'status string'", "Return the current gateway connection status", s.status},
		"uptime":   {"uptime() => 'uptime string'", "Return the start time and elapsed time of this server", s.uptime},
		"version":  {"version() => {...}", "Return the release version of this server", s.versionInfo},
		"help":     {"help() => {'command': 'doc', ...}", "Return usage for every command", s.help},

		"add_symbol":    {"add_symbol('symbol')", "Request subscription to a symbol for price updates and order entry", s.addSymbol},
		"del_symbol":    {"del_symbol('symbol')", "Delete subscription to a symbol", s.delSymbol},
		"query_symbols": {"query_symbols() => ['symbol', ...]", "Return the list of active symbols", s.querySymbols},
		"query_symbol":  {"query_symbol('symbol') => {'field': data, ...}", "Return current data for an active symbol", s.querySymbol},
		"query_bars": {"query_bars('symbol', period, 'start', 'end') => [[date, time, open, high, low, close, volume], ...]",
			"Return bar data for an active symbol", s.queryBars},
		"set_primary_exchange": {"set_primary_exchange('symbol', 'exchange')",
			"Set the exchange sent with orders for symbol; an empty exchange deletes the mapping", s.setPrimaryExchange},

		"query_accounts": {"query_accounts() => ['account', ...]", "Return the account names", s.queryAccounts},
		"set_account":    {"set_account('account')", "Select the current trading account", s.setAccount},
		"query_account":  {"query_account('account', fields) => {'field': data, ...}", "Return account data; fields selects a subset", s.queryAccount},

		"query_positions":  {"query_positions() => {'account': {'symbol': quantity, ...}, ...}", "Return positions keyed by account", s.queryPositions},
		"query_order":      {"query_order('id') => {'field': data, ...}", "Return the status of one order", s.queryOrder},
		"query_orders":     {"query_orders() => {'id': {...}, ...}", "Return every order keyed by id", s.queryOrders},
		"query_tickets":    {"query_tickets() => {'id': {...}, ...}", "Return every staged ticket keyed by id", s.queryTickets},
		"query_executions": {"query_executions() => {'id': {...}, ...}", "Return every execution keyed by id", s.queryExecutions},
		"query_order_executions": {"query_order_executions('id') => {'id': {...}, ...}",
			"Return the executions of one order", s.queryOrderExecutions},

		"market_order":    {"market_order('symbol', quantity) => {...}", "Submit a market order", s.order(domain.OrderKindMarket)},
		"limit_order":     {"limit_order('symbol', price, quantity) => {...}", "Submit a limit order", s.order(domain.OrderKindLimit)},
		"stop_order":      {"stop_order('symbol', price, quantity) => {...}", "Submit a stop order", s.order(domain.OrderKindStop)},
		"stoplimit_order": {"stoplimit_order('symbol', stop_price, limit_price, quantity) => {...}", "Submit a stop-limit order", s.order(domain.OrderKindStopLimit)},
		"stage_market_order": {"stage_market_order('tag', 'symbol', quantity) => {...}",
			"Submit a staged market order for manual execution upstream", s.stageMarketOrder},
		"create_staged_order_ticket": {"create_staged_order_ticket('account') => {...}",
			"Create an empty staged order ticket", s.createTicket},
		"cancel_order":    {"cancel_order('id')", "Request cancellation of a pending order", s.cancelOrder},
		"global_cancel":   {"global_cancel()", "Request cancellation of all pending orders", s.globalCancel},
		"set_order_route": {"set_order_route(route) => {'route': params}", "Set the default order route", s.setOrderRoute},
		"get_order_route": {"get_order_route() => {'route': params}", "Return the default order route", s.getOrderRoute},

		"callback_metrics": {"callback_metrics() => {'label': {...}, ...}", "Return pending-call statistics", s.callbackMetrics},
		"gateway_logon":    {"gateway_logon('username', 'password')", "Logon to gateway", s.gatewayLogon},
		"gateway_logoff":   {"gateway_logoff()", "Logoff from gateway", s.gatewayLogon},
	}
}

// RegisterRoutes registers all command routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	for _, name := range slices.Sorted(maps.Keys(s.commands)) {
		mux.Handle("POST /"+name, s.requireAuth(s.handle(name, s.commands[name].run)))
	}
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return CORS(mux)
}

// CORS answers preflight requests and allows any origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authorized reports whether r carries the configured basic-auth
// credentials. With no credentials configured any request is accepted.
func Authorized(r *http.Request, auth config.Auth) bool {
	user, pass, _ := r.BasicAuth()
	return subtle.ConstantTimeCompare([]byte(user), []byte(auth.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(auth.Password)) == 1
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Authorized(r, s.auth) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handle(name string, run handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, err := decodeArgs(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.logReqs {
			s.log.Info("http request", "remote", r.RemoteAddr, "command", name, "args", map[string]any(a))
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.wait)
		defer cancel()

		v, err := run(ctx, a)
		if err != nil {
			var argErr *argError
			status := http.StatusBadGateway
			switch {
			case errors.As(err, &argErr):
				status = http.StatusBadRequest
			case errors.Is(err, rtx.ErrShutdown):
				status = http.StatusServiceUnavailable
			case errors.Is(err, rtx.ErrCallbackExpired), errors.Is(err, context.DeadlineExceeded):
				status = http.StatusGatewayTimeout
			}
			s.log.Warn("http command failed", "command", name, "error", err)
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, v)
	})
}

// await issues call against the broker and returns the delivered value.
func (s *Server) await(ctx context.Context, call func(domain.Sink)) (any, error) {
	r, err := domain.Await(ctx, call)
	if err != nil {
		return nil, err
	}
	return r.Value, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server commands
// ---------------------------------------------------------------------------

func (s *Server) shutdown(_ context.Context, _ args) (any, error) {
	s.log.Warn("shutdown requested over http")
	go func() {
		time.Sleep(time.Second)
		s.broker.Shutdown("shutdown requested")
	}()
	return "shutdown requested", nil
}

func (s *Server) status(_ context.Context, _ args) (any, error) {
	return string(s.broker.ConnectionStatus()), nil
}

func (s *Server) uptime(_ context.Context, _ args) (any, error) {
	elapsed := s.now().Sub(s.started).Truncate(time.Second)
	return fmt.Sprintf("started %s (elapsed %s)", s.started.Format("2006-01-02 15:04:05"), elapsed), nil
}

func (s *Server) versionInfo(_ context.Context, _ args) (any, error) {
	return map[string]string{
		"rtxbridge": s.version,
		"go":        runtime.Version(),
		"backend":   s.broker.Name(),
	}, nil
}

func (s *Server) help(_ context.Context, _ args) (any, error) {
	out := make(map[string]string, len(s.commands))
	for name, c := range s.commands {
		out[name] = c.usage + "\n\n" + c.doc
	}
	return out, nil
}

func (s *Server) gatewayLogon(_ context.Context, _ args) (any, error) {
	return "gateway logon unavailable", nil
}

func (s *Server) callbackMetrics(ctx context.Context, _ args) (any, error) {
	return s.await(ctx, s.broker.CallbackMetrics)
}

// ---------------------------------------------------------------------------
// Symbols
// ---------------------------------------------------------------------------

func (s *Server) addSymbol(ctx context.Context, a args) (any, error) {
	symbol, err := a.symbol()
	if err != nil {
		return nil, err
	}
	return s.await(ctx, func(sink domain.Sink) { s.broker.EnableSymbol(symbol, ClientID, sink) })
}

func (s *Server) delSymbol(ctx context.Context, a args) (any, error) {
	symbol, err := a.symbol()
	if err != nil {
		return nil, err
	}
	return s.await(ctx, func(sink domain.Sink) { s.broker.DisableSymbol(symbol, ClientID, sink) })
}

func (s *Server) querySymbols(ctx context.Context, _ args) (any, error) {
	return s.await(ctx, s.broker.QuerySymbols)
}

func (s *Server) querySymbol(ctx context.Context, a args) (any, error) {
	symbol, err := a.symbol()
	if err != nil {
		return nil, err
	}
	raw := a.boolean("raw")
	fields := a.strings("fields")
	v, err := s.await(ctx, func(sink domain.Sink) { s.broker.QuerySymbol(symbol, raw, fields, sink) })
	if _, inactive := v.(domain.Failure); inactive {
		return nil, nil
	}
	return v, err
}

func (s *Server) queryBars(ctx context.Context, a args) (any, error) {
	symbol, err := a.symbol()
	if err != nil {
		return nil, err
	}
	period, err := a.str("period")
	if err != nil {
		return nil, err
	}
	start, end := a.optional("start"), a.optional("end")
	return s.await(ctx, func(sink domain.Sink) { s.broker.QueryBars(symbol, period, start, end, sink) })
}

func (s *Server) setPrimaryExchange(ctx context.Context, a args) (any, error) {
	symbol, err := a.symbol()
	if err != nil {
		return nil, err
	}
	exchange := a.optional("exchange")
	return s.await(ctx, func(sink domain.Sink) { s.broker.SetPrimaryExchange(symbol, exchange, sink) })
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *Server) queryAccounts(ctx context.Context, _ args) (any, error) {
	return s.await(ctx, s.broker.QueryAccounts)
}

func (s *Server) setAccount(ctx context.Context, a args) (any, error) {
	account, err := a.str("account")
	if err != nil {
		return nil, err
	}
	account = strings.ToUpper(account)
	return s.await(ctx, func(sink domain.Sink) { s.broker.SetAccount(account, sink) })
}

func (s *Server) queryAccount(ctx context.Context, a args) (any, error) {
	account, err := a.str("account")
	if err != nil {
		return nil, err
	}
	account = strings.ToUpper(account)
	fields := a.strings("fields")
	return s.await(ctx, func(sink domain.Sink) { s.broker.QueryAccountData(account, fields, sink) })
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

func (s *Server) queryPositions(ctx context.Context, _ args) (any, error) {
	return s.await(ctx, s.broker.QueryPositions)
}

func (s *Server) queryOrder(ctx context.Context, a args) (any, error) {
	oid, err := a.str("id")
	if err != nil {
		return nil, err
	}
	return s.await(ctx, func(sink domain.Sink) { s.broker.QueryOrder(oid, sink) })
}

func (s *Server) queryOrders(ctx context.Context, _ args) (any, error) {
	return s.await(ctx, s.broker.QueryOrders)
}

func (s *Server) queryTickets(ctx context.Context, _ args) (any, error) {
	return s.await(ctx, s.broker.QueryTickets)
}

func (s *Server) queryExecutions(ctx context.Context, _ args) (any, error) {
	return s.await(ctx, s.broker.QueryExecutions)
}

func (s *Server) queryOrderExecutions(ctx context.Context, a args) (any, error) {
	oid, err := a.str("id")
	if err != nil {
		return nil, err
	}
	return s.await(ctx, func(sink domain.Sink) { s.broker.QueryOrderExecutions(oid, sink) })
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *Server) order(kind domain.OrderKind) handlerFunc {
	return func(ctx context.Context, a args) (any, error) {
		req, err := a.orderRequest(kind)
		if err != nil {
			return nil, err
		}
		return s.await(ctx, func(sink domain.Sink) { s.broker.SubmitOrder(req, sink) })
	}
}

func (s *Server) stageMarketOrder(ctx context.Context, a args) (any, error) {
	tag, err := a.str("tag")
	if err != nil {
		return nil, err
	}
	req, err := a.orderRequest(domain.OrderKindMarket)
	if err != nil {
		return nil, err
	}
	return s.await(ctx, func(sink domain.Sink) { s.broker.StageOrder(tag, req, sink) })
}

func (s *Server) createTicket(ctx context.Context, a args) (any, error) {
	account := strings.ToUpper(a.optional("account"))
	return s.await(ctx, func(sink domain.Sink) { s.broker.CreateStagedTicket(account, sink) })
}

func (s *Server) cancelOrder(ctx context.Context, a args) (any, error) {
	oid, err := a.str("id")
	if err != nil {
		return nil, err
	}
	return s.await(ctx, func(sink domain.Sink) { s.broker.CancelOrder(oid, sink) })
}

func (s *Server) globalCancel(ctx context.Context, _ args) (any, error) {
	return s.await(ctx, s.broker.GlobalCancel)
}

func (s *Server) setOrderRoute(ctx context.Context, a args) (any, error) {
	route, ok := a["route"]
	if !ok {
		return nil, &argError{"missing argument: route"}
	}
	return s.await(ctx, func(sink domain.Sink) { s.broker.SetOrderRoute(route, sink) })
}

func (s *Server) getOrderRoute(ctx context.Context, _ args) (any, error) {
	return s.await(ctx, s.broker.GetOrderRoute)
}
