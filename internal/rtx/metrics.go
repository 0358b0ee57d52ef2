package rtx

import (
	"errors"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rtxbridge/internal/domain"
)

var (
	CallbackLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rtxbridge",
		Name:      "callback_duration_seconds",
		Help:      "Time from registering a pending call to its completion, by result label.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"label"})

	CallbacksExpired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rtxbridge",
		Name:      "callbacks_expired_total",
		Help:      "Pending calls that exceeded their timeout budget.",
	}, []string{"label"})

	ConnectionStatusGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rtxbridge",
		Name:      "connection_status",
		Help:      "1 for the current gateway connection status, 0 otherwise.",
	}, []string{"status"})

	OrderUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rtxbridge",
		Name:      "order_updates_total",
		Help:      "Order update fragments by classification (new, changed, dup, error).",
	}, []string{"change"})

	Broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rtxbridge",
		Name:      "broadcasts_total",
		Help:      "Notification lines broadcast to front-end clients, by option flag.",
	}, []string{"flag"})
)

// RegisterMetrics registers the session collectors with reg. Collectors
// already registered there are skipped.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		CallbackLatency, CallbacksExpired, ConnectionStatusGauge, OrderUpdates, Broadcasts,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func observeStatus(status domain.ConnectionStatus) {
	for _, st := range []domain.ConnectionStatus{
		domain.StatusDisconnected, domain.StatusConnecting, domain.StatusInitializing,
		domain.StatusUp, domain.StatusShutdown,
	} {
		v := 0.0
		if st == status {
			v = 1
		}
		ConnectionStatusGauge.WithLabelValues(string(st)).Set(v)
	}
}

// ---------------------------------------------------------------------------
// Per-label callback summary
// ---------------------------------------------------------------------------

// CallbackStat summarises completed pending calls for one label. Times are
// in milliseconds.
type CallbackStat struct {
	Count   int     `json:"tot"`
	Min     int64   `json:"min"`
	Max     int64   `json:"max"`
	Avg     float64 `json:"avg"`
	Expired int     `json:"exp"`
}

type callbackStats map[string]*CallbackStat

func (m callbackStats) record(label string, elapsed time.Duration, expired bool) {
	ms := elapsed.Milliseconds()
	st, ok := m[label]
	if !ok {
		st = &CallbackStat{Min: math.MaxInt64}
		m[label] = st
	}
	st.Avg = (st.Avg*float64(st.Count) + float64(ms)) / float64(st.Count+1)
	st.Count++
	st.Min = min(st.Min, ms)
	st.Max = max(st.Max, ms)
	if expired {
		st.Expired++
	}
	CallbackLatency.WithLabelValues(label).Observe(elapsed.Seconds())
}

func (m callbackStats) snapshot() map[string]CallbackStat {
	out := make(map[string]CallbackStat, len(m))
	for k, st := range m {
		out[k] = *st
	}
	return out
}
