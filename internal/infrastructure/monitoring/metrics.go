package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Transaction metrics
	TransactionsTotal   *prometheus.CounterVec
	TransactionDuration *prometheus.HistogramVec

	// Node metrics
	NodesLive      prometheus.Gauge
	NodesTotal     prometheus.Counter
	DeathsReported prometheus.Counter

	// Remote session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	FramesDropped  *prometheus.CounterVec

	// HTTP metrics for the metrics listener itself
	HTTPRequests *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON stats endpoint.
type Snapshot struct {
	Transactions   int64   `json:"transactions"`
	Failures       int64   `json:"failures"`
	LiveNodes      int64   `json:"live_nodes"`
	Deaths         int64   `json:"deaths"`
	ActiveSessions int64   `json:"active_sessions"`
	DroppedFrames  int64   `json:"dropped_frames"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	UptimeSeconds  float64 `json:"uptime_seconds"`

	totalDuration time.Duration
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),

		TransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binder_transactions_total",
				Help: "Transactions dispatched to local objects",
			},
			[]string{"interface", "status"},
		),
		TransactionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "binder_transaction_duration_seconds",
				Help:    "Time spent in transaction handlers",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
			},
			[]string{"interface"},
		),

		NodesLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "binder_nodes_live",
				Help: "Local objects with outstanding strong references",
			},
		),
		NodesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "binder_nodes_created_total",
				Help: "Local objects created",
			},
		),
		DeathsReported: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "binder_death_notifications_total",
				Help: "Death notifications delivered to recipients",
			},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "binder_remote_sessions_active",
				Help: "Open remote sessions",
			},
		),
		SessionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "binder_remote_sessions_total",
				Help: "Remote sessions established",
			},
		),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binder_remote_frames_dropped_total",
				Help: "Inbound frames rejected before dispatch",
			},
			[]string{"reason"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binder_http_requests_total",
				Help: "Requests served by the metrics listener",
			},
			[]string{"path", "status"},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "binder_uptime_seconds",
				Help: "Daemon uptime in seconds",
			},
		),
	}
	return m
}

// Run updates the uptime gauge until ctx is done.
func (m *Metrics) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Uptime.Set(time.Since(m.startTime).Seconds())
		}
	}
}

// ObserveTransaction records one dispatched transaction.
func (m *Metrics) ObserveTransaction(iface string, _ uint32, outcome status.Code, elapsed time.Duration) {
	m.TransactionsTotal.WithLabelValues(iface, outcome.String()).Inc()
	m.TransactionDuration.WithLabelValues(iface).Observe(elapsed.Seconds())

	m.mu.Lock()
	m.snapshot.Transactions++
	m.snapshot.totalDuration += elapsed
	if outcome != status.Ok {
		m.snapshot.Failures++
	}
	m.mu.Unlock()
}

func (m *Metrics) NodeCreated() {
	m.NodesLive.Inc()
	m.NodesTotal.Inc()
	m.adjust(func(s *Snapshot) { s.LiveNodes++ })
}

func (m *Metrics) NodeDestroyed() {
	m.NodesLive.Dec()
	m.adjust(func(s *Snapshot) { s.LiveNodes-- })
}

func (m *Metrics) DeathDelivered() {
	m.DeathsReported.Inc()
	m.adjust(func(s *Snapshot) { s.Deaths++ })
}

func (m *Metrics) SessionOpened() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
	m.adjust(func(s *Snapshot) { s.ActiveSessions++ })
}

func (m *Metrics) SessionClosed() {
	m.SessionsActive.Dec()
	m.adjust(func(s *Snapshot) { s.ActiveSessions-- })
}

// FrameDropped records an inbound frame rejected for reason.
func (m *Metrics) FrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
	m.adjust(func(s *Snapshot) { s.DroppedFrames++ })
}

func (m *Metrics) adjust(fn func(*Snapshot)) {
	m.mu.Lock()
	fn(&m.snapshot)
	m.mu.Unlock()
}

// Snapshot returns a copy of the current values.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	if s.Transactions > 0 {
		s.AvgLatencyMs = float64(s.totalDuration.Microseconds()) / 1000 / float64(s.Transactions)
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
