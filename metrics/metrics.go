package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/KanavDutta/ratefence/limiter"
)

const namespace = "ratefence"

// Metrics tracks rate limiting statistics.
// It keeps in-process counters for the JSON snapshot and mirrors decisions
// into Prometheus collectors.
type Metrics struct {
	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	blockedRequests atomic.Int64
	storageErrors   atomic.Int64
	casRetryCount   atomic.Int64

	// Per-client stats
	mu          sync.RWMutex
	clientStats map[string]*ClientStats
	outcomes    map[string]map[limiter.Outcome]int64
	startTime   time.Time

	decisions       *prometheus.CounterVec
	consumeDuration *prometheus.HistogramVec
	casRetries      *prometheus.CounterVec
	storageFailures *prometheus.CounterVec
	requests        *prometheus.CounterVec
}

var _ limiter.Recorder = (*Metrics)(nil)

// ClientStats tracks statistics for a specific client
type ClientStats struct {
	ClientID        string    `json:"client_id"`
	TotalRequests   int64     `json:"total_requests"`
	AllowedRequests int64     `json:"allowed_requests"`
	BlockedRequests int64     `json:"blocked_requests"`
	LastRequestAt   time.Time `json:"last_request_at"`
	FirstRequestAt  time.Time `json:"first_request_at"`
}

// New creates a metrics tracker and registers its collectors with reg.
// A nil reg keeps the collectors unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		clientStats: make(map[string]*ClientStats),
		outcomes:    make(map[string]map[limiter.Outcome]int64),
		startTime:   time.Now(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Rate limit decisions by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		consumeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consume_duration_seconds",
			Help:      "Time spent deciding a single request, storage round trips included.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"strategy"}),
		casRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_retries_total",
			Help:      "Compare-and-swap attempts lost to concurrent writers.",
		}, []string{"strategy"}),
		storageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Storage failures handled by the failure policy.",
		}, []string{"strategy"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests seen by the HTTP surfaces.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(m.decisions, m.consumeDuration, m.casRetries, m.storageFailures, m.requests)
	}
	return m
}

// RecordRequest records a rate limit check for a client
func (m *Metrics) RecordRequest(clientID string, allowed bool) {
	m.totalRequests.Add(1)

	result := "blocked"
	if allowed {
		m.allowedRequests.Add(1)
		result = "allowed"
	} else {
		m.blockedRequests.Add(1)
	}
	m.requests.WithLabelValues(result).Inc()

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	stats, exists := m.clientStats[clientID]
	if !exists {
		stats = &ClientStats{
			ClientID:       clientID,
			FirstRequestAt: now,
		}
		m.clientStats[clientID] = stats
	}

	stats.TotalRequests++
	if allowed {
		stats.AllowedRequests++
	} else {
		stats.BlockedRequests++
	}
	stats.LastRequestAt = now
}

// ObserveDecision implements limiter.Recorder
func (m *Metrics) ObserveDecision(strategy string, outcome limiter.Outcome, elapsed time.Duration) {
	m.decisions.WithLabelValues(strategy, string(outcome)).Inc()
	m.consumeDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	byOutcome, ok := m.outcomes[strategy]
	if !ok {
		byOutcome = make(map[limiter.Outcome]int64)
		m.outcomes[strategy] = byOutcome
	}
	byOutcome[outcome]++
}

// ObserveRetries implements limiter.Recorder
func (m *Metrics) ObserveRetries(strategy string, retries int) {
	m.casRetryCount.Add(int64(retries))
	m.casRetries.WithLabelValues(strategy).Add(float64(retries))
}

// ObserveStorageError implements limiter.Recorder
func (m *Metrics) ObserveStorageError(strategy string) {
	m.storageErrors.Add(1)
	m.storageFailures.WithLabelValues(strategy).Inc()
}

// GetSnapshot returns a snapshot of current metrics
func (m *Metrics) GetSnapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Copy client stats
	topClients := make([]*ClientStats, 0, len(m.clientStats))
	for _, stats := range m.clientStats {
		copied := *stats
		topClients = append(topClients, &copied)
	}

	// Top 10 by total requests
	sort.Slice(topClients, func(i, j int) bool {
		if topClients[i].TotalRequests != topClients[j].TotalRequests {
			return topClients[i].TotalRequests > topClients[j].TotalRequests
		}
		return topClients[i].ClientID < topClients[j].ClientID
	})
	if len(topClients) > 10 {
		topClients = topClients[:10]
	}

	decisions := make(map[string]map[limiter.Outcome]int64, len(m.outcomes))
	for strategy, byOutcome := range m.outcomes {
		copied := make(map[limiter.Outcome]int64, len(byOutcome))
		for outcome, n := range byOutcome {
			copied[outcome] = n
		}
		decisions[strategy] = copied
	}

	return &Snapshot{
		TotalRequests:   m.totalRequests.Load(),
		AllowedRequests: m.allowedRequests.Load(),
		BlockedRequests: m.blockedRequests.Load(),
		StorageErrors:   m.storageErrors.Load(),
		CASRetries:      m.casRetryCount.Load(),
		Decisions:       decisions,
		UniqueClients:   int64(len(m.clientStats)),
		TopClients:      topClients,
		UptimeSeconds:   int64(time.Since(m.startTime).Seconds()),
		StartTime:       m.startTime,
	}
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	TotalRequests   int64          `json:"total_requests"`
	AllowedRequests int64          `json:"allowed_requests"`
	BlockedRequests int64          `json:"blocked_requests"`
	StorageErrors   int64          `json:"storage_errors"`
	CASRetries      int64          `json:"cas_retries"`

	// Decisions counts limiter outcomes per strategy
	Decisions map[string]map[limiter.Outcome]int64 `json:"decisions"`

	UniqueClients int64          `json:"unique_clients"`
	TopClients    []*ClientStats `json:"top_clients"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     time.Time      `json:"start_time"`
}
