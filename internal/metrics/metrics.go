package metrics

import (
	"sort"
	"sync"
	"time"
)

type Metrics struct {
	mutex         sync.RWMutex
	accepted      map[string]int64
	queued        map[string]int64
	rejected      map[string]int64
	dropped       map[string]int64
	rejectReasons map[string]map[string]int64
	deliveryTimes map[string][]time.Duration
	retirements   map[string]int64
	breakerStates map[string]string
	transitions   int64
	drains        int64
	drainSent     int64
	drainRequeued int64
	degradations  map[string]int64
	startTime     time.Time
}

type Snapshot struct {
	TotalDeliveries     int64                    `json:"total_deliveries"`
	Uptime              time.Duration            `json:"uptime"`
	Origins             map[string]OriginMetrics `json:"origins"`
	Breakers            map[string]string        `json:"breakers"`
	BreakerTransitions  int64                    `json:"breaker_transitions"`
	Drains              DrainMetrics             `json:"drains"`
	StorageDegradations map[string]int64         `json:"storage_degradations"`
	TrackedConnections  map[string]int           `json:"tracked_connections,omitempty"`
}

type OriginMetrics struct {
	Accepted      int64            `json:"accepted"`
	Queued        int64            `json:"queued"`
	Rejected      int64            `json:"rejected"`
	Dropped       int64            `json:"dropped"`
	Retired       int64            `json:"retired"`
	RejectReasons map[string]int64 `json:"reject_reasons,omitempty"`
	AvgDelivery   time.Duration    `json:"avg_delivery"`
	P50Delivery   time.Duration    `json:"p50_delivery"`
	P95Delivery   time.Duration    `json:"p95_delivery"`
	P99Delivery   time.Duration    `json:"p99_delivery"`
}

type DrainMetrics struct {
	Runs      int64 `json:"runs"`
	Delivered int64 `json:"delivered"`
	Requeued  int64 `json:"requeued"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		accepted:      make(map[string]int64),
		queued:        make(map[string]int64),
		rejected:      make(map[string]int64),
		dropped:       make(map[string]int64),
		rejectReasons: make(map[string]map[string]int64),
		deliveryTimes: make(map[string][]time.Duration),
		retirements:   make(map[string]int64),
		breakerStates: make(map[string]string),
		degradations:  make(map[string]int64),
		startTime:     time.Now(),
	}
}

func (m *Metrics) RecordAccepted(origin string, duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.accepted[origin]++
	m.deliveryTimes[origin] = append(m.deliveryTimes[origin], duration)

	if len(m.deliveryTimes[origin]) > 1000 {
		m.deliveryTimes[origin] = m.deliveryTimes[origin][1:]
	}
}

func (m *Metrics) RecordQueued(origin string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.queued[origin]++
}

func (m *Metrics) RecordRejected(origin, reason string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.rejected[origin]++

	if m.rejectReasons[origin] == nil {
		m.rejectReasons[origin] = make(map[string]int64)
	}
	m.rejectReasons[origin][reason]++
}

func (m *Metrics) RecordDropped(origin, reason string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.dropped[origin]++
}

func (m *Metrics) RecordBreakerState(name, state string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.breakerStates[name] = state
	m.transitions++
}

func (m *Metrics) RecordDrain(delivered, requeued int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.drains++
	m.drainSent += int64(delivered)
	m.drainRequeued += int64(requeued)
}

func (m *Metrics) RecordStorageDegradation(tier string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.degradations[tier]++
}

func (m *Metrics) RecordRetirement(origin string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.retirements[origin]++
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:              time.Since(m.startTime),
		Origins:             make(map[string]OriginMetrics),
		Breakers:            make(map[string]string),
		BreakerTransitions:  m.transitions,
		StorageDegradations: make(map[string]int64),
		Drains: DrainMetrics{
			Runs:      m.drains,
			Delivered: m.drainSent,
			Requeued:  m.drainRequeued,
		},
	}

	for name, state := range m.breakerStates {
		snap.Breakers[name] = state
	}
	for tier, n := range m.degradations {
		snap.StorageDegradations[tier] = n
	}

	// Collect every origin seen by any counter
	allOrigins := make(map[string]bool)
	for origin := range m.accepted {
		allOrigins[origin] = true
	}
	for origin := range m.queued {
		allOrigins[origin] = true
	}
	for origin := range m.rejected {
		allOrigins[origin] = true
	}
	for origin := range m.dropped {
		allOrigins[origin] = true
	}
	for origin := range m.retirements {
		allOrigins[origin] = true
	}

	for origin := range allOrigins {
		snap.TotalDeliveries += m.accepted[origin]

		om := OriginMetrics{
			Accepted:      m.accepted[origin],
			Queued:        m.queued[origin],
			Rejected:      m.rejected[origin],
			Dropped:       m.dropped[origin],
			Retired:       m.retirements[origin],
			RejectReasons: m.rejectReasons[origin],
		}

		durations := m.deliveryTimes[origin]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			om.AvgDelivery = average(sorted)
			om.P50Delivery = percentile(sorted, 0.50)
			om.P95Delivery = percentile(sorted, 0.95)
			om.P99Delivery = percentile(sorted, 0.99)
		}

		snap.Origins[origin] = om
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
