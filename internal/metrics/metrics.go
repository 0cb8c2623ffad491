package metrics

import (
	"sort"
	"sync"
)

// Event counter names.
const (
	WSRobotConnected = "ws_robot_connected"
	WSUserConnected  = "ws_user_connected"

	AuthSuccess = "auth_success"
	AuthFailure = "auth_failure"

	RelayForwarded = "relay_forwarded"
	RelayDenied    = "relay_denied"

	DispatchError = "dispatch_error"
	RateLimited   = "rate_limited"

	StatusBroadcast          = "status_broadcast"
	StatusEventPublishFailed = "status_event_publish_failed"
)

// Metrics is a small concurrency-safe registry of monotonically increasing
// counters plus gauges sampled at scrape time.
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]func() int64
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]func() int64),
	}
}

// Inc and Add are no-ops on a nil receiver so optional metrics can be left
// unset in tests.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// Gauge registers fn to be sampled under name on every scrape. Registering
// the same name again replaces the previous function.
func (m *Metrics) Gauge(name string, fn func() int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] = fn
	m.mu.Unlock()
}

// Gauges samples every registered gauge.
func (m *Metrics) Gauges() map[string]int64 {
	m.mu.Lock()
	fns := make(map[string]func() int64, len(m.gauges))
	for k, fn := range m.gauges {
		fns[k] = fn
	}
	m.mu.Unlock()

	out := make(map[string]int64, len(fns))
	for k, fn := range fns {
		out[k] = fn()
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
