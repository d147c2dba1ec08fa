// Package repetition implements C4: the Repetition Monitor. It rejects a
// tool call that repeats identically (same name, same arguments) beyond a
// configured threshold within a session, so a model stuck in a retry loop
// doesn't burn the whole turn cap on one tool.
package repetition

import (
	"container/ring"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
)

// DefaultMaxRepetitions is how many identical calls are allowed before
// the monitor starts rejecting them.
const DefaultMaxRepetitions = 3

// DefaultWindow bounds how many recent calls are remembered. A call that
// scrolled out of the window no longer counts toward the threshold, which
// keeps memory bounded without an unbounded map.
const DefaultWindow = 100

// Stats reports the monitor's current state for diagnostics.
type Stats struct {
	TrackedCalls int
	Rejections   int
}

// Monitor tracks recent tool calls; safe for concurrent use.
type Monitor struct {
	mu             sync.Mutex
	maxRepetitions int
	window         *ring.Ring
	counts         map[string]int
	rejections     int
}

// New constructs a Monitor. maxRepetitions <= 0 falls back to
// DefaultMaxRepetitions; window <= 0 falls back to DefaultWindow.
func New(maxRepetitions, window int) *Monitor {
	if maxRepetitions <= 0 {
		maxRepetitions = DefaultMaxRepetitions
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Monitor{
		maxRepetitions: maxRepetitions,
		window:         ring.New(window),
		counts:         make(map[string]int),
	}
}

// fingerprint hashes (name, arguments) into a stable key, independent of
// map key iteration order.
func fingerprint(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]any, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	raw, _ := json.Marshal(struct {
		Name string
		Args map[string]any
	}{Name: name, Args: ordered})

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Check records one (name, arguments) call and reports whether it should
// be allowed to dispatch. A rejected call is still recorded, so a model
// that keeps retrying continues to be rejected rather than resetting the
// count.
func (m *Monitor) Check(name string, args map[string]any) bool {
	key := fingerprint(name, args)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts[key]++
	if m.counts[key] > m.maxRepetitions {
		m.rejections++
		return false
	}

	// Evict the oldest tracked key once the ring wraps, so the map stays
	// bounded by window size rather than growing with distinct calls
	// forever.
	if evicted, ok := m.window.Value.(string); ok {
		m.counts[evicted]--
		if m.counts[evicted] <= 0 {
			delete(m.counts, evicted)
		}
	}
	m.window.Value = key
	m.window = m.window.Next()

	return true
}

// Reset clears all tracked state, matching a session reset.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = make(map[string]int)
	m.window = ring.New(m.window.Len())
	m.rejections = 0
}

// Stats reports tracked-call and rejection counts.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, c := range m.counts {
		total += c
	}
	return Stats{TrackedCalls: total, Rejections: m.rejections}
}
