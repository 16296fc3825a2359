package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// OperationStats summarizes the recent latencies of one operation and outcome.
// Count is lifetime; the percentiles cover only the last WindowSize samples.
type OperationStats struct {
	Operation   string  `json:"operation"`
	Outcome     string  `json:"outcome"`
	Count       int64   `json:"count"`
	Samples     int     `json:"samples"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

type OperationSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Operations  []OperationStats `json:"operations"`
}

type seriesKey struct {
	op      string
	outcome string
}

// series keeps the newest samples in a ring that grows up to its capacity.
type series struct {
	ring  []float64
	pos   int
	count int64
}

func (s *series) add(ms float64, size int) {
	s.count++
	if len(s.ring) < size {
		s.ring = append(s.ring, ms)
		return
	}
	s.ring[s.pos] = ms
	s.pos = (s.pos + 1) % size
}

// operationWindow tracks latencies per (operation, outcome), so a slow
// conflict path does not hide inside the success percentiles.
type operationWindow struct {
	mu     sync.Mutex
	size   int
	series map[seriesKey]*series
}

func newOperationWindow(size int) *operationWindow {
	if size <= 0 {
		size = 256
	}
	return &operationWindow{size: size, series: make(map[seriesKey]*series)}
}

func (w *operationWindow) Observe(op, outcome string, ms float64) {
	op, outcome = strings.TrimSpace(op), strings.TrimSpace(outcome)
	if op == "" || outcome == "" || ms < 0 {
		return
	}
	key := seriesKey{op: op, outcome: outcome}

	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.series[key]
	if !ok {
		s = &series{ring: make([]float64, 0, w.size)}
		w.series[key] = s
	}
	s.add(ms, w.size)
}

// Snapshot orders entries by operation, then outcome.
func (w *operationWindow) Snapshot(now time.Time) OperationSnapshot {
	w.mu.Lock()
	keys := lo.Keys(w.series)
	samples := make(map[seriesKey][]float64, len(keys))
	counts := make(map[seriesKey]int64, len(keys))
	for _, k := range keys {
		samples[k] = slices.Clone(w.series[k].ring)
		counts[k] = w.series[k].count
	}
	w.mu.Unlock()

	slices.SortFunc(keys, func(a, b seriesKey) int {
		if c := strings.Compare(a.op, b.op); c != 0 {
			return c
		}
		return strings.Compare(a.outcome, b.outcome)
	})

	stats := lo.Map(keys, func(k seriesKey, _ int) OperationStats {
		values := samples[k]
		slices.Sort(values)
		st := OperationStats{
			Operation: k.op,
			Outcome:   k.outcome,
			Count:     counts[k],
			Samples:   len(values),
			P50MS:     nearestRank(values, 0.50),
			P95MS:     nearestRank(values, 0.95),
			P99MS:     nearestRank(values, 0.99),
			MaxMS:     nearestRank(values, 1),
		}
		if k.outcome == "ok" {
			st.TargetP95MS = operationTargetP95MS(k.op)
			st.OverTarget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
		}
		return st
	})

	return OperationSnapshot{
		GeneratedAt: now.UTC(),
		WindowSize:  w.size,
		Operations:  stats,
	}
}

// nearestRank expects sorted input and returns a value that was observed.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return math.Round(sorted[rank-1]*100) / 100
}

// operationTargetP95MS is the latency objective for successful calls.
func operationTargetP95MS(op string) float64 {
	switch op {
	case "get":
		return 50
	case "create", "update", "delete":
		return 100
	case "search":
		return 150
	default:
		return 0
	}
}
