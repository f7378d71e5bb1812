package livetail

import "github.com/VividCortex/ewma"

// Stats - Running statistics over every accepted entry
//
// Counts are cumulative: evictions and Clear do not change them.
type Stats struct {
	elapsed  ewma.MovingAverage
	total    uint64
	byStatus map[string]uint64
}

type StatsSnapshot struct {
	Total        uint64            `json:"total"`
	AvgElapsedMs float64           `json:"avg_elapsed_ms"`
	ByStatus     map[string]uint64 `json:"by_status"`
}

func newStats() *Stats {
	return &Stats{
		elapsed:  ewma.NewMovingAverage(),
		byStatus: make(map[string]uint64),
	}
}

func (stats *Stats) observe(event *StreamEvent) {
	stats.total++
	stats.byStatus[event.Status]++
	if event.ElapsedMs != nil {
		stats.elapsed.Add(float64(*event.ElapsedMs))
	}
}

func (stats *Stats) snapshot() StatsSnapshot {
	byStatus := make(map[string]uint64, len(stats.byStatus))
	for status, count := range stats.byStatus {
		byStatus[status] = count
	}
	return StatsSnapshot{
		Total:        stats.total,
		AvgElapsedMs: stats.elapsed.Value(),
		ByStatus:     byStatus,
	}
}
