package metrics

import (
	"fmt"
	"time"
)

var throughputUnits = [...]string{"B/s", "KB/s", "MB/s", "GB/s", "TB/s", "PB/s"}

// FormatThroughput renders a bytes-per-second rate using the same
// decimal (1000x) step table the historical implementation used, e.g.
// "4.21 MB/s".
func FormatThroughput(bytesPerSecond float64) string {
	rate := bytesPerSecond
	unit := 0
	for rate >= 1000 && unit < len(throughputUnits)-1 {
		rate /= 1000
		unit++
	}
	return fmt.Sprintf("%.2f %s", rate, throughputUnits[unit])
}

// RunSummary is the set of derived figures reported at the end of a
// backup or restore run.
type RunSummary struct {
	BytesTotal      int64
	Duration        time.Duration
	ThroughputBytes float64
	Throughput      string
}

// CalculateMetrics derives a RunSummary from the total bytes moved and the
// wall-clock time the run took. A zero or negative duration yields a zero
// throughput rather than dividing by zero.
func CalculateMetrics(bytesTotal int64, duration time.Duration) RunSummary {
	seconds := duration.Seconds()
	var rate float64
	if seconds > 0 {
		rate = float64(bytesTotal) / seconds
	}
	return RunSummary{
		BytesTotal:      bytesTotal,
		Duration:        duration,
		ThroughputBytes: rate,
		Throughput:      FormatThroughput(rate),
	}
}
