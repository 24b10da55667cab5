// Package throughput derives a point-in-time transfer speed from the most
// recent chunk arrivals of an upload.
package throughput

import (
	"fmt"
	"time"
)

// DefaultWindow is the number of trailing chunk positions used for an estimate.
const DefaultWindow = 3

const bytesPerMB = 1024 * 1024

// Sample is the size and receipt time of one stored chunk.
type Sample struct {
	Size int64
	At   time.Time
}

// Estimate is an instantaneous speed reading. It is never persisted.
type Estimate struct {
	WindowBytes    int64
	Elapsed        time.Duration
	BytesPerSecond float64
}

// MBps returns the speed in MB/s.
func (e Estimate) MBps() float64 {
	return e.BytesPerSecond / bytesPerMB
}

// String formats the speed for display with two decimals.
func (e Estimate) String() string {
	return fmt.Sprintf("%.2f", e.MBps())
}

// Compute estimates the speed at chunk index current over the window of
// positions [current-window+1, current]. The window start time falls back to
// sessionStart when that index has not arrived.
func Compute(samples map[int]Sample, current, window int, sessionStart, now time.Time) Estimate {
	if window < 1 {
		window = DefaultWindow
	}
	start := current - window + 1
	if start < 0 {
		start = 0
	}

	from := sessionStart
	if s, ok := samples[start]; ok {
		from = s.At
	}

	var est Estimate
	for idx := start; idx <= current; idx++ {
		if s, ok := samples[idx]; ok {
			est.WindowBytes += s.Size
		}
	}
	est.Elapsed = now.Sub(from)
	if est.Elapsed <= 0 {
		return est
	}
	est.BytesPerSecond = float64(est.WindowBytes) / est.Elapsed.Seconds()
	return est
}
