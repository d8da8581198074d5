package streamsync

import "time"

// Per-packet protocol overhead subtracted from the MTU when sizing a
// pull, and the clamp applied to the derived cycle time.
const (
	cycleOverheadBytes = 24
	minCycleTime       = 100 * time.Microsecond
	maxCycleTime       = 50 * time.Millisecond
)

// CycleCalculator derives the per-pull byte count and the consumer's
// pull cadence from the transport MTU. The hardware protocol pulls one
// packet's worth of audio per cycle, so the cycle time is however long
// that many bytes last at the format's data rate.
type CycleCalculator struct {
	mtu          int
	efficientMTU int
}

// NewCycleCalculator returns a calculator for the given MTU; 0 selects
// the conventional Ethernet MTU of 1500.
func NewCycleCalculator(mtu int) *CycleCalculator {
	if mtu <= cycleOverheadBytes {
		mtu = 1500
	}
	return &CycleCalculator{mtu: mtu, efficientMTU: mtu - cycleOverheadBytes}
}

// BytesPerPull returns the payload size of one pull for the format:
// the efficient MTU rounded down to a whole frame, never less than one
// frame.
func (c *CycleCalculator) BytesPerPull(f Format) int {
	frame := f.WireBytesPerFrame()
	n := c.efficientMTU / frame * frame
	if n < frame {
		n = frame
	}
	return n
}

// CycleTime returns how long one pull's payload lasts at the format's
// data rate, clamped to [100µs, 50ms].
func (c *CycleCalculator) CycleTime(f Format) time.Duration {
	bps := f.WireBytesPerSecond()
	if bps <= 0 {
		return maxCycleTime
	}
	cycle := time.Duration(float64(c.BytesPerPull(f)) / float64(bps) * float64(time.Second))
	if cycle < minCycleTime {
		return minCycleTime
	}
	if cycle > maxCycleTime {
		return maxCycleTime
	}
	return cycle
}
