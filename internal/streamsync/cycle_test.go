package streamsync

import (
	"testing"
	"time"
)

func TestCycleCalculator_BytesPerPull(t *testing.T) {
	calc := NewCycleCalculator(1500) // efficient payload: 1476 bytes

	// 16-bit stereo: 8 wire bytes per frame, 1476/8 = 184 frames.
	f16 := Format{SampleRate: 44100, BitDepth: 16, Channels: 2}
	if got := calc.BytesPerPull(f16); got != 184*8 {
		t.Errorf("16bit/2ch: expected %d bytes per pull, got %d", 184*8, got)
	}

	// 24-bit stereo: 6 wire bytes per frame, 1476/6 = 246 frames.
	f24 := Format{SampleRate: 192000, BitDepth: 24, Channels: 2}
	if got := calc.BytesPerPull(f24); got != 246*6 {
		t.Errorf("24bit/2ch: expected %d bytes per pull, got %d", 246*6, got)
	}

	// Always frame aligned.
	for _, f := range []Format{f16, f24} {
		if calc.BytesPerPull(f)%f.WireBytesPerFrame() != 0 {
			t.Errorf("%v: bytes per pull not frame aligned", f)
		}
	}
}

func TestCycleCalculator_NeverBelowOneFrame(t *testing.T) {
	calc := NewCycleCalculator(130) // tiny MTU, 106 efficient bytes

	// 32-bit 32-channel frames are 128 bytes, larger than the payload.
	f := Format{SampleRate: 48000, BitDepth: 32, Channels: 32}
	if got := calc.BytesPerPull(f); got != f.WireBytesPerFrame() {
		t.Errorf("Expected one-frame floor %d, got %d", f.WireBytesPerFrame(), got)
	}
}

func TestNewCycleCalculator_DefaultsMTU(t *testing.T) {
	for _, mtu := range []int{0, -1, 24} {
		calc := NewCycleCalculator(mtu)
		if calc.mtu != 1500 {
			t.Errorf("NewCycleCalculator(%d): expected MTU fallback 1500, got %d", mtu, calc.mtu)
		}
	}
}

func TestCycleCalculator_CycleTime(t *testing.T) {
	calc := NewCycleCalculator(1500)

	// 44.1kHz/16bit/2ch: 352800 wire bytes/s, 1472 bytes per pull,
	// one pull lasts about 4.17ms.
	f := Format{SampleRate: 44100, BitDepth: 16, Channels: 2}
	cycle := calc.CycleTime(f)
	if cycle < 4*time.Millisecond || cycle > 5*time.Millisecond {
		t.Errorf("Expected cycle near 4.2ms, got %v", cycle)
	}

	// Higher data rates pull more often.
	hi := Format{SampleRate: 384000, BitDepth: 32, Channels: 2}
	if calc.CycleTime(hi) >= cycle {
		t.Errorf("Expected shorter cycle at higher rate, got %v vs %v", calc.CycleTime(hi), cycle)
	}
}

func TestCycleCalculator_CycleTimeClamped(t *testing.T) {
	calc := NewCycleCalculator(1500)

	// Very slow format: one pull lasts far over the ceiling.
	slow := Format{SampleRate: 8000, BitDepth: 8, Channels: 1}
	if got := calc.CycleTime(slow); got != maxCycleTime {
		t.Errorf("Expected clamp to %v, got %v", maxCycleTime, got)
	}

	// Zero-rate degenerate input falls back to the ceiling too.
	if got := calc.CycleTime(Format{}); got != maxCycleTime {
		t.Errorf("Expected %v for zero format, got %v", maxCycleTime, got)
	}
}
