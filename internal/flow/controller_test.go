package flow

import (
	"testing"
	"time"
)

// fakeSink scripts the sink's behavior per call: each entry in accepts
// is returned in order, then the sink accepts everything.
type fakeSink struct {
	accepts []int
	level   float64
	calls   []int
}

func (f *fakeSink) SendAudio(p []byte) int {
	f.calls = append(f.calls, len(p))
	if len(f.accepts) > 0 {
		n := f.accepts[0]
		f.accepts = f.accepts[1:]
		if n > len(p) {
			n = len(p)
		}
		return n
	}
	return len(p)
}

func (f *fakeSink) BufferLevel() float64 { return f.level }

// recordSleeps swaps the controller's sleep for a recorder so stall
// behavior is observable without real time passing.
func recordSleeps(c *Controller) *[]time.Duration {
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }
	return &slept
}

func TestNew_RetryBudget(t *testing.T) {
	c := New(DefaultConfig())
	// 20ms ceiling at 500µs per sleep.
	if c.MaxRetries() != 40 {
		t.Errorf("Expected 40 retries, got %d", c.MaxRetries())
	}

	c = New(Config{MicrosleepInterval: time.Millisecond, MaxWait: 5 * time.Millisecond})
	if c.MaxRetries() != 5 {
		t.Errorf("Expected 5 retries, got %d", c.MaxRetries())
	}
}

func TestSend_AllAccepted(t *testing.T) {
	c := New(DefaultConfig())
	slept := recordSleeps(c)
	sink := &fakeSink{level: 0.5}

	data := make([]byte, 10000)
	if n := c.Send(sink, data); n != len(data) {
		t.Errorf("Expected %d bytes sent, got %d", len(data), n)
	}
	if len(*slept) != 0 {
		t.Errorf("Expected no sleeps on a clean send, got %d", len(*slept))
	}
}

func TestSend_NormalModeStallIsBounded(t *testing.T) {
	c := New(DefaultConfig())
	slept := recordSleeps(c)

	// Sink never accepts; fill sits above the critical threshold.
	sink := &fakeSink{level: 0.5}
	sink.accepts = make([]int, 1000) // zeros

	n := c.Send(sink, make([]byte, 1024))
	if n != 0 {
		t.Errorf("Expected 0 bytes sent into a stuck sink, got %d", n)
	}

	// The cumulative stall is exactly MaxWait: MaxRetries sleeps of the
	// fixed interval, then give up.
	if len(*slept) != c.MaxRetries() {
		t.Fatalf("Expected %d sleeps, got %d", c.MaxRetries(), len(*slept))
	}
	var total time.Duration
	for _, d := range *slept {
		if d != 500*time.Microsecond {
			t.Errorf("Expected fixed 500µs microsleep, got %v", d)
		}
		total += d
	}
	if total != 20*time.Millisecond {
		t.Errorf("Expected 20ms cumulative stall, got %v", total)
	}
}

func TestSend_CriticalModeReturnsImmediately(t *testing.T) {
	c := New(DefaultConfig())
	slept := recordSleeps(c)

	// Sink rejects and the buffer is nearly empty: every microsecond
	// spent here steals refill time, so no sleeping at all.
	sink := &fakeSink{level: 0.05}
	sink.accepts = make([]int, 100)

	n := c.Send(sink, make([]byte, 1024))
	if n != 0 {
		t.Errorf("Expected 0 bytes sent, got %d", n)
	}
	if len(*slept) != 0 {
		t.Errorf("Expected zero sleeps in critical mode, got %d", len(*slept))
	}
}

func TestSend_ProgressResetsRetryBudget(t *testing.T) {
	c := New(Config{
		MicrosleepInterval: time.Millisecond,
		MaxWait:            3 * time.Millisecond, // budget: 3 consecutive failures
		CriticalLevel:      0.10,
		ChunkBytes:         1024,
	})
	slept := recordSleeps(c)

	// Two separate stalls of 2 failures each, split by progress. Neither
	// run exhausts the budget, so the whole payload goes through even
	// though total failures exceed it.
	sink := &fakeSink{level: 0.5, accepts: []int{0, 0, 512, 0, 0, 512}}

	n := c.Send(sink, make([]byte, 1024))
	if n != 1024 {
		t.Errorf("Expected full send across interleaved stalls, got %d", n)
	}
	if len(*slept) != 4 {
		t.Errorf("Expected 4 sleeps, got %d", len(*slept))
	}
}

func TestSend_Chunking(t *testing.T) {
	c := New(DefaultConfig())
	sink := &fakeSink{level: 0.5}

	data := make([]byte, 40000)
	if n := c.Send(sink, data); n != len(data) {
		t.Fatalf("Expected full send, got %d", n)
	}

	// 16KiB chunks: 16384 + 16384 + 7232.
	want := []int{16384, 16384, 7232}
	if len(sink.calls) != len(want) {
		t.Fatalf("Expected %d calls, got %d (%v)", len(want), len(sink.calls), sink.calls)
	}
	for i, w := range want {
		if sink.calls[i] != w {
			t.Errorf("Call %d: expected %d bytes, got %d", i, w, sink.calls[i])
		}
	}
}

func TestSend_GiveUpStopsLaterChunks(t *testing.T) {
	c := New(DefaultConfig())
	slept := recordSleeps(c)

	// First chunk goes through, then the sink jams for good.
	sink := &fakeSink{level: 0.5}
	sink.accepts = append([]int{16384}, make([]int, 1000)...)

	n := c.Send(sink, make([]byte, 48*1024))
	if n != 16384 {
		t.Errorf("Expected 16384 bytes before giving up, got %d", n)
	}
	// One exhausted budget; no retries spent on the remaining chunks.
	if len(*slept) != c.MaxRetries() {
		t.Errorf("Expected %d sleeps, got %d", c.MaxRetries(), len(*slept))
	}
}

func TestSend_AdaptiveChunkSizing(t *testing.T) {
	c := New(DefaultConfig()) // base chunk 16384
	sink := &fakeSink{level: 1.0}

	// A full buffer shrinks chunks to the 25% clamp: 4096-byte sends.
	if n := c.Send(sink, make([]byte, 8192)); n != 8192 {
		t.Fatalf("Expected full send, got %d", n)
	}
	want := []int{4096, 4096}
	if len(sink.calls) != len(want) {
		t.Fatalf("Expected %d calls, got %d (%v)", len(want), len(sink.calls), sink.calls)
	}
	for i, w := range want {
		if sink.calls[i] != w {
			t.Errorf("Call %d: expected %d bytes, got %d", i, w, sink.calls[i])
		}
	}

	// An empty buffer grows them toward the 150% clamp.
	empty := &fakeSink{level: 0.0}
	c.Send(empty, make([]byte, 30000))
	if empty.calls[0] != 24576 {
		t.Errorf("Expected 24576-byte first chunk at empty fill, got %d", empty.calls[0])
	}
}

func TestSetChunkBytes(t *testing.T) {
	c := New(DefaultConfig())

	c.SetChunkBytes(8192)
	if c.ChunkBytes() != 8192 {
		t.Errorf("Expected chunk size 8192, got %d", c.ChunkBytes())
	}

	// Non-positive sizes are ignored.
	c.SetChunkBytes(0)
	c.SetChunkBytes(-1)
	if c.ChunkBytes() != 8192 {
		t.Errorf("Expected chunk size unchanged, got %d", c.ChunkBytes())
	}
}

func TestAdaptiveChunkBytes(t *testing.T) {
	c := New(DefaultConfig()) // base chunk 16384

	cases := []struct {
		level float64
		want  int
	}{
		{0.50, 16384}, // on target
		{0.45, 16384}, // inside deadband
		{0.55, 16384},
		{0.70, 12288}, // fuller buffer, smaller chunks
		{1.00, 4096},  // clamped at 25%
		{0.30, 18432}, // emptier buffer, larger chunks
		{0.00, 24576}, // clamped at 150%
	}

	for _, tc := range cases {
		if got := c.AdaptiveChunkBytes(tc.level); got != tc.want {
			t.Errorf("Level %.2f: expected %d, got %d", tc.level, tc.want, got)
		}
	}
}

func TestChunkFrames(t *testing.T) {
	cases := []struct {
		rate int
		want int
	}{
		{44100, 2048},
		{48000, 2048},
		{96000, 4096},
		{192000, 8192},
		{384000, 8192},
	}
	for _, tc := range cases {
		if got := ChunkFrames(tc.rate); got != tc.want {
			t.Errorf("ChunkFrames(%d): expected %d, got %d", tc.rate, tc.want, got)
		}
	}
}

func TestNew_ZeroConfigFallsBack(t *testing.T) {
	c := New(Config{})
	def := DefaultConfig()
	if c.cfg.MicrosleepInterval != def.MicrosleepInterval {
		t.Errorf("Expected default interval %v, got %v", def.MicrosleepInterval, c.cfg.MicrosleepInterval)
	}
	if c.cfg.ChunkBytes != def.ChunkBytes {
		t.Errorf("Expected default chunk %d, got %d", def.ChunkBytes, c.cfg.ChunkBytes)
	}
}
