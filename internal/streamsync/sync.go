// Package streamsync brokers concurrent access to the audio ring
// buffer between the decode/resample producer and the hardware-driven
// pull consumer. The pull path never blocks, never allocates and never
// performs I/O; every lifecycle operation that could invalidate memory
// the consumer is still reading is gated behind a bounded drain wait.
package streamsync

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/audiostreamhq/pcm-renderer/internal/observability"
	"github.com/audiostreamhq/pcm-renderer/internal/pcm"
	"github.com/audiostreamhq/pcm-renderer/internal/ring"
)

var (
	// ErrNotConfigured is returned by playback operations before any
	// format has been configured.
	ErrNotConfigured = errors.New("streamsync: no format configured")

	// ErrDrainTimeout means a buffer-destructive operation could not
	// confirm the consumer released its zero-copy grant within the
	// drain timeout. The caller must abort rather than touch memory
	// the consumer may still be reading.
	ErrDrainTimeout = errors.New("streamsync: zero-copy grant not released in time")
)

// Config tunes buffer sizing, prefill and drain behavior. The numeric
// values are format-dependent in practice, so they are configuration
// rather than constants.
type Config struct {
	BufferSeconds    float64       // ring capacity in seconds of audio
	MinBufferBytes   int           // capacity floor
	MaxBufferBytes   int           // capacity ceiling
	PrefillMs        int           // prefill before playback may start
	LowRatePrefillMs int           // longer prefill for <=48kHz formats
	MinPrefillBytes  int           // prefill floor
	MTU              int           // transport MTU driving per-pull sizing
	DrainTimeout     time.Duration // bound on every quiesce wait
	StagingBytes     int           // producer-side conversion scratch
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		BufferSeconds:    1.0,
		MinBufferBytes:   3_072_000,
		MaxBufferBytes:   16_777_216,
		PrefillMs:        50,
		LowRatePrefillMs: 100,
		MinPrefillBytes:  1024,
		MTU:              1500,
		DrainTimeout:     500 * time.Millisecond,
		StagingBytes:     64 * 1024,
	}
}

// Pull is the fixed-shape response record consumed by the hardware
// protocol driver. Data aliases either the ring (zero-copy grant) or
// the pre-allocated silence buffer; in both cases it remains valid and
// unmutated until the next PullStream call, after which it may be
// overwritten. The consumer must finish with the region before pulling
// again; that ordering is the protocol, not a synchronization barrier.
type Pull struct {
	Data    []byte
	N       int
	Silence bool
}

type convMode int32

const (
	convDirect convMode = iota
	convPack24
	convWiden16
)

// Sync owns one ring buffer plus the reconfiguration and grant state
// around it.
//
// Field ownership: pending, the read cursor and the consumer-side
// counters are mutated only via PullStream (single logical reader);
// the write cursor and staging only via SendAudio (single producer).
// ring and staging are replaced only while reconfiguring is set and
// users has drained to zero, so steady-state access needs no lock.
// silence is different: pulls keep entering the silence path while a
// reconfiguration is in progress, so it is swapped by atomic pointer
// rather than drained. mu serializes lifecycle operations against each
// other and is never taken on the pull path.
type Sync struct {
	cfg  Config
	log  zerolog.Logger
	calc *CycleCalculator

	mu sync.Mutex

	ring    *ring.Ring
	staging []byte
	format  Format // guarded by mu

	// silence backs every gap pull, including the ones served during a
	// reconfiguration. Readers load the pointer once and may see the
	// previous format's buffer for one pull; both buffers stay valid.
	silence atomic.Pointer[[]byte]

	// pending is the deferred-advance marker: bytes granted to the
	// consumer by the previous pull, retired at the start of the next
	// pull or by a lifecycle drain wait. At most one grant is ever
	// outstanding.
	pending       atomic.Int64
	reconfiguring atomic.Bool
	users         atomic.Int32

	opened        atomic.Bool
	playing       atomic.Bool
	paused        atomic.Bool
	stopRequested atomic.Bool
	prefilled     atomic.Bool

	bytesPerPull  atomic.Int64
	cycleTime     atomic.Int64 // nanoseconds
	prefillTarget atomic.Int64
	mode          atomic.Int32
	s24Mode       atomic.Int32

	underruns atomic.Uint32
	wrapSkips atomic.Uint32
	pulls     atomic.Uint64
	bytesOut  atomic.Uint64
}

// New creates an unconfigured Sync. Configure must succeed before any
// playback operation.
func New(cfg Config) *Sync {
	def := DefaultConfig()
	if cfg.BufferSeconds <= 0 {
		cfg.BufferSeconds = def.BufferSeconds
	}
	if cfg.MinBufferBytes <= 0 {
		cfg.MinBufferBytes = def.MinBufferBytes
	}
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = def.MaxBufferBytes
	}
	if cfg.MinPrefillBytes <= 0 {
		cfg.MinPrefillBytes = def.MinPrefillBytes
	}
	if cfg.PrefillMs <= 0 {
		cfg.PrefillMs = def.PrefillMs
	}
	if cfg.LowRatePrefillMs <= 0 {
		cfg.LowRatePrefillMs = def.LowRatePrefillMs
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.StagingBytes <= 0 {
		cfg.StagingBytes = def.StagingBytes
	}

	return &Sync{
		cfg:  cfg,
		log:  observability.ComponentLogger("streamsync"),
		calc: NewCycleCalculator(cfg.MTU),
	}
}

//=============================================================================
// Pull contract (consumer side)
//=============================================================================

// PullStream serves one pull from the hardware-driven consumer. It
// never blocks, never allocates and never logs. Returns false once the
// stream is closed, telling the consumer loop to stop.
//
// Order matters: the previous grant is retired before anything else,
// including the transient early-exit checks, so a lifecycle drain wait
// always completes after at most one more pull.
func (s *Sync) PullStream(p *Pull) bool {
	s.users.Add(1)
	defer s.users.Add(-1)

	if prev := s.pending.Swap(0); prev > 0 {
		s.ring.AdvanceRead(int(prev))
	}

	if !s.opened.Load() {
		return false
	}

	s.pulls.Add(1)
	need := int(s.bytesPerPull.Load())

	if s.reconfiguring.Load() || s.stopRequested.Load() || s.paused.Load() ||
		!s.playing.Load() || !s.prefilled.Load() {
		s.fillSilence(p, need)
		return true
	}

	if s.ring.Available() < need {
		// True underrun: count it, leave the read cursor where it is.
		s.underruns.Add(1)
		s.fillSilence(p, need)
		return true
	}

	region, err := s.ring.DirectReadRegion(need)
	if err != nil {
		// Data exists but straddles the ring boundary. Skip the read
		// cursor past the wrap and play one pull of silence; at these
		// buffer sizes a wrap costs at most one inaudible buffer,
		// against no copy-and-stitch on the hot path.
		s.ring.AdvanceRead(need)
		s.wrapSkips.Add(1)
		s.fillSilence(p, need)
		return true
	}

	p.Data = region[:need]
	p.N = need
	p.Silence = false
	s.bytesOut.Add(uint64(need))
	// The grant is on loan until the next pull retires it.
	s.pending.Store(int64(need))
	return true
}

func (s *Sync) fillSilence(p *Pull, need int) {
	buf := *s.silence.Load()
	if need > len(buf) {
		need = len(buf)
	}
	p.Data = buf[:need]
	p.N = need
	p.Silence = true
}

//=============================================================================
// Producer boundary
//=============================================================================

// SendAudio accepts decoded audio from the producer and returns how
// many input bytes were consumed this call. Partial accepts are normal
// when the ring is near full; the flow controller decides how to retry.
// Non-blocking.
func (s *Sync) SendAudio(data []byte) int {
	s.users.Add(1)
	defer s.users.Add(-1)

	if !s.opened.Load() || s.reconfiguring.Load() || s.stopRequested.Load() {
		return 0
	}
	if len(data) == 0 {
		return 0
	}

	var consumed int
	switch convMode(s.mode.Load()) {
	case convPack24:
		consumed = s.pushPack24(data)
	case convWiden16:
		consumed = s.pushWiden16(data)
	default:
		consumed = s.ring.Write(data)
	}

	if consumed > 0 && !s.prefilled.Load() &&
		s.ring.Available() >= int(s.prefillTarget.Load()) {
		s.prefilled.Store(true)
	}
	return consumed
}

// pushPack24 stages S24-in-32 input as packed 3-byte samples. Whole
// samples only: the sample count is bounded by staging and ring space
// up front so a partial ring write can never split a sample.
func (s *Sync) pushPack24(data []byte) int {
	samples := min(len(data)/4, len(s.staging)/3, s.ring.Free()/3)
	if samples == 0 {
		return 0
	}

	align := pcm.S24Alignment(s.s24Mode.Load())
	if align == pcm.S24AlignmentAuto {
		if det := pcm.DetectS24Alignment(data); det != pcm.S24AlignmentAuto {
			s.s24Mode.Store(int32(det))
			align = det
		} else {
			// Still silence; either packing yields silence.
			align = pcm.S24AlignmentLSB
		}
	}

	var staged int
	if align == pcm.S24AlignmentMSB {
		staged = pcm.Pack24MSB(s.staging[:samples*3], data[:samples*4])
	} else {
		staged = pcm.Pack24LSB(s.staging[:samples*3], data[:samples*4])
	}

	written := s.ring.Write(s.staging[:staged])
	return written / 3 * 4
}

// pushWiden16 stages 16-bit input as 32-bit containers.
func (s *Sync) pushWiden16(data []byte) int {
	samples := min(len(data)/2, len(s.staging)/4, s.ring.Free()/4)
	if samples == 0 {
		return 0
	}
	staged := pcm.Upsample16To32(s.staging[:samples*4], data[:samples*2])
	written := s.ring.Write(s.staging[:staged])
	return written / 4 * 2
}

//=============================================================================
// Reconfiguration protocol
//=============================================================================

// Configure (re)sizes the ring, silence and staging buffers for the
// format and installs the per-pull sizing derived from it. When the
// format is unchanged it performs a fast reopen instead: same
// allocation, fresh prefill.
//
// Buffer memory is only ever replaced after the consumer has fully
// quiesced; on drain timeout the reconfiguration is aborted and the
// old buffers stay valid.
func (s *Sync) Configure(f Format) error {
	if err := f.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened.Load() && f == s.format {
		if s.quiesce("reopen") {
			s.ring.Clear()
			s.ring.FillWithSilence()
		}
		s.prefilled.Store(false)
		s.stopRequested.Store(false)
		s.log.Debug().Stringer("format", f).Msg("fast reopen, format unchanged")
		return nil
	}

	if err := s.beginReconfigure(); err != nil {
		observability.RecordReconfigure(false)
		return err
	}
	defer s.endReconfigure()

	bps := f.WireBytesPerSecond()
	capacity := int(float64(bps) * s.cfg.BufferSeconds)
	if capacity < s.cfg.MinBufferBytes {
		capacity = s.cfg.MinBufferBytes
	}
	if capacity > s.cfg.MaxBufferBytes {
		capacity = s.cfg.MaxBufferBytes
	}

	need := s.calc.BytesPerPull(f)

	s.ring = ring.New(capacity, f.SilenceByte())
	sil := bytes.Repeat([]byte{f.SilenceByte()}, need)
	s.silence.Store(&sil)
	s.staging = make([]byte, s.cfg.StagingBytes)

	prefillMs := s.cfg.PrefillMs
	if f.LowBitrate() {
		prefillMs = s.cfg.LowRatePrefillMs
	}
	prefill := bps * prefillMs / 1000
	if prefill < s.cfg.MinPrefillBytes {
		prefill = s.cfg.MinPrefillBytes
	}
	if prefill > s.ring.Capacity()/2 {
		prefill = s.ring.Capacity() / 2
	}

	s.bytesPerPull.Store(int64(need))
	s.cycleTime.Store(int64(s.calc.CycleTime(f)))
	s.prefillTarget.Store(int64(prefill))
	s.format = f

	switch f.BitDepth {
	case 16:
		s.mode.Store(int32(convWiden16))
	case 24:
		s.mode.Store(int32(convPack24))
	default:
		s.mode.Store(int32(convDirect))
	}
	s.s24Mode.Store(int32(f.S24Alignment))

	s.prefilled.Store(false)
	s.stopRequested.Store(false)
	s.opened.Store(true)

	observability.RecordReconfigure(true)
	s.log.Info().
		Stringer("format", f).
		Int("capacity_bytes", s.ring.Capacity()).
		Int("bytes_per_pull", need).
		Int("prefill_bytes", prefill).
		Msg("stream configured")
	return nil
}

// beginReconfigure blocks new pulls off the zero-copy path, then waits
// for in-flight ring users to drain and for the outstanding grant to be
// retired. Both waits are bounded; on timeout the flag is cleared and
// the caller must abort.
func (s *Sync) beginReconfigure() error {
	s.reconfiguring.Store(true)
	if !s.waitCond(func() bool { return s.users.Load() == 0 }) {
		s.reconfiguring.Store(false)
		return fmt.Errorf("in-flight ring users did not drain: %w", ErrDrainTimeout)
	}
	if !s.waitCond(func() bool { return s.pending.Load() == 0 }) {
		s.reconfiguring.Store(false)
		return fmt.Errorf("consumer still holds a zero-copy grant: %w", ErrDrainTimeout)
	}
	return nil
}

func (s *Sync) endReconfigure() {
	s.reconfiguring.Store(false)
}

// quiesce is the drain gate in front of every buffer-destructive
// lifecycle step other than Configure: wait (bounded) for the consumer
// to leave the ring and release its grant. Returns false on timeout,
// in which case the caller must skip the destructive step and leave
// the buffer intact.
func (s *Sync) quiesce(op string) bool {
	if s.waitCond(func() bool { return s.users.Load() == 0 }) &&
		s.waitCond(func() bool { return s.pending.Load() == 0 }) {
		return true
	}
	observability.RecordDrainTimeout(op)
	s.log.Warn().
		Str("op", op).
		Int64("pending_bytes", s.pending.Load()).
		Msg("zero-copy grant not released; leaving buffer intact")
	return false
}

// waitCond polls cond with a coarse sleep until it holds or the drain
// timeout expires. Lifecycle paths only; the pull path never waits.
func (s *Sync) waitCond(cond func() bool) bool {
	deadline := time.Now().Add(s.cfg.DrainTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Microsecond)
	}
	return true
}

//=============================================================================
// Playback lifecycle
//=============================================================================

// StartPlayback opens the pull path. Actual audio starts once the
// producer reaches the prefill target.
func (s *Sync) StartPlayback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened.Load() {
		return ErrNotConfigured
	}
	s.stopRequested.Store(false)
	s.paused.Store(false)
	s.playing.Store(true)
	s.log.Debug().Msg("playback started")
	return nil
}

// StopPlayback halts playback. With immediate set, buffered audio is
// dropped (after the bounded drain); otherwise the buffer is kept for
// a quick resume. Accumulated counters are reported here, off the pull
// path.
func (s *Sync) StopPlayback(immediate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened.Load() {
		return
	}
	s.stopRequested.Store(true)
	s.playing.Store(false)
	s.paused.Store(false)

	if immediate {
		if s.quiesce("stop") {
			s.ring.Clear()
			s.ring.FillWithSilence()
		}
		s.prefilled.Store(false)
	}
	s.reportCountersLocked("stop")
}

// PausePlayback switches the pull path to silence without touching the
// buffer, so ResumePlayback continues from the same position.
func (s *Sync) PausePlayback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused.Store(true)
	s.log.Debug().Msg("playback paused")
}

// ResumePlayback resumes after PausePlayback or a non-immediate stop;
// both paths land back in the playing state without a fresh
// StartPlayback.
func (s *Sync) ResumePlayback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened.Load() {
		return
	}
	s.stopRequested.Store(false)
	s.paused.Store(false)
	s.playing.Store(true)
	s.log.Debug().Msg("playback resumed")
}

// Close stops playback and closes the stream. The buffer is cleared
// only if the consumer releases its grant in time.
func (s *Sync) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened.Load() {
		return
	}
	s.stopRequested.Store(true)
	s.playing.Store(false)
	s.paused.Store(false)

	if s.quiesce("close") {
		s.ring.Clear()
	}
	s.prefilled.Store(false)
	s.opened.Store(false)
	s.reportCountersLocked("close")
	s.log.Info().Msg("stream closed")
}

// Reset returns an open stream to its just-configured state: buffer
// dropped, counters zeroed, playback stopped.
func (s *Sync) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened.Load() {
		return
	}
	s.stopRequested.Store(true)
	s.playing.Store(false)
	s.paused.Store(false)

	if s.quiesce("reset") {
		s.ring.Clear()
		s.ring.FillWithSilence()
	}
	s.prefilled.Store(false)
	s.underruns.Store(0)
	s.wrapSkips.Store(0)
	s.pulls.Store(0)
	s.bytesOut.Store(0)
	s.log.Debug().Msg("stream reset")
}

func (s *Sync) reportCountersLocked(op string) {
	u := s.underruns.Swap(0)
	w := s.wrapSkips.Swap(0)
	p := s.pulls.Swap(0)
	b := s.bytesOut.Swap(0)
	observability.RecordStreamTotals(p, b, u, w)

	ev := s.log.Info()
	if u > 0 {
		ev = s.log.Warn()
	}
	ev.Str("op", op).
		Uint64("pulls", p).
		Uint64("bytes_out", b).
		Uint32("underruns", u).
		Uint32("wrap_skips", w).
		Msg("stream counters")
}

//=============================================================================
// Queries
//=============================================================================

// BufferLevel returns ring occupancy as a fraction of capacity. Used
// by the flow controller's mode selection and by prefill logic.
func (s *Sync) BufferLevel() float64 {
	if !s.opened.Load() {
		return 0
	}
	return float64(s.ring.Available()) / float64(s.ring.Capacity())
}

// ReadAndResetUnderruns atomically exchanges the underrun counter for
// zero and returns the accumulated total. Cold path only.
func (s *Sync) ReadAndResetUnderruns() uint32 {
	return s.underruns.Swap(0)
}

// ReadAndResetWrapSkips is the wrap-event counterpart of
// ReadAndResetUnderruns.
func (s *Sync) ReadAndResetWrapSkips() uint32 {
	return s.wrapSkips.Swap(0)
}

// BytesPerPull returns the byte count every pull is served with for
// the current format.
func (s *Sync) BytesPerPull() int {
	return int(s.bytesPerPull.Load())
}

// CycleTime returns the consumer's pull cadence for the current format,
// or zero before Configure. Read from an atomic snapshot: the consumer
// polls it every tick and must never block behind a lifecycle operation
// holding mu, or the drain wait inside that operation deadlocks against
// the consumer until it times out.
func (s *Sync) CycleTime() time.Duration {
	return time.Duration(s.cycleTime.Load())
}

// Format returns the configured format.
func (s *Sync) Format() Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// IsOpen reports whether a format is configured.
func (s *Sync) IsOpen() bool { return s.opened.Load() }

// IsPlaying reports whether the pull path serves ring data.
func (s *Sync) IsPlaying() bool { return s.playing.Load() }

// IsPaused reports whether playback is paused.
func (s *Sync) IsPaused() bool { return s.paused.Load() }
