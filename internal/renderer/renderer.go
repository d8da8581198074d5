// Package renderer ties the producer side of the pipeline together: it
// feeds decoded PCM through the flow controller into the stream sync
// layer, runs the paced consumer loop that stands in for the hardware
// pull driver, and owns the shutdown handshake between the two.
package renderer

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/audiostreamhq/pcm-renderer/internal/flow"
	"github.com/audiostreamhq/pcm-renderer/internal/observability"
	"github.com/audiostreamhq/pcm-renderer/internal/streamsync"
)

// ErrCallbackTimeout means the producer callback did not signal
// completion within the stop deadline. The running flag is forcibly
// cleared and teardown proceeds; a stuck producer must not hang stop.
var ErrCallbackTimeout = errors.New("renderer: producer callback did not complete in time")

// DefaultCallbackTimeout bounds the wait for an in-flight producer
// callback during stop and reconfiguration.
const DefaultCallbackTimeout = 5 * time.Second

// Renderer is the producer-facing session around one stream.
type Renderer struct {
	sync *streamsync.Sync
	flow *flow.Controller
	log  zerolog.Logger

	// Shutdown handshake. Submit sets callbackRunning before reading
	// shutdownRequested; the stopper sets shutdownRequested before
	// reading callbackRunning. That ordering closes the race where a
	// stopper concludes the callback is idle while it is about to
	// proceed.
	callbackRunning   atomic.Bool
	shutdownRequested atomic.Bool

	callbackTimeout time.Duration
}

// New wires a renderer over the given sync layer and flow controller.
func New(s *streamsync.Sync, fc *flow.Controller) *Renderer {
	return &Renderer{
		sync:            s,
		flow:            fc,
		log:             observability.ComponentLogger("renderer"),
		callbackTimeout: DefaultCallbackTimeout,
	}
}

// Sync exposes the underlying stream sync layer for the pull driver.
func (r *Renderer) Sync() *streamsync.Sync { return r.sync }

// Submit pushes one block of decoded audio through the flow controller.
// Returns bytes accepted and false if shutdown was requested, telling
// the producer loop to stop.
func (r *Renderer) Submit(data []byte) (int, bool) {
	r.callbackRunning.Store(true)
	if r.shutdownRequested.Load() {
		r.callbackRunning.Store(false)
		return 0, false
	}
	defer r.callbackRunning.Store(false)

	return r.flow.Send(r.sync, data), true
}

// waitForCallbackComplete parks new Submit calls and waits for an
// in-flight one to finish. The wait is a bounded spin with yield, not
// a blocking primitive, because stop may be invoked from time-sensitive
// control flows; on timeout the running flag is force-cleared so the
// system can never hang on a stuck producer.
func (r *Renderer) waitForCallbackComplete() error {
	r.shutdownRequested.Store(true)
	defer r.shutdownRequested.Store(false)

	deadline := time.Now().Add(r.callbackTimeout)
	for r.callbackRunning.Load() {
		runtime.Gosched()
		if time.Now().After(deadline) {
			r.callbackRunning.Store(false)
			observability.RecordCallbackTimeout()
			r.log.Error().
				Dur("timeout", r.callbackTimeout).
				Msg("producer callback stuck; forcing running flag clear")
			return ErrCallbackTimeout
		}
	}
	return nil
}

// Configure quiesces the producer, runs the reconfiguration protocol
// for the new format, then re-bases the flow controller's chunk size so
// submissions stay quantized to whole frames at the format's rate.
func (r *Renderer) Configure(f streamsync.Format) error {
	if err := r.waitForCallbackComplete(); err != nil {
		// Already logged; the drain gate in Configure still protects
		// buffer memory.
		_ = err
	}
	if err := r.sync.Configure(f); err != nil {
		return err
	}
	r.flow.SetChunkBytes(flow.ChunkFrames(f.SampleRate) * f.InputBytesPerFrame())
	return nil
}

// Play opens the pull path.
func (r *Renderer) Play() error {
	return r.sync.StartPlayback()
}

// Pause and Resume delegate to the sync layer.
func (r *Renderer) Pause()  { r.sync.PausePlayback() }
func (r *Renderer) Resume() { r.sync.ResumePlayback() }

// Stop quiesces the producer, then stops playback and drops buffered
// audio.
func (r *Renderer) Stop() {
	_ = r.waitForCallbackComplete()
	r.sync.StopPlayback(true)
}

// Close tears the session down.
func (r *Renderer) Close() {
	_ = r.waitForCallbackComplete()
	r.sync.Close()
}

// RunConsumer drives the pull contract at the format's cycle cadence,
// copying each granted region to out before the next pull retires it.
// It stands in for the hardware protocol driver and runs until ctx is
// cancelled.
func (r *Renderer) RunConsumer(ctx context.Context, out io.Writer) {
	r.log.Debug().Msg("consumer loop started")

	var p streamsync.Pull
	cycle := time.Millisecond
	ticker := time.NewTicker(cycle)
	defer ticker.Stop()

	gauge := time.NewTicker(time.Second)
	defer gauge.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Debug().Msg("consumer loop stopped")
			return
		case <-gauge.C:
			observability.SetBufferFill(r.sync.BufferLevel())
		case <-ticker.C:
			if !r.sync.PullStream(&p) {
				continue
			}
			if p.N > 0 {
				// The write copies the region out, satisfying the
				// lease before the next pull overwrites it.
				if _, err := out.Write(p.Data[:p.N]); err != nil {
					r.log.Error().Err(err).Msg("output sink write failed")
					return
				}
			}
			if c := r.sync.CycleTime(); c != cycle && c > 0 {
				cycle = c
				ticker.Reset(cycle)
			}
		}
	}
}
