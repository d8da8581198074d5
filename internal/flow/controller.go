// Package flow implements the producer-side backpressure discipline:
// it turns StreamSync's non-blocking partial-accept send into bounded
// retries, sleeping only while the buffer still holds enough audio to
// ride out the wait.
package flow

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/audiostreamhq/pcm-renderer/internal/observability"
)

// Sink is the send surface the controller drives. *streamsync.Sync
// satisfies it.
type Sink interface {
	// SendAudio accepts up to len(p) bytes and returns how many were
	// taken. Non-blocking.
	SendAudio(p []byte) int
	// BufferLevel returns ring occupancy as a fraction of capacity.
	BufferLevel() float64
}

// Config tunes the hybrid backpressure behavior.
type Config struct {
	// MicrosleepInterval is the fixed sleep between failed attempts in
	// normal mode.
	MicrosleepInterval time.Duration
	// MaxWait bounds the cumulative stall of consecutive failed
	// attempts; the retry budget is MaxWait / MicrosleepInterval.
	MaxWait time.Duration
	// CriticalLevel is the fill fraction below which the controller
	// returns immediately instead of sleeping, so the producer can get
	// back to refilling before an underrun lands.
	CriticalLevel float64
	// ChunkBytes bounds a single submission so one stalled send cannot
	// hold up refill scheduling for an entire block.
	ChunkBytes int
}

// DefaultConfig returns the production tuning: 500µs microsleeps, 20ms
// stall ceiling (40 retries), critical threshold at 10% fill.
func DefaultConfig() Config {
	return Config{
		MicrosleepInterval: 500 * time.Microsecond,
		MaxWait:            20 * time.Millisecond,
		CriticalLevel:      0.10,
		ChunkBytes:         16 * 1024,
	}
}

// Controller governs how the producer thread retries when the ring is
// full. Safe for use by a single producer goroutine.
type Controller struct {
	cfg        Config
	maxRetries int
	log        zerolog.Logger

	// sleep is swappable so tests can observe the stall budget without
	// real time passing.
	sleep func(time.Duration)
}

// New returns a controller; zero-valued config fields fall back to
// DefaultConfig.
func New(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.MicrosleepInterval <= 0 {
		cfg.MicrosleepInterval = def.MicrosleepInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.CriticalLevel <= 0 {
		cfg.CriticalLevel = def.CriticalLevel
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = def.ChunkBytes
	}

	return &Controller{
		cfg:        cfg,
		maxRetries: int(cfg.MaxWait / cfg.MicrosleepInterval),
		log:        observability.ComponentLogger("flow"),
		sleep:      time.Sleep,
	}
}

// MaxRetries returns the retry budget for consecutive failed attempts.
func (c *Controller) MaxRetries() int { return c.maxRetries }

// ChunkBytes returns the current base chunk size.
func (c *Controller) ChunkBytes() int { return c.cfg.ChunkBytes }

// SetChunkBytes re-bases the chunk size, typically at a format change
// so chunks stay frame quantized. Must not race an in-flight Send; the
// renderer quiesces the producer before reconfiguring.
func (c *Controller) SetChunkBytes(n int) {
	if n > 0 {
		c.cfg.ChunkBytes = n
	}
}

// Send pushes data into the sink in bounded chunks and returns how
// many bytes were accepted. Each chunk is sized adaptively from the
// sink's current fill level. It gives up early when the sink stops
// accepting: immediately if the buffer is critically low, otherwise
// after the bounded retry budget is spent.
func (c *Controller) Send(sink Sink, data []byte) int {
	total := 0
	for total < len(data) {
		end := total + c.AdaptiveChunkBytes(sink.BufferLevel())
		if end > len(data) {
			end = len(data)
		}
		n, gaveUp := c.sendChunk(sink, data[total:end])
		total += n
		if gaveUp {
			break
		}
	}
	if total > 0 {
		observability.RecordAudioBytesIn(total)
	}
	return total
}

// sendChunk retries one chunk. Mode is re-selected on every failed
// attempt from the current fill level: normal mode sleeps the fixed
// interval, critical mode returns without sleeping. Progress resets
// the retry budget, so the stall bound applies to consecutive
// failures.
func (c *Controller) sendChunk(sink Sink, chunk []byte) (int, bool) {
	sent := 0
	retries := 0
	for sent < len(chunk) {
		n := sink.SendAudio(chunk[sent:])
		if n > 0 {
			sent += n
			retries = 0
			continue
		}

		if sink.BufferLevel() < c.cfg.CriticalLevel {
			observability.RecordFlowCriticalReturn()
			return sent, true
		}

		if retries >= c.maxRetries {
			return sent, true
		}
		c.sleep(c.cfg.MicrosleepInterval)
		observability.RecordFlowRetry()
		retries++
	}
	return sent, false
}

// AdaptiveChunkBytes scales the configured chunk size by the current
// fill level around a 50% target with a ±10% deadband: a full buffer
// gets smaller chunks (down to 25%), an empty one larger (up to 150%).
func (c *Controller) AdaptiveChunkBytes(level float64) int {
	const (
		target   = 0.50
		deadband = 0.10
		minScale = 0.25
		maxScale = 1.50
	)

	scale := 1.0
	deviation := level - target

	if deviation > deadband {
		scale = 1.0 - (deviation-deadband)/(1.0-target-deadband)
		if scale < minScale {
			scale = minScale
		}
	} else if deviation < -deadband {
		scale = 1.0 + (-deviation-deadband)/(target-deadband)*0.5
		if scale > maxScale {
			scale = maxScale
		}
	}

	return int(float64(c.cfg.ChunkBytes) * scale)
}

// ChunkFrames quantizes the submission size in frames by sample rate,
// so higher rates move proportionally more data per send.
func ChunkFrames(sampleRate int) int {
	switch {
	case sampleRate <= 48000:
		return 2048
	case sampleRate <= 96000:
		return 4096
	default:
		return 8192
	}
}
