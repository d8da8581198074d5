package streamsync

import (
	"fmt"

	"github.com/audiostreamhq/pcm-renderer/internal/pcm"
)

// Format describes the PCM stream being rendered. It determines ring
// capacity, silence byte, per-pull sizing and the staging conversion
// applied on the producer side.
type Format struct {
	SampleRate int
	BitDepth   int
	Channels   int

	// S24Alignment only matters for BitDepth 24 input, which arrives in
	// 32-bit containers. Auto defers to sample detection on live audio.
	S24Alignment pcm.S24Alignment
}

// Validate reports configuration errors synchronously at format-change
// time. Nothing downstream of a valid Format can fail on the pull path.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("format: invalid sample rate %d", f.SampleRate)
	}
	switch f.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("format: unsupported bit depth %d", f.BitDepth)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("format: invalid channel count %d", f.Channels)
	}
	return nil
}

// InputBytesPerSample is the size of one sample as delivered by the
// decode stage: 24-bit samples arrive in 32-bit containers.
func (f Format) InputBytesPerSample() int {
	switch f.BitDepth {
	case 8:
		return 1
	case 16:
		return 2
	default:
		return 4
	}
}

// WireBytesPerSample is the size of one sample inside the ring, after
// staging conversion: 16-bit is widened to a 32-bit container, 24-bit
// is packed to 3 bytes.
func (f Format) WireBytesPerSample() int {
	switch f.BitDepth {
	case 8:
		return 1
	case 16:
		return 4
	case 24:
		return 3
	default:
		return 4
	}
}

// WireBytesPerFrame is the ring-side size of one frame (all channels).
func (f Format) WireBytesPerFrame() int {
	return f.WireBytesPerSample() * f.Channels
}

// InputBytesPerFrame is the producer-side size of one frame.
func (f Format) InputBytesPerFrame() int {
	return f.InputBytesPerSample() * f.Channels
}

// WireBytesPerSecond is the ring-side data rate, used for buffer and
// prefill sizing.
func (f Format) WireBytesPerSecond() int {
	return f.WireBytesPerFrame() * f.SampleRate
}

// SilenceByte is the byte value of digital silence: 0x80 for unsigned
// 8-bit PCM, 0x00 for everything else.
func (f Format) SilenceByte() byte {
	if f.BitDepth == 8 {
		return 0x80
	}
	return 0x00
}

// LowBitrate marks formats that drain slowly enough to warrant a longer
// prefill before playback starts.
func (f Format) LowBitrate() bool {
	return f.SampleRate <= 48000
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", f.SampleRate, f.BitDepth, f.Channels)
}
