// Package pcm implements the sample-layout conversions performed on the
// producer side before bytes enter the ring: 24-bit samples carried in
// 32-bit containers are packed down to 3 bytes on the wire, and 16-bit
// samples are widened to 32-bit containers. Conversions run into a
// pre-allocated staging buffer; they never allocate.
package pcm

// S24Alignment describes where the 24 valid bits sit inside a 32-bit
// container for S24 input.
type S24Alignment int

const (
	// S24AlignmentAuto means the alignment has not been determined yet;
	// it is resolved by DetectS24Alignment on live (non-silent) samples.
	S24AlignmentAuto S24Alignment = iota
	// S24AlignmentLSB: valid bits in bytes 0..2, byte 3 is padding.
	S24AlignmentLSB
	// S24AlignmentMSB: valid bits in bytes 1..3, byte 0 is padding.
	S24AlignmentMSB
)

func (a S24Alignment) String() string {
	switch a {
	case S24AlignmentLSB:
		return "lsb"
	case S24AlignmentMSB:
		return "msb"
	default:
		return "auto"
	}
}

// Pack24LSB packs LSB-aligned S24-in-32 samples into 3-byte wire form.
// Consumes whole samples only, bounded by both slice lengths, and
// returns the number of output bytes written (a multiple of 3).
func Pack24LSB(dst, src []byte) int {
	samples := min(len(src)/4, len(dst)/3)
	for i := 0; i < samples; i++ {
		dst[i*3+0] = src[i*4+0]
		dst[i*3+1] = src[i*4+1]
		dst[i*3+2] = src[i*4+2]
	}
	return samples * 3
}

// Pack24MSB packs MSB-aligned S24-in-32 samples into 3-byte wire form.
func Pack24MSB(dst, src []byte) int {
	samples := min(len(src)/4, len(dst)/3)
	for i := 0; i < samples; i++ {
		dst[i*3+0] = src[i*4+1]
		dst[i*3+1] = src[i*4+2]
		dst[i*3+2] = src[i*4+3]
	}
	return samples * 3
}

// Upsample16To32 widens little-endian 16-bit samples into 32-bit
// containers with the value in the upper 16 bits. Returns output bytes
// written (a multiple of 4).
func Upsample16To32(dst, src []byte) int {
	samples := min(len(src)/2, len(dst)/4)
	for i := 0; i < samples; i++ {
		dst[i*4+0] = 0x00
		dst[i*4+1] = 0x00
		dst[i*4+2] = src[i*2+0]
		dst[i*4+3] = src[i*2+1]
	}
	return samples * 4
}

// DetectS24Alignment inspects up to 32 samples of S24-in-32 input and
// reports which container byte carries padding. Digital silence is
// indistinguishable (both candidate padding bytes are zero), so it
// returns S24AlignmentAuto and the caller should retry on later input.
func DetectS24Alignment(src []byte) S24Alignment {
	samples := min(len(src)/4, 32)
	if samples == 0 {
		return S24AlignmentAuto
	}

	allZeroLSB := true
	allZeroMSB := true
	for i := 0; i < samples; i++ {
		if src[i*4] != 0x00 {
			allZeroLSB = false
		}
		if src[i*4+3] != 0x00 {
			allZeroMSB = false
		}
	}

	switch {
	case !allZeroLSB && allZeroMSB:
		return S24AlignmentLSB
	case allZeroLSB && !allZeroMSB:
		return S24AlignmentMSB
	case allZeroLSB && allZeroMSB:
		// Silence: defer.
		return S24AlignmentAuto
	default:
		// Both ends live: genuinely ambiguous, LSB is the common case.
		return S24AlignmentLSB
	}
}
