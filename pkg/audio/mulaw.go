// Package audio implements the companded-telephony ↔ linear PCM codec and the
// fixed sample-rate conversions used to bridge 8 kHz telephony audio and
// 24 kHz upstream audio. All functions are pure: they operate on byte slices
// and hold no package-level state.
package audio

// mulawBias is added to the sample magnitude before segment/mantissa encoding,
// per ITU-T G.711.
const mulawBias = 0x84

// mulawClip is the maximum linear PCM magnitude representable before µ-law
// companding; larger magnitudes are clipped.
const mulawClip = 32635

// mulawDecodeTable maps each of the 256 possible µ-law bytes to its decoded
// 16-bit signed linear PCM amplitude. Computed once at init time from the
// same bias/exponent/mantissa relationship used by EncodeMulaw, so encode and
// decode stay in lock-step by construction.
var mulawDecodeTable [256]int16

func init() {
	for b := range 256 {
		mulawDecodeTable[b] = decodeMulawByte(byte(b))
	}
}

// decodeMulawByte inverts the µ-law encoding for a single byte: invert all
// bits, pull out sign/exponent/mantissa, and reconstruct the biased linear
// magnitude.
func decodeMulawByte(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	magnitude := ((int32(mantissa) << 3) + mulawBias) << exponent
	magnitude -= mulawBias

	if sign != 0 {
		magnitude = -magnitude
	}
	if magnitude > 32767 {
		magnitude = 32767
	}
	if magnitude < -32768 {
		magnitude = -32768
	}
	return int16(magnitude)
}

// DecodeMulaw converts a sequence of 8-bit companded telephony samples
// (ITU-T G.711 µ-law) into 16-bit signed linear PCM, little-endian, at the
// same 8 kHz sample rate. Output length is always 2×len(input).
func DecodeMulaw(companded []byte) []byte {
	out := make([]byte, len(companded)*2)
	for i, b := range companded {
		s := mulawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeMulaw converts 16-bit signed linear PCM (little-endian, 8 kHz) into
// 8-bit companded µ-law bytes. Odd trailing bytes are dropped (see
// truncateEven). Output length is len(pcm)/2.
func EncodeMulaw(pcm []byte) []byte {
	pcm = truncateEven(pcm)
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = encodeMulawSample(s)
	}
	return out
}

// encodeMulawSample companding-encodes a single linear PCM sample: clip to
// mulawClip, add the bias, find the exponent by locating the highest set bit
// at or above bit 7, pack sign|exponent|mantissa, invert all bits.
func encodeMulawSample(s int16) byte {
	var sign byte
	sample := int32(s)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && sample&mask == 0; mask >>= 1 {
		exponent--
	}

	mantissa := byte(sample>>(exponent+3)) & 0x0F
	encoded := sign | (exponent << 4) | mantissa
	return ^encoded
}

// truncateEven returns the largest even-length prefix of b. Used wherever a
// 16-bit PCM buffer must have a whole number of samples; this is the codec's
// silent, non-raising response to malformed odd-length input (CodecError in
// the error taxonomy is never actually returned — it is always recovered
// here).
func truncateEven(b []byte) []byte {
	if len(b)%2 != 0 {
		return b[:len(b)-1]
	}
	return b
}
