package audio

import "fmt"

// Format describes the sample rate of a mono PCM16 stream. The bridge only
// ever carries mono audio — telephony in, upstream out — so no channel count
// is tracked here (contrast with the teacher's original stereo-aware
// converter, which existed for a Discord voice pipeline this bridge does not
// have).
type Format struct {
	SampleRate int
}

// Resample converts 16-bit signed linear PCM, little-endian, between the
// three sample rates this bridge ever sees: 8 kHz (telephony), 16 kHz (an
// intermediate rate used by some codecs), and 24 kHz (the upstream realtime
// model). It returns an error for any rate pair not covered by
// [Upsample8to16], [Upsample8to24], [Downsample24to8], or [Downsample16to8].
func Resample(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	if srcRate == dstRate {
		return pcm, nil
	}
	switch {
	case srcRate == 8000 && dstRate == 16000:
		return Upsample8to16(pcm), nil
	case srcRate == 8000 && dstRate == 24000:
		return Upsample8to24(pcm), nil
	case srcRate == 24000 && dstRate == 8000:
		return Downsample24to8(pcm), nil
	case srcRate == 16000 && dstRate == 8000:
		return Downsample16to8(pcm), nil
	default:
		return nil, fmt.Errorf("audio: unsupported resample %d Hz -> %d Hz", srcRate, dstRate)
	}
}
