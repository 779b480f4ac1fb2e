package audio_test

import (
	"testing"

	"github.com/voxbridge/bridge/pkg/audio"
)

func TestEncodeDecodeMulaw_RoundTrip(t *testing.T) {
	t.Parallel()

	// µ-law has two encodings for zero (0x7F and 0xFF, both decode to 0);
	// the composition encode(decode(b)) must canonicalize both to one byte.
	seen := map[int16]byte{}
	for b := range 256 {
		decoded := audio.DecodeMulaw([]byte{byte(b)})
		sample := int16(decoded[0]) | int16(decoded[1])<<8
		reencoded := audio.EncodeMulaw(decoded)[0]

		if prev, ok := seen[sample]; ok {
			if reencoded != prev {
				t.Errorf("byte %#x: amplitude %d re-encodes to %#x, want %#x (canonical form)", b, sample, reencoded, prev)
			}
			continue
		}
		seen[sample] = reencoded
	}
}

func TestDecodeMulaw_KnownValues(t *testing.T) {
	t.Parallel()

	// 0xFF is the canonical positive-zero µ-law byte; 0x7F is negative zero.
	decoded := audio.DecodeMulaw([]byte{0xFF, 0x7F})
	if got := int16(decoded[0]) | int16(decoded[1])<<8; got != 0 {
		t.Errorf("0xFF decoded to %d, want 0", got)
	}
	if got := int16(decoded[2]) | int16(decoded[3])<<8; got != 0 {
		t.Errorf("0x7F decoded to %d, want 0", got)
	}
}

func TestEncodeMulaw_OddLengthTruncated(t *testing.T) {
	t.Parallel()

	out := audio.EncodeMulaw([]byte{0x01, 0x02, 0x03})
	if len(out) != 1 {
		t.Fatalf("expected odd trailing byte to be truncated, got %d output bytes", len(out))
	}
}

func TestEncodeMulaw_ClipsToMaxMagnitude(t *testing.T) {
	t.Parallel()

	pcm := []byte{0xFF, 0x7F} // 32767, max positive int16
	out := audio.EncodeMulaw(pcm)
	decoded := audio.DecodeMulaw(out)
	got := int16(decoded[0]) | int16(decoded[1])<<8
	if got < 32000 {
		t.Errorf("max-amplitude sample decoded too low after round trip: %d", got)
	}
}
