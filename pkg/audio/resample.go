package audio

// Upsample8to16 converts 16-bit signed linear PCM, little-endian, from 8 kHz
// to 16 kHz. For each input sample s[i] it emits s[i] followed by the linear
// interpolation (s[i]+s[i+1])/2; the final input sample has no successor, so
// it is duplicated. Output length is always 2×(input sample count)×2 bytes.
func Upsample8to16(pcm []byte) []byte {
	pcm = truncateEven(pcm)
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	samples := make([]int16, n)
	for i := range n {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}

	out := make([]byte, n*2*2)
	for i := range n {
		var next int16
		if i+1 < n {
			next = samples[i+1]
		} else {
			next = samples[i]
		}
		interp := int16((int32(samples[i]) + int32(next)) / 2)

		putInt16(out, i*4, samples[i])
		putInt16(out, i*4+2, interp)
	}
	return out
}

// Upsample8to24 converts 16-bit signed linear PCM from 8 kHz to 24 kHz. It is
// composed as 8→16 (via [Upsample8to16]) followed by a second interpolation
// pass from 16 kHz to 24 kHz (inserting one interpolated sample between every
// two, i.e. a 2-for-3 expansion), matching the source's 8→16→24 composition.
func Upsample8to24(pcm []byte) []byte {
	at16 := Upsample8to16(pcm)
	return upsample3over2(at16)
}

// upsample3over2 expands 16-bit PCM by inserting one linearly interpolated
// sample after every pair of input samples, turning 2 input samples into 3
// output samples (used to complete the 16→24 kHz leg of [Upsample8to24]).
func upsample3over2(pcm []byte) []byte {
	pcm = truncateEven(pcm)
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	samples := make([]int16, n)
	for i := range n {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}

	out := make([]byte, 0, n*3)
	for i := 0; i < n; i += 2 {
		a := samples[i]
		var b int16
		if i+1 < n {
			b = samples[i+1]
		} else {
			b = a
		}
		mid := int16((int32(a) + int32(b)) / 2)

		out = appendInt16(out, a)
		out = appendInt16(out, mid)
		out = appendInt16(out, b)
	}
	return out
}

// Downsample24to8 converts 16-bit signed linear PCM from 24 kHz to 8 kHz by
// non-overlapping block-averaging groups of 3 samples; any trailing partial
// group is averaged over the samples it has. Results are clipped to int16
// range.
func Downsample24to8(pcm []byte) []byte {
	return blockAverage(pcm, 3)
}

// Downsample16to8 converts 16-bit signed linear PCM from 16 kHz to 8 kHz by
// decimating by 2 with pairwise averaging of adjacent samples.
func Downsample16to8(pcm []byte) []byte {
	return blockAverage(pcm, 2)
}

// blockAverage averages non-overlapping groups of n samples, clipping each
// averaged result to int16 range.
func blockAverage(pcm []byte, n int) []byte {
	pcm = truncateEven(pcm)
	total := len(pcm) / 2
	if total == 0 {
		return nil
	}
	groups := (total + n - 1) / n
	out := make([]byte, 0, groups*2)

	for g := 0; g < total; g += n {
		end := g + n
		if end > total {
			end = total
		}
		var sum int32
		for i := g; i < end; i++ {
			sum += int32(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		}
		avg := sum / int32(end-g)
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out = appendInt16(out, int16(avg))
	}
	return out
}

func putInt16(buf []byte, off int, v int16) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
}

func appendInt16(buf []byte, v int16) []byte {
	return append(buf, byte(v), byte(v>>8))
}
