package audio

import "time"

// Frame is a single chunk of mono 16-bit linear PCM audio flowing through the
// bridge, little-endian. SampleRate is one of 8000 (telephony), 16000, or
// 24000 (upstream) Hz. Timestamp marks when the frame was captured, relative
// to the owning session's start.
type Frame struct {
	Data       []byte
	SampleRate int
	Timestamp  time.Duration
}
