package whisper

import (
	"encoding/binary"
	"math"
	"time"
)

// segmenter cuts a PCM stream into utterances: a run of speech closed by
// enough trailing silence, or by reaching the length cap. Leading silence is
// dropped. It is not safe for concurrent use.
type segmenter struct {
	bytesPerSecond int
	level          float64
	silenceLimit   time.Duration
	maxBytes       int

	buf    []byte
	speech bool
	quiet  time.Duration
}

func newSegmenter(sampleRate, channels int, level float64, silence, maxLen time.Duration) *segmenter {
	bps := sampleRate * channels * 2
	if bps <= 0 {
		bps = defaultSampleRate * 2
	}
	return &segmenter{
		bytesPerSecond: bps,
		level:          level,
		silenceLimit:   silence,
		maxBytes:       int(maxLen.Seconds() * float64(bps)),
	}
}

// push adds chunk and returns a finished utterance, if chunk completed one.
func (g *segmenter) push(chunk []byte) []byte {
	if rms(chunk) < g.level {
		if !g.speech {
			return nil
		}
		g.buf = append(g.buf, chunk...)
		g.quiet += g.duration(len(chunk))
		if g.quiet >= g.silenceLimit {
			return g.cut()
		}
		return nil
	}
	g.speech = true
	g.quiet = 0
	g.buf = append(g.buf, chunk...)
	if g.maxBytes > 0 && len(g.buf) >= g.maxBytes {
		return g.cut()
	}
	return nil
}

// drain returns whatever speech is buffered and resets.
func (g *segmenter) drain() []byte {
	if !g.speech {
		g.buf = nil
		return nil
	}
	return g.cut()
}

func (g *segmenter) cut() []byte {
	out := g.buf
	g.buf, g.speech, g.quiet = nil, false, 0
	return out
}

func (g *segmenter) duration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(g.bytesPerSecond)
}

// rms returns the root-mean-square amplitude of 16-bit little-endian PCM.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// wav wraps 16-bit PCM in a canonical 44-byte RIFF header.
func wav(pcm []byte, sampleRate, channels int) []byte {
	const headerLen = 44
	out := make([]byte, headerLen, headerLen+len(pcm))
	le := binary.LittleEndian

	copy(out[0:], "RIFF")
	le.PutUint32(out[4:], uint32(headerLen-8+len(pcm)))
	copy(out[8:], "WAVEfmt ")
	le.PutUint32(out[16:], 16)
	le.PutUint16(out[20:], 1)
	le.PutUint16(out[22:], uint16(channels))
	le.PutUint32(out[24:], uint32(sampleRate))
	le.PutUint32(out[28:], uint32(sampleRate*channels*2))
	le.PutUint16(out[32:], uint16(channels*2))
	le.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	le.PutUint32(out[40:], uint32(len(pcm)))
	return append(out, pcm...)
}
