package audio

import (
	"encoding/binary"
	"math"
)

// Frame is 100 ms of mono 16 kHz PCM. Seq starts at 1 for every session.
type Frame struct {
	Samples []int16
	Seq     uint64
	Level   float64
}

// Bytes encodes the samples as little-endian PCM for the wire.
func (f Frame) Bytes() []byte {
	return encodePCM(f.Samples, 1)
}

func (f Frame) Duration() float64 {
	return float64(len(f.Samples)) / SampleRate
}

// Level returns the RMS of samples normalized to [0,1].
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range samples {
		normalized := float64(s) / 32768.0
		sumSquares += normalized * normalized
	}
	rms := math.Sqrt(sumSquares / float64(len(samples)))
	if rms > 1 {
		rms = 1
	}
	return rms
}

// encodePCM writes samples as S16LE, multiplied by gain and clipped.
func encodePCM(samples []int16, gain int32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s) * gain
		v = max(min(v, math.MaxInt16), math.MinInt16)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func decodePCM(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}
