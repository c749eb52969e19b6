// Package beep plays short audio cues for session state changes.
package beep

import (
	"math"
	"sync"
	"sync/atomic"
)

type Cue int

const (
	Start Cue = iota // recording, speak now
	End              // released, finishing the transcript
	Error            // session failed
	Warn             // no voice detected
)

const sampleRate = 44100

type tone struct {
	freq   float64
	dur    float64 // seconds per beep
	volume float64
	decay  float64
	count  int
	gap    float64 // seconds between beeps
}

var tones = map[Cue]tone{
	// high pitch, short
	Start: {freq: 1200, dur: 0.12, volume: 0.5, decay: 60, count: 1},
	// medium pitch, slightly longer
	End: {freq: 900, dur: 0.15, volume: 0.5, decay: 40, count: 1},
	// low pitch double-beep
	Error: {freq: 350, dur: 0.08, volume: 0.6, decay: 30, count: 2, gap: 0.05},
	// soft triple tick
	Warn: {freq: 600, dur: 0.04, volume: 0.35, decay: 50, count: 3, gap: 0.06},
}

var (
	disabled  atomic.Bool
	soundOnce sync.Once
	cues      map[Cue][]int16
)

// Disable silences every later Play call.
func Disable() { disabled.Store(true) }

// Init renders the cues and opens the output device ahead of the first Play.
func Init() { soundOnce.Do(initSound) }

// Play starts c and returns without waiting for it to finish.
func Play(c Cue) {
	if disabled.Load() {
		return
	}
	soundOnce.Do(initSound)
	samples := cues[c]
	if len(samples) == 0 {
		return
	}
	go output(samples)
}

func initSound() {
	cues = make(map[Cue][]int16, len(tones))
	for c, t := range tones {
		cues[c] = render(t, sampleRate)
	}
	initOutput()
}

// render returns t as mono S16 samples.
func render(t tone, rate int) []int16 {
	n := int(float64(rate) * t.dur)
	gap := int(float64(rate) * t.gap)
	out := make([]int16, 0, t.count*n+(t.count-1)*gap)
	for k := 0; k < t.count; k++ {
		if k > 0 {
			out = append(out, make([]int16, gap)...)
		}
		for i := 0; i < n; i++ {
			sec := float64(i) / float64(rate)
			envelope := math.Exp(-sec * t.decay)
			out = append(out, int16(math.Sin(2*math.Pi*t.freq*sec)*32767*t.volume*envelope))
		}
	}
	return out
}
