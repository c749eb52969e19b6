package main

import (
	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"nasikh/audio"
)

const (
	vadMode       = 3 // most aggressive
	vadFrameMs    = 20
	vadFrameBytes = audio.SampleRate * vadFrameMs / 1000 * 2

	// speechThreshold is the share of 20 ms frames in a tick that must be
	// speech for the tick to count as speaking.
	speechThreshold = 0.10
)

// speechDetector classifies PCM in 20 ms frames and answers, once per
// monitor tick, whether the audio since the previous tick was speech. It is
// not safe for concurrent use.
type speechDetector struct {
	vad    *webrtcvad.VAD
	buf    []byte
	frames int
	speech int
}

func newSpeechDetector() (*speechDetector, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, err
	}
	if err := v.SetMode(vadMode); err != nil {
		return nil, err
	}
	return &speechDetector{vad: v}, nil
}

// Feed accepts S16LE mono 16 kHz PCM of any length.
func (d *speechDetector) Feed(pcm []byte) {
	d.buf = append(d.buf, pcm...)
	n := 0
	for ; n+vadFrameBytes <= len(d.buf); n += vadFrameBytes {
		active, err := d.vad.Process(audio.SampleRate, d.buf[n:n+vadFrameBytes])
		if err != nil {
			continue
		}
		d.frames++
		if active {
			d.speech++
		}
	}
	d.buf = append(d.buf[:0], d.buf[n:]...)
}

// Speaking reports the verdict for the audio fed since the last call.
func (d *speechDetector) Speaking() bool {
	frames, speech := d.frames, d.speech
	d.frames, d.speech = 0, 0
	if frames == 0 {
		return false
	}
	return float64(speech)/float64(frames) >= speechThreshold
}

func (d *speechDetector) Reset() {
	d.buf = d.buf[:0]
	d.frames, d.speech = 0, 0
}
