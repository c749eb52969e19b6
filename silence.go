package main

import (
	"sync"
	"time"

	"nasikh/audio"
)

const (
	tickInterval        = 100 * time.Millisecond // one capture frame
	silenceWarnEvery    = 8 * time.Second
	silenceAutoCloseDur = 30 * time.Second
	speechMinRatio      = 0.10
	speechClearRatio    = 0.25 // higher threshold to clear warning (hysteresis)
)

type SilenceEvent int

const (
	SilenceNone      SilenceEvent = iota
	SilenceWarn                   // no voice detected
	SilenceWarnClear              // speech resumed after warning
	SilenceRepeat                 // repeat beep (every 8s)
	SilenceAutoClose              // 30s auto-close (toggle mode)
)

func (e SilenceEvent) String() string {
	switch e {
	case SilenceWarn:
		return "warn"
	case SilenceWarnClear:
		return "clear"
	case SilenceRepeat:
		return "repeat"
	case SilenceAutoClose:
		return "auto_close"
	}
	return "none"
}

type silenceMonitor struct {
	warnAt   int
	windowSz int

	isToggle func() bool

	ticks       int
	window      []bool
	speechCount int
	warned      bool
	lastBeep    int
	closed      bool
}

func newSilenceMonitor(isToggle func() bool) *silenceMonitor {
	warnAt := int(silenceWarnEvery / tickInterval)
	windowSz := int(silenceAutoCloseDur / tickInterval)
	return &silenceMonitor{
		warnAt:   warnAt,
		windowSz: windowSz,
		isToggle: isToggle,
		window:   make([]bool, windowSz),
	}
}

func (m *silenceMonitor) ratio(n int) float64 {
	if m.ticks < n {
		n = m.ticks
	}
	if n == 0 {
		return 1.0
	}
	count := 0
	for i := 0; i < n; i++ {
		if m.window[(m.ticks-1-i+m.windowSz)%m.windowSz] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (m *silenceMonitor) Tick(hasSpeech bool) SilenceEvent {
	if m.closed {
		return SilenceNone
	}
	idx := m.ticks % m.windowSz
	if m.ticks >= m.windowSz && m.window[idx] {
		m.speechCount--
	}
	m.window[idx] = hasSpeech
	if hasSpeech {
		m.speechCount++
	}
	m.ticks++

	r := m.ratio(m.warnAt)

	// Warn: 8s window below threshold
	if m.ticks >= m.warnAt && r < speechMinRatio && !m.warned {
		m.warned = true
		m.lastBeep = m.ticks
		return SilenceWarn
	}
	// Clear: speech ratio above clear threshold
	if m.warned && r >= speechClearRatio {
		m.warned = false
		return SilenceWarnClear
	}

	if !m.isToggle() {
		return SilenceNone
	}

	// Auto-close: 30s window below threshold (checked before repeat)
	if m.ticks >= m.windowSz && float64(m.speechCount)/float64(m.windowSz) < speechMinRatio {
		m.closed = true
		return SilenceAutoClose
	}

	// Repeat beep every 8s
	if m.warned && m.ticks-m.lastBeep >= m.warnAt {
		m.lastBeep = m.ticks
		return SilenceRepeat
	}

	return SilenceNone
}

// silenceWatcher runs the VAD over the frames of each session and reports
// silence transitions to onEvent. Every frame is one monitor tick. A frame
// whose sequence number does not advance starts a new session.
type silenceWatcher struct {
	vad      *speechDetector
	isToggle func() bool
	onEvent  func(SilenceEvent)

	mu      sync.Mutex
	mon     *silenceMonitor
	lastSeq uint64
}

func newSilenceWatcher(isToggle func() bool, onEvent func(SilenceEvent)) (*silenceWatcher, error) {
	vp, err := newSpeechDetector()
	if err != nil {
		return nil, err
	}
	if isToggle == nil {
		isToggle = func() bool { return false }
	}
	return &silenceWatcher{vad: vp, isToggle: isToggle, onEvent: onEvent}, nil
}

// Observe is called from the capture pump and must not block.
func (w *silenceWatcher) Observe(f audio.Frame) {
	w.mu.Lock()
	if w.mon == nil || f.Seq <= w.lastSeq {
		w.vad.Reset()
		w.mon = newSilenceMonitor(w.isToggle)
	}
	w.lastSeq = f.Seq
	w.vad.Feed(f.Bytes())
	ev := w.mon.Tick(w.vad.Speaking())
	w.mu.Unlock()

	if ev != SilenceNone && w.onEvent != nil {
		w.onEvent(ev)
	}
}
