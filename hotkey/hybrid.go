package hotkey

import (
	"sync/atomic"
	"time"
)

type Mode string

const (
	ModePTT    Mode = "ptt"
	ModeToggle Mode = "toggle"
)

// StartEvent indicates a new recording should start with the given mode.
type StartEvent struct {
	Mode Mode
}

// Hybrid wraps a Hotkey to provide hybrid tap-to-toggle and hold-to-talk behavior
// using the same key combination. It emits Start events and a unified Stop channel
// that signals when recording should end (for both PTT and Toggle modes).
type Hybrid struct {
	startCh chan StartEvent
	stopCh  chan struct{}
	release chan struct{}
	toggle  atomic.Bool
}

// NewHybrid builds a Hybrid controller on top of an existing Hotkey.
// longPress specifies the duration threshold to treat a press as PTT vs tap.
func NewHybrid(hk Hotkey, longPress time.Duration) *Hybrid {
	h := &Hybrid{
		startCh: make(chan StartEvent, 1),
		stopCh:  make(chan struct{}, 1),
		release: make(chan struct{}, 1),
	}
	go h.run(hk, longPress)
	return h
}

// Start returns a channel of StartEvent values signaling when to begin recording.
func (h *Hybrid) Start() <-chan StartEvent { return h.startCh }

// StopChan returns a channel that is signaled when to stop recording
// (used for both PTT and toggle modes).
func (h *Hybrid) StopChan() <-chan struct{} { return h.stopCh }

// IsToggle reports whether the current recording was started by a short tap
// and keeps running after the key is released.
func (h *Hybrid) IsToggle() bool { return h.toggle.Load() }

// Release reports that the recording ended without a key press, on silence
// or on failure, so the next press starts a new one. It may arrive before
// the keyup of the tap that started the recording.
func (h *Hybrid) Release() {
	select {
	case h.release <- struct{}{}:
	default:
	}
}

type hybridState int

const (
	stIdle hybridState = iota
	stToggleRecording
)

func (h *Hybrid) run(hk Hotkey, longPress time.Duration) {
	state := stIdle
	for {
		switch state {
		case stIdle:
			// Any press starts immediately; mode is decided by hold duration.
			<-hk.Keydown()
			h.toggle.Store(false)
			select {
			case <-h.release:
			default:
			}
			h.startCh <- StartEvent{Mode: ModeToggle}
			timer := time.NewTimer(longPress)
			select {
			case <-timer.C:
				// Held: stop on release.
				<-hk.Keyup()
				h.signalStop()
			case <-hk.Keyup():
				timer.Stop()
				select {
				case <-h.release:
					// Ended before the key came up.
					continue
				default:
				}
				// Short tap: keep recording until the next press.
				h.toggle.Store(true)
				state = stToggleRecording
			}
		case stToggleRecording:
			select {
			case <-hk.Keydown():
				<-hk.Keyup()
				h.toggle.Store(false)
				h.signalStop()
			case <-h.release:
				h.toggle.Store(false)
			}
			state = stIdle
		}
	}
}

func (h *Hybrid) signalStop() {
	select {
	case h.stopCh <- struct{}{}:
	default:
	}
}
