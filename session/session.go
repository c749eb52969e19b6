// Package session runs one dictation at a time: it opens the microphone and
// the recognizer, folds recognition results into a transcript, and types the
// new text as it is confirmed.
package session

import (
	"errors"
	"time"
)

type State int

const (
	Idle State = iota
	Starting
	Recording
	Stopping
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Active reports whether a session holds the microphone or the connection.
func (s State) Active() bool {
	return s == Starting || s == Recording || s == Stopping
}

var (
	ErrAlreadyActive = errors.New("session already active")
	ErrSessionBusy   = errors.New("session is finishing")
	ErrNotActive     = errors.New("no active session")
	ErrNoCredential  = errors.New("recognizer credential not set")
	ErrClosed        = errors.New("controller closed")
)

// Session is a snapshot of the current (or last) dictation.
type Session struct {
	ID    string
	State State
	// Transcript is committed text followed by the current interim window.
	Transcript string
	// LastInjectedOffset counts the runes of Transcript handed to the injector.
	LastInjectedOffset int
	StartedAt          time.Time
	StopReason         string
}
