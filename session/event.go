package session

// Event is what the presentation layer renders. Exactly one of the types
// below.
type Event interface {
	event()
}

type StateChanged struct {
	SessionID   string
	State       State
	IsRecording bool
	Reason      string
}

type TranscriptUpdated struct {
	Text    string
	IsFinal bool
}

type TranscriptFinal struct {
	Text string
}

type AudioLevel struct {
	Level float64
}

// Error reports a failure. Fatal errors ended the session; others (a chunk
// that could not be typed, a slow recognizer at stop) did not.
type Error struct {
	Message string
	Err     error
	Fatal   bool
}

// AuthRequired asks the presentation layer to prompt for a new credential.
type AuthRequired struct{}

func (StateChanged) event()      {}
func (TranscriptUpdated) event() {}
func (TranscriptFinal) event()   {}
func (AudioLevel) event()        {}
func (Error) event()             {}
func (AuthRequired) event()      {}
