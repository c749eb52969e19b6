// Package hotkey delivers presses and releases of the global dictation
// shortcut, Ctrl+Shift+Space.
package hotkey

// Hotkey signals shortcut transitions. Channels are buffered by one and a
// signal the consumer has not taken yet is not repeated.
type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
