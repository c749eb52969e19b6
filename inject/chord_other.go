//go:build !linux && !darwin

package inject

import "github.com/micmonay/keybd_event"

const pasteChordName = "Ctrl+V"

func setPasteModifier(kb *keybd_event.KeyBonding) {
	kb.HasCTRL(true)
}
