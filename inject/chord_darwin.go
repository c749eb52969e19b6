//go:build darwin

package inject

import "github.com/micmonay/keybd_event"

const pasteChordName = "Cmd+V"

func setPasteModifier(kb *keybd_event.KeyBonding) {
	kb.HasSuper(true)
}
