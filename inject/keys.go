package inject

import (
	"context"

	"github.com/rivo/uniseg"
)

// Keyboard synthesizes single key presses.
type Keyboard interface {
	CanType(c byte) bool
	Tap(c byte) error
}

// KeysInjector types ASCII grapheme clusters as key taps. Any cluster the
// keyboard cannot produce is pasted whole through the paste injector, so a
// base letter and its combining marks are never split.
type KeysInjector struct {
	kb    Keyboard
	paste Injector
}

func NewKeys(kb Keyboard, paste Injector) *KeysInjector {
	return &KeysInjector{kb: kb, paste: paste}
}

func (k *KeysInjector) Inject(ctx context.Context, text string) error {
	// Consecutive untypeable clusters are pasted together.
	var run []byte
	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		err := k.paste.Inject(ctx, string(run))
		run = run[:0]
		return err
	}

	g := uniseg.NewGraphemes(text)
	for g.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cluster := g.Str()
		if len(cluster) != 1 || !k.kb.CanType(cluster[0]) {
			run = append(run, cluster...)
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		if err := k.kb.Tap(cluster[0]); err != nil {
			return failed("key tap", err)
		}
	}
	return flush()
}
