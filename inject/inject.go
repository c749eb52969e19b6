// Package inject types text into whatever window currently has input focus.
package inject

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInjectionFailed = errors.New("text injection failed")
	ErrPreempted       = errors.New("injection preempted")
)

type Injector interface {
	Inject(ctx context.Context, text string) error
}

// Func adapts a plain function to Injector.
type Func func(ctx context.Context, text string) error

func (f Func) Inject(ctx context.Context, text string) error { return f(ctx, text) }

func failed(op string, err error) error {
	if errors.Is(err, ErrInjectionFailed) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrInjectionFailed, op, err)
}

// New builds the injector for mode: "clipboard" pastes every chunk, "keys"
// types ASCII and pastes the rest, "auto" pastes and falls back to keys.
func New(mode string) (Injector, error) {
	clip := NewClipboard(SystemClipboard{}, PasteChord)
	keys := NewKeys(SystemKeyboard{}, clip)
	switch mode {
	case "", "auto":
		return Fallback(clip, keys), nil
	case "clipboard":
		return clip, nil
	case "keys":
		return keys, nil
	default:
		return nil, fmt.Errorf("unknown injection mode %q", mode)
	}
}
