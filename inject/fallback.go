package inject

import (
	"context"
	"errors"

	"nasikh/log"
)

type fallback struct {
	primary, secondary Injector
}

// Fallback tries secondary when primary fails. The secondary's error is
// the one reported.
func Fallback(primary, secondary Injector) Injector {
	return &fallback{primary: primary, secondary: secondary}
}

func (f *fallback) Inject(ctx context.Context, text string) error {
	err := f.primary.Inject(ctx, text)
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	log.Warnf("primary injector failed, falling back: %v", err)
	if err := f.secondary.Inject(ctx, text); err != nil {
		return failed("fallback", err)
	}
	return nil
}
