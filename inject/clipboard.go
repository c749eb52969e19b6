package inject

import (
	"context"
	"sync"
	"time"

	"nasikh/log"

	cb "github.com/atotto/clipboard"
	"golang.org/x/text/unicode/norm"
)

const (
	clipboardSettle  = 35 * time.Millisecond
	pasteSettle      = 120 * time.Millisecond
	clipboardRestore = 1200 * time.Millisecond
)

type Clipboard interface {
	Read() (string, error)
	Write(text string) error
}

// SystemClipboard is the OS clipboard.
type SystemClipboard struct{}

func (SystemClipboard) Read() (string, error)   { return cb.ReadAll() }
func (SystemClipboard) Write(text string) error { return cb.WriteAll(text) }

// ClipboardInjector inserts each chunk in one paste, so combining marks and
// right-to-left text arrive intact. The user's clipboard is restored once
// no paste has happened for clipboardRestore.
type ClipboardInjector struct {
	clip  Clipboard
	paste func() error

	Settle  time.Duration
	After   time.Duration
	Restore time.Duration

	mu       sync.Mutex
	saved    string
	hasSaved bool
	gen      uint64
	timer    *time.Timer
}

func NewClipboard(clip Clipboard, paste func() error) *ClipboardInjector {
	return &ClipboardInjector{
		clip:    clip,
		paste:   paste,
		Settle:  clipboardSettle,
		After:   pasteSettle,
		Restore: clipboardRestore,
	}
}

func (c *ClipboardInjector) Inject(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	text = norm.NFC.String(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Only the first paste of a burst sees the user's own clipboard.
	if !c.hasSaved {
		prev, err := c.clip.Read()
		if err != nil {
			log.Warnf("clipboard read: %v", err)
		}
		c.saved, c.hasSaved = prev, err == nil
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++

	if err := c.clip.Write(text); err != nil {
		c.scheduleRestore()
		return failed("clipboard write", err)
	}
	time.Sleep(c.Settle)
	if err := c.paste(); err != nil {
		c.scheduleRestore()
		return failed("paste", err)
	}
	time.Sleep(c.After)
	c.scheduleRestore()
	return nil
}

// scheduleRestore must be called with mu held.
func (c *ClipboardInjector) scheduleRestore() {
	if !c.hasSaved {
		return
	}
	gen := c.gen
	c.timer = time.AfterFunc(c.Restore, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen || !c.hasSaved {
			return
		}
		if err := c.clip.Write(c.saved); err != nil {
			log.Warnf("clipboard restore: %v", err)
		}
		c.saved, c.hasSaved = "", false
	})
}

// Flush restores the saved clipboard right away.
func (c *ClipboardInjector) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	if c.hasSaved {
		if err := c.clip.Write(c.saved); err != nil {
			log.Warnf("clipboard restore: %v", err)
		}
		c.saved, c.hasSaved = "", false
	}
}
