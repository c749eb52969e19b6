//go:build linux

package hotkey

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Key codes from linux/input-event-codes.h.
const (
	evKey     = 1
	keyLCtrl  = 29
	keyRCtrl  = 97
	keyLShift = 42
	keyRShift = 54
	keySpace  = 57
)

// Key event values. Repeat is sent while a key is held.
const (
	valueRelease = 0
	valuePress   = 1
	valueRepeat  = 2
)

const inputEventSize = 24

var errNoKeyboards = errors.New("no keyboard devices found (is user in 'input' group?)")

// combo tracks Ctrl+Shift+Space on one keyboard. Either Ctrl and either
// Shift count; the shortcut is down from the Space press with both
// modifiers held until Space is released.
type combo struct {
	ctrl, shift [2]bool
	active      bool
}

// feed applies one key event and reports whether the shortcut went down or up.
func (c *combo) feed(code uint16, value int32) (down, up bool) {
	if value == valueRepeat {
		return false, false
	}
	pressed := value == valuePress
	switch code {
	case keyLCtrl:
		c.ctrl[0] = pressed
	case keyRCtrl:
		c.ctrl[1] = pressed
	case keyLShift:
		c.shift[0] = pressed
	case keyRShift:
		c.shift[1] = pressed
	case keySpace:
		held := (c.ctrl[0] || c.ctrl[1]) && (c.shift[0] || c.shift[1])
		if pressed && !c.active && held {
			c.active = true
			return true, false
		}
		if !pressed && c.active {
			c.active = false
			return false, true
		}
	}
	return false, false
}

type linuxHotkey struct {
	keydown chan struct{}
	keyup   chan struct{}
	files   []*os.File
	once    sync.Once
}

// New reads the shortcut straight from evdev so it works under X11 and
// Wayland alike.
func New() Hotkey {
	return &linuxHotkey{
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}
}

func (h *linuxHotkey) Register() error {
	keyboards, err := findKeyboards()
	if err != nil {
		return fmt.Errorf("finding keyboards: %w", err)
	}
	if len(keyboards) == 0 {
		return errNoKeyboards
	}

	for _, path := range keyboards {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		h.files = append(h.files, f)
		go h.readEvents(f)
	}
	if len(h.files) == 0 {
		return fmt.Errorf("could not open any keyboard device (run: sudo usermod -aG input $USER, then re-login)")
	}
	return nil
}

// readEvents ends when Unregister closes f.
func (h *linuxHotkey) readEvents(f *os.File) {
	buf := make([]byte, inputEventSize*16)
	var c combo
	for {
		n, err := f.Read(buf)
		if err != nil {
			return
		}
		for i := 0; i+inputEventSize <= n; i += inputEventSize {
			if binary.LittleEndian.Uint16(buf[i+16:]) != evKey {
				continue
			}
			code := binary.LittleEndian.Uint16(buf[i+18:])
			value := int32(binary.LittleEndian.Uint32(buf[i+20:]))
			down, up := c.feed(code, value)
			if down {
				notify(h.keydown)
			}
			if up {
				notify(h.keyup)
			}
		}
	}
}

func (h *linuxHotkey) Unregister() {
	h.once.Do(func() {
		for _, f := range h.files {
			f.Close()
		}
	})
}

func (h *linuxHotkey) Keydown() <-chan struct{} { return h.keydown }
func (h *linuxHotkey) Keyup() <-chan struct{}   { return h.keyup }

func findKeyboards() ([]string, error) {
	entries, err := os.ReadDir("/dev/input")
	if err != nil {
		return nil, err
	}
	var keyboards []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "event") && hasSpaceKey(e.Name()) {
			keyboards = append(keyboards, filepath.Join("/dev/input", e.Name()))
		}
	}
	return keyboards, nil
}

// hasSpaceKey reads the device's key capability bitmap from sysfs. Mice and
// power buttons report keys too, but not KEY_SPACE.
func hasSpaceKey(eventName string) bool {
	data, err := os.ReadFile(filepath.Join("/sys/class/input", eventName, "device", "capabilities", "key"))
	if err != nil {
		return false
	}
	return capsHas(strings.TrimSpace(string(data)), keySpace)
}

// capsHas tests bit code in a sysfs bitmap: space separated hex words, most
// significant first, each word one unsigned long.
func capsHas(caps string, code int) bool {
	words := strings.Fields(caps)
	if len(words) == 0 {
		return false
	}
	const bits = 64
	idx := len(words) - 1 - code/bits
	if idx < 0 {
		return false
	}
	var w uint64
	if _, err := fmt.Sscanf(words[idx], "%x", &w); err != nil {
		return false
	}
	return w&(1<<(code%bits)) != 0
}

// Diagnose reports whether any keyboard can be read.
func Diagnose() (string, error) {
	keyboards, err := findKeyboards()
	if err != nil {
		return "", fmt.Errorf("cannot scan input devices: %w", err)
	}
	if len(keyboards) == 0 {
		return "", errNoKeyboards
	}
	for _, path := range keyboards {
		if f, err := os.Open(path); err == nil {
			f.Close()
			return fmt.Sprintf("%d keyboard(s) found, opened %s", len(keyboards), path), nil
		}
	}
	return "", fmt.Errorf("found %d keyboard(s) but cannot open any (run: sudo usermod -aG input $USER)", len(keyboards))
}
