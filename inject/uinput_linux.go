//go:build linux

package inject

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// linux/uinput.h
const (
	uiSetEvbit   = 0x40045564
	uiSetKeybit  = 0x40045565
	uiDevCreate  = 0x5501
	uiDevDestroy = 0x5502
)

// linux/input-event-codes.h
const (
	evSyn = 0x00
	evKey = 0x01

	keyLeftCtrl  = 29
	keyLeftShift = 42
	keyV         = 47
)

const (
	deviceName = "nasikh-input"
	busUSB     = 0x03
	// settleDelay gives the compositor time to pick up a new input device.
	settleDelay = 200 * time.Millisecond
	// chordPause separates the steps of a paste chord so the modifier is
	// registered before the key.
	chordPause = 5 * time.Millisecond
)

type inputEvent struct {
	Time  unix.Timeval
	Type  uint16
	Code  uint16
	Value int32
}

// deviceSetup mirrors struct uinput_user_dev.
type deviceSetup struct {
	Name         [80]byte
	Bustype      uint16
	Vendor       uint16
	Product      uint16
	Version      uint16
	FFEffectsMax uint32
	Abs          [4][64]int32
}

// step is one key transition, reported to the kernel with its own sync.
type step struct {
	code uint16
	down bool
}

// chordSteps holds mods in order around a tap of key and releases them in
// reverse.
func chordSteps(key uint16, mods ...uint16) []step {
	steps := make([]step, 0, 2*len(mods)+2)
	for _, m := range mods {
		steps = append(steps, step{code: m, down: true})
	}
	steps = append(steps, step{code: key, down: true}, step{code: key})
	for i := len(mods) - 1; i >= 0; i-- {
		steps = append(steps, step{code: mods[i]})
	}
	return steps
}

func (s step) encode() []byte {
	var value int32
	if s.down {
		value = 1
	}
	b, _ := binary.Append(nil, binary.LittleEndian, inputEvent{Type: evKey, Code: s.code, Value: value})
	b, _ = binary.Append(b, binary.LittleEndian, inputEvent{Type: evSyn})
	return b
}

func decodeEvents(b []byte) []inputEvent {
	size := binary.Size(inputEvent{})
	var out []inputEvent
	for len(b) >= size {
		var ev inputEvent
		if _, err := binary.Decode(b[:size], binary.LittleEndian, &ev); err != nil {
			break
		}
		out = append(out, ev)
		b = b[size:]
	}
	return out
}

// virtualKeyboard writes key events to a uinput device. Calls are
// serialized so the steps of two strokes never interleave.
type virtualKeyboard struct {
	mu    sync.Mutex
	w     io.Writer
	close func() error
}

func openVirtualKeyboard() (*virtualKeyboard, error) {
	path := "/dev/uinput"
	if _, err := os.Stat(path); err != nil {
		path = "/dev/input/uinput"
		if _, err := os.Stat(path); err != nil {
			return nil, errors.New("uinput device not found, try: sudo modprobe uinput")
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	if err := createDevice(f); err != nil {
		f.Close()
		return nil, err
	}
	time.Sleep(settleDelay)

	fd := int(f.Fd())
	return &virtualKeyboard{
		w: f,
		close: func() error {
			unix.IoctlSetInt(fd, uiDevDestroy, 0)
			return f.Close()
		},
	}, nil
}

func createDevice(f *os.File) error {
	fd := int(f.Fd())
	for _, ev := range []int{evKey, evSyn} {
		if err := unix.IoctlSetInt(fd, uiSetEvbit, ev); err != nil {
			return fmt.Errorf("enable event type %d: %w", ev, err)
		}
	}
	// All standard keys, so udev classifies the device as a keyboard.
	for code := 0; code < 256; code++ {
		if err := unix.IoctlSetInt(fd, uiSetKeybit, code); err != nil {
			return fmt.Errorf("enable key %d: %w", code, err)
		}
	}
	dev := deviceSetup{Bustype: busUSB, Vendor: 0x1234, Product: 0x5678, Version: 1}
	copy(dev.Name[:], deviceName)
	if err := binary.Write(f, binary.LittleEndian, &dev); err != nil {
		return fmt.Errorf("describe device: %w", err)
	}
	if err := unix.IoctlSetInt(fd, uiDevCreate, 0); err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

func (k *virtualKeyboard) play(steps []step, pause time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, st := range steps {
		if _, err := k.w.Write(st.encode()); err != nil {
			return failed("uinput write", err)
		}
		if pause > 0 && i < len(steps)-1 {
			time.Sleep(pause)
		}
	}
	return nil
}

// Paste sends Ctrl+V.
func (k *virtualKeyboard) Paste() error {
	return k.play(chordSteps(keyV, keyLeftCtrl), chordPause)
}

func (k *virtualKeyboard) CanType(c byte) bool {
	_, _, ok := charToKey(c)
	return ok
}

func (k *virtualKeyboard) Tap(c byte) error {
	code, shift, ok := charToKey(c)
	if !ok {
		return failed("key tap", fmt.Errorf("no key for %q", c))
	}
	if shift {
		return k.play(chordSteps(code, keyLeftShift), 0)
	}
	return k.play(chordSteps(code), 0)
}

func (k *virtualKeyboard) Close() error {
	if k.close == nil {
		return nil
	}
	return k.close()
}

// The process shares one device; creating it takes a noticeable pause.
var system struct {
	once sync.Once
	kb   *virtualKeyboard
	err  error
}

func systemKeyboard() (*virtualKeyboard, error) {
	system.once.Do(func() {
		system.kb, system.err = openVirtualKeyboard()
	})
	return system.kb, system.err
}

// Init creates the virtual keyboard. It is safe to call repeatedly.
func Init() error {
	_, err := systemKeyboard()
	return err
}

// PasteChord sends Ctrl+V through the shared virtual keyboard.
func PasteChord() error {
	kb, err := systemKeyboard()
	if err != nil {
		return failed("uinput", err)
	}
	return kb.Paste()
}

// SystemKeyboard taps keys through the shared virtual keyboard.
type SystemKeyboard struct{}

func (SystemKeyboard) CanType(c byte) bool {
	_, _, ok := charToKey(c)
	return ok
}

func (SystemKeyboard) Tap(c byte) error {
	kb, err := systemKeyboard()
	if err != nil {
		return failed("uinput", err)
	}
	return kb.Tap(c)
}

// findEvdev returns the eventN node under sysDir whose device is called name.
func findEvdev(sysDir, name string) (string, error) {
	entries, err := os.ReadDir(sysDir)
	if err != nil {
		return "", fmt.Errorf("cannot scan input devices: %w", err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "event") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sysDir, e.Name(), "device", "name"))
		if err == nil && strings.TrimSpace(string(data)) == name {
			return e.Name(), nil
		}
	}
	return "", fmt.Errorf("%s evdev device not found", name)
}

// pressedKeys reads one batch of events from r and reports which key codes
// went down.
func pressedKeys(r io.Reader) (map[uint16]bool, error) {
	buf := make([]byte, binary.Size(inputEvent{})*32)
	n, err := r.Read(buf)
	if err != nil {
		return nil, err
	}
	keys := map[uint16]bool{}
	for _, ev := range decodeEvents(buf[:n]) {
		if ev.Type == evKey && ev.Value == 1 {
			keys[ev.Code] = true
		}
	}
	return keys, nil
}

// Verify pastes through the virtual keyboard and reads the chord back from
// the device's evdev node.
func Verify() (string, error) {
	kb, err := systemKeyboard()
	if err != nil {
		return "", fmt.Errorf("uinput init: %w", err)
	}
	node, err := findEvdev("/sys/class/input", deviceName)
	if err != nil {
		return "", err
	}
	path := filepath.Join("/dev/input", node)
	evdev, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer evdev.Close()

	if err := kb.Paste(); err != nil {
		return "", fmt.Errorf("paste send: %w", err)
	}

	type result struct {
		keys map[uint16]bool
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		keys, err := pressedKeys(evdev)
		ch <- result{keys, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("reading events: %w", r.err)
		}
		if !r.keys[keyLeftCtrl] || !r.keys[keyV] {
			return "", fmt.Errorf("missing events (ctrl=%v, v=%v)", r.keys[keyLeftCtrl], r.keys[keyV])
		}
		return fmt.Sprintf("Ctrl+V keystroke verified via %s", path), nil
	case <-time.After(500 * time.Millisecond):
		return "", errors.New("timed out waiting for keystroke events")
	}
}
