package audio

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

var ErrSelectionCancelled = errors.New("device selection cancelled")

type pickAction int

const (
	pickMove pickAction = iota
	pickDone
	pickAbort
)

// pickerKey applies one terminal read to the cursor over n devices.
func pickerKey(key []byte, cursor, n int) (int, pickAction) {
	switch {
	case len(key) == 1 && (key[0] == '\r' || key[0] == '\n'):
		return cursor, pickDone
	case len(key) == 1 && (key[0] == 3 || key[0] == 'q'): // Ctrl+C
		return cursor, pickAbort
	case len(key) == 1 && key[0] == 'k', string(key) == "\x1b[A":
		return max(cursor-1, 0), pickMove
	case len(key) == 1 && key[0] == 'j', string(key) == "\x1b[B":
		return min(cursor+1, n-1), pickMove
	case len(key) == 1 && key[0] >= '1' && key[0] <= '9':
		if i := int(key[0] - '1'); i < n {
			return i, pickMove
		}
	}
	return cursor, pickMove
}

func renderPicker(devices []DeviceInfo, cursor int) string {
	var b strings.Builder
	b.WriteString("\r\x1b[J")
	b.WriteString("Select microphone (↑/↓ or 1-9, Enter to confirm):\r\n\r\n")
	for i, d := range devices {
		tag := ""
		if IsBluetooth(d.Name) {
			tag = " \x1b[33m[⚠ Lower audio quality]\x1b[0m"
		}
		if i == cursor {
			fmt.Fprintf(&b, "  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, tag)
		} else {
			fmt.Fprintf(&b, "    %s%s\r\n", d.Name, tag)
		}
	}
	return b.String()
}

// SelectDevice lets the user pick a microphone in raw terminal mode. A single
// device is returned without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	switch len(devices) {
	case 0:
		return nil, fmt.Errorf("no capture devices found")
	case 1:
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	cursor := 0
	fmt.Print(renderPicker(devices, cursor))
	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		var action pickAction
		cursor, action = pickerKey(buf[:n], cursor, len(devices))
		switch action {
		case pickDone:
			fmt.Print("\r\n")
			return &devices[cursor], nil
		case pickAbort:
			fmt.Print("\r\n")
			return nil, ErrSelectionCancelled
		}
		fmt.Printf("\x1b[%dA", len(devices)+2)
		fmt.Print(renderPicker(devices, cursor))
	}
}
