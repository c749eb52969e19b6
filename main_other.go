//go:build !linux

package main

import (
	"runtime"

	"golang.design/x/hotkey/mainthread"
)

func init() {
	runtime.LockOSThread()
}

// The global shortcut needs the OS main thread outside linux.
func main() {
	mainthread.Init(run)
}
