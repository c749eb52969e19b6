//go:build windows

package beep

// No audio playback on Windows; cues are rendered but never played.

func initOutput()      {}
func output(_ []int16) {}
