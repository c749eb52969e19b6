package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"nasikh/audio"
	"nasikh/beep"
	"nasikh/config"
	"nasikh/hotkey"
	"nasikh/inject"
	"nasikh/log"
	"nasikh/session"
)

// runTestMode replays wavPath as the microphone and drives the shortcut from
// stdin. Typed text is recorded in memory and printed on QUIT.
//
//	KEYDOWN / KEYUP     press or release the shortcut
//	CANCEL              cancel the active session
//	WAIT                block until the current session is back to idle
//	WAIT_AUDIO_DONE     block until the whole WAV has been captured
//	SLEEP <ms>
//	QUIT
func runTestMode(cfg config.Config, wavPath string) {
	beep.Disable()
	defer log.Close()

	fakeCtx, err := audio.NewFakeContext(wavPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		os.Exit(1)
	}
	client, err := newRecognizer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	mem := inject.NewMemory()
	hk := hotkey.NewFake()
	var hy *hotkey.Hybrid
	if cfg.Hotkey.Hybrid {
		hy = hotkey.NewHybrid(hk, cfg.Hotkey.LongPress())
	}

	ctrl := session.New(session.Options{
		Capture:    audio.NewRecorder(fakeCtx, nil, audio.DefaultCaptureConfig()),
		Recognizer: client,
		Injector:   mem,
		Config:     sessionConfig(cfg),
	})

	idle := make(chan struct{}, 1)
	go func() {
		for ev := range ctrl.Events() {
			switch ev := ev.(type) {
			case session.StateChanged:
				switch ev.State {
				case session.Completed, session.Cancelled, session.Failed:
					fmt.Printf("state: %s %s\n", ev.State, ev.Reason)
				case session.Idle:
					select {
					case idle <- struct{}{}:
					default:
					}
				}
				if hy != nil && ev.State == session.Idle {
					hy.Release()
				}
			case session.TranscriptFinal:
				fmt.Printf("final: %s\n", ev.Text)
			case session.Error:
				fmt.Fprintf(os.Stderr, "error: %s\n", ev.Message)
			case session.AuthRequired:
				fmt.Fprintln(os.Stderr, "error: API key required")
			}
		}
	}()
	go runHotkey(ctrl, hk, hy, nil)

	quit := func() {
		ctrl.Close()
		fmt.Printf("typed: %s\n", mem.Text())
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		switch cmd {
		case "KEYDOWN":
			hk.SimKeydown()
		case "KEYUP":
			hk.SimKeyup()
		case "CANCEL":
			if err := ctrl.Cancel("test"); err != nil {
				log.Warnf("cancel: %v", err)
			}
		case "WAIT":
			<-idle
		case "WAIT_AUDIO_DONE":
			waitAudioDone(fakeCtx)
		case "QUIT":
			quit()
			return
		default:
			if strings.HasPrefix(cmd, "SLEEP ") {
				if ms, err := strconv.Atoi(cmd[6:]); err == nil {
					time.Sleep(time.Duration(ms) * time.Millisecond)
				}
			}
		}
	}
	quit()
}

// waitAudioDone waits for the capture opened by the current session to play
// out its PCM. The capture is opened asynchronously after KEYDOWN.
func waitAudioDone(fakeCtx *audio.FakeContext) {
	deadline := time.Now().Add(5 * time.Second)
	for fakeCtx.Last() == nil {
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	<-fakeCtx.Last().AudioDone()
}
