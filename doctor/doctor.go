package doctor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"nasikh/audio"
	"nasikh/config"
	"nasikh/hotkey"
	"nasikh/inject"
	"nasikh/shutdown"
	"nasikh/transcriber"
	"nasikh/transcript"
)

const (
	listenFor  = 3 * time.Second
	// peakFloor is the lowest peak level that counts as a working microphone.
	peakFloor  = 0.01
	sampleText = "nasikh-doctor ناسخ"
)

// Run executes interactive diagnostic checks and returns an exit code (0=all pass, 1=any fail).
func Run(cfg config.Config) int {
	resetTerminal()
	shutdown.OnSignal(func(os.Signal) {
		fmt.Println("\nInterrupted")
		os.Exit(1)
	})

	fmt.Println("nasikh doctor - interactive system diagnostics")
	fmt.Println("==============================================")

	allPass := checkHotkey()
	var dev *audio.DeviceInfo
	if allPass {
		var ok bool
		dev, ok = checkMicrophone(cfg)
		allPass = ok
	}
	if allPass && !checkRecognition(cfg, dev) {
		allPass = false
	}
	if allPass && !checkClipboard() {
		allPass = false
	}
	if allPass && !checkTyping(cfg) {
		allPass = false
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func checkHotkey() bool {
	fmt.Println()
	fmt.Println("[1/5] Hotkey detection")
	msg, err := hotkey.Diagnose()
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	fmt.Printf("  %s\n", msg)
	fmt.Println("Press Ctrl+Shift+Space...")

	hk := hotkey.New()
	if err := hk.Register(); err != nil {
		fmt.Printf("  FAIL: could not register hotkey: %v\n", err)
		return false
	}
	defer hk.Unregister()

	select {
	case <-hk.Keydown():
		fmt.Println("  PASS: hotkey detected")
		// Wait for keyup to avoid triggering next step
		select {
		case <-hk.Keyup():
		case <-time.After(5 * time.Second):
		}
		// Reset terminal after hotkey - it may leave terminal in raw mode
		resetTerminal()
		return true
	case <-time.After(10 * time.Second):
		fmt.Println("  FAIL: timeout waiting for hotkey")
		return false
	}
}

// chooseDevice maps a 1-based menu answer to a device. Empty picks the first.
func chooseDevice(devices []audio.DeviceInfo, answer string) (*audio.DeviceInfo, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return &devices[0], nil
	}
	idx, err := strconv.Atoi(answer)
	if err != nil || idx < 1 || idx > len(devices) {
		return nil, fmt.Errorf("invalid choice %q", answer)
	}
	return &devices[idx-1], nil
}

func checkMicrophone(cfg config.Config) (*audio.DeviceInfo, bool) {
	fmt.Println()
	fmt.Println("[2/5] Microphone")

	actx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return nil, false
	}
	defer actx.Close()

	devices, err := actx.Devices()
	if err != nil {
		fmt.Printf("  FAIL: cannot list devices: %v\n", err)
		return nil, false
	}
	if len(devices) == 0 {
		fmt.Println("  FAIL: no capture devices found")
		return nil, false
	}

	dev, err := audio.FindDevice(actx, cfg.Audio.Device)
	switch {
	case err == nil && dev != nil:
		fmt.Printf("Using configured device: %s\n", dev.Name)
	case len(devices) == 1:
		dev = &devices[0]
		fmt.Printf("Using device: %s\n", dev.Name)
	default:
		fmt.Println()
		fmt.Println("Select input device:")
		for i, d := range devices {
			fmt.Printf("  %d. %s\n", i+1, d.Name)
		}
		fmt.Printf("Choice [1-%d]: ", len(devices))
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		dev, err = chooseDevice(devices, answer)
		if err != nil {
			fmt.Printf("  FAIL: %v\n", err)
			return nil, false
		}
		fmt.Printf("Selected: %s\n", dev.Name)
	}
	if audio.IsBluetooth(dev.Name) {
		fmt.Println("  Warning: bluetooth headsets capture at reduced quality")
	}

	fmt.Printf("Speak for %s...\n", listenFor)
	rec := audio.NewRecorder(actx, dev, audio.CaptureConfig{
		SampleRate: uint32(cfg.Audio.SampleRate),
		Channels:   uint32(cfg.Audio.Channels),
	})
	frames, peak, dropped, err := listen(rec, listenFor, nil)
	if err != nil {
		fmt.Printf("  FAIL: recording error: %v\n", err)
		return nil, false
	}
	fmt.Printf("  %d frames, peak level %.3f, %d dropped\n", frames, peak, dropped)
	if frames == 0 {
		fmt.Println("  FAIL: no audio captured")
		return nil, false
	}
	if peak < peakFloor {
		fmt.Println("  FAIL: only silence captured (muted or wrong device?)")
		return nil, false
	}
	fmt.Println("  PASS: microphone captures audio")
	return dev, true
}

// listen captures for d, handing each frame to send when it is set.
func listen(rec *audio.Recorder, d time.Duration, send func(audio.Frame) error) (frames int, peak float64, dropped uint64, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	src, err := rec.Open(ctx)
	if err != nil {
		return 0, 0, 0, err
	}

	fmt.Print("  Recording")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-src.Frames():
			if !ok {
				fmt.Println(" done")
				return frames, peak, src.Dropped(), errors.New("capture stopped")
			}
			frames++
			peak = max(peak, f.Level)
			if send != nil {
				if err := send(f); err != nil {
					src.Close()
					fmt.Println()
					return frames, peak, src.Dropped(), err
				}
			}
		case <-ticker.C:
			fmt.Print(".")
		case <-ctx.Done():
			src.Close()
			fmt.Println(" done")
			return frames, peak, src.Dropped(), nil
		}
	}
}

func checkRecognition(cfg config.Config, dev *audio.DeviceInfo) bool {
	fmt.Println()
	fmt.Println("[3/5] Streaming recognition")

	reader := bufio.NewReader(os.Stdin)
	credential := cfg.Recognizer.Credential
	if credential == "" {
		fmt.Printf("Enter %s API key: ", cfg.Recognizer.Protocol)
		credential, _ = reader.ReadString('\n')
		credential = strings.TrimSpace(credential)
		if credential == "" {
			fmt.Println("  FAIL: API key required")
			return false
		}
	}

	client, err := transcriber.New(transcriber.Config{
		URL:              cfg.Recognizer.URL,
		Protocol:         cfg.Recognizer.Protocol,
		Model:            cfg.Recognizer.Model,
		HandshakeTimeout: cfg.Recognizer.HandshakeTimeout(),
		GraceTimeout:     cfg.Recognizer.GraceTimeout(),
		Prime:            cfg.Recognizer.Prime,
	})
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}

	actx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return false
	}
	defer actx.Close()

	fmt.Print("Press Enter and speak for 3 seconds...")
	reader.ReadString('\n')

	start := time.Now()
	stream, err := client.Connect(context.Background(), credential, cfg.Recognizer.Language)
	if err != nil {
		switch {
		case errors.Is(err, transcriber.ErrAuthRejected):
			fmt.Printf("  FAIL: API key rejected: %v\n", err)
		case errors.Is(err, transcriber.ErrTimeout):
			fmt.Printf("  FAIL: service did not answer in time: %v\n", err)
		default:
			fmt.Printf("  FAIL: cannot connect: %v\n", err)
		}
		return false
	}
	fmt.Printf("  Connected to %s in %dms\n", client.Name(), time.Since(start).Milliseconds())

	var text string
	received := make(chan struct{})
	go func() {
		defer close(received)
		rc := transcript.New()
		for msg := range stream.Events() {
			text = rc.ApplyAll(msg).Transcript
		}
	}()

	rec := audio.NewRecorder(actx, dev, audio.CaptureConfig{
		SampleRate: uint32(cfg.Audio.SampleRate),
		Channels:   uint32(cfg.Audio.Channels),
	})
	if _, _, _, err := listen(rec, listenFor, stream.Send); err != nil {
		stream.CloseImmediately()
		<-received
		fmt.Printf("  FAIL: streaming error: %v\n", err)
		return false
	}
	closeErr := stream.CloseGracefully(context.Background())
	<-received
	if closeErr != nil {
		fmt.Printf("  FAIL: finishing stream: %v\n", closeErr)
		return false
	}

	st := stream.Stats()
	fmt.Printf("  sent %d chunks, %d interim + %d final results, finalize %dms\n",
		st.SentChunks, st.RecvInterim, st.RecvFinal, st.FinalizeWait.Milliseconds())

	text = strings.TrimSpace(text)
	if text == "" {
		text = "(no speech detected)"
	}
	fmt.Printf("\n  Transcribed text: %s\n\n", text)

	// Fresh reader to clear any buffered input
	confirmReader := bufio.NewReader(os.Stdin)
	fmt.Print("Is this correct? [y/n]: ")
	if !confirmed(confirmReader) {
		fmt.Println("  FAIL: transcription not confirmed")
		return false
	}
	fmt.Println("  PASS: transcription verified by user")
	return true
}

func checkClipboard() bool {
	fmt.Println()
	fmt.Println("[4/5] Clipboard")

	testStr := fmt.Sprintf("nasikh-doctor-%d", time.Now().UnixNano())
	clip := inject.SystemClipboard{}

	type cbResult struct {
		readback string
		err      error
		phase    string
	}
	ch := make(chan cbResult, 1)
	go func() {
		prev, _ := clip.Read()
		if err := clip.Write(testStr); err != nil {
			ch <- cbResult{err: err, phase: "write"}
			return
		}
		got, err := clip.Read()
		clip.Write(prev)
		if err != nil {
			ch <- cbResult{err: err, phase: "read"}
			return
		}
		ch <- cbResult{readback: got}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			fmt.Printf("  FAIL: clipboard %s failed: %v\n", res.phase, res.err)
			return false
		}
		if res.readback != testStr {
			fmt.Printf("  FAIL: clipboard mismatch: wrote %q, got %q\n", testStr, res.readback)
			return false
		}
		fmt.Println("  PASS: clipboard write/read verified")
		return true
	case <-time.After(3 * time.Second):
		fmt.Println("  FAIL: clipboard timed out (clipboard tool hung - compositor not accessible?)")
		return false
	}
}

func checkTyping(cfg config.Config) bool {
	fmt.Println()
	fmt.Println("[5/5] Typing into the focused window")

	msg, err := inject.Verify()
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		fmt.Println("  Fix with: sudo chmod 660 /dev/uinput && sudo chgrp input /dev/uinput")
		return false
	}
	fmt.Printf("  %s\n", msg)

	injector, err := inject.New(cfg.Inject.Mode)
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}

	fmt.Println("Focus on a text editor window...")
	for i := 5; i > 0; i-- {
		fmt.Printf("  %d...\n", i)
		time.Sleep(1 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := injector.Inject(ctx, sampleText); err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}

	// Reset terminal and use fresh reader for confirmation
	resetTerminal()
	fmt.Println()
	fmt.Printf("Did the text %q appear? [y/n]: ", sampleText)
	if !confirmed(bufio.NewReader(os.Stdin)) {
		fmt.Println("  FAIL: typing not confirmed")
		return false
	}
	fmt.Println("  PASS: typing verified by user")
	return true
}

func confirmed(r *bufio.Reader) bool {
	answer, _ := r.ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}
