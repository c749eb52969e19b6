package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"nasikh/audio"
	"nasikh/beep"
	"nasikh/config"
	"nasikh/doctor"
	"nasikh/hotkey"
	"nasikh/inject"
	"nasikh/log"
	"nasikh/session"
	"nasikh/shutdown"
	"nasikh/transcriber"
)

var version = "dev"

const authHint = "API key required: set SONIOX_API_KEY or NASIKH_API_KEY"

var deviceSelectChan = make(chan struct{}, 1)

var shutdownOnce sync.Once

func gracefulShutdown(ctrl *session.Controller) {
	shutdownOnce.Do(func() {
		if ctrl != nil {
			ctrl.Close()
		}
		log.Close()
		tuiMu.Lock()
		p := tuiProgram
		tuiMu.Unlock()
		if p != nil {
			p.Quit()
		}
		os.Exit(0)
	})
}

func deviceLineText(dev *audio.DeviceInfo) string {
	name := audio.DefaultDeviceName
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix
}

func modeLineText(cfg config.Config) string {
	typing := "live"
	if !cfg.Inject.LiveTyping {
		typing = "on release"
	}
	lang := cfg.Recognizer.Language
	if lang == "" {
		lang = "auto"
	}
	return fmt.Sprintf("[%s | %s | %s, %s]", cfg.Recognizer.Protocol, lang, cfg.Inject.Mode, typing)
}

func newRecognizer(cfg config.Config) (*transcriber.Client, error) {
	return transcriber.New(transcriber.Config{
		URL:              cfg.Recognizer.URL,
		Protocol:         cfg.Recognizer.Protocol,
		Model:            cfg.Recognizer.Model,
		HandshakeTimeout: cfg.Recognizer.HandshakeTimeout(),
		GraceTimeout:     cfg.Recognizer.GraceTimeout(),
		Prime:            cfg.Recognizer.Prime,
	})
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		Credential:  cfg.Recognizer.Credential,
		Language:    cfg.Recognizer.Language,
		LiveTyping:  cfg.Inject.LiveTyping,
		FocusDelay:  cfg.Inject.FocusDelay(),
		StopTimeout: cfg.Recognizer.GraceTimeout() + time.Second,
	}
}

func captureConfig(cfg config.Config) audio.CaptureConfig {
	return audio.CaptureConfig{
		SampleRate: uint32(cfg.Audio.SampleRate),
		Channels:   uint32(cfg.Audio.Channels),
	}
}

func run() {
	configFlag := flag.String("config", "", "YAML config file")
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	langFlag := flag.String("lang", "", "Language hint for recognition (e.g., ar, en). Empty = auto-detect")
	protocolFlag := flag.String("protocol", "", "Recognition protocol: soniox or generic")
	urlFlag := flag.String("url", "", "Recognition service websocket URL")
	injectFlag := flag.String("inject", "", "Text injection: auto, clipboard or keys")
	liveFlag := flag.Bool("live", true, "Type the transcript while speaking (false = type it all on release)")
	focusDelayFlag := flag.Duration("focusdelay", 0, "Pause before the first typed chunk of a session (default 280ms when typing on release)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	crashFlag := flag.Bool("crash", false, "Trigger synthetic panic for testing crash logging")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	profileFlag := flag.String("profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	testFlag := flag.Bool("test", false, "Test mode (headless, stdin-driven)")
	hybridFlag := flag.Bool("hybrid", false, "Enable hybrid tap+hold recording mode")
	longPressFlag := flag.Duration("longpress", 350*time.Millisecond, "Long-press threshold for PTT vs tap (e.g., 350ms)")
	tuiFlag := flag.Bool("tui", true, "Run with terminal UI")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("nasikh %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.Audio.Device = *deviceFlag
		case "lang":
			cfg.Recognizer.Language = *langFlag
		case "protocol":
			cfg.Recognizer.Protocol = *protocolFlag
		case "url":
			cfg.Recognizer.URL = *urlFlag
		case "inject":
			cfg.Inject.Mode = *injectFlag
		case "live":
			cfg.Inject.LiveTyping = *liveFlag
		case "focusdelay":
			cfg.Inject.FocusDelayMS = int(focusDelayFlag.Milliseconds())
		case "hybrid":
			cfg.Hotkey.Hybrid = *hybridFlag
		case "longpress":
			cfg.Hotkey.LongPressMS = int(longPressFlag.Milliseconds())
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Resolve log directory early
	logFlag := *logPathFlag
	if logFlag == "" && os.Getenv("NASIKH_LOG_PATH") == "" {
		logFlag = cfg.Log.Path
	}
	logPath, err := log.ResolveDir(logFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)

	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if *profileFlag != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", *profileFlag)
			if err := http.ListenAndServe(*profileFlag, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	if *crashFlag {
		panic("TEST CRASH: synthetic panic to verify crash logging")
	}

	if *doctorFlag {
		os.Exit(doctor.Run(cfg))
	}

	// Resolve -setup into a device name early (before daemonization)
	if *setupFlag && cfg.Audio.Device == "" {
		actx, err := audio.NewContext()
		if err != nil {
			fmt.Printf("Error initializing audio: %v\n", err)
			os.Exit(1)
		}
		if dev, err := audio.SelectDevice(actx); err != nil {
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
		} else if dev != nil {
			cfg.Audio.Device = dev.Name
		}
		actx.Close()
	}

	// Daemonize in non-TUI mode: re-exec in background, return shell prompt
	if !*tuiFlag && !*testFlag && os.Getenv("_NASIKH_BG") == "" {
		args := os.Args[1:]
		if cfg.Audio.Device != "" {
			args = append(args, "-device", cfg.Audio.Device)
		}
		exe, _ := os.Executable()
		cmd := exec.Command(exe, args...)
		cmd.Env = append(os.Environ(), "_NASIKH_BG=1")
		devnull, _ := os.Open(os.DevNull)
		cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
		if err := cmd.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	log.Startup(cfg.Recognizer.Protocol, cfg.Recognizer.Language, cfg.Inject.Mode)

	if *testFlag {
		args := flag.Args()
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "Usage: nasikh -test <wav-file>")
			os.Exit(1)
		}
		runTestMode(cfg, args[0])
		return
	}

	client, err := newRecognizer(cfg)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if err := inject.Init(); err != nil {
		fmt.Printf("Warning: keystroke init failed: %v\n", err)
		fmt.Println("Fix with: sudo chmod 660 /dev/uinput && sudo chgrp input /dev/uinput")
	}
	injector, err := inject.New(cfg.Inject.Mode)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Printf("Error initializing audio context: %v\n", err)
		os.Exit(1)
	}
	defer actx.Close()

	device, err := audio.FindDevice(actx, cfg.Audio.Device)
	if err != nil {
		log.Warnf("device lookup failed: %v", err)
		fmt.Printf("Warning: %v, using default device\n", err)
	}
	rec := audio.NewRecorder(actx, device, captureConfig(cfg))

	hk := hotkey.NewDebounced(hotkey.New(), cfg.Hotkey.Debounce())
	if err := hk.Register(); err != nil {
		log.Errorf("hotkey register error: %v", err)
		fmt.Printf("Error registering hotkey: %v\n", err)
		os.Exit(1)
	}
	defer hk.Unregister()

	var hy *hotkey.Hybrid
	isToggle := func() bool { return false }
	if cfg.Hotkey.Hybrid {
		hy = hotkey.NewHybrid(hk, cfg.Hotkey.LongPress())
		isToggle = hy.IsToggle
	}

	var ctrl *session.Controller
	opts := session.Options{
		Capture:    rec,
		Recognizer: client,
		Injector:   injector,
		Config:     sessionConfig(cfg),
	}
	watcher, err := newSilenceWatcher(isToggle, func(ev SilenceEvent) {
		onSilence(ctrl, cfg.Hotkey.AutoStop, ev)
	})
	if err != nil {
		log.Warnf("VAD init failed, silence monitor disabled: %v", err)
	} else {
		opts.OnFrame = watcher.Observe
	}
	ctrl = session.New(opts)

	if *tuiFlag {
		p := NewTUIProgram(func(key string) {
			if err := ctrl.SetCredential(key); err != nil {
				log.Warnf("api key not applied: %v", err)
			}
		}, func() {
			select {
			case deviceSelectChan <- struct{}{}:
			default:
			}
		})
		tuiMu.Lock()
		tuiProgram = p
		tuiMu.Unlock()

		go func() {
			if _, err := p.Run(); err != nil {
				log.Errorf("TUI error: %v", err)
			}
			gracefulShutdown(ctrl)
		}()
	}

	go forwardEvents(ctrl.Events(), hy, *tuiFlag)

	tuiSend(ModeLineMsg{Text: modeLineText(cfg)})
	tuiSend(DeviceLineMsg{Text: deviceLineText(device)})
	if cfg.Recognizer.Credential == "" {
		tuiSend(AuthRequiredMsg{})
	}

	go watchDevices(actx, rec, cfg.Audio.Device, deviceSelectChan)

	shutdown.OnSignal(func(sig os.Signal) {
		log.Infof("received %v, shutting down", sig)
		gracefulShutdown(ctrl)
	})

	go beep.Init()

	runHotkey(ctrl, hk, hy, nil)
}

// runHotkey feeds shortcut presses to the controller until quit is closed.
// Without a hybrid wrapper the key is plain hold-to-talk.
func runHotkey(ctrl *session.Controller, hk hotkey.Hotkey, hy *hotkey.Hybrid, quit <-chan struct{}) {
	if hy != nil {
		for {
			select {
			case <-quit:
				return
			case ev := <-hy.Start():
				log.Info("hotkey_start_" + string(ev.Mode))
				startSession(ctrl, hy)
			case <-hy.StopChan():
				log.Info("hotkey_stop")
				stopSession(ctrl, "hotkey")
			}
		}
	}
	for {
		select {
		case <-quit:
			return
		case <-hk.Keydown():
			log.Info("hotkey_down")
			startSession(ctrl, nil)
		case <-hk.Keyup():
			log.Info("hotkey_up")
			stopSession(ctrl, "release")
		}
	}
}

// startSession starts a recording for a press. When nothing starts the
// hybrid shortcut is released, so the press does not leave a toggle armed.
func startSession(ctrl *session.Controller, hy *hotkey.Hybrid) {
	err := ctrl.Start()
	if err != nil && hy != nil && !errors.Is(err, session.ErrAlreadyActive) {
		hy.Release()
	}
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNoCredential):
		// AuthRequired is already on the event channel.
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrSessionBusy):
		log.Warnf("start ignored: %v", err)
	default:
		log.Errorf("start failed: %v", err)
	}
}

func stopSession(ctrl *session.Controller, reason string) {
	if err := ctrl.Stop(reason); err != nil && !errors.Is(err, session.ErrNotActive) {
		log.Errorf("stop failed: %v", err)
	}
}

func onSilence(ctrl *session.Controller, autoStop bool, ev SilenceEvent) {
	// Runs on the capture pump, which must not wait on the TUI.
	go tuiSend(SilenceMsg{Event: ev})
	switch ev {
	case SilenceWarn:
		log.Info("no_voice_warning")
		beep.Play(beep.Warn)
	case SilenceRepeat:
		log.Info("silence_during_warning")
		beep.Play(beep.Warn)
	case SilenceAutoClose:
		if !autoStop || ctrl == nil {
			return
		}
		log.Info("silence_auto_close")
		// Called from the capture pump; Stop waits on the controller.
		go stopSession(ctrl, "silence")
	}
}

// forwardEvents drains the controller's events into the TUI and the beeps.
func forwardEvents(events <-chan session.Event, hy *hotkey.Hybrid, tui bool) {
	for ev := range events {
		switch ev := ev.(type) {
		case session.StateChanged:
			switch ev.State {
			case session.Recording:
				beep.Play(beep.Start)
			case session.Stopping:
				beep.Play(beep.End)
			case session.Failed:
				beep.Play(beep.Error)
			case session.Idle:
				if hy != nil {
					hy.Release()
				}
			}
			tuiSend(StateMsg{State: ev.State, Reason: ev.Reason})
		case session.TranscriptUpdated:
			tuiSend(LiveTextMsg{Text: ev.Text})
		case session.TranscriptFinal:
			tuiSend(LiveTextMsg{Text: ev.Text, Final: true})
		case session.AudioLevel:
			tuiSend(AudioLevelMsg{Level: ev.Level})
		case session.Error:
			tuiSend(ErrorMsg{Text: ev.Message})
		case session.AuthRequired:
			tuiSend(AuthRequiredMsg{})
			log.Warn(authHint)
			if !tui {
				fmt.Fprintln(os.Stderr, authHint)
			}
		}
	}
}

// watchDevices applies device picks and follows hotplug changes. A switch
// takes effect at the next session.
func watchDevices(actx audio.Context, rec *audio.Recorder, preferred string, pick <-chan struct{}) {
	var last []string
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-pick:
			if dev := pickDevice(actx); dev != nil {
				preferred = dev.Name
				applyDevice(rec, dev)
			}
		case <-ticker.C:
			devices, err := actx.Devices()
			if err != nil {
				continue
			}
			names := make([]string, len(devices))
			for i := range devices {
				names[i] = devices[i].Name
			}
			if slices.Equal(last, names) {
				continue
			}
			last = names
			selName := ""
			if dev := rec.Device(); dev != nil {
				selName = dev.Name
			}
			if selName != "" && !slices.Contains(names, selName) {
				// Selected device disappeared, fall back to default
				log.Info("device_disconnected: " + selName)
				applyDevice(rec, nil)
			} else if selName == "" && preferred != "" && slices.Contains(names, preferred) {
				// Preferred device reappeared, reconnect
				log.Info("device_reconnected: " + preferred)
				idx := slices.Index(names, preferred)
				applyDevice(rec, &devices[idx])
			}
		}
	}
}

func pickDevice(actx audio.Context) *audio.DeviceInfo {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.ReleaseTerminal()
		defer p.RestoreTerminal()
	}
	dev, err := audio.SelectDevice(actx)
	if errors.Is(err, audio.ErrSelectionCancelled) {
		return nil
	}
	if err != nil {
		log.Warnf("device selection failed: %v", err)
		return nil
	}
	return dev
}

func applyDevice(rec *audio.Recorder, dev *audio.DeviceInfo) {
	name := audio.DefaultDeviceName
	if dev != nil {
		name = dev.Name
	}
	log.Info("device_switch: " + name)
	rec.SetDevice(dev)
	tuiSend(DeviceLineMsg{Text: deviceLineText(dev)})
}
