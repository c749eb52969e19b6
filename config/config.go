// Package config resolves settings from defaults, an optional YAML file and
// NASIKH_* environment variables. A .env file in the working directory is
// loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RecognizerConfig struct {
	Protocol           string `yaml:"protocol"`
	URL                string `yaml:"url"`
	Model              string `yaml:"model"`
	Language           string `yaml:"language"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms"`
	GraceTimeoutMS     int    `yaml:"grace_timeout_ms"`
	Prime              bool   `yaml:"prime"`
	// Credential is only read from the environment.
	Credential string `yaml:"-"`
}

type AudioConfig struct {
	Device     string `yaml:"device"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type InjectConfig struct {
	Mode       string `yaml:"mode"` // auto, clipboard, keys
	LiveTyping bool   `yaml:"live_typing"`
	// FocusDelayMS of -1 picks finishFocusDelay when text is typed at stop
	// and no delay with live typing.
	FocusDelayMS int `yaml:"focus_delay_ms"`
}

// finishFocusDelay lets focus return to the target window after the
// shortcut is released, before the transcript is typed at stop.
const finishFocusDelay = 280 * time.Millisecond

type HotkeyConfig struct {
	Hybrid      bool `yaml:"hybrid"` // tap toggles, hold talks
	LongPressMS int  `yaml:"long_press_ms"`
	DebounceMS  int  `yaml:"debounce_ms"`
	AutoStop    bool `yaml:"auto_stop"`
}

type LogConfig struct {
	Path string `yaml:"path"` // overridden by -logpath and NASIKH_LOG_PATH
}

type Config struct {
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Audio      AudioConfig      `yaml:"audio"`
	Inject     InjectConfig     `yaml:"inject"`
	Hotkey     HotkeyConfig     `yaml:"hotkey"`
	Log        LogConfig        `yaml:"log"`
}

func Default() Config {
	return Config{
		Recognizer: RecognizerConfig{
			Protocol:           "soniox",
			Language:           "ar",
			HandshakeTimeoutMS: 3000,
			GraceTimeoutMS:     2000,
			Prime:              true,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
		},
		Inject: InjectConfig{
			Mode:         "auto",
			LiveTyping:   true,
			FocusDelayMS: -1,
		},
		Hotkey: HotkeyConfig{
			LongPressMS: 350,
			DebounceMS:  500,
			AutoStop:    true,
		},
	}
}

// Load reads path (if set) over the defaults, then applies the environment.
// Values set by flags are applied by the caller before Validate.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to read .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Recognizer.Protocol, "NASIKH_PROTOCOL")
	overrideString(&cfg.Recognizer.URL, "NASIKH_URL")
	overrideString(&cfg.Recognizer.Model, "NASIKH_MODEL")
	overrideString(&cfg.Recognizer.Language, "NASIKH_LANGUAGE")
	overrideInt(&cfg.Recognizer.HandshakeTimeoutMS, "NASIKH_HANDSHAKE_TIMEOUT_MS")
	overrideInt(&cfg.Recognizer.GraceTimeoutMS, "NASIKH_GRACE_TIMEOUT_MS")
	overrideBool(&cfg.Recognizer.Prime, "NASIKH_PRIME")
	overrideString(&cfg.Recognizer.Credential, "SONIOX_API_KEY")
	overrideString(&cfg.Recognizer.Credential, "NASIKH_API_KEY")
	overrideString(&cfg.Audio.Device, "NASIKH_DEVICE")
	overrideString(&cfg.Inject.Mode, "NASIKH_INJECT_MODE")
	overrideBool(&cfg.Inject.LiveTyping, "NASIKH_LIVE_TYPING")
	overrideInt(&cfg.Inject.FocusDelayMS, "NASIKH_FOCUS_DELAY_MS")
	overrideBool(&cfg.Hotkey.Hybrid, "NASIKH_HYBRID")
	overrideInt(&cfg.Hotkey.LongPressMS, "NASIKH_LONG_PRESS_MS")
	overrideInt(&cfg.Hotkey.DebounceMS, "NASIKH_DEBOUNCE_MS")
	overrideBool(&cfg.Hotkey.AutoStop, "NASIKH_AUTO_STOP")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func (c Config) Validate() error {
	switch c.Recognizer.Protocol {
	case "generic", "soniox":
	default:
		return errors.New("recognizer.protocol must be one of generic|soniox")
	}
	if c.Recognizer.Protocol == "generic" && c.Recognizer.URL == "" {
		return errors.New("recognizer.url must be set when protocol=generic")
	}
	if c.Recognizer.HandshakeTimeoutMS <= 0 {
		return errors.New("recognizer.handshake_timeout_ms must be positive")
	}
	if c.Recognizer.GraceTimeoutMS <= 0 {
		return errors.New("recognizer.grace_timeout_ms must be positive")
	}
	if c.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return errors.New("audio.channels must be 1 or 2")
	}
	switch c.Inject.Mode {
	case "auto", "clipboard", "keys":
	default:
		return errors.New("inject.mode must be one of auto|clipboard|keys")
	}
	if c.Inject.FocusDelayMS < -1 {
		return errors.New("inject.focus_delay_ms must be >= 0, or -1 for the default")
	}
	if c.Hotkey.LongPressMS <= 0 {
		return errors.New("hotkey.long_press_ms must be positive")
	}
	if c.Hotkey.DebounceMS < 0 {
		return errors.New("hotkey.debounce_ms must be >= 0")
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (r RecognizerConfig) HandshakeTimeout() time.Duration { return ms(r.HandshakeTimeoutMS) }
func (r RecognizerConfig) GraceTimeout() time.Duration     { return ms(r.GraceTimeoutMS) }
func (h HotkeyConfig) LongPress() time.Duration            { return ms(h.LongPressMS) }
func (h HotkeyConfig) Debounce() time.Duration             { return ms(h.DebounceMS) }

func (i InjectConfig) FocusDelay() time.Duration {
	switch {
	case i.FocusDelayMS >= 0:
		return ms(i.FocusDelayMS)
	case i.LiveTyping:
		return 0
	}
	return finishFocusDelay
}
