// Package log writes the diagnostics log (zerolog, rotated by lumberjack) and
// the plain transcript history. Every call is a no-op until Init.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timeFormat = "2006-01-02 15:04:05"

var (
	diagLog        zerolog.Logger
	diagFile       *lumberjack.Logger
	transcribeFile *os.File
	logMu          sync.Mutex
	ready          atomic.Bool
	pid            int
	dir            string
)

// ResolveDir picks the log directory: flagPath, then NASIKH_LOG_PATH, then
// the OS default. Relative paths are taken from the working directory.
func ResolveDir(flagPath string) (string, error) {
	for _, p := range []string{flagPath, os.Getenv("NASIKH_LOG_PATH")} {
		if p != "" {
			return filepath.Abs(p)
		}
	}
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	transcribePath := filepath.Join(dir, "transcribe_log.txt")
	var err error
	transcribeFile, err = os.OpenFile(transcribePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	diagFile = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "diagnostics_log.txt"),
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	// lumberjack opens lazily; touch the file so a bad directory fails here.
	if _, err := diagFile.Write(nil); err != nil {
		transcribeFile.Close()
		transcribeFile = nil
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: timeFormat,
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	ready.Store(true)
	return nil
}

func Close() {
	ready.Store(false)
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcribeFile != nil {
		transcribeFile.Close()
		transcribeFile = nil
	}
}

// event is nil before Init and after Close; zerolog drops nil events.
func event(level zerolog.Level) *zerolog.Event {
	if !ready.Load() {
		return nil
	}
	return diagLog.WithLevel(level)
}

func Info(msg string)                   { event(zerolog.InfoLevel).Msg(msg) }
func Infof(format string, args ...any)  { event(zerolog.InfoLevel).Msgf(format, args...) }
func Warn(msg string)                   { event(zerolog.WarnLevel).Msg(msg) }
func Warnf(format string, args ...any)  { event(zerolog.WarnLevel).Msgf(format, args...) }
func Error(msg string)                  { event(zerolog.ErrorLevel).Msg(msg) }
func Errorf(format string, args ...any) { event(zerolog.ErrorLevel).Msgf(format, args...) }

// TranscriptionText appends one finished dictation to transcribe_log.txt.
func TranscriptionText(text string) {
	logMu.Lock()
	defer logMu.Unlock()
	if transcribeFile == nil {
		return
	}
	fmt.Fprintf(transcribeFile, "%s\t[%d]\t%s\n", time.Now().Format(timeFormat), pid, text)
}

type StreamMetricsData struct {
	SessionID     string
	ConnectMs     float64
	FinalizeMs    float64
	TotalMs       float64
	AudioS        float64
	SentChunks    int
	SentKB        float64
	DroppedFrames int
	RecvMessages  int
	RecvFinal     int
	Chunks        int
	Revisions     int
}

func StreamMetrics(m StreamMetricsData) {
	event(zerolog.InfoLevel).
		Str("session", m.SessionID).
		Float64("connect_ms", m.ConnectMs).
		Float64("finalize_ms", m.FinalizeMs).
		Float64("total_ms", m.TotalMs).
		Float64("audio_s", m.AudioS).
		Int("sent_chunks", m.SentChunks).
		Float64("sent_kb", m.SentKB).
		Int("dropped_frames", m.DroppedFrames).
		Int("recv_messages", m.RecvMessages).
		Int("recv_final", m.RecvFinal).
		Int("inject_chunks", m.Chunks).
		Int("revisions", m.Revisions).
		Msg("stream_transcription")
}

func Startup(protocol, language, injectMode string) {
	event(zerolog.InfoLevel).
		Str("protocol", protocol).
		Str("language", language).
		Str("inject", injectMode).
		Msg("startup")
}

func SessionStart(id, device string) {
	event(zerolog.InfoLevel).
		Str("session", id).
		Str("device", device).
		Msg("session_start")
}

func SessionEnd(id, state, reason string, dur time.Duration) {
	event(zerolog.InfoLevel).
		Str("session", id).
		Str("state", state).
		Str("reason", reason).
		Dur("duration", dur).
		Msg("session_end")
}
