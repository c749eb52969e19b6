package log

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func setupLogDir(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	SetDir(tmp)
	t.Cleanup(func() { Close(); SetDir("") })
	if err := Init(); err != nil {
		t.Fatal(err)
	}
	return tmp
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestResolveDir(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		flag string
		env  string
		want string
	}{
		{"flag wins", "/tmp/flag-log", "/tmp/env-log", "/tmp/flag-log"},
		{"relative flag", "logs", "", filepath.Join(wd, "logs")},
		{"current dir", "./", "", wd},
		{"env", "", "/tmp/nasikh-env-log", "/tmp/nasikh-env-log"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NASIKH_LOG_PATH", tt.env)
			got, err := ResolveDir(tt.flag)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveDirDefault(t *testing.T) {
	t.Setenv("NASIKH_LOG_PATH", "")
	got, err := ResolveDir("")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(strings.ToLower(got), "nasikh") {
		t.Errorf("default dir %q should be app specific", got)
	}
}

func TestInitCreatesFiles(t *testing.T) {
	tmp := setupLogDir(t)
	for _, name := range []string{"diagnostics_log.txt", "transcribe_log.txt"} {
		if _, err := os.Stat(filepath.Join(tmp, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
}

func TestInitBadDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	SetDir(filepath.Join(file, "sub"))
	t.Cleanup(func() { Close(); SetDir("") })
	if err := Init(); err == nil {
		t.Fatal("Init under a regular file should fail")
	}
	Info("dropped") // must not panic
}

func TestTranscriptionText(t *testing.T) {
	tmp := setupLogDir(t)
	TranscriptionText("مرحبا بالعالم")
	TranscriptionText("second")

	lines := strings.Split(strings.TrimSuffix(readFile(t, filepath.Join(tmp, "transcribe_log.txt")), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	fields := strings.Split(lines[0], "\t")
	if len(fields) != 3 || fields[2] != "مرحبا بالعالم" {
		t.Errorf("line = %q, want time, pid and text separated by tabs", lines[0])
	}
	if _, err := time.Parse(timeFormat, fields[0]); err != nil {
		t.Errorf("bad timestamp %q: %v", fields[0], err)
	}
}

func TestDiagnosticsLines(t *testing.T) {
	tmp := setupLogDir(t)

	Startup("generic", "ar", "auto")
	SessionStart("abc-123", "fake")
	Warnf("slow chunk %dms", 250)
	SessionEnd("abc-123", "completed", "release", 1500*time.Millisecond)
	StreamMetrics(StreamMetricsData{SessionID: "abc-123", SentChunks: 4, Revisions: 1})
	Close()

	out := readFile(t, filepath.Join(tmp, "diagnostics_log.txt"))
	for _, want := range []string{
		"startup", "protocol=generic",
		"session_start", "device=fake",
		"WRN", "slow chunk 250ms",
		"session_end", "session=abc-123", "reason=release",
		"stream_transcription", "sent_chunks=4", "revisions=1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("diagnostics missing %q:\n%s", want, out)
		}
	}
}

func TestNothingLoggedAfterClose(t *testing.T) {
	tmp := setupLogDir(t)
	Close()
	Close()

	Info("late")
	TranscriptionText("late")
	SessionEnd("x", "failed", "", 0)

	if out := readFile(t, filepath.Join(tmp, "diagnostics_log.txt")); strings.Contains(out, "late") {
		t.Errorf("diagnostics written after Close:\n%s", out)
	}
	if out := readFile(t, filepath.Join(tmp, "transcribe_log.txt")); out != "" {
		t.Errorf("transcript written after Close: %q", out)
	}
}

func TestNoopBeforeInit(t *testing.T) {
	Close()
	Info("ignored")
	TranscriptionText("ignored")
	SessionEnd("x", "failed", "", 0)
}

func TestConcurrentWrites(t *testing.T) {
	tmp := setupLogDir(t)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 20 {
				Infof("worker %d line %d", i, j)
				TranscriptionText("t")
			}
		}()
	}
	wg.Wait()
	Close()

	if n := strings.Count(readFile(t, filepath.Join(tmp, "transcribe_log.txt")), "\n"); n != 160 {
		t.Errorf("transcript lines = %d, want 160", n)
	}
}
