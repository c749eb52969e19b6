package inject

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClipboard struct {
	mu      sync.Mutex
	content string
	writes  []string
	failW   bool
}

func (f *fakeClipboard) Read() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content, nil
}

func (f *fakeClipboard) Write(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failW {
		return errors.New("no clipboard")
	}
	f.content = text
	f.writes = append(f.writes, text)
	return nil
}

func (f *fakeClipboard) get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content
}

// journal records pastes and taps in the order they reach the OS.
type journal struct {
	mu  sync.Mutex
	ops []string
}

func (j *journal) add(op string) {
	j.mu.Lock()
	j.ops = append(j.ops, op)
	j.mu.Unlock()
}

func (j *journal) String() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return strings.Join(j.ops, "|")
}

type fakeKeyboard struct{ j *journal }

func (k fakeKeyboard) CanType(c byte) bool { return c < 0x80 && c != '\n' }
func (k fakeKeyboard) Tap(c byte) error    { k.j.add("tap:" + string(c)); return nil }

func fastClipboard(clip Clipboard, paste func() error) *ClipboardInjector {
	c := NewClipboard(clip, paste)
	c.Settle, c.After, c.Restore = 0, 0, 30*time.Millisecond
	return c
}

func TestClipboardInjectorPastesAndRestores(t *testing.T) {
	clip := &fakeClipboard{content: "user data"}
	var pasted []string
	c := fastClipboard(clip, func() error {
		pasted = append(pasted, clip.get())
		return nil
	})

	if err := c.Inject(context.Background(), "مرحبا"); err != nil {
		t.Fatal(err)
	}
	if err := c.Inject(context.Background(), " بالعالم"); err != nil {
		t.Fatal(err)
	}
	if len(pasted) != 2 || pasted[0] != "مرحبا" || pasted[1] != " بالعالم" {
		t.Fatalf("pasted = %q", pasted)
	}

	time.Sleep(100 * time.Millisecond)
	if got := clip.get(); got != "user data" {
		t.Errorf("clipboard after restore = %q, want user data", got)
	}
}

func TestClipboardInjectorNormalizesNFC(t *testing.T) {
	clip := &fakeClipboard{}
	c := fastClipboard(clip, func() error { return nil })
	if err := c.Inject(context.Background(), "cafe\u0301"); err != nil {
		t.Fatal(err)
	}
	if clip.writes[0] != "caf\u00e9" {
		t.Errorf("wrote %q, want composed form", clip.writes[0])
	}
	c.Flush()
}

func TestClipboardInjectorFailures(t *testing.T) {
	t.Run("paste", func(t *testing.T) {
		c := fastClipboard(&fakeClipboard{}, func() error { return errors.New("uinput denied") })
		if err := c.Inject(context.Background(), "x"); !errors.Is(err, ErrInjectionFailed) {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("write", func(t *testing.T) {
		c := fastClipboard(&fakeClipboard{failW: true}, func() error { return nil })
		if err := c.Inject(context.Background(), "x"); !errors.Is(err, ErrInjectionFailed) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestKeysInjectorKeepsClustersAndOrder(t *testing.T) {
	j := &journal{}
	paste := Func(func(_ context.Context, text string) error {
		j.add("paste:" + text)
		return nil
	})
	k := NewKeys(fakeKeyboard{j}, paste)

	// "e" + combining acute is one cluster and must not be split.
	if err := k.Inject(context.Background(), "Hi مرحبا e\u0301!"); err != nil {
		t.Fatal(err)
	}
	want := "tap:H|tap:i|tap: |paste:مرحبا|tap: |paste:e\u0301|tap:!"
	if got := j.String(); got != want {
		t.Errorf("ops = %q\nwant  %q", got, want)
	}
}

func TestKeysInjectorTapError(t *testing.T) {
	k := NewKeys(failingKeyboard{}, Func(func(context.Context, string) error { return nil }))
	if err := k.Inject(context.Background(), "a"); !errors.Is(err, ErrInjectionFailed) {
		t.Fatalf("err = %v", err)
	}
}

type failingKeyboard struct{}

func (failingKeyboard) CanType(byte) bool { return true }
func (failingKeyboard) Tap(byte) error    { return errors.New("denied") }

func TestFallback(t *testing.T) {
	bad := Func(func(context.Context, string) error { return errors.New("boom") })
	mem := NewMemory()

	if err := Fallback(bad, mem).Inject(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if mem.Text() != "hi" {
		t.Errorf("secondary got %q", mem.Text())
	}

	err := Fallback(bad, bad).Inject(context.Background(), "hi")
	if !errors.Is(err, ErrInjectionFailed) {
		t.Errorf("err = %v", err)
	}
}

func TestNewModes(t *testing.T) {
	for _, mode := range []string{"", "auto", "clipboard", "keys"} {
		if _, err := New(mode); err != nil {
			t.Errorf("New(%q): %v", mode, err)
		}
	}
	if _, err := New("telepathy"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestSerialOrder(t *testing.T) {
	mem := NewMemory()
	s := NewSerial(mem)
	defer s.Close()

	for _, c := range []string{"a", "b", "c", "d"} {
		s.Enqueue("s1", c)
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := mem.Text(); got != "abcd" {
		t.Errorf("injected %q", got)
	}
}

func TestSerialPreemptSparesInProgress(t *testing.T) {
	started := make(chan string, 4)
	release := make(chan struct{})
	var mu sync.Mutex
	var done []string
	inj := Func(func(_ context.Context, text string) error {
		started <- text
		<-release
		mu.Lock()
		done = append(done, text)
		mu.Unlock()
		return nil
	})
	s := NewSerial(inj)
	defer s.Close()

	first := s.Enqueue("s1", "first")
	second := s.Enqueue("s1", "second")
	third := s.Enqueue("s1", "third")

	if got := <-started; got != "first" {
		t.Fatalf("started %q", got)
	}
	if n := s.Preempt(); n != 2 {
		t.Errorf("preempted %d, want 2", n)
	}
	close(release)

	if err := <-first; err != nil {
		t.Errorf("in-progress chunk: %v", err)
	}
	for _, ch := range []<-chan error{second, third} {
		if err := <-ch; !errors.Is(err, ErrPreempted) {
			t.Errorf("queued chunk: %v, want ErrPreempted", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(done) != 1 || done[0] != "first" {
		t.Errorf("done = %q", done)
	}
}

func TestSerialReportsFailures(t *testing.T) {
	mem := NewMemory()
	mem.FailOn = "bad"
	s := NewSerial(mem)
	defer s.Close()

	res := s.Enqueue("s1", "bad chunk")
	s.Enqueue("s1", "good")
	if err := <-res; !errors.Is(err, ErrInjectionFailed) {
		t.Fatalf("err = %v", err)
	}
	select {
	case f := <-s.Errors():
		if !errors.Is(f, ErrInjectionFailed) || f.Tag != "s1" {
			t.Errorf("reported %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("failure not reported")
	}
	s.Drain(context.Background())
	if mem.Text() != "good" {
		t.Errorf("session did not continue: %q", mem.Text())
	}
}

func TestSerialCoalescesWhenFull(t *testing.T) {
	release := make(chan struct{})
	mem := NewMemory()
	gate := Func(func(ctx context.Context, text string) error {
		<-release
		return mem.Inject(ctx, text)
	})
	s := NewSerial(gate)
	defer s.Close()

	var want strings.Builder
	for i := 0; i < maxQueued+20; i++ {
		c := string(rune('a' + i%26))
		want.WriteString(c)
		s.Enqueue("s1", c)
	}
	close(release)
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mem.Text() != want.String() {
		t.Errorf("text = %q, want %q", mem.Text(), want.String())
	}
	if n := len(mem.Chunks()); n > maxQueued+1 {
		t.Errorf("%d chunks injected, queue not bounded", n)
	}
}

func TestSerialKeepsTagsApartWhenFull(t *testing.T) {
	release := make(chan struct{})
	mem := NewMemory()
	mem.FailOn = "late"
	gate := Func(func(ctx context.Context, text string) error {
		<-release
		return mem.Inject(ctx, text)
	})
	s := NewSerial(gate)
	defer s.Close()

	for i := 0; i < maxQueued+2; i++ {
		s.Enqueue("old", "x")
	}
	s.Enqueue("new", "late")
	close(release)
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-s.Errors():
		if f.Tag != "new" {
			t.Errorf("failure tagged %q, want %q", f.Tag, "new")
		}
	case <-time.After(time.Second):
		t.Fatal("failure not reported")
	}
}

func TestSerialLeadInPreempted(t *testing.T) {
	mem := NewMemory()
	s := NewSerial(mem)
	defer s.Close()

	s.LeadIn(time.Second)
	res := s.Enqueue("s1", "late")
	time.Sleep(20 * time.Millisecond)
	s.Preempt()
	select {
	case err := <-res:
		if !errors.Is(err, ErrPreempted) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("lead-in not interrupted by preempt")
	}
	if mem.Text() != "" {
		t.Errorf("injected %q", mem.Text())
	}
}

func TestSerialClosed(t *testing.T) {
	s := NewSerial(NewMemory())
	s.Close()
	s.Close()
	if err := <-s.Enqueue("s1", "x"); !errors.Is(err, ErrPreempted) {
		t.Errorf("err = %v", err)
	}
}
