package transcriber

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"nasikh/audio"
	"nasikh/transcript"
)

// Fake is an in-process recognizer. Without a script its streams only emit
// what tests push through FakeStream.Emit; with Text set they reveal one word
// as an interim result every FramesPerWord frames and commit the whole text
// on graceful close.
type Fake struct {
	Text          string
	FramesPerWord int
	ConnectErr    error
	ConnectDelay  time.Duration
	// Hang makes CloseGracefully wait for the grace timeout.
	Hang  bool
	Grace time.Duration

	mu      sync.Mutex
	streams []*FakeStream
	creds   []string
}

func NewFake(text string) *Fake {
	return &Fake{Text: text, FramesPerWord: 3}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Connect(ctx context.Context, credential, language string) (Stream, error) {
	f.mu.Lock()
	f.creds = append(f.creds, credential)
	delay, connErr := f.ConnectDelay, f.ConnectErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, ctx.Err())
		}
	}
	if connErr != nil {
		return nil, connErr
	}

	grace := f.Grace
	if grace <= 0 {
		grace = DefaultGraceTimeout
	}
	s := &FakeStream{
		events:    make(chan []transcript.Event, streamEventsQueue),
		kill:      make(chan struct{}),
		words:     strings.Fields(f.Text),
		perWord:   f.FramesPerWord,
		hang:      f.Hang,
		grace:     grace,
		startedAt: time.Now(),
	}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

// Streams returns every stream opened so far.
func (f *Fake) Streams() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeStream(nil), f.streams...)
}

func (f *Fake) Credentials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.creds...)
}

type FakeStream struct {
	events    chan []transcript.Event
	kill      chan struct{}
	killOnce  sync.Once
	words     []string
	perWord   int
	hang      bool
	grace     time.Duration
	startedAt time.Time

	// emitMu serializes deliveries with the close of events.
	emitMu sync.Mutex
	ended  bool

	mu        sync.Mutex
	seqs      []uint64
	revealed  int
	trailing  [][]transcript.Event
	err       error
	closed    bool
	graceful  bool
	immediate bool
}

func (s *FakeStream) Events() <-chan []transcript.Event { return s.events }

func (s *FakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *FakeStream) Send(f audio.Frame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if n := len(s.seqs); n > 0 && f.Seq <= s.seqs[n-1] {
		s.mu.Unlock()
		return fmt.Errorf("%w: seq %d", ErrOutOfOrder, f.Seq)
	}
	s.seqs = append(s.seqs, f.Seq)
	var interim string
	if s.perWord > 0 && s.revealed < len(s.words) && len(s.seqs)%s.perWord == 0 {
		s.revealed++
		interim = strings.Join(s.words[:s.revealed], " ")
	}
	s.mu.Unlock()

	if interim != "" {
		s.Emit(transcript.Event{Text: interim})
	}
	return nil
}

// Emit delivers evs as one service message unless the stream has been
// closed.
func (s *FakeStream) Emit(evs ...transcript.Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.ended || len(evs) == 0 {
		return
	}
	select {
	case s.events <- evs:
	case <-s.kill:
	}
}

// EmitOnClose queues one message delivered during a graceful close.
func (s *FakeStream) EmitOnClose(events ...transcript.Event) {
	s.mu.Lock()
	s.trailing = append(s.trailing, events)
	s.mu.Unlock()
}

// Fail ends the stream with err, like a dropped connection.
func (s *FakeStream) Fail(err error) {
	s.end(err)
}

func (s *FakeStream) Seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seqs...)
}

func (s *FakeStream) ClosedGracefully() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graceful
}

func (s *FakeStream) ClosedImmediately() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.immediate
}

func (s *FakeStream) CloseGracefully(ctx context.Context) error {
	s.mu.Lock()
	s.graceful = true
	trailing := s.trailing
	if len(s.words) > 0 {
		trailing = append(trailing, []transcript.Event{{Text: strings.Join(s.words, " "), IsFinal: true}})
	}
	s.mu.Unlock()

	if s.hang {
		select {
		case <-time.After(s.grace):
		case <-ctx.Done():
		case <-s.kill:
		}
		s.end(fmt.Errorf("%w: graceful close after %s", ErrTimeout, s.grace))
		return s.Err()
	}
	for _, msg := range trailing {
		s.Emit(msg...)
	}
	s.end(nil)
	return s.Err()
}

func (s *FakeStream) CloseImmediately() {
	s.mu.Lock()
	if !s.closed {
		s.immediate = true
	}
	s.mu.Unlock()
	s.end(nil)
}

func (s *FakeStream) end(err error) {
	s.killOnce.Do(func() { close(s.kill) })
	s.mu.Lock()
	if !s.closed && s.err == nil {
		s.err = err
	}
	s.closed = true
	s.mu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}

func (s *FakeStream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SentChunks: len(s.seqs),
		SentBytes:  uint64(len(s.seqs) * audio.FrameSamples * 2),
		SessionDur: time.Since(s.startedAt),
	}
}
