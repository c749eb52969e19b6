package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nasikh/audio"
	"nasikh/inject"
	"nasikh/log"
	"nasikh/transcriber"
	"nasikh/transcript"

	"github.com/google/uuid"
)

const (
	eventQueue   = 256
	eventTimeout = time.Second
	drainTimeout = 10 * time.Second
)

// Capture opens the microphone for one session.
type Capture interface {
	Open(ctx context.Context) (audio.FrameSource, error)
}

// Recognizer opens one recognition stream per session.
type Recognizer interface {
	Connect(ctx context.Context, credential, language string) (transcriber.Stream, error)
}

type Config struct {
	Credential string
	Language   string
	// LiveTyping types text while recording. Without it the whole
	// transcript is typed once at stop.
	LiveTyping bool
	// FocusDelay holds back the first chunk of each session.
	FocusDelay time.Duration
	// StopTimeout bounds the graceful recognizer close at stop.
	StopTimeout time.Duration
}

type Options struct {
	Capture    Capture
	Recognizer Recognizer
	Injector   inject.Injector
	Config     Config
	// OnFrame sees every captured frame before it is sent. It runs on the
	// audio path and must not block or call back into the controller.
	OnFrame func(audio.Frame)
}

// Controller owns the session state machine. Commands are handled one at a
// time, in arrival order, by a single goroutine; every other goroutine only
// reports back to it.
type Controller struct {
	capture    Capture
	recognizer Recognizer
	serial     *inject.Serial
	cfg        Config
	onFrame    func(audio.Frame)

	cmds      chan command
	internal  chan any
	levels    chan float64
	events    chan Event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	snap Session

	// Owned by run.
	credential string
	cur        *active
	rec        *transcript.Reconciler
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdCancel
	cmdToggle
	cmdCredential
)

type command struct {
	kind  cmdKind
	arg   string
	reply chan error
}

// active is the session between Start and its terminal state.
type active struct {
	id        string
	state     State
	startedAt time.Time
	reason    string

	cancel   context.CancelFunc
	src      audio.FrameSource
	stream   transcriber.Stream
	events   <-chan []transcript.Event
	pumpDone chan struct{}
	// gone is closed when the session is released; late reports are dropped.
	gone     chan struct{}
	released bool
	flushed  bool

	chunks    int
	revisions int
}

type (
	started struct {
		id     string
		src    audio.FrameSource
		stream transcriber.Stream
		err    error
	}
	pumpEnded struct {
		id  string
		err error
	}
	closed struct {
		id  string
		err error
	}
	drained struct {
		id string
	}
)

func New(opts Options) *Controller {
	cfg := opts.Config
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = transcriber.DefaultGraceTimeout + time.Second
	}
	c := &Controller{
		capture:    opts.Capture,
		recognizer: opts.Recognizer,
		serial:     inject.NewSerial(opts.Injector),
		cfg:        cfg,
		onFrame:    opts.OnFrame,
		cmds:       make(chan command),
		internal:   make(chan any, 16),
		levels:     make(chan float64, 8),
		events:     make(chan Event, eventQueue),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		credential: cfg.Credential,
		rec:        transcript.New(),
	}
	go c.run()
	return c
}

// Events is closed after Close.
func (c *Controller) Events() <-chan Event { return c.events }

func (c *Controller) Start() error { return c.do(cmdStart, "") }

// Stop finishes the session: the remaining text is typed once. Calling it
// again, or with no session, returns ErrNotActive and changes nothing.
func (c *Controller) Stop(reason string) error { return c.do(cmdStop, reason) }

// Cancel drops the session without typing anything further.
func (c *Controller) Cancel(reason string) error { return c.do(cmdCancel, reason) }

// Toggle starts when idle and stops a starting or recording session. It is
// ignored while a session is finishing.
func (c *Controller) Toggle() error { return c.do(cmdToggle, "") }

// SetCredential takes effect on the next Start.
func (c *Controller) SetCredential(value string) error { return c.do(cmdCredential, value) }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.State
}

func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Close cancels any session and stops the controller.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}

func (c *Controller) do(kind cmdKind, arg string) error {
	cmd := command{kind: kind, arg: arg, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrClosed
	}
	return <-cmd.reply
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		var streamEvents <-chan []transcript.Event
		if c.cur != nil {
			streamEvents = c.cur.events
		}

		select {
		case <-c.quit:
			if s := c.cur; s != nil {
				c.serial.Preempt()
				c.release(s)
				c.end(s, Cancelled, "shutdown")
			}
			c.serial.Close()
			close(c.events)
			return
		case cmd := <-c.cmds:
			cmd.reply <- c.handle(cmd)
		case msg := <-c.internal:
			c.report(msg)
		case lvl := <-c.levels:
			if c.cur != nil && c.cur.state == Recording {
				c.emit(AudioLevel{Level: lvl})
			}
		case msg, ok := <-streamEvents:
			if !ok {
				c.streamEnded(c.cur)
				continue
			}
			c.apply(c.cur, msg)
		case f := <-c.serial.Errors():
			if c.current(f.Tag) == nil {
				log.Warnf("session %s: late injection failure dropped: %v", f.Tag, f.Err)
				continue
			}
			c.emit(Error{Message: f.Error(), Err: f.Err})
		}
	}
}

func (c *Controller) state() State {
	if c.cur == nil {
		return Idle
	}
	return c.cur.state
}

func (c *Controller) handle(cmd command) error {
	switch cmd.kind {
	case cmdStart:
		return c.start()
	case cmdStop:
		return c.stop(cmd.arg)
	case cmdCancel:
		return c.cancel(cmd.arg)
	case cmdToggle:
		switch c.state() {
		case Idle:
			return c.start()
		case Starting, Recording:
			return c.stop("shortcut")
		}
		return nil
	case cmdCredential:
		c.credential = cmd.arg
		return nil
	}
	return fmt.Errorf("unknown command %d", cmd.kind)
}

func (c *Controller) start() error {
	switch c.state() {
	case Starting, Recording:
		return ErrAlreadyActive
	case Stopping:
		return ErrSessionBusy
	}
	if c.credential == "" {
		c.emit(AuthRequired{})
		return ErrNoCredential
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &active{
		id:        uuid.NewString(),
		state:     Starting,
		startedAt: time.Now(),
		cancel:    cancel,
		gone:      make(chan struct{}),
	}
	c.cur = s
	c.rec.Reset()
	c.publish()
	c.emit(StateChanged{SessionID: s.id, State: Starting})
	go c.open(ctx, s, c.credential)
	return nil
}

// open acquires the microphone and the recognizer concurrently.
func (c *Controller) open(ctx context.Context, s *active, credential string) {
	var (
		wg      sync.WaitGroup
		src     audio.FrameSource
		stream  transcriber.Stream
		capErr  error
		connErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		src, capErr = c.capture.Open(ctx)
	}()
	go func() {
		defer wg.Done()
		stream, connErr = c.recognizer.Connect(ctx, credential, c.cfg.Language)
	}()
	wg.Wait()

	err := capErr
	if err == nil {
		err = connErr
	}
	if err != nil {
		releaseAll(src, stream)
		src, stream = nil, nil
	}
	if !c.post(s, started{id: s.id, src: src, stream: stream, err: err}) {
		releaseAll(src, stream)
	}
}

func releaseAll(src audio.FrameSource, stream transcriber.Stream) {
	if stream != nil {
		stream.CloseImmediately()
	}
	if src != nil {
		src.Close()
	}
}

func (c *Controller) post(s *active, msg any) bool {
	select {
	case c.internal <- msg:
		return true
	case <-s.gone:
		return false
	}
}

func (c *Controller) current(id string) *active {
	if c.cur == nil || c.cur.id != id {
		return nil
	}
	return c.cur
}

func (c *Controller) report(msg any) {
	switch m := msg.(type) {
	case started:
		s := c.current(m.id)
		if s == nil {
			releaseAll(m.src, m.stream)
			return
		}
		c.opened(s, m)
	case pumpEnded:
		if s := c.current(m.id); s != nil && s.state == Recording {
			c.captureEnded(s, m.err)
		}
	case closed:
		if s := c.current(m.id); s != nil && s.state == Stopping && !s.flushed {
			c.flush(s, m.err)
		}
	case drained:
		if s := c.current(m.id); s != nil && s.flushed {
			if text := c.rec.Transcript(); strings.TrimSpace(text) != "" {
				log.TranscriptionText(text)
			}
			c.release(s)
			c.end(s, Completed, s.reason)
		}
	}
}

func (c *Controller) opened(s *active, m started) {
	if m.err != nil {
		c.fail(s, m.err)
		return
	}
	s.src, s.stream, s.events = m.src, m.stream, m.stream.Events()
	s.pumpDone = make(chan struct{})
	go c.pump(s)
	log.SessionStart(s.id, s.src.DeviceName())
	if c.cfg.FocusDelay > 0 {
		c.serial.LeadIn(c.cfg.FocusDelay)
	}

	if s.state == Stopping {
		// Stop arrived while connecting.
		c.beginClose(s)
		return
	}
	s.state = Recording
	c.publish()
	c.emit(StateChanged{SessionID: s.id, State: Recording, IsRecording: true})
}

// pump moves frames from the microphone to the recognizer in capture order.
func (c *Controller) pump(s *active) {
	defer close(s.pumpDone)
	for f := range s.src.Frames() {
		if c.onFrame != nil {
			c.onFrame(f)
		}
		select {
		case c.levels <- f.Level:
		default:
		}
		if err := s.stream.Send(f); err != nil {
			c.post(s, pumpEnded{id: s.id, err: err})
			return
		}
	}
	c.post(s, pumpEnded{id: s.id})
}

func (c *Controller) captureEnded(s *active, err error) {
	switch {
	case err == nil:
		err = fmt.Errorf("%w: capture stopped", audio.ErrDeviceUnavailable)
	case s.stream.Err() != nil:
		err = s.stream.Err()
	case errors.Is(err, transcriber.ErrStreamClosed):
		err = fmt.Errorf("%w: recognizer ended the stream", transcriber.ErrConnectionFailed)
	}
	c.fail(s, err)
}

func (c *Controller) streamEnded(s *active) {
	s.events = nil
	if s.state != Recording {
		return
	}
	err := s.stream.Err()
	if err == nil {
		err = fmt.Errorf("%w: recognizer ended the stream", transcriber.ErrConnectionFailed)
	}
	c.fail(s, err)
}

// apply folds one recognizer message and emits a single update for it.
func (c *Controller) apply(s *active, msg []transcript.Event) {
	u := c.rec.ApplyAll(msg)
	if u.Revised {
		s.revisions++
		log.Infof("session %s: recognizer revised typed text", s.id)
	}
	c.emit(TranscriptUpdated{Text: u.Transcript, IsFinal: u.Final})
	if c.cfg.LiveTyping && u.Chunk != "" {
		c.enqueue(s, u.Chunk, u.End)
	}
	c.publish()
}

func (c *Controller) enqueue(s *active, text string, end int) {
	c.serial.Enqueue(s.id, text)
	c.rec.MarkInjected(end)
	s.chunks++
}

func (c *Controller) stop(reason string) error {
	s := c.cur
	if s == nil || (s.state != Starting && s.state != Recording) {
		return ErrNotActive
	}
	wasRecording := s.state == Recording
	s.state = Stopping
	s.reason = reason
	c.publish()
	c.emit(StateChanged{SessionID: s.id, State: Stopping, Reason: reason})
	if wasRecording {
		c.beginClose(s)
	}
	return nil
}

// beginClose ends capture, lets the pump hand over what was already
// captured, then waits for the recognizer's trailing results.
func (c *Controller) beginClose(s *active) {
	src, stream, pumpDone := s.src, s.stream, s.pumpDone
	timeout := c.cfg.StopTimeout
	go func() {
		src.Close()
		<-pumpDone
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := stream.CloseGracefully(ctx)
		c.post(s, closed{id: s.id, err: err})
	}()
}

// flush folds the trailing results and queues whatever has not been typed.
func (c *Controller) flush(s *active, closeErr error) {
	if s.events != nil {
		for msg := range s.events {
			c.apply(s, msg)
		}
		s.events = nil
	}
	if closeErr != nil {
		log.Warnf("session %s: %v", s.id, closeErr)
		c.emit(Error{Message: closeErr.Error(), Err: closeErr})
		if errors.Is(closeErr, transcriber.ErrAuthRejected) {
			c.emit(AuthRequired{})
		}
	}

	text := c.rec.Transcript()
	if strings.TrimSpace(text) != "" {
		if rest := c.rec.Remainder(); rest != "" {
			c.enqueue(s, rest, c.rec.Len())
		}
	}
	s.flushed = true
	c.publish()
	c.emit(TranscriptFinal{Text: text})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := c.serial.Drain(ctx); err != nil && !errors.Is(err, inject.ErrPreempted) {
			log.Warnf("session %s: injection drain: %v", s.id, err)
		}
		c.post(s, drained{id: s.id})
	}()
}

func (c *Controller) cancel(reason string) error {
	s := c.cur
	if s == nil {
		return ErrNotActive
	}
	s.reason = reason
	n := c.serial.Preempt()
	c.release(s)
	c.rec.Reset()
	if n > 0 {
		log.Infof("session %s: dropped %d queued chunks", s.id, n)
	}
	c.end(s, Cancelled, reason)
	return nil
}

func (c *Controller) fail(s *active, err error) {
	log.Errorf("session %s failed: %v", s.id, err)
	c.serial.Preempt()
	c.release(s)
	c.emit(Error{Message: err.Error(), Err: err, Fatal: true})
	if errors.Is(err, transcriber.ErrAuthRejected) {
		c.emit(AuthRequired{})
	}
	c.end(s, Failed, err.Error())
}

// release frees the microphone and the connection. gone is closed first so
// that goroutines blocked reporting back can exit.
func (c *Controller) release(s *active) {
	if s.released {
		return
	}
	s.released = true
	s.cancel()
	close(s.gone)
	releaseAll(s.src, s.stream)
	if s.pumpDone != nil {
		<-s.pumpDone
	}
}

// end passes through the terminal state back to Idle.
func (c *Controller) end(s *active, final State, reason string) {
	c.logMetrics(s)
	log.SessionEnd(s.id, final.String(), reason, time.Since(s.startedAt))

	s.state = final
	c.publish()
	c.emit(StateChanged{SessionID: s.id, State: final, Reason: reason})
	c.cur = nil
	c.publish()
	c.emit(StateChanged{SessionID: s.id, State: Idle, Reason: reason})
}

func (c *Controller) logMetrics(s *active) {
	if s.stream == nil {
		return
	}
	st := s.stream.Stats()
	dropped := st.DroppedChunks
	if s.src != nil {
		dropped += int(s.src.Dropped())
	}
	log.StreamMetrics(log.StreamMetricsData{
		SessionID:     s.id,
		ConnectMs:     float64(st.ConnectDur.Milliseconds()),
		FinalizeMs:    float64(st.FinalizeWait.Milliseconds()),
		TotalMs:       float64(time.Since(s.startedAt).Milliseconds()),
		AudioS:        st.AudioDuration(),
		SentChunks:    st.SentChunks,
		SentKB:        float64(st.SentBytes) / 1024,
		DroppedFrames: dropped,
		RecvMessages:  st.RecvMessages,
		RecvFinal:     st.RecvFinal,
		Chunks:        s.chunks,
		Revisions:     s.revisions,
	})
}

func (c *Controller) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.cur; s != nil {
		c.snap.ID = s.id
		c.snap.State = s.state
		c.snap.StartedAt = s.startedAt
		c.snap.StopReason = s.reason
	} else {
		c.snap.State = Idle
	}
	c.snap.Transcript = c.rec.Transcript()
	c.snap.LastInjectedOffset = c.rec.Offset()
}

// emit never blocks the controller for long: levels are dropped as soon as
// the consumer lags, anything else after eventTimeout.
func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
		return
	default:
	}
	if _, ok := ev.(AudioLevel); ok {
		return
	}
	t := time.NewTimer(eventTimeout)
	defer t.Stop()
	select {
	case c.events <- ev:
	case <-t.C:
		log.Warnf("session event dropped: %T", ev)
	}
}
