package transcriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nasikh/audio"
	"nasikh/log"
	"nasikh/transcript"

	"nhooyr.io/websocket"
)

const (
	streamAudioQueue  = 32
	streamEventsQueue = 64
)

type Stats struct {
	ConnectDur    time.Duration
	SentChunks    int
	SentBytes     uint64
	DroppedChunks int
	RecvMessages  int
	RecvFinal     int
	RecvInterim   int
	FinalizeWait  time.Duration
	SessionDur    time.Duration
}

func (s Stats) AudioDuration() float64 {
	return float64(s.SentBytes) / float64(audio.SampleRate*audio.Channels*(audio.BitsPerSample/8))
}

type wsStream struct {
	conn      *websocket.Conn
	proto     Protocol
	grace     time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	audioCh chan []byte
	events  chan []transcript.Event

	sendDone chan struct{}
	recvDone chan struct{}

	// sendMu guards the send side: lastSeq and closing audioCh.
	sendMu     sync.Mutex
	lastSeq    uint64
	sendClosed bool
	graceful   bool

	mu        sync.Mutex
	err       error
	errOnce   sync.Once
	closing   bool
	stats     Stats
	closeOnce sync.Once
}

func newStream(conn *websocket.Conn, proto Protocol, grace time.Duration, connectDur time.Duration) *wsStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &wsStream{
		conn:      conn,
		proto:     proto,
		grace:     grace,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
		audioCh:   make(chan []byte, streamAudioQueue),
		events:    make(chan []transcript.Event, streamEventsQueue),
		sendDone:  make(chan struct{}),
		recvDone:  make(chan struct{}),
	}
	s.stats.ConnectDur = connectDur
	go s.runSender()
	go s.runReceiver()
	return s
}

func (s *wsStream) Events() <-chan []transcript.Event { return s.events }

func (s *wsStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsStream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if st.SessionDur == 0 {
		st.SessionDur = time.Since(s.startedAt)
	}
	return st
}

// Send queues one frame for the sender goroutine. When the socket falls
// behind the frame is dropped instead of buffered.
func (s *wsStream) Send(f audio.Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return ErrStreamClosed
	}
	if f.Seq <= s.lastSeq {
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, f.Seq, s.lastSeq)
	}
	if err := s.Err(); err != nil {
		return err
	}
	s.lastSeq = f.Seq

	select {
	case s.audioCh <- f.Bytes():
	default:
		s.mu.Lock()
		s.stats.DroppedChunks++
		s.mu.Unlock()
	}
	return nil
}

func (s *wsStream) closeSend(graceful bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return
	}
	s.sendClosed = true
	s.graceful = graceful
	close(s.audioCh)
}

// CloseGracefully signals end of audio and waits for the service to finish,
// bounded by the grace timeout and ctx.
func (s *wsStream) CloseGracefully(ctx context.Context) error {
	finalizeStart := time.Now()
	s.closeSend(true)

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	var timedOut bool
	select {
	case <-s.recvDone:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}

	s.mu.Lock()
	s.closing = true
	s.stats.FinalizeWait = time.Since(finalizeStart)
	s.mu.Unlock()

	if timedOut {
		log.Warnf("recognizer did not finish within %s", s.grace)
		s.teardown()
		s.setErr(fmt.Errorf("%w: graceful close after %s", ErrTimeout, s.grace))
	} else {
		<-s.sendDone
		s.closeOnce.Do(func() {
			s.conn.Close(websocket.StatusNormalClosure, "")
			s.cancel()
		})
	}
	s.finish()
	return s.Err()
}

// CloseImmediately drops queued audio and tears the socket down.
func (s *wsStream) CloseImmediately() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.closeSend(false)
	s.teardown()
	s.finish()
}

func (s *wsStream) teardown() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.CloseNow()
	})
	<-s.sendDone
	<-s.recvDone
}

func (s *wsStream) finish() {
	s.mu.Lock()
	if s.stats.SessionDur == 0 {
		s.stats.SessionDur = time.Since(s.startedAt)
	}
	s.mu.Unlock()
}

func (s *wsStream) runSender() {
	defer close(s.sendDone)
	for chunk := range s.audioCh {
		if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
			s.setErr(s.transportErr(err))
			return
		}
		s.mu.Lock()
		s.stats.SentChunks++
		s.stats.SentBytes += uint64(len(chunk))
		s.mu.Unlock()
	}

	s.sendMu.Lock()
	graceful := s.graceful
	s.sendMu.Unlock()
	if !graceful {
		return
	}
	// An empty text message marks the end of audio.
	if err := s.conn.Write(s.ctx, websocket.MessageText, []byte{}); err != nil {
		s.setErr(s.transportErr(err))
	}
}

func (s *wsStream) runReceiver() {
	defer close(s.recvDone)
	defer close(s.events)
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.setErr(s.transportErr(err))
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		events, finished, err := s.proto.Decode(data)
		var malformed errMalformed
		if errors.As(err, &malformed) {
			log.Warnf("recognizer: %v", err)
			continue
		}
		if err != nil {
			s.setErr(err)
			return
		}

		if len(events) > 0 {
			s.mu.Lock()
			for _, ev := range events {
				s.stats.RecvMessages++
				if ev.IsFinal {
					s.stats.RecvFinal++
				} else {
					s.stats.RecvInterim++
				}
			}
			s.mu.Unlock()

			select {
			case s.events <- events:
			case <-s.ctx.Done():
				return
			}
		}
		if finished {
			return
		}
	}
}

// transportErr classifies a read/write failure. Errors caused by our own
// shutdown, and a normal close by the service, are not errors.
func (s *wsStream) transportErr(err error) error {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()

	code := websocket.CloseStatus(err)
	switch {
	case authClose(int(code)):
		return fmt.Errorf("%w: close status %d", ErrAuthRejected, code)
	case code == websocket.StatusNormalClosure:
		return nil
	case closing || s.ctx.Err() != nil:
		return nil
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}

func (s *wsStream) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	})
}
