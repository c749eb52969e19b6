package inject

import (
	"context"
	"errors"
	"sync"
	"time"

	"nasikh/log"
)

// maxQueued bounds waiting chunks; beyond it text is merged into the last
// waiting chunk so nothing is lost and order is kept.
const maxQueued = 64

type job struct {
	tag     string
	text    string
	barrier bool
	leadIn  time.Duration
	results []chan error
}

func newJob(tag, text string, barrier bool) *job {
	return &job{tag: tag, text: text, barrier: barrier, results: []chan error{make(chan error, 1)}}
}

// Failure is a chunk that could not be injected. Tag is the value the chunk
// was queued with.
type Failure struct {
	Tag string
	Err error
}

func (f Failure) Error() string { return f.Err.Error() }

func (f Failure) Unwrap() error { return f.Err }

func (j *job) finish(err error) {
	for _, r := range j.results {
		r <- err
	}
}

// Serial is the critical section around OS input: one chunk in flight,
// chunks injected in the order they were queued. Preempt fails every chunk
// that has not started yet but never interrupts the one in progress.
type Serial struct {
	inj Injector

	mu        sync.Mutex
	queue     []*job
	leadIn    time.Duration
	preempted chan struct{}
	closed    bool

	wake   chan struct{}
	errs   chan Failure
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSerial(inj Injector) *Serial {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Serial{
		inj:       inj,
		preempted: make(chan struct{}),
		wake:      make(chan struct{}, 1),
		errs:      make(chan Failure, 16),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Errors reports failed chunks. Sends are dropped when nobody is reading.
func (s *Serial) Errors() <-chan Failure { return s.errs }

// LeadIn delays the next injected chunk by d, giving focus time to settle.
func (s *Serial) LeadIn(d time.Duration) {
	s.mu.Lock()
	s.leadIn = d
	s.mu.Unlock()
}

// Enqueue queues text on behalf of tag. The returned channel receives the
// chunk's outcome; a failure is also reported on Errors with the same tag.
func (s *Serial) Enqueue(tag, text string) <-chan error {
	return s.push(newJob(tag, text, false))
}

// Drain waits until every chunk queued before it has finished.
func (s *Serial) Drain(ctx context.Context) error {
	res := s.push(newJob("", "", true))
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Serial) push(j *job) <-chan error {
	res := j.results[0]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		j.finish(ErrPreempted)
		return res
	}
	if !j.barrier && len(s.queue) >= maxQueued {
		last := s.queue[len(s.queue)-1]
		if !last.barrier && last.tag == j.tag {
			last.text += j.text
			last.results = append(last.results, res)
			return res
		}
	}
	if s.leadIn > 0 && !j.barrier {
		j.leadIn = s.leadIn
		s.leadIn = 0
	}
	s.queue = append(s.queue, j)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return res
}

// Preempt drops every chunk that has not started and returns how many.
func (s *Serial) Preempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.queue {
		if !j.barrier {
			n++
		}
		j.finish(ErrPreempted)
	}
	s.queue = nil
	s.leadIn = 0
	close(s.preempted)
	s.preempted = make(chan struct{})
	return n
}

// Close preempts waiting chunks and stops the worker after the current one.
func (s *Serial) Close() {
	s.Preempt()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
}

func (s *Serial) next() (*job, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, nil
	}
	j := s.queue[0]
	s.queue = s.queue[1:]
	return j, s.preempted
}

func (s *Serial) run() {
	defer close(s.done)
	for {
		j, preempted := s.next()
		if j == nil {
			select {
			case <-s.wake:
				continue
			case <-s.ctx.Done():
				return
			}
		}
		if j.barrier {
			j.finish(nil)
			continue
		}
		if j.leadIn > 0 {
			t := time.NewTimer(j.leadIn)
			select {
			case <-t.C:
			case <-preempted:
				t.Stop()
				j.finish(ErrPreempted)
				continue
			case <-s.ctx.Done():
				t.Stop()
				j.finish(ErrPreempted)
				return
			}
		}

		err := s.inj.Inject(s.ctx, j.text)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = failed("inject", err)
			log.Warnf("injection failed (%d bytes): %v", len(j.text), err)
			select {
			case s.errs <- Failure{Tag: j.tag, Err: err}:
			default:
			}
		}
		j.finish(err)
	}
}
