package hotkey

import (
	"sync"
	"time"
)

// DefaultDebounce is the minimum gap between two accepted presses.
const DefaultDebounce = 500 * time.Millisecond

// Debounced filters another Hotkey. Repeated presses while the key is held
// and presses closer than window to the last accepted one are dropped along
// with their release.
type Debounced struct {
	hk      Hotkey
	window  time.Duration
	keydown chan struct{}
	keyup   chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func NewDebounced(hk Hotkey, window time.Duration) *Debounced {
	return &Debounced{
		hk:      hk,
		window:  window,
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (d *Debounced) Register() error {
	if err := d.hk.Register(); err != nil {
		return err
	}
	go d.run()
	return nil
}

func (d *Debounced) Unregister() {
	d.once.Do(func() { close(d.stop) })
	d.hk.Unregister()
}

func (d *Debounced) Keydown() <-chan struct{} { return d.keydown }
func (d *Debounced) Keyup() <-chan struct{}   { return d.keyup }

func (d *Debounced) run() {
	var (
		held bool
		last time.Time
	)
	for {
		select {
		case <-d.stop:
			return
		case <-d.hk.Keydown():
			if held {
				continue
			}
			now := time.Now()
			if !last.IsZero() && now.Sub(last) < d.window {
				continue
			}
			last = now
			held = true
			d.forward(d.keydown)
		case <-d.hk.Keyup():
			if !held {
				continue
			}
			held = false
			d.forward(d.keyup)
		}
	}
}

func (d *Debounced) forward(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	case <-d.stop:
	}
}
