package audio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// FrameSource delivers the frames of one capture. Frames is closed exactly
// once, after Close or when the device stops.
type FrameSource interface {
	Frames() <-chan Frame
	Dropped() uint64
	DeviceName() string
	Close()
}

// Recorder opens a fresh capture device for every session.
type Recorder struct {
	actx   Context
	config CaptureConfig

	mu     sync.Mutex
	device *DeviceInfo
}

// NewRecorder captures from device (nil means the system default). A config
// other than 16 kHz mono is resampled.
func NewRecorder(actx Context, device *DeviceInfo, config CaptureConfig) *Recorder {
	if config.SampleRate == 0 {
		config.SampleRate = SampleRate
	}
	if config.Channels == 0 {
		config.Channels = Channels
	}
	return &Recorder{actx: actx, device: device, config: config}
}

func (r *Recorder) SetDevice(device *DeviceInfo) {
	r.mu.Lock()
	r.device = device
	r.mu.Unlock()
}

func (r *Recorder) Device() *DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.device
}

func (r *Recorder) Open(ctx context.Context) (FrameSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dev, err := r.actx.NewCapture(r.Device(), r.config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	c := &capture{
		dev:       dev,
		frames:    make(chan Frame, FrameQueue),
		resampler: NewResampler(int(r.config.SampleRate), int(r.config.Channels)),
		pending:   make([]int16, 0, FrameSamples*2),
	}
	dev.SetCallback(c.onData)
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return c, nil
}

type capture struct {
	dev       CaptureDevice
	frames    chan Frame
	resampler *Resampler

	mu      sync.Mutex
	pending []int16
	seq     uint64
	closed  bool

	dropped   atomic.Uint64
	closeOnce sync.Once
}

func (c *capture) Frames() <-chan Frame { return c.frames }
func (c *capture) Dropped() uint64      { return c.dropped.Load() }
func (c *capture) DeviceName() string   { return c.dev.DeviceName() }

func (c *capture) onData(data []byte, _ uint32) {
	if len(data) < 2 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	samples := c.resampler.Process(decodePCM(data))
	c.pending = append(c.pending, samples...)
	for len(c.pending) >= FrameSamples {
		out := make([]int16, FrameSamples)
		copy(out, c.pending[:FrameSamples])
		c.pending = append(c.pending[:0], c.pending[FrameSamples:]...)
		c.seq++
		f := Frame{Samples: out, Seq: c.seq, Level: Level(out)}
		select {
		case c.frames <- f:
		default:
			c.dropped.Add(1)
		}
	}
}

func (c *capture) Close() {
	c.closeOnce.Do(func() {
		c.dev.ClearCallback()
		c.dev.Stop()
		c.dev.Close()

		c.mu.Lock()
		c.closed = true
		c.pending = nil
		close(c.frames)
		c.mu.Unlock()
	})
}
