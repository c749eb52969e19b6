package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"
)

func pcmOf(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// pushCapture delivers data synchronously from the test goroutine.
type pushCapture struct {
	cb      DataCallback
	stopped bool
	closed  bool
}

func (p *pushCapture) Start() error                { return nil }
func (p *pushCapture) Stop()                       { p.stopped = true }
func (p *pushCapture) Close()                      { p.closed = true }
func (p *pushCapture) SetCallback(cb DataCallback) { p.cb = cb }
func (p *pushCapture) ClearCallback()              { p.cb = nil }
func (p *pushCapture) DeviceName() string          { return "push" }

func (p *pushCapture) push(data []byte) {
	if p.cb != nil {
		p.cb(data, uint32(len(data)/2))
	}
}

type pushContext struct {
	dev *pushCapture
	cfg CaptureConfig
}

func (p *pushContext) Devices() ([]DeviceInfo, error) { return nil, nil }
func (p *pushContext) Close()                         {}
func (p *pushContext) NewCapture(_ *DeviceInfo, cfg CaptureConfig) (CaptureDevice, error) {
	p.cfg = cfg
	p.dev = &pushCapture{}
	return p.dev, nil
}

func TestLevel(t *testing.T) {
	for _, tt := range []struct {
		name    string
		samples []int16
		want    float64
	}{
		{"empty", nil, 0},
		{"silence", make([]int16, 100), 0},
		{"full scale negative", []int16{-32768, -32768}, 1},
		{"half", []int16{16384, -16384}, 0.5},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := Level(tt.samples); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Level = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFrameBytes(t *testing.T) {
	f := Frame{Samples: []int16{1, -2, 300}}
	got := f.Bytes()
	want := []byte{0x01, 0x00, 0xfe, 0xff, 0x2c, 0x01}
	if string(got) != string(want) {
		t.Errorf("Bytes = %v, want %v", got, want)
	}
}

func TestEncodePCMGainClips(t *testing.T) {
	got := decodePCM(encodePCM([]int16{100, -100, 5000, -5000, math.MaxInt16}, 8))
	want := []int16{800, -800, math.MaxInt16, math.MinInt16, math.MaxInt16}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRecorderFramesAndSequence(t *testing.T) {
	pc := &pushContext{}
	src, err := NewRecorder(pc, nil, CaptureConfig{}).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if pc.cfg.SampleRate != SampleRate || pc.cfg.Channels != Channels {
		t.Fatalf("opened with %+v", pc.cfg)
	}

	samples := make([]int16, FrameSamples*2+FrameSamples/2)
	for i := range samples {
		samples[i] = 1000
	}
	// Odd chunk sizes must still yield whole frames.
	data := pcmOf(samples)
	pc.dev.push(data[:777*2])
	pc.dev.push(data[777*2:])

	for want := uint64(1); want <= 2; want++ {
		f := <-src.Frames()
		if f.Seq != want {
			t.Errorf("seq = %d, want %d", f.Seq, want)
		}
		if len(f.Samples) != FrameSamples {
			t.Errorf("frame has %d samples", len(f.Samples))
		}
		if math.Abs(f.Level-1000.0/32768) > 1e-9 {
			t.Errorf("level = %v", f.Level)
		}
	}
	select {
	case f := <-src.Frames():
		t.Fatalf("partial frame delivered: %d samples", len(f.Samples))
	default:
	}

	src.Close()
	if _, ok := <-src.Frames(); ok {
		t.Error("frames channel not closed")
	}
	if !pc.dev.stopped || !pc.dev.closed {
		t.Error("device not released")
	}
	// Second close and late data are harmless.
	src.Close()
	pc.dev.push(data)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	pc := &pushContext{}
	src, err := NewRecorder(pc, nil, CaptureConfig{}).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	frame := pcmOf(make([]int16, FrameSamples))
	for i := 0; i < FrameQueue+8; i++ {
		pc.dev.push(frame)
	}
	if got := src.Dropped(); got != 8 {
		t.Errorf("dropped = %d, want 8", got)
	}
	var last uint64
	for i := 0; i < FrameQueue; i++ {
		f := <-src.Frames()
		if f.Seq <= last {
			t.Fatalf("seq %d after %d", f.Seq, last)
		}
		last = f.Seq
	}
}

func TestRecorderDeviceUnavailable(t *testing.T) {
	fc := NewFakeContextPCM(nil, false)
	fc.Fail = true
	_, err := NewRecorder(fc, nil, CaptureConfig{}).Open(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestRecorderWithFakeContext(t *testing.T) {
	samples := make([]int16, FrameSamples*3)
	for i := range samples {
		samples[i] = int16(i % 200)
	}
	fc := NewFakeContextPCM(pcmOf(samples), false)
	src, err := NewRecorder(fc, nil, CaptureConfig{}).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	for want := uint64(1); want <= 3; want++ {
		select {
		case f := <-src.Frames():
			if f.Seq != want {
				t.Fatalf("seq = %d, want %d", f.Seq, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
	src.Close()
	if !fc.Last().Closed() {
		t.Error("fake capture not closed")
	}
}

func TestResampler(t *testing.T) {
	t.Run("passthrough", func(t *testing.T) {
		r := NewResampler(SampleRate, 1)
		if !r.Passthrough() {
			t.Fatal("expected passthrough")
		}
		in := []int16{1, 2, 3}
		if got := r.Process(in); len(got) != 3 {
			t.Errorf("got %d samples", len(got))
		}
	})

	t.Run("downmix", func(t *testing.T) {
		r := NewResampler(SampleRate, 2)
		got := r.Process([]int16{100, 300, -50, -150})
		if len(got) != 2 || got[0] != 200 || got[1] != -100 {
			t.Errorf("got %v", got)
		}
	})

	t.Run("48k to 16k", func(t *testing.T) {
		r := NewResampler(48000, 1)
		total := 0
		for i := 0; i < 10; i++ {
			in := make([]int16, 4800)
			for j := range in {
				in[j] = 500
			}
			out := r.Process(in)
			for _, s := range out {
				if s != 500 {
					t.Fatalf("constant input resampled to %d", s)
				}
			}
			total += len(out)
		}
		if total < 15990 || total > 16010 {
			t.Errorf("resampled 1s to %d samples", total)
		}
	})
}

func TestPickerKey(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		cursor     int
		wantCursor int
		wantAction pickAction
	}{
		{"enter", "\r", 2, 2, pickDone},
		{"ctrl+c", "\x03", 1, 1, pickAbort},
		{"down arrow", "\x1b[B", 0, 1, pickMove},
		{"down at end", "\x1b[B", 2, 2, pickMove},
		{"up arrow", "\x1b[A", 1, 0, pickMove},
		{"up at top", "k", 0, 0, pickMove},
		{"vim down", "j", 0, 1, pickMove},
		{"digit", "3", 0, 2, pickMove},
		{"digit out of range", "9", 1, 1, pickMove},
		{"other key", "x", 1, 1, pickMove},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor, action := pickerKey([]byte(tt.key), tt.cursor, 3)
			if cursor != tt.wantCursor || action != tt.wantAction {
				t.Errorf("pickerKey(%q, %d) = %d, %v, want %d, %v", tt.key, tt.cursor, cursor, action, tt.wantCursor, tt.wantAction)
			}
		})
	}
}
