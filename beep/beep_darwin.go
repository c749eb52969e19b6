//go:build darwin

package beep

import (
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

var (
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device

	// Playback state, read from the device callback
	playing atomic.Pointer[[]byte]
	playPos atomic.Uint32
	playMu  sync.Mutex
)

func initDevice() error {
	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = 1
	config.SampleRate = sampleRate

	var err error
	device, err = malgo.InitDevice(malgoCtx.Context, config, malgo.DeviceCallbacks{Data: dataCallback})
	return err
}

func initOutput() {
	var err error
	malgoCtx, err = malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return
	}
	if err := initDevice(); err != nil {
		malgoCtx.Uninit()
		malgoCtx = nil
	}
}

func dataCallback(pOutput, _ []byte, frameCount uint32) {
	want := frameCount * 2
	samples := playing.Load()
	var written uint32
	if samples != nil {
		pos := playPos.Load()
		remaining := uint32(len(*samples)) - pos
		written = min(want, remaining)
		copy(pOutput[:written], (*samples)[pos:pos+written])
		playPos.Store(pos + written)
		if remaining == written {
			playing.Store(nil)
		}
	}
	clear(pOutput[written:want])
}

func output(samples []int16) {
	if malgoCtx == nil {
		return
	}
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
	}

	playMu.Lock()
	defer playMu.Unlock()
	if device == nil {
		return
	}

	// Restart from a clean state; a cue cuts off the previous one.
	device.Stop()
	playPos.Store(0)
	playing.Store(&buf)

	if err := device.Start(); err != nil {
		// Recreate the device (macOS sleep/wake)
		device.Uninit()
		if err := initDevice(); err != nil {
			playing.Store(nil)
			return
		}
		if err := device.Start(); err != nil {
			playing.Store(nil)
		}
	}
}
