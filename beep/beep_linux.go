//go:build linux

package beep

import (
	"sync"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

var (
	outMu  sync.Mutex // one cue at a time
	client *pulse.Client
)

// initOutput connects once so the first cue is not delayed by the handshake.
func initOutput() {
	c, err := pulse.NewClient(pulse.ClientApplicationName("nasikh"))
	if err != nil {
		return
	}
	outMu.Lock()
	client = c
	outMu.Unlock()
}

func output(mono []int16) {
	outMu.Lock()
	defer outMu.Unlock()
	if client == nil {
		return
	}

	pos := 0
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		// stereo: each mono sample fills both channels
		n := 0
		for ; n+1 < len(buf) && pos < len(mono); n += 2 {
			buf[n], buf[n+1] = mono[pos], mono[pos]
			pos++
		}
		if n == 0 {
			return 0, pulse.EndOfData
		}
		return n, nil
	})
	stream, err := client.NewPlayback(reader,
		pulse.PlaybackStereo,
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackLatency(0.1),
		pulse.PlaybackRawOption(func(p *proto.CreatePlaybackStream) {
			p.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm), uint32(proto.VolumeNorm)}
		}),
	)
	if err != nil {
		// The server may have restarted; reconnect for the next cue.
		client.Close()
		client = nil
		go initOutput()
		return
	}
	stream.Start()
	stream.Drain()
	stream.Stop()
	stream.Close()
}
