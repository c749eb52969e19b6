package audio

// Resampler downmixes interleaved input to mono and converts it to
// SampleRate by linear interpolation. It keeps state between calls so frame
// boundaries do not click.
type Resampler struct {
	inRate   int
	channels int
	step     float64
	pos      float64
	prev     int16
	havePrev bool
}

func NewResampler(inRate, channels int) *Resampler {
	if channels < 1 {
		channels = 1
	}
	return &Resampler{
		inRate:   inRate,
		channels: channels,
		step:     float64(inRate) / SampleRate,
	}
}

// Passthrough reports whether input already matches the output format.
func (r *Resampler) Passthrough() bool {
	return r.inRate == SampleRate && r.channels == 1
}

func (r *Resampler) Process(in []int16) []int16 {
	mono := r.downmix(in)
	if r.inRate == SampleRate {
		return mono
	}
	if len(mono) == 0 {
		return nil
	}

	// Sample index -1 refers to the last sample of the previous call.
	src := func(i int) float64 {
		if i < 0 {
			if r.havePrev {
				return float64(r.prev)
			}
			return float64(mono[0])
		}
		return float64(mono[i])
	}

	out := make([]int16, 0, int(float64(len(mono))/r.step)+1)
	for r.pos < float64(len(mono)-1) {
		i := int(r.pos)
		if r.pos < 0 {
			i = -1
		}
		frac := r.pos - float64(i)
		v := src(i) + (src(i+1)-src(i))*frac
		out = append(out, int16(v))
		r.pos += r.step
	}
	r.pos -= float64(len(mono))
	r.prev = mono[len(mono)-1]
	r.havePrev = true
	return out
}

func (r *Resampler) downmix(in []int16) []int16 {
	if r.channels == 1 {
		return in
	}
	n := len(in) / r.channels
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		for c := 0; c < r.channels; c++ {
			sum += int32(in[i*r.channels+c])
		}
		out[i] = int16(sum / int32(r.channels))
	}
	return out
}
