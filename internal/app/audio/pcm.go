package audio

import (
	"encoding/binary"
	"math"

	"github.com/dkeye/salescall/internal/core"
)

const (
	TargetSampleRate = 16000
	FrameSamples     = 1024

	targetPeak = 0.9
	minGain    = 1.0
	maxGain    = 2.0
)

// PCMProcessor turns raw capture into fixed 16 kHz mono int16 frames for
// transcription. Samples that do not fill a frame are carried over.
type PCMProcessor struct {
	carry []float32
	rs    resampler
}

func NewPCMProcessor() *PCMProcessor {
	return &PCMProcessor{carry: make([]float32, 0, FrameSamples)}
}

func (p *PCMProcessor) Reset() {
	p.carry = p.carry[:0]
	p.rs.reset()
}

// Process returns zero or more complete frames, each FrameSamples*2 bytes.
func (p *PCMProcessor) Process(raw core.RawFrame) []core.Frame {
	mono := downmix(raw.Samples, raw.Channels)
	p.carry = append(p.carry, p.rs.process(mono, raw.SampleRate, TargetSampleRate)...)

	var out []core.Frame
	for len(p.carry) >= FrameSamples {
		chunk := make([]float32, FrameSamples)
		copy(chunk, p.carry[:FrameSamples])
		p.carry = append(p.carry[:0], p.carry[FrameSamples:]...)
		normalize(chunk)
		out = append(out, quantize(chunk))
	}
	return out
}

func downmix(in []float32, channels int) []float32 {
	if channels <= 1 {
		return in
	}
	n := len(in) / channels
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += in[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// resampler interpolates linearly across chunk boundaries. pos is the next
// output position in source samples, relative to prev when hasPrev is set.
type resampler struct {
	rate    int
	pos     float64
	prev    float32
	hasPrev bool
}

func (r *resampler) reset() { *r = resampler{} }

// process emits every output sample whose source position lies strictly
// before the last input sample; that sample is kept for the next chunk.
func (r *resampler) process(in []float32, inRate, outRate int) []float32 {
	if inRate <= 0 || inRate == outRate {
		r.reset()
		return in
	}
	if inRate != r.rate {
		r.reset()
		r.rate = inRate
	}
	if len(in) == 0 {
		return nil
	}

	src := in
	if r.hasPrev {
		src = make([]float32, 0, len(in)+1)
		src = append(src, r.prev)
		src = append(src, in...)
	}
	step := float64(inRate) / float64(outRate)
	last := float64(len(src) - 1)

	out := make([]float32, 0, int(last/step)+1)
	for ; r.pos < last; r.pos += step {
		i0 := int(r.pos)
		f := float32(r.pos - float64(i0))
		out = append(out, src[i0]*(1-f)+src[i0+1]*f)
	}
	r.pos -= last
	r.prev = src[len(src)-1]
	r.hasPrev = true
	return out
}

// normalize scales the frame toward targetPeak, never attenuating and never
// more than maxGain.
func normalize(frame []float32) {
	var peak float32
	for _, s := range frame {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	gain := float32(maxGain)
	if peak > 0 {
		gain = targetPeak / peak
	}
	gain = max(minGain, min(maxGain, gain))
	for i, s := range frame {
		frame[i] = max(-1, min(1, s*gain))
	}
}

func quantize(frame []float32) core.Frame {
	out := make(core.Frame, len(frame)*2)
	for i, s := range frame {
		v := math.Round(float64(s) * math.MaxInt16)
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
