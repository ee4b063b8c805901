// Package analyzer reduces capture audio to three smoothed frequency bands for
// the visualizer, and substitutes a jittered signal while the examiner speaks.
package analyzer

import (
	"context"
	"encoding/binary"
	"math"
	"math/cmplx"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"yaxha/internal/domain"
)

const (
	minDecibels = -100.0
	maxDecibels = -30.0
	snapFloor   = 1e-3
)

// Producer names the source currently driving the bands.
type Producer string

const (
	ProducerIdle      Producer = "idle"
	ProducerDevice    Producer = "device"
	ProducerSynthetic Producer = "synthetic"
)

type Config struct {
	FFTSize       int
	FrameInterval time.Duration
	// Retention is the share of the previous value kept on each frame.
	Retention float64
	Channels  int
	Seed      uint64
	Logger    zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.FFTSize <= 0 || c.FFTSize%2 != 0 {
		c.FFTSize = 512
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = 16 * time.Millisecond
	}
	if c.Retention <= 0 || c.Retention >= 1 {
		c.Retention = 0.9
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.Seed == 0 {
		c.Seed = uint64(time.Now().UnixNano())
	}
	return c
}

// Analyzer implements ports.BandSource. Exactly one producer is active at a
// time: device over synthetic over idle.
type Analyzer struct {
	cfg     Config
	fft     *fourier.FFT
	publish func(domain.Bands)

	mu        sync.Mutex
	samples   []float64
	filled    int
	capturing bool
	synthetic bool
	rng       *rand.Rand
	bands     domain.Bands
	scratch   []float64
	coeffs    []complex128
}

func New(cfg Config, publish func(domain.Bands)) *Analyzer {
	cfg = cfg.withDefaults()
	if publish == nil {
		publish = func(domain.Bands) {}
	}
	return &Analyzer{
		cfg:     cfg,
		fft:     fourier.NewFFT(cfg.FFTSize),
		publish: publish,
		samples: make([]float64, cfg.FFTSize),
		scratch: make([]float64, cfg.FFTSize),
		coeffs:  make([]complex128, cfg.FFTSize/2+1),
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// Feed appends s16le PCM to the sample window. Channels are averaged.
func (a *Analyzer) Feed(pcm []byte) {
	frame := 2 * a.cfg.Channels

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.capturing {
		return
	}
	n := a.cfg.FFTSize
	for off := 0; off+frame <= len(pcm); off += frame {
		var sum float64
		for ch := 0; ch < a.cfg.Channels; ch++ {
			v := int16(binary.LittleEndian.Uint16(pcm[off+2*ch:]))
			sum += float64(v) / 32768
		}
		copy(a.samples, a.samples[1:])
		a.samples[n-1] = sum / float64(a.cfg.Channels)
		if a.filled < n {
			a.filled++
		}
	}
}

// SetCapturing attaches or detaches the device producer.
func (a *Analyzer) SetCapturing(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capturing = active
	if !active {
		clear(a.samples)
		a.filled = 0
	}
}

// SetSynthetic toggles the examiner-speaking producer.
func (a *Analyzer) SetSynthetic(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.synthetic = active
}

// Producer reports the active producer.
func (a *Analyzer) Producer() Producer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.producerLocked()
}

func (a *Analyzer) producerLocked() Producer {
	switch {
	case a.capturing:
		return ProducerDevice
	case a.synthetic:
		return ProducerSynthetic
	default:
		return ProducerIdle
	}
}

// Bands returns the last published value.
func (a *Analyzer) Bands() domain.Bands {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bands
}

// Step computes one frame and publishes it when it changed.
func (a *Analyzer) Step() domain.Bands {
	a.mu.Lock()
	producer := a.producerLocked()
	var target domain.Bands
	switch producer {
	case ProducerDevice:
		target = a.deviceTargetLocked()
	case ProducerSynthetic:
		target = a.syntheticTargetLocked()
	}

	prev := a.bands
	next := domain.Bands{
		Low:  smooth(prev.Low, target.Low, a.cfg.Retention),
		Mid:  smooth(prev.Mid, target.Mid, a.cfg.Retention),
		High: smooth(prev.High, target.High, a.cfg.Retention),
	}
	if producer == ProducerIdle && next.Low < snapFloor && next.Mid < snapFloor && next.High < snapFloor {
		next = domain.Bands{}
	}
	a.bands = next
	a.mu.Unlock()

	if next != prev {
		a.publish(next)
	}
	return next
}

// Run drives Step at the frame interval until ctx is cancelled.
func (a *Analyzer) Run(ctx context.Context) {
	tk := time.NewTicker(a.cfg.FrameInterval)
	defer tk.Stop()

	a.cfg.Logger.Debug().Dur("frame_interval", a.cfg.FrameInterval).Int("fft_size", a.cfg.FFTSize).Msg("analyzer running")
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			a.Step()
		}
	}
}

func (a *Analyzer) syntheticTargetLocked() domain.Bands {
	return domain.Bands{
		Low:  0.2 + a.rng.Float64()*0.4,
		Mid:  0.1 + a.rng.Float64()*0.3,
		High: a.rng.Float64() * 0.2,
	}
}

func (a *Analyzer) deviceTargetLocked() domain.Bands {
	if a.filled == 0 {
		return domain.Bands{}
	}
	copy(a.scratch, a.samples)
	window.Blackman(a.scratch)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.scratch)

	bins := a.cfg.FFTSize / 2
	lowEnd := bins / 10
	midEnd := bins / 2
	n := float64(a.cfg.FFTSize)

	var low, mid, high float64
	for i := 0; i < bins; i++ {
		v := normalize(cmplx.Abs(a.coeffs[i]) / n)
		switch {
		case i < lowEnd:
			low += v
		case i < midEnd:
			mid += v
		default:
			high += v
		}
	}
	return domain.Bands{
		Low:  low / float64(lowEnd),
		Mid:  mid / float64(midEnd-lowEnd),
		High: high / float64(bins-midEnd),
	}
}

// normalize maps a linear magnitude onto [0,1] across the decibel range.
func normalize(magnitude float64) float64 {
	if magnitude <= 0 {
		return 0
	}
	db := 20 * math.Log10(magnitude)
	v := (db - minDecibels) / (maxDecibels - minDecibels)
	return math.Max(0, math.Min(1, v))
}

func smooth(prev, target, retention float64) float64 {
	return retention*prev + (1-retention)*target
}
