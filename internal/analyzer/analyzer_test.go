package analyzer

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"yaxha/internal/domain"
)

func sinePCM(freq float64, sampleRate, samples int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*32767)))
	}
	return out
}

func settle(a *Analyzer, steps int) domain.Bands {
	var b domain.Bands
	for i := 0; i < steps; i++ {
		b = a.Step()
	}
	return b
}

func TestDeviceBandsFollowSpectrum(t *testing.T) {
	t.Parallel()

	low := New(Config{Seed: 1}, nil)
	low.SetCapturing(true)
	low.Feed(sinePCM(440, 16000, 1024))
	b := settle(low, 120)
	if !(b.Low > b.Mid && b.Low > b.High) {
		t.Fatalf("expected low band to dominate: %+v", b)
	}

	high := New(Config{Seed: 1}, nil)
	high.SetCapturing(true)
	high.Feed(sinePCM(6000, 16000, 1024))
	b = settle(high, 120)
	if !(b.High > b.Low) {
		t.Fatalf("expected high band to dominate: %+v", b)
	}
}

func TestBandsStayInUnitRange(t *testing.T) {
	t.Parallel()

	a := New(Config{Seed: 3}, nil)
	a.SetCapturing(true)
	loud := make([]byte, 2048)
	for i := 0; i < len(loud); i += 2 {
		v := int16(math.MaxInt16)
		if (i/2)%2 == 1 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(loud[i:], uint16(v))
	}
	a.Feed(loud)
	for i := 0; i < 200; i++ {
		b := a.Step()
		for _, v := range []float64{b.Low, b.Mid, b.High} {
			if v < 0 || v > 1 {
				t.Fatalf("band out of range: %+v", b)
			}
		}
	}
}

func TestSyntheticTargetRanges(t *testing.T) {
	t.Parallel()

	a := New(Config{Seed: 42}, nil)
	for i := 0; i < 1000; i++ {
		b := a.syntheticTargetLocked()
		if b.Low < 0.2 || b.Low > 0.6 || b.Mid < 0.1 || b.Mid > 0.4 || b.High < 0 || b.High > 0.2 {
			t.Fatalf("synthetic target out of range: %+v", b)
		}
	}
}

func TestSyntheticIsDeterministicForSeed(t *testing.T) {
	t.Parallel()

	a := New(Config{Seed: 9}, nil)
	b := New(Config{Seed: 9}, nil)
	a.SetSynthetic(true)
	b.SetSynthetic(true)
	for i := 0; i < 20; i++ {
		if a.Step() != b.Step() {
			t.Fatalf("expected identical sequences for identical seeds")
		}
	}
}

func TestProducerPriority(t *testing.T) {
	t.Parallel()

	a := New(Config{Seed: 1}, nil)
	if a.Producer() != ProducerIdle {
		t.Fatalf("expected idle producer")
	}
	a.SetSynthetic(true)
	if a.Producer() != ProducerSynthetic {
		t.Fatalf("expected synthetic producer")
	}
	a.SetCapturing(true)
	if a.Producer() != ProducerDevice {
		t.Fatalf("device must win over synthetic")
	}
	a.SetCapturing(false)
	if a.Producer() != ProducerSynthetic {
		t.Fatalf("synthetic must resume after capture stops")
	}
}

func TestIdleDecaysToExactZeroWithoutJumps(t *testing.T) {
	t.Parallel()

	a := New(Config{Seed: 5}, nil)
	a.SetSynthetic(true)
	prev := settle(a, 100)
	if prev.IsZero() {
		t.Fatalf("expected synthetic bands to rise")
	}
	a.SetSynthetic(false)

	for i := 0; i < 200; i++ {
		b := a.Step()
		if b.Low > prev.Low || b.Mid > prev.Mid || b.High > prev.High {
			t.Fatalf("idle decay must not increase: %+v -> %+v", prev, b)
		}
		prev = b
	}
	if !prev.IsZero() {
		t.Fatalf("expected exact zero after decay, got %+v", prev)
	}
}

func TestProducerSwitchIsContinuous(t *testing.T) {
	t.Parallel()

	a := New(Config{Seed: 11}, nil)
	a.SetSynthetic(true)
	prev := settle(a, 50)

	a.SetCapturing(true)
	a.Feed(sinePCM(440, 16000, 1024))
	for i := 0; i < 50; i++ {
		b := a.Step()
		for _, d := range []float64{b.Low - prev.Low, b.Mid - prev.Mid, b.High - prev.High} {
			if math.Abs(d) > 0.1+1e-9 {
				t.Fatalf("discontinuity on producer switch: %+v -> %+v", prev, b)
			}
		}
		prev = b
	}
}

func TestFeedIgnoredWhenNotCapturing(t *testing.T) {
	t.Parallel()

	a := New(Config{Seed: 1}, nil)
	a.Feed(sinePCM(440, 16000, 1024))
	if b := a.Step(); !b.IsZero() {
		t.Fatalf("expected idle bands, got %+v", b)
	}
}

func TestRunPublishesUntilCancelled(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var published []domain.Bands
	a := New(Config{Seed: 2, FrameInterval: time.Millisecond}, func(b domain.Bands) {
		mu.Lock()
		published = append(published, b)
		mu.Unlock()
	})
	a.SetSynthetic(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(published) == 0 {
		t.Fatalf("expected published frames")
	}
}
