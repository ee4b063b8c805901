package ports

import (
	"context"
	"io"
	"time"

	"yaxha/internal/protocol"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// BytesPerSecond is the s16le byte rate of the configured stream.
func (c AudioConfig) BytesPerSecond() int {
	rate := c.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}
	return rate * channels * 2
}

// BytesFor returns the byte length of d worth of audio, aligned to whole frames.
func (c AudioConfig) BytesFor(d time.Duration) int {
	frame := 2 * max(c.Channels, 1)
	n := int(int64(c.BytesPerSecond()) * int64(d) / int64(time.Second))
	n -= n % frame
	if n < frame {
		return frame
	}
	return n
}

// AudioSession is a live capture session. Read returns io.EOF once Stop has
// flushed the last buffered samples.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture acquires the input device and starts a capture session.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// Transport is the duplex message channel to the exam backend. Sends are
// written in call order by a single writer.
type Transport interface {
	SendAudio(chunk []byte) error
	SendControl(text string) error
	Inbound() <-chan protocol.Inbound
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a Transport.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// SpeechCallbacks receive synthesis lifecycle notifications.
type SpeechCallbacks struct {
	OnStart func()
}

// Synthesizer narrates text. Speak blocks until the utterance ends, fails or
// ctx is cancelled.
type Synthesizer interface {
	Speak(ctx context.Context, text string, cb SpeechCallbacks) error
}

// SpeechObserver is notified about narration of one AI response.
type SpeechObserver interface {
	SpeechStarted(seq uint64)
	SpeechFinished(seq uint64)
}

// BandSource receives shared capture audio and synthesis activity.
type BandSource interface {
	Feed(pcm []byte)
	SetCapturing(active bool)
	SetSynthetic(active bool)
}
