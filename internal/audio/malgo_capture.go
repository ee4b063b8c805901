package audio

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"yaxha/internal/domain"
	"yaxha/internal/ports"
)

// MalgoCapture records from the default input device through miniaudio.
type MalgoCapture struct {
	mctx *malgo.AllocatedContext
	log  zerolog.Logger
}

func NewMalgoCapture(logger zerolog.Logger) (*MalgoCapture, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug().Str("component", "malgo").Msg(message)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to init audio context: %v", domain.ErrDevice, err)
	}
	return &MalgoCapture{mctx: mctx, log: logger}, nil
}

// Close releases the audio context. Sessions must be closed first.
func (c *MalgoCapture) Close() error {
	if c.mctx == nil {
		return nil
	}
	err := c.mctx.Uninit()
	c.mctx.Free()
	c.mctx = nil
	return err
}

func (c *MalgoCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputDevice != "" && cfg.InputDevice != "default" {
		c.log.Warn().Str("device", cfg.InputDevice).Msg("malgo backend records from the default input device")
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	session := newBufferedSession(cfg.SampleRate * cfg.Channels * 2)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			session.push(input)
		},
	}

	device, err := malgo.InitDevice(c.mctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDevice, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("%w: %v", domain.ErrDevice, err)
	}
	session.device = device
	go session.stopOnCancel(ctx)
	return session, nil
}

type captureDevice interface {
	Stop() error
	Uninit()
}

// bufferedSession queues device callback data for Read. After Stop the
// queued samples are still returned, followed by io.EOF.
type bufferedSession struct {
	device captureDevice

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	stopped bool

	done      chan struct{}
	stopOnce  sync.Once
	stopErr   error
	closeOnce sync.Once
}

func newBufferedSession(capacity int) *bufferedSession {
	s := &bufferedSession{buf: make([]byte, 0, capacity), done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *bufferedSession) push(samples []byte) {
	s.mu.Lock()
	if !s.stopped {
		s.buf = append(s.buf, samples...)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *bufferedSession) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if len(s.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Stop halts the device. The device guarantees no callback runs after its
// Stop returns, so the buffer is complete once stopped is set.
func (s *bufferedSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.device != nil {
			s.stopErr = s.device.Stop()
		}
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cond.Broadcast()
		close(s.done)
	})
	return s.stopErr
}

func (s *bufferedSession) Close() error {
	err := s.Stop()
	s.closeOnce.Do(func() {
		if s.device != nil {
			s.device.Uninit()
		}
	})
	return err
}

func (s *bufferedSession) stopOnCancel(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = s.Stop()
	case <-s.done:
	}
}
