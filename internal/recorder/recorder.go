// Package recorder owns one candidate turn at a time: device acquisition,
// ordered chunk streaming, and the stop, flush, commit sequence.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"yaxha/internal/domain"
	"yaxha/internal/ports"
	"yaxha/internal/protocol"
)

var (
	ErrNoActiveTurn = errors.New("no active turn")
	ErrTurnActive   = errors.New("a turn is already recording")
	ErrFlushTimeout = errors.New("timed out waiting for final audio chunk")
)

type Config struct {
	Audio ports.AudioConfig
	// ChunkInterval is the amount of audio carried by one binary frame.
	ChunkInterval time.Duration
	FlushTimeout  time.Duration
	// CommitGrace delays COMMIT after the flush completes. Zero disables it.
	CommitGrace time.Duration
	Logger      zerolog.Logger
}

// Metrics receives turn telemetry.
type Metrics interface {
	ChunkSent(bytes int)
	TurnFinished(d time.Duration, committed bool)
}

type nopMetrics struct{}

func (nopMetrics) ChunkSent(int)                    {}
func (nopMetrics) TurnFinished(time.Duration, bool) {}

type nopBands struct{}

func (nopBands) Feed([]byte)       {}
func (nopBands) SetCapturing(bool) {}
func (nopBands) SetSynthetic(bool) {}

// StopOptions selects what follows a completed flush.
type StopOptions struct {
	Forced bool
	Commit bool
	// Discard drops audio still buffered in the device instead of sending it.
	Discard bool
	Advance domain.Stage
}

// StopResult describes a finished turn.
type StopResult struct {
	TurnID    string
	Committed bool
	Chunks    int
	Bytes     int
	Duration  time.Duration
	// StopErr is a non-fatal failure reported by the capture device on stop.
	StopErr error
}

// Turn is one active recording.
type Turn struct {
	ID        string
	StartedAt time.Time

	audio     ports.AudioSession
	transport ports.Transport
	cancel    context.CancelFunc
	result    pumpResult
	discard   atomic.Bool
	pumpDone  chan struct{}

	uncommit     chan struct{}
	uncommitOnce sync.Once
}

type Recorder struct {
	capture ports.AudioCapture
	bands   ports.BandSource
	metrics Metrics
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time

	opMu     sync.Mutex
	mu       sync.Mutex
	current  *Turn
	stopping *Turn
}

func New(capture ports.AudioCapture, bands ports.BandSource, metrics Metrics, cfg Config) *Recorder {
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = 250 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 3 * time.Second
	}
	if bands == nil {
		bands = nopBands{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Recorder{
		capture: capture,
		bands:   bands,
		metrics: metrics,
		cfg:     cfg,
		log:     cfg.Logger,
		now:     time.Now,
	}
}

// Active reports whether a turn is recording.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Start acquires the capture device and begins streaming to transport.
func (r *Recorder) Start(ctx context.Context, transport ports.Transport) (*Turn, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.Active() {
		return nil, ErrTurnActive
	}

	turnCtx, cancel := context.WithCancel(ctx)
	audio, err := r.capture.Start(turnCtx, r.cfg.Audio)
	if err != nil {
		cancel()
		if !errors.Is(err, domain.ErrDevice) {
			err = fmt.Errorf("%w: %v", domain.ErrDevice, err)
		}
		return nil, err
	}

	turn := &Turn{
		ID:        uuid.NewString(),
		StartedAt: r.now(),
		audio:     audio,
		transport: transport,
		cancel:    cancel,
		pumpDone:  make(chan struct{}),
		uncommit:  make(chan struct{}),
	}

	r.bands.SetCapturing(true)
	go pumpChunks(audio, transport, r.bands, r.cfg.Audio.BytesFor(r.cfg.ChunkInterval), &turn.discard, r.metrics.ChunkSent, &turn.result, turn.pumpDone)

	r.mu.Lock()
	r.current = turn
	r.mu.Unlock()

	r.log.Info().Str("turn_id", turn.ID).Msg("turn recording")
	return turn, nil
}

// CancelCommit makes a turn that is still stopping skip its COMMIT and stage
// change. Audio not yet sent is dropped. It reports whether a turn was stopping.
func (r *Recorder) CancelCommit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping == nil {
		return false
	}
	turn := r.stopping
	turn.discard.Store(true)
	turn.uncommitOnce.Do(func() { close(turn.uncommit) })
	return true
}

func (t *Turn) commitCancelled() bool {
	select {
	case <-t.uncommit:
		return true
	default:
		return false
	}
}

// Stop ends the active turn. COMMIT, and then the optional stage change,
// are sent only after the final chunk has been handed to the transport.
func (r *Recorder) Stop(ctx context.Context, opts StopOptions) (result StopResult, err error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	turn := r.current
	r.current = nil
	r.stopping = turn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.stopping = nil
		r.mu.Unlock()
	}()

	if turn == nil {
		if opts.Forced {
			r.bands.SetCapturing(false)
			return StopResult{}, nil
		}
		return StopResult{}, ErrNoActiveTurn
	}

	result = StopResult{TurnID: turn.ID}
	defer func() {
		result.Duration = r.now().Sub(turn.StartedAt)
		r.metrics.TurnFinished(result.Duration, result.Committed)
	}()
	defer turn.cancel()
	defer r.bands.SetCapturing(false)

	if opts.Discard {
		turn.discard.Store(true)
	}
	if err := turn.audio.Stop(); err != nil {
		r.log.Warn().Err(err).Str("turn_id", turn.ID).Msg("audio capture did not stop cleanly")
		result.StopErr = err
	}

	timer := time.NewTimer(r.cfg.FlushTimeout)
	defer timer.Stop()
	select {
	case <-turn.pumpDone:
	case <-timer.C:
		_ = turn.audio.Close()
		r.log.Error().Str("turn_id", turn.ID).Dur("timeout", r.cfg.FlushTimeout).Msg("final chunk not flushed, skipping commit")
		return result, ErrFlushTimeout
	case <-ctx.Done():
		_ = turn.audio.Close()
		return result, ctx.Err()
	}
	_ = turn.audio.Close()

	result.Chunks = turn.result.chunks
	result.Bytes = turn.result.bytes
	if turn.result.err != nil {
		return result, turn.result.err
	}

	if !opts.Commit || turn.commitCancelled() {
		r.log.Info().Str("turn_id", turn.ID).Int("chunks", result.Chunks).Msg("turn discarded")
		return result, nil
	}

	if r.cfg.CommitGrace > 0 {
		grace := time.NewTimer(r.cfg.CommitGrace)
		select {
		case <-grace.C:
		case <-turn.uncommit:
			grace.Stop()
		case <-ctx.Done():
			grace.Stop()
			return result, ctx.Err()
		}
	}

	if turn.commitCancelled() {
		r.log.Info().Str("turn_id", turn.ID).Msg("commit cancelled")
		return result, nil
	}
	if err := turn.transport.SendControl(protocol.ControlCommit); err != nil {
		return result, err
	}
	result.Committed = true
	if opts.Advance != "" {
		if err := turn.transport.SendControl(protocol.StageChange(opts.Advance)); err != nil {
			return result, err
		}
	}

	r.log.Info().
		Str("turn_id", turn.ID).
		Int("chunks", result.Chunks).
		Int("bytes", result.Bytes).
		Bool("forced", opts.Forced).
		Str("advance", string(opts.Advance)).
		Msg("turn committed")
	return result, nil
}
