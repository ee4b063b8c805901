package exam

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"yaxha/internal/broadcast"
	"yaxha/internal/domain"
	"yaxha/internal/ports"
	"yaxha/internal/protocol"
	"yaxha/internal/recorder"
	"yaxha/internal/timers"
)

var ErrStopped = errors.New("exam session is closed")

// TurnRecorder runs candidate turns.
type TurnRecorder interface {
	Start(ctx context.Context, transport ports.Transport) (*recorder.Turn, error)
	Stop(ctx context.Context, opts recorder.StopOptions) (recorder.StopResult, error)
	// CancelCommit reports whether a stopping turn lost its pending COMMIT.
	CancelCommit() bool
}

// Metrics receives session telemetry.
type Metrics interface {
	EventApplied(name string)
	NoticeRaised(code domain.ErrorCode)
	StageEntered(stage domain.Stage)
}

type nopMetrics struct{}

func (nopMetrics) EventApplied(string)           {}
func (nopMetrics) NoticeRaised(domain.ErrorCode) {}
func (nopMetrics) StageEntered(domain.Stage)     {}

type Config struct {
	Policy Policy
	// ConnectDelay defers the first dial after Run starts.
	ConnectDelay time.Duration
	TickInterval time.Duration
	// TeardownTimeout bounds the final turn stop on shutdown.
	TeardownTimeout time.Duration
	Logger          zerolog.Logger
}

type envelope struct {
	ev        Event
	inbound   *protocol.Inbound
	transport ports.Transport
	reply     chan error
}

// Controller is the single event loop that owns a Machine. Requests,
// inbound messages, timer ticks and turn results are all serialized here.
type Controller struct {
	machine *Machine
	dialer  ports.Dialer
	rec     TurnRecorder
	bus     *broadcast.Bus
	metrics Metrics
	cfg     Config
	log     zerolog.Logger

	events  chan envelope
	stopped chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	prepTicker  *timers.Ticker
	speakTicker *timers.Ticker

	// Owned by the loop.
	ctx         context.Context
	transport   ports.Transport
	seq         uint64
	tearingDown bool
}

func NewController(dialer ports.Dialer, rec TurnRecorder, bus *broadcast.Bus, metrics Metrics, cfg Config) *Controller {
	if cfg.ConnectDelay < 0 {
		cfg.ConnectDelay = 0
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}

	c := &Controller{
		machine: NewMachine(cfg.Policy),
		dialer:  dialer,
		rec:     rec,
		bus:     bus,
		metrics: metrics,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("session_id", uuid.NewString()).Logger(),
		events:  make(chan envelope, 64),
		stopped: make(chan struct{}),
	}
	c.prepTicker = timers.NewTicker(cfg.TickInterval, func(ctx context.Context, gen uint64) {
		c.post(ctx, envelope{ev: PrepTick{Gen: gen}})
	})
	c.speakTicker = timers.NewTicker(cfg.TickInterval, func(ctx context.Context, gen uint64) {
		c.post(ctx, envelope{ev: SpeakTick{Gen: gen}})
	})
	bus.PublishSnapshot(c.machine.Snapshot())
	return c
}

// Run connects to the backend and processes events until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	c.ctx = ctx
	defer c.once.Do(func() { close(c.stopped) })

	go c.connect(ctx)

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return nil
		case env := <-c.events:
			c.handle(env)
		}
	}
}

// StartExam sends START_EXAM once the backend is connected.
func (c *Controller) StartExam(ctx context.Context) error {
	return c.request(ctx, StartRequested{})
}

// Toggle starts or ends a candidate turn.
func (c *Controller) Toggle(ctx context.Context) error {
	return c.request(ctx, ToggleRequested{})
}

// DismissError clears a non-fatal error overlay.
func (c *Controller) DismissError(ctx context.Context) error {
	return c.request(ctx, DismissError{})
}

// Snapshot returns the state published after the last event.
func (c *Controller) Snapshot() domain.Snapshot {
	return c.bus.Snapshot.Get()
}

// SpeechStarted implements ports.SpeechObserver.
func (c *Controller) SpeechStarted(seq uint64) {
	c.post(context.Background(), envelope{ev: SpeechStarted{Seq: seq}})
}

// SpeechFinished implements ports.SpeechObserver.
func (c *Controller) SpeechFinished(seq uint64) {
	c.post(context.Background(), envelope{ev: SpeechFinished{Seq: seq}})
}

func (c *Controller) request(ctx context.Context, ev Event) error {
	reply := make(chan error, 1)
	if !c.post(ctx, envelope{ev: ev, reply: reply}) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

func (c *Controller) post(ctx context.Context, env envelope) bool {
	select {
	case c.events <- env:
		return true
	case <-ctx.Done():
		return false
	case <-c.stopped:
		return false
	}
}

func (c *Controller) connect(ctx context.Context) {
	if c.cfg.ConnectDelay > 0 {
		timer := time.NewTimer(c.cfg.ConnectDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	transport, err := c.dialer.Dial(ctx)
	if err != nil {
		c.post(ctx, envelope{ev: Disconnected{Err: err}})
		return
	}
	if !c.post(ctx, envelope{ev: Connected{}, transport: transport}) {
		_ = transport.Close()
		return
	}

	for msg := range transport.Inbound() {
		msg := msg
		if !c.post(ctx, envelope{inbound: &msg}) {
			return
		}
	}
	err = transport.Err()
	if err == nil {
		err = errors.New("connection closed by backend")
	}
	c.post(ctx, envelope{ev: Disconnected{Err: err}})
}

func (c *Controller) handle(env envelope) {
	if env.transport != nil {
		c.transport = env.transport
		c.log.Info().Msg("examiner connected")
	}

	ev := env.ev
	var published *domain.AIMessage
	if env.inbound != nil {
		ev, published = c.translate(*env.inbound)
		if ev == nil {
			return
		}
	}

	err := c.apply(ev)
	if env.reply != nil {
		env.reply <- err
	}
	if published != nil {
		c.bus.Responses.Publish(*published)
	}
}

// translate maps a decoded backend message to an event, assigning the
// response sequence number.
func (c *Controller) translate(msg protocol.Inbound) (Event, *domain.AIMessage) {
	switch msg.Kind {
	case domain.MessageResponse:
		c.seq++
		if msg.Stage == "" && msg.RawStage != "" {
			c.log.Warn().Str("stage", msg.RawStage).Msg("unknown stage from backend; keeping current stage")
		} else if msg.Stage != "" && msg.Stage.Before(c.machine.Stage()) {
			c.log.Warn().
				Str("stage", string(msg.Stage)).
				Str("current", string(c.machine.Stage())).
				Msg("backend stage regressed; ignoring stage")
		}
		out := domain.AIMessage{Seq: c.seq, Kind: domain.MessageResponse, Text: msg.Text, Stage: msg.Stage}
		return ResponseReceived{Seq: c.seq, Stage: msg.Stage, Text: msg.Text}, &out
	case domain.MessagePreview:
		return PreviewReceived{Text: msg.Text}, nil
	case domain.MessageError:
		c.seq++
		out := domain.AIMessage{Seq: c.seq, Kind: domain.MessageError, Text: msg.Text}
		return ServerError{Seq: c.seq, Text: msg.Text}, &out
	default:
		c.log.Debug().Str("type", string(msg.Kind)).Msg("ignoring backend message")
		return nil, nil
	}
}

func (c *Controller) apply(ev Event) error {
	before := c.machine.Stage()
	effects, err := c.machine.Apply(ev)
	c.metrics.EventApplied(EventName(ev))
	if err != nil {
		c.log.Debug().Err(err).Str("event", EventName(ev)).Msg("request refused")
	}
	if after := c.machine.Stage(); after != before {
		c.log.Info().Str("from", string(before)).Str("to", string(after)).Msg("stage changed")
		c.metrics.StageEntered(after)
	}

	for _, effect := range effects {
		c.execute(effect)
	}
	c.bus.PublishSnapshot(c.machine.Snapshot())
	return err
}

func (c *Controller) execute(effect Effect) {
	switch e := effect.(type) {
	case SendControl:
		c.sendControl(e.Text)
	case StartTurn:
		c.startTurn(e)
	case StopTurn:
		c.stopTurn(e)
	case StartPrepTimer:
		c.prepTicker.Start(e.Gen)
	case StopPrepTimer:
		c.prepTicker.Stop()
	case StartSpeakTimer:
		c.speakTicker.Start(e.Gen)
	case StopSpeakTimer:
		c.speakTicker.Stop()
	case CancelCommit:
		if c.rec.CancelCommit() {
			c.log.Info().Msg("pending commit cancelled")
		}
	case Notify:
		c.log.Warn().Str("code", string(e.Notice.Code)).Msg(e.Notice.Message)
		c.metrics.NoticeRaised(e.Notice.Code)
		c.bus.Notices.Publish(e.Notice)
	}
}

func (c *Controller) sendControl(text string) {
	if c.transport == nil {
		_ = c.apply(Disconnected{Err: ErrNotConnected})
		return
	}
	if err := c.transport.SendControl(text); err != nil {
		c.log.Error().Err(err).Str("control", text).Msg("failed to send control message")
		_ = c.apply(Disconnected{Err: err})
		return
	}
	c.log.Info().Str("control", text).Msg("control sent")
}

func (c *Controller) startTurn(e StartTurn) {
	transport := c.transport
	ctx := c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		turn, err := c.rec.Start(ctx, transport)
		if err != nil {
			c.log.Error().Err(err).Bool("auto", e.Auto).Msg("failed to start turn")
			c.post(ctx, envelope{ev: TurnFailed{Err: err}})
			return
		}
		if !c.post(ctx, envelope{ev: TurnStarted{ID: turn.ID}}) {
			_, _ = c.rec.Stop(context.Background(), recorder.StopOptions{Forced: true, Discard: true})
		}
	}()
}

func (c *Controller) stopTurn(e StopTurn) {
	opts := recorder.StopOptions{Forced: e.Forced, Commit: e.Commit, Discard: e.Discard, Advance: e.Advance}

	if c.tearingDown {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TeardownTimeout)
		defer cancel()
		if _, err := c.rec.Stop(ctx, opts); err != nil && !errors.Is(err, recorder.ErrNoActiveTurn) {
			c.log.Warn().Err(err).Msg("turn did not stop cleanly on shutdown")
		}
		return
	}

	ctx := c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res, err := c.rec.Stop(ctx, opts)
		if err != nil {
			c.log.Warn().Err(err).Msg("turn stop failed")
		} else {
			c.log.Info().
				Str("turn_id", res.TurnID).
				Int("chunks", res.Chunks).
				Bool("committed", res.Committed).
				Dur("duration", res.Duration).
				Msg("turn finished")
		}
		c.post(ctx, envelope{ev: TurnStopped{ID: res.TurnID, Committed: res.Committed, Err: err}})
	}()
}

func (c *Controller) teardown() {
	c.once.Do(func() { close(c.stopped) })
	c.tearingDown = true

	c.prepTicker.Stop()
	c.speakTicker.Stop()
	// Pending turn goroutines give up on posting once stopped is closed.
	c.wg.Wait()
	_ = c.apply(Teardown{})

	if c.transport != nil {
		_ = c.transport.Close()
	}
	c.log.Info().Msg("exam session closed")
}
