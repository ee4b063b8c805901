package exam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"yaxha/internal/broadcast"
	"yaxha/internal/domain"
	"yaxha/internal/ports"
	"yaxha/internal/protocol"
	"yaxha/internal/recorder"
)

type fakeTransport struct {
	mu       sync.Mutex
	controls []string
	closed   bool
	err      error

	inbound   chan protocol.Inbound
	done      chan struct{}
	closeOnce sync.Once
	dropOnce  sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan protocol.Inbound, 16), done: make(chan struct{})}
}

func (t *fakeTransport) SendAudio([]byte) error { return nil }

func (t *fakeTransport) SendControl(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: closed", domain.ErrTransport)
	}
	t.controls = append(t.controls, text)
	return nil
}

func (t *fakeTransport) Inbound() <-chan protocol.Inbound { return t.inbound }
func (t *fakeTransport) Done() <-chan struct{}            { return t.done }

func (t *fakeTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) drop(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.dropOnce.Do(func() { close(t.inbound) })
}

func (t *fakeTransport) sentControls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.controls...)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeDialer struct {
	transport *fakeTransport
	err       error
}

func (d *fakeDialer) Dial(context.Context) (ports.Transport, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.transport, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	startErr error
	starts   int
	stops    []recorder.StopOptions
	active   bool
	cancels  int

	// stopGate, when set, holds every stop until it is closed.
	stopGate  chan struct{}
	stopping  bool
	cancelled bool
}

func (r *fakeRecorder) Start(context.Context, ports.Transport) (*recorder.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.active = true
	return &recorder.Turn{ID: fmt.Sprintf("turn-%d", r.starts), StartedAt: time.Now()}, nil
}

func (r *fakeRecorder) Stop(_ context.Context, opts recorder.StopOptions) (recorder.StopResult, error) {
	r.mu.Lock()
	r.stops = append(r.stops, opts)
	if !r.active {
		r.mu.Unlock()
		if opts.Forced {
			return recorder.StopResult{}, nil
		}
		return recorder.StopResult{}, recorder.ErrNoActiveTurn
	}
	r.active = false
	r.stopping = true
	r.cancelled = false
	gate := r.stopGate
	id := fmt.Sprintf("turn-%d", r.starts)
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopping = false
	return recorder.StopResult{TurnID: id, Committed: opts.Commit && !r.cancelled}, nil
}

func (r *fakeRecorder) CancelCommit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels++
	if !r.stopping {
		return false
	}
	r.cancelled = true
	return true
}

func (r *fakeRecorder) snapshot() (int, []recorder.StopOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, append([]recorder.StopOptions(nil), r.stops...)
}

type harness struct {
	ctrl      *Controller
	bus       *broadcast.Bus
	transport *fakeTransport
	rec       *fakeRecorder
	cancel    context.CancelFunc
	done      chan error
}

func newHarness(t *testing.T, dialErr error, cfg Config) *harness {
	t.Helper()

	h := &harness{
		bus:       broadcast.New(nil),
		transport: newFakeTransport(),
		rec:       &fakeRecorder{},
		done:      make(chan error, 1),
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Hour
	}
	h.ctrl = NewController(&fakeDialer{transport: h.transport, err: dialErr}, h.rec, h.bus, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
		h.bus.Close()
	})
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case <-h.done:
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatalf("controller did not stop")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitConnected(t *testing.T) {
	t.Helper()
	waitFor(t, "connection", func() bool { return h.ctrl.Snapshot().Connected })
}

func (h *harness) waitStatus(t *testing.T, want string) {
	t.Helper()
	waitFor(t, "status "+want, func() bool { return h.ctrl.Snapshot().Status == want })
}

func TestControllerStartExamSendsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Config{})
	h.waitConnected(t)

	ctx := context.Background()
	if err := h.ctrl.StartExam(ctx); err != nil {
		t.Fatalf("start exam: %v", err)
	}
	if err := h.ctrl.StartExam(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if got := h.transport.sentControls(); len(got) != 1 || got[0] != protocol.ControlStartExam {
		t.Fatalf("unexpected controls %v", got)
	}

	responses, unsubscribe := h.bus.Responses.Subscribe()
	defer unsubscribe()

	h.transport.inbound <- protocol.Inbound{Kind: domain.MessageResponse, Text: "Welcome", Stage: domain.StageIntroduction}
	select {
	case msg := <-responses:
		if msg.Seq != 1 || msg.Text != "Welcome" {
			t.Fatalf("unexpected response %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("response was not broadcast")
	}
	h.waitStatus(t, StatusYourTurn)
	if h.ctrl.Snapshot().Recording {
		t.Fatalf("recording must not start on greeting")
	}
}

func TestControllerPrepStartsAfterNarration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Config{})
	h.waitConnected(t)
	if err := h.ctrl.StartExam(context.Background()); err != nil {
		t.Fatalf("start exam: %v", err)
	}

	responses, unsubscribe := h.bus.Responses.Subscribe()
	defer unsubscribe()

	h.transport.inbound <- protocol.Inbound{Kind: domain.MessageResponse, Text: "Topic X", Stage: domain.StageCueCard}
	msg := <-responses
	h.ctrl.SpeechStarted(msg.Seq)
	h.waitStatus(t, StatusAISpeaking)

	h.ctrl.SpeechFinished(msg.Seq)
	h.waitStatus(t, StatusPrepTime)
	if got := h.ctrl.Snapshot().Timers.PrepRemaining; got != 60 {
		t.Fatalf("expected prep at 60, got %d", got)
	}
	if err := h.ctrl.Toggle(context.Background()); !errors.Is(err, ErrToggleUnavailable) {
		t.Fatalf("expected toggle refused during prep, got %v", err)
	}
}

func TestControllerCueCardRunsToCeiling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Config{
		TickInterval: 5 * time.Millisecond,
		Policy:       Policy{PrepSeconds: 2, FloorSeconds: 2, CapSeconds: 4},
	})
	h.waitConnected(t)
	if err := h.ctrl.StartExam(context.Background()); err != nil {
		t.Fatalf("start exam: %v", err)
	}

	responses, unsubscribe := h.bus.Responses.Subscribe()
	defer unsubscribe()
	h.transport.inbound <- protocol.Inbound{Kind: domain.MessageResponse, Text: "Topic", Stage: domain.StageCueCard}
	msg := <-responses
	h.ctrl.SpeechFinished(msg.Seq)

	waitFor(t, "ceiling stop", func() bool {
		_, stops := h.rec.snapshot()
		return len(stops) > 0
	})
	starts, stops := h.rec.snapshot()
	if starts != 1 {
		t.Fatalf("expected one auto turn, got %d", starts)
	}
	if !stops[0].Forced || !stops[0].Commit || stops[0].Advance != domain.StageDiscussion {
		t.Fatalf("unexpected ceiling stop %+v", stops[0])
	}
	waitFor(t, "turn stopped", func() bool { return !h.ctrl.Snapshot().Recording })
	if got := h.ctrl.Snapshot().Timers.SpeakElapsed; got != 4 {
		t.Fatalf("expected speak clock to stop at 4, got %d", got)
	}
}

func TestControllerServerErrorDiscardsTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Config{})
	h.waitConnected(t)
	ctx := context.Background()
	if err := h.ctrl.StartExam(ctx); err != nil {
		t.Fatalf("start exam: %v", err)
	}
	h.transport.inbound <- protocol.Inbound{Kind: domain.MessageResponse, Text: "Hi", Stage: domain.StageIntroduction}
	h.waitStatus(t, StatusYourTurn)

	if err := h.ctrl.Toggle(ctx); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	h.waitStatus(t, StatusRecording)

	notices, unsubscribe := h.bus.Notices.Subscribe()
	defer unsubscribe()
	h.transport.inbound <- protocol.Inbound{Kind: domain.MessageError, Text: "quota exceeded"}

	select {
	case n := <-notices:
		if n.Code != domain.ErrorCodeServer || !n.Blocking {
			t.Fatalf("unexpected notice %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no notice")
	}
	h.waitStatus(t, StatusError)
	waitFor(t, "discarding stop", func() bool {
		_, stops := h.rec.snapshot()
		return len(stops) == 1 && stops[0].Discard && !stops[0].Commit
	})
	if err := h.ctrl.Toggle(ctx); !errors.Is(err, ErrToggleUnavailable) {
		t.Fatalf("expected toggle refused, got %v", err)
	}
	if got := h.transport.sentControls(); len(got) != 1 {
		t.Fatalf("unexpected controls after error %v", got)
	}
}

func TestControllerServerErrorCancelsPendingCommit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Config{})
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })
	defer release()
	h.rec.mu.Lock()
	h.rec.stopGate = gate
	h.rec.mu.Unlock()

	h.waitConnected(t)
	ctx := context.Background()
	if err := h.ctrl.StartExam(ctx); err != nil {
		t.Fatalf("start exam: %v", err)
	}
	h.transport.inbound <- protocol.Inbound{Kind: domain.MessageResponse, Text: "Hi", Stage: domain.StageIntroduction}
	h.waitStatus(t, StatusYourTurn)

	if err := h.ctrl.Toggle(ctx); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	h.waitStatus(t, StatusRecording)
	if err := h.ctrl.Toggle(ctx); err != nil {
		t.Fatalf("toggle stop: %v", err)
	}
	waitFor(t, "committing stop in flight", func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return h.rec.stopping && len(h.rec.stops) == 1 && h.rec.stops[0].Commit
	})

	h.transport.inbound <- protocol.Inbound{Kind: domain.MessageError, Text: "transcription failed"}
	waitFor(t, "commit cancelled", func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return h.rec.cancelled
	})
	release()
	h.waitStatus(t, StatusError)

	if err := h.ctrl.DismissError(ctx); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	waitFor(t, "turn after dismiss", func() bool { return h.ctrl.Toggle(ctx) == nil })
	if starts, _ := h.rec.snapshot(); starts != 2 {
		t.Fatalf("expected a second turn, got %d starts", starts)
	}
}

func TestControllerDeviceFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Config{})
	h.rec.mu.Lock()
	h.rec.startErr = fmt.Errorf("%w: no microphone", domain.ErrDevice)
	h.rec.mu.Unlock()
	h.waitConnected(t)
	ctx := context.Background()
	_ = h.ctrl.StartExam(ctx)
	h.transport.inbound <- protocol.Inbound{Kind: domain.MessageResponse, Text: "Hi", Stage: domain.StageIntroduction}
	h.waitStatus(t, StatusYourTurn)

	if err := h.ctrl.Toggle(ctx); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	h.waitStatus(t, StatusMicError)
	if h.ctrl.Snapshot().Error != "" {
		t.Fatalf("device failure must not raise the error overlay")
	}
}

func TestControllerDialFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fmt.Errorf("%w: refused", domain.ErrTransport), Config{})
	waitFor(t, "connection error", func() bool {
		return h.ctrl.Snapshot().Question == QuestionConnectionLost
	})
	if err := h.ctrl.StartExam(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if got := h.ctrl.Snapshot().Question; got != QuestionConnectionLost {
		t.Fatalf("connection error must stay visible, got %q", got)
	}
}

func TestControllerTransportDrop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Config{})
	h.waitConnected(t)
	h.transport.drop(fmt.Errorf("%w: reset by peer", domain.ErrTransport))

	waitFor(t, "disconnect", func() bool { return !h.ctrl.Snapshot().Connected })
	snap := h.ctrl.Snapshot()
	if snap.Status != StatusError || snap.Question != QuestionConnectionLost {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestControllerTeardownReleasesTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Config{})
	h.waitConnected(t)
	ctx := context.Background()
	_ = h.ctrl.StartExam(ctx)
	h.transport.inbound <- protocol.Inbound{Kind: domain.MessageResponse, Text: "Hi", Stage: domain.StageIntroduction}
	h.waitStatus(t, StatusYourTurn)
	if err := h.ctrl.Toggle(ctx); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	h.waitStatus(t, StatusRecording)

	h.stop(t)

	_, stops := h.rec.snapshot()
	if len(stops) != 1 || !stops[0].Forced || !stops[0].Discard {
		t.Fatalf("expected forced discarding stop on teardown, got %+v", stops)
	}
	if !h.transport.isClosed() {
		t.Fatalf("transport was not closed")
	}
	if err := h.ctrl.Toggle(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
