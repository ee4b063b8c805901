// Package exam is the session state machine and the event loop that drives it.
package exam

import (
	"errors"
	"fmt"

	"yaxha/internal/domain"
	"yaxha/internal/protocol"
	"yaxha/internal/recorder"
	"yaxha/internal/timers"
)

var (
	ErrNotConnected      = errors.New("examiner is not connected")
	ErrAlreadyStarted    = errors.New("exam already started")
	ErrToggleUnavailable = errors.New("recording controls are not available")
)

const (
	QuestionConnecting      = "Connecting to examiner..."
	QuestionConnected       = "Connected. Waiting for Examiner..."
	QuestionStillConnecting = "Still connecting... please wait."
	QuestionConnectionLost  = "Connection Error. Is the backend running?"

	FloorMessage = "Please continue speaking. You need to talk for at least 2 minutes for Part 2."
)

// Policy holds the cue-card timing rules.
type Policy struct {
	PrepSeconds  int
	FloorSeconds int
	CapSeconds   int
	// AdvanceOnCeilingAnyStage runs the speaking clock in every stage, and
	// the hard ceiling then forces the next stage wherever it is reached.
	AdvanceOnCeilingAnyStage bool
	// SilentFloorRejection refuses early cue-card stops without a notice.
	SilentFloorRejection bool
}

// DefaultPolicy is the standard Part 2 timing.
func DefaultPolicy() Policy {
	return Policy{PrepSeconds: 60, FloorSeconds: 120, CapSeconds: 180}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.PrepSeconds <= 0 {
		p.PrepSeconds = d.PrepSeconds
	}
	if p.CapSeconds <= 0 {
		p.CapSeconds = d.CapSeconds
	}
	if p.FloorSeconds <= 0 || p.FloorSeconds > p.CapSeconds {
		p.FloorSeconds = min(d.FloorSeconds, p.CapSeconds)
	}
	return p
}

// Machine is the pure session model: Apply takes one event and returns the
// effects to run. It performs no I/O and is not safe for concurrent use.
type Machine struct {
	policy Policy

	stage      domain.Stage
	started    bool
	connected  bool
	fatal      bool
	tornDown   bool
	awaiting   bool
	question   string
	transcript string
	errText    string
	micError   bool

	recording    bool
	turnStarting bool
	turnStopping bool
	autoTurn     bool
	stopCommit   bool
	turnID       string

	aiSpeaking  bool
	speakingSeq uint64

	cuePending    bool
	cuePendingSeq uint64

	prep     timers.Countdown
	prepGen  uint64
	speak    timers.Stopwatch
	speakGen uint64
}

func NewMachine(policy Policy) *Machine {
	return &Machine{
		policy:   policy.withDefaults(),
		stage:    domain.StageIntroduction,
		question: QuestionConnecting,
		prep:     timers.Countdown{State: domain.TimerIdle},
		speak:    timers.Stopwatch{State: domain.TimerIdle},
	}
}

// Stage returns the current stage.
func (m *Machine) Stage() domain.Stage { return m.stage }

// Policy returns the effective policy.
func (m *Machine) Policy() Policy { return m.policy }

// Apply advances the machine. Effects are returned even when err is non-nil;
// err reports a refused request to its caller.
func (m *Machine) Apply(ev Event) ([]Effect, error) {
	if m.tornDown {
		return nil, nil
	}

	switch e := ev.(type) {
	case Connected:
		m.connected = true
		if !m.fatal && (m.question == QuestionConnecting || m.question == QuestionStillConnecting || m.question == "") {
			m.question = QuestionConnected
		}
		return nil, nil
	case Disconnected:
		return m.onDisconnected(e), nil
	case StartRequested:
		return m.onStartRequested()
	case ToggleRequested:
		return m.onToggle()
	case DismissError:
		if !m.fatal {
			m.errText = ""
		}
		return nil, nil
	case ResponseReceived:
		return m.onResponse(e), nil
	case PreviewReceived:
		m.transcript = e.Text
		return nil, nil
	case ServerError:
		return m.onServerError(e), nil
	case SpeechStarted:
		if e.Seq >= m.speakingSeq {
			m.aiSpeaking = true
			m.speakingSeq = e.Seq
		}
		return nil, nil
	case SpeechFinished:
		return m.onSpeechFinished(e), nil
	case PrepTick:
		return m.onPrepTick(e), nil
	case SpeakTick:
		return m.onSpeakTick(e), nil
	case TurnStarted:
		return m.onTurnStarted(e), nil
	case TurnFailed:
		m.turnStarting = false
		m.autoTurn = false
		m.micError = true
		return []Effect{Notify{Notice: domain.Notice{Code: domain.ErrorCodeDevice, Message: e.Err.Error()}}}, nil
	case TurnStopped:
		return m.onTurnStopped(e), nil
	case Teardown:
		effects := m.cancelTimers()
		effects = append(effects, StopTurn{Forced: true, Discard: true})
		m.recording = false
		m.turnStarting = false
		m.cuePending = false
		m.tornDown = true
		return effects, nil
	default:
		return nil, fmt.Errorf("unhandled event %T", ev)
	}
}

func (m *Machine) onStartRequested() ([]Effect, error) {
	if !m.connected {
		if !m.fatal {
			m.question = QuestionStillConnecting
		}
		return nil, ErrNotConnected
	}
	if m.started {
		return nil, ErrAlreadyStarted
	}
	m.started = true
	m.awaiting = true
	return []Effect{SendControl{Text: protocol.ControlStartExam}}, nil
}

func (m *Machine) onToggle() ([]Effect, error) {
	switch {
	case m.stage == domain.StageEvaluation,
		!m.started,
		!m.connected,
		m.errText != "",
		m.prep.Running(),
		m.turnStarting,
		m.turnStopping,
		m.cuePending:
		return nil, ErrToggleUnavailable
	}

	if !m.recording {
		if m.awaiting {
			return nil, ErrToggleUnavailable
		}
		return m.beginTurn(false), nil
	}

	if m.stage == domain.StageCueCard && m.speak.Running() && m.speak.Elapsed < m.policy.FloorSeconds {
		err := fmt.Errorf("%w: %s", domain.ErrPolicyViolation, FloorMessage)
		if m.policy.SilentFloorRejection {
			return nil, err
		}
		return []Effect{Notify{Notice: domain.Notice{Code: domain.ErrorCodePolicy, Message: FloorMessage}}}, err
	}
	return m.endTurn(StopTurn{Commit: true}), nil
}

func (m *Machine) onResponse(e ResponseReceived) []Effect {
	m.question = e.Text
	m.awaiting = false

	var effects []Effect
	if e.Stage.Valid() && m.stage.Before(e.Stage) {
		effects = append(effects, m.cancelTimers()...)
		m.stage = e.Stage
		m.cuePending = false
	}

	switch {
	case m.stage == domain.StageEvaluation:
		effects = append(effects, m.cancelTimers()...)
		if m.recording {
			effects = append(effects, m.endTurn(StopTurn{Commit: true})...)
			m.awaiting = false
		}
	case m.stage == domain.StageCueCard && e.Stage == domain.StageCueCard:
		if m.errText == "" && !m.recording && !m.turnStarting && !m.prep.Running() {
			m.cuePending = true
			m.cuePendingSeq = e.Seq
		}
	}
	return effects
}

func (m *Machine) onServerError(e ServerError) []Effect {
	text := e.Text
	if text == "" {
		text = domain.ErrServer.Error()
	}
	m.errText = text
	// The error answers the outstanding request.
	m.awaiting = false
	effects := m.suspend()
	return append(effects, Notify{Notice: domain.Notice{Code: domain.ErrorCodeServer, Message: text, Blocking: true}})
}

func (m *Machine) onDisconnected(e Disconnected) []Effect {
	if m.fatal {
		return nil
	}
	m.fatal = true
	m.connected = false
	m.question = QuestionConnectionLost
	m.errText = QuestionConnectionLost
	m.awaiting = false

	msg := QuestionConnectionLost
	if e.Err != nil {
		msg = e.Err.Error()
	}
	effects := m.suspend()
	return append(effects, Notify{Notice: domain.Notice{Code: domain.ErrorCodeTransport, Message: msg, Blocking: true}})
}

// suspend cancels timers and aborts any turn without committing it. A turn
// already stopping loses its pending COMMIT.
func (m *Machine) suspend() []Effect {
	effects := m.cancelTimers()
	m.cuePending = false
	if m.turnStopping && m.stopCommit {
		m.stopCommit = false
		m.awaiting = false
		effects = append(effects, CancelCommit{})
	}
	if m.recording {
		effects = append(effects, m.endTurn(StopTurn{Forced: true, Discard: true})...)
	}
	return effects
}

func (m *Machine) onSpeechFinished(e SpeechFinished) []Effect {
	if e.Seq >= m.speakingSeq {
		m.aiSpeaking = false
	}
	if !m.cuePending || e.Seq < m.cuePendingSeq {
		return nil
	}
	m.cuePending = false
	if m.stage != domain.StageCueCard || m.errText != "" {
		return nil
	}
	m.prep = timers.StartCountdown(m.policy.PrepSeconds)
	m.prepGen++
	return []Effect{StartPrepTimer{Gen: m.prepGen, Seconds: m.policy.PrepSeconds}}
}

func (m *Machine) onPrepTick(e PrepTick) []Effect {
	if e.Gen != m.prepGen || !m.prep.Running() {
		return nil
	}
	m.prep = m.prep.Tick()
	if m.prep.Running() {
		return nil
	}
	effects := []Effect{StopPrepTimer{}}
	if m.recording || m.turnStarting || m.errText != "" {
		return effects
	}
	return append(effects, m.beginTurn(true)...)
}

func (m *Machine) onSpeakTick(e SpeakTick) []Effect {
	if e.Gen != m.speakGen || !m.speak.Running() {
		return nil
	}
	m.speak = m.speak.Tick()
	if m.speak.Elapsed < m.policy.CapSeconds {
		return nil
	}
	if !m.recording {
		m.speak = m.speak.Stop()
		return []Effect{StopSpeakTimer{}}
	}

	stop := StopTurn{Forced: true, Commit: true}
	if m.stage == domain.StageCueCard || m.policy.AdvanceOnCeilingAnyStage {
		if next := m.stage.Next(); next != m.stage {
			stop.Advance = next
		}
	}
	return m.endTurn(stop)
}

func (m *Machine) onTurnStarted(e TurnStarted) []Effect {
	m.turnStarting = false
	if m.errText != "" || m.stage == domain.StageEvaluation || !m.connected {
		m.autoTurn = false
		m.turnStopping = true
		m.stopCommit = false
		return []Effect{StopTurn{Forced: true, Discard: true}}
	}

	m.recording = true
	m.turnID = e.ID
	m.micError = false
	if m.stage == domain.StageCueCard || m.policy.AdvanceOnCeilingAnyStage {
		m.speak = timers.StartStopwatch()
		m.speakGen++
		return []Effect{StartSpeakTimer{Gen: m.speakGen}}
	}
	return nil
}

func (m *Machine) onTurnStopped(e TurnStopped) []Effect {
	m.turnStopping = false
	m.autoTurn = false
	m.turnID = ""
	if m.stopCommit && !e.Committed {
		m.awaiting = false
	}
	m.stopCommit = false

	if e.Err == nil || errors.Is(e.Err, recorder.ErrNoActiveTurn) {
		return nil
	}
	code := domain.CodeFor(e.Err)
	if code == domain.ErrorCodeStartup {
		code = domain.ErrorCodeAudioStop
	}
	if code == domain.ErrorCodeTransport {
		// The transport reports its own failure.
		return nil
	}
	return []Effect{Notify{Notice: domain.Notice{Code: code, Message: e.Err.Error()}}}
}

func (m *Machine) beginTurn(auto bool) []Effect {
	m.turnStarting = true
	m.autoTurn = auto
	m.micError = false
	m.transcript = ""
	return []Effect{StartTurn{Auto: auto}}
}

func (m *Machine) endTurn(stop StopTurn) []Effect {
	var effects []Effect
	if m.speak.Running() {
		m.speak = m.speak.Stop()
		effects = append(effects, StopSpeakTimer{})
	}
	m.recording = false
	m.turnStopping = true
	m.stopCommit = stop.Commit
	if stop.Commit {
		m.awaiting = true
	}
	return append(effects, stop)
}

func (m *Machine) cancelTimers() []Effect {
	var effects []Effect
	if m.prep.Running() {
		effects = append(effects, StopPrepTimer{})
	}
	if m.speak.Running() {
		effects = append(effects, StopSpeakTimer{})
	}
	m.prep = timers.Countdown{State: domain.TimerIdle}
	if !m.recording {
		m.speak = timers.Stopwatch{State: domain.TimerIdle}
	} else {
		m.speak = m.speak.Stop()
	}
	return effects
}

// View exposes the inputs of Status.
func (m *Machine) View() View {
	return View{
		Stage:        m.stage,
		Started:      m.started,
		Recording:    m.recording,
		TurnStarting: m.turnStarting,
		TurnStopping: m.turnStopping,
		AutoTurn:     m.autoTurn,
		AISpeaking:   m.aiSpeaking,
		Awaiting:     m.awaiting,
		CuePending:   m.cuePending,
		MicError:     m.micError,
		Error:        m.errText,
		Prep:         m.prep,
		Speak:        m.speak,
		FloorSeconds: m.policy.FloorSeconds,
		CapSeconds:   m.policy.CapSeconds,
	}
}

// Phase is the turn-taking sub-state.
func (m *Machine) Phase() domain.Phase {
	switch {
	case !m.started:
		return domain.PhaseIdle
	case m.prep.Running():
		return domain.PhasePrepping
	case m.recording || m.turnStarting:
		return domain.PhaseRecording
	default:
		return domain.PhaseAwaitingTurn
	}
}

// Snapshot publishes the full state.
func (m *Machine) Snapshot() domain.Snapshot {
	return domain.Snapshot{
		Stage:      m.stage,
		Phase:      m.Phase(),
		Status:     Status(m.View()),
		Question:   m.question,
		Transcript: m.transcript,
		Recording:  m.recording,
		AISpeaking: m.aiSpeaking,
		Started:    m.started,
		Connected:  m.connected,
		Error:      m.errText,
		Timers: domain.Timers{
			PrepState:     m.prep.State,
			PrepRemaining: m.prep.Remaining,
			SpeakState:    m.speak.State,
			SpeakElapsed:  m.speak.Elapsed,
		},
		StageHeader: m.stage.DisplayName(),
	}
}
