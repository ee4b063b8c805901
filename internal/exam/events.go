package exam

import "yaxha/internal/domain"

// Event is an input to the Machine.
type Event interface {
	name() string
}

type (
	Connected    struct{}
	Disconnected struct{ Err error }

	StartRequested  struct{}
	ToggleRequested struct{}
	DismissError    struct{}

	ResponseReceived struct {
		Seq   uint64
		Stage domain.Stage
		Text  string
	}
	PreviewReceived struct{ Text string }
	ServerError     struct {
		Seq  uint64
		Text string
	}

	SpeechStarted  struct{ Seq uint64 }
	SpeechFinished struct{ Seq uint64 }

	PrepTick  struct{ Gen uint64 }
	SpeakTick struct{ Gen uint64 }

	TurnStarted struct{ ID string }
	TurnFailed  struct{ Err error }
	TurnStopped struct {
		ID        string
		Committed bool
		Err       error
	}

	Teardown struct{}
)

func (Connected) name() string        { return "connected" }
func (Disconnected) name() string     { return "disconnected" }
func (StartRequested) name() string   { return "start_requested" }
func (ToggleRequested) name() string  { return "toggle_requested" }
func (DismissError) name() string     { return "dismiss_error" }
func (ResponseReceived) name() string { return "response" }
func (PreviewReceived) name() string  { return "preview" }
func (ServerError) name() string      { return "server_error" }
func (SpeechStarted) name() string    { return "speech_started" }
func (SpeechFinished) name() string   { return "speech_finished" }
func (PrepTick) name() string         { return "prep_tick" }
func (SpeakTick) name() string        { return "speak_tick" }
func (TurnStarted) name() string      { return "turn_started" }
func (TurnFailed) name() string       { return "turn_failed" }
func (TurnStopped) name() string      { return "turn_stopped" }
func (Teardown) name() string         { return "teardown" }

// EventName labels an event for logs and metrics.
func EventName(ev Event) string { return ev.name() }

// Effect is a side effect requested by the Machine.
type Effect interface {
	effect()
}

type (
	SendControl struct{ Text string }
	StartTurn   struct{ Auto bool }
	StopTurn    struct {
		Forced  bool
		Commit  bool
		Discard bool
		Advance domain.Stage
	}
	StartPrepTimer struct {
		Gen     uint64
		Seconds int
	}
	StopPrepTimer   struct{}
	StartSpeakTimer struct{ Gen uint64 }
	StopSpeakTimer  struct{}
	Notify          struct{ Notice domain.Notice }
	// CancelCommit drops the COMMIT of a turn that is still flushing.
	CancelCommit struct{}
)

func (SendControl) effect()     {}
func (StartTurn) effect()       {}
func (StopTurn) effect()        {}
func (StartPrepTimer) effect()  {}
func (StopPrepTimer) effect()   {}
func (StartSpeakTimer) effect() {}
func (StopSpeakTimer) effect()  {}
func (Notify) effect()          {}
func (CancelCommit) effect()    {}
