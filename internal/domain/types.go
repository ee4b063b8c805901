package domain

import "strings"

// Stage is one of the four ordered phases of the exam.
type Stage string

const (
	StageIntroduction Stage = "Introduction"
	StageCueCard      Stage = "CueCard"
	StageDiscussion   Stage = "Discussion"
	StageEvaluation   Stage = "Evaluation"
)

var stageOrder = map[Stage]int{
	StageIntroduction: 0,
	StageCueCard:      1,
	StageDiscussion:   2,
	StageEvaluation:   3,
}

// ParseStage resolves a backend stage name. Unknown names report ok=false.
func ParseStage(raw string) (Stage, bool) {
	stage := Stage(strings.TrimSpace(raw))
	_, ok := stageOrder[stage]
	return stage, ok
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// Before reports whether s comes strictly earlier than other.
func (s Stage) Before(other Stage) bool {
	return stageOrder[s] < stageOrder[other]
}

// Next returns the stage following s, or s itself for Evaluation.
func (s Stage) Next() Stage {
	switch s {
	case StageIntroduction:
		return StageCueCard
	case StageCueCard:
		return StageDiscussion
	default:
		return StageEvaluation
	}
}

// DisplayName is the candidate-facing heading for a stage.
func (s Stage) DisplayName() string {
	switch s {
	case StageIntroduction:
		return "Stage 1: Introduction"
	case StageCueCard:
		return "Stage 2: Cue Card"
	case StageDiscussion:
		return "Stage 3: Discussion"
	case StageEvaluation:
		return "Final Evaluation"
	default:
		return "IELTS Exam"
	}
}

// Phase is the turn-taking sub-state within a stage.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseAwaitingTurn Phase = "awaiting_turn"
	PhaseRecording    Phase = "recording"
	PhasePrepping     Phase = "prepping"
)

// Bands are the three aggregated frequency energies driving the visualizer.
type Bands struct {
	Low  float64 `json:"low"`
	Mid  float64 `json:"mid"`
	High float64 `json:"high"`
}

// IsZero reports whether every band is exactly zero.
func (b Bands) IsZero() bool {
	return b.Low == 0 && b.Mid == 0 && b.High == 0
}

// TimerState is the lifecycle of an exam clock.
type TimerState string

const (
	TimerIdle    TimerState = "idle"
	TimerRunning TimerState = "running"
	TimerExpired TimerState = "expired"
)

// Timers exposes both cue-card clocks to the presentation layer.
type Timers struct {
	PrepState     TimerState `json:"prepState"`
	PrepRemaining int        `json:"prepRemaining"`
	SpeakState    TimerState `json:"speakState"`
	SpeakElapsed  int        `json:"speakElapsed"`
}

// MessageKind identifies an inbound backend message.
type MessageKind string

const (
	MessageResponse MessageKind = "response"
	MessagePreview  MessageKind = "preview"
	MessageError    MessageKind = "error"
)

// AIMessage is a one-shot AI response or error event.
type AIMessage struct {
	Seq   uint64      `json:"seq"`
	Kind  MessageKind `json:"type"`
	Text  string      `json:"text"`
	Stage Stage       `json:"stage,omitempty"`
}

// Snapshot summarizes the full session state after an event.
type Snapshot struct {
	Stage       Stage  `json:"stage"`
	Phase       Phase  `json:"phase"`
	Status      string `json:"status"`
	Question    string `json:"question"`
	Transcript  string `json:"transcript"`
	Recording   bool   `json:"recording"`
	AISpeaking  bool   `json:"aiSpeaking"`
	Started     bool   `json:"started"`
	Connected   bool   `json:"connected"`
	Error       string `json:"error,omitempty"`
	Timers      Timers `json:"timers"`
	StageHeader string `json:"stageHeader"`
}
