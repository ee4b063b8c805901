package exam

import (
	"fmt"

	"yaxha/internal/domain"
	"yaxha/internal/timers"
)

const (
	StatusWait         = "Wait"
	StatusYourTurn     = "Your Turn"
	StatusPrepTime     = "Prep Time"
	StatusSpeakingTime = "Speaking Time"
	StatusRecording    = "Recording..."
	StatusAISpeaking   = "Examiner is speaking..."
	StatusFinished     = "Exam Finished"
	StatusMicError     = "Mic Error"
	StatusError        = "Error"
)

// View is the state that status is derived from.
type View struct {
	Stage        domain.Stage
	Started      bool
	Recording    bool
	TurnStarting bool
	TurnStopping bool
	AutoTurn     bool
	AISpeaking   bool
	Awaiting     bool
	CuePending   bool
	MicError     bool
	Error        string
	Prep         timers.Countdown
	Speak        timers.Stopwatch
	FloorSeconds int
	CapSeconds   int
}

// Status derives the candidate-facing status label. It has no other inputs.
func Status(v View) string {
	switch {
	case v.Stage == domain.StageEvaluation:
		return StatusFinished
	case v.Error != "":
		return StatusError
	case v.MicError && !v.Recording && !v.TurnStarting:
		return StatusMicError
	case v.Prep.Running():
		return StatusPrepTime
	case v.Recording && v.Speak.Running() && v.Stage == domain.StageCueCard:
		return speakingStatus(v.Speak.Elapsed, v.FloorSeconds, v.CapSeconds)
	case v.TurnStarting && v.AutoTurn:
		return StatusSpeakingTime
	case v.Recording:
		return StatusRecording
	case v.AISpeaking:
		return StatusAISpeaking
	case !v.Started, v.Awaiting, v.CuePending, v.TurnStarting, v.TurnStopping:
		return StatusWait
	default:
		return StatusYourTurn
	}
}

func speakingStatus(elapsed, floor, ceiling int) string {
	clock := fmt.Sprintf("%d:%02d", elapsed/60, elapsed%60)
	if elapsed < floor {
		return fmt.Sprintf("Speaking (Min %s) - %s", minutes(floor), clock)
	}
	return fmt.Sprintf("Speaking (Max %s) - %s - You can stop now.", minutes(ceiling), clock)
}

func minutes(seconds int) string {
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
