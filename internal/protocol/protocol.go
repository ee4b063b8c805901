// Package protocol defines the JSON control messages exchanged with the exam
// backend. Audio travels as raw binary frames and never passes through here.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"yaxha/internal/domain"
)

const (
	ControlStartExam   = "START_EXAM"
	ControlCommit      = "COMMIT"
	controlStagePrefix = "STAGE_CHANGE:"
)

// StageChange builds the forced stage-advance control text.
func StageChange(stage domain.Stage) string {
	return controlStagePrefix + string(stage)
}

// ParseStageChange extracts the stage from a STAGE_CHANGE control text.
func ParseStageChange(text string) (domain.Stage, bool) {
	if !strings.HasPrefix(text, controlStagePrefix) {
		return "", false
	}
	return domain.ParseStage(strings.TrimPrefix(text, controlStagePrefix))
}

// Control is an outbound JSON control message.
type Control struct {
	Text string `json:"text"`
}

// EncodeControl marshals a control message.
func EncodeControl(text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("control text cannot be empty")
	}
	return json.Marshal(Control{Text: text})
}

// Inbound is a decoded backend message.
type Inbound struct {
	Kind  domain.MessageKind
	Text  string
	Stage domain.Stage
	// RawStage holds the stage name as sent, including unknown names.
	RawStage string
}

type wireInbound struct {
	Type  string  `json:"type"`
	Text  *string `json:"text"`
	Stage string  `json:"stage"`
}

// DecodeInbound parses one backend text frame. Failures wrap domain.ErrProtocol.
func DecodeInbound(payload []byte) (Inbound, error) {
	var wire wireInbound
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	if wire.Text == nil {
		return Inbound{}, fmt.Errorf("%w: missing text field", domain.ErrProtocol)
	}

	kind := domain.MessageKind(strings.ToLower(strings.TrimSpace(wire.Type)))
	if kind == "" && wire.Stage != "" {
		// The greeting sent on connect carries no type.
		kind = domain.MessageResponse
	}

	msg := Inbound{Kind: kind, Text: *wire.Text, RawStage: wire.Stage}
	switch kind {
	case domain.MessageResponse:
		if stage, ok := domain.ParseStage(wire.Stage); ok {
			msg.Stage = stage
		}
		return msg, nil
	case domain.MessagePreview, domain.MessageError:
		return msg, nil
	default:
		return Inbound{}, fmt.Errorf("%w: unknown message type %q", domain.ErrProtocol, wire.Type)
	}
}
