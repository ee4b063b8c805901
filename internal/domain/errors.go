package domain

import "errors"

var (
	// ErrDevice means the capture device could not be acquired. The candidate may retry.
	ErrDevice = errors.New("audio input device unavailable")
	// ErrTransport means the backend connection failed or closed.
	ErrTransport = errors.New("exam backend connection failed")
	// ErrProtocol marks a malformed inbound message; it is dropped.
	ErrProtocol = errors.New("malformed backend message")
	// ErrPolicyViolation is a locally rejected candidate action.
	ErrPolicyViolation = errors.New("turn policy violation")
	// ErrServer wraps an explicit error message sent by the backend.
	ErrServer = errors.New("backend reported an error")
)

// ErrorCode identifies notices shown to the candidate.
type ErrorCode string

const (
	ErrorCodeStartup   ErrorCode = "startup"
	ErrorCodeDevice    ErrorCode = "device"
	ErrorCodeTransport ErrorCode = "transport"
	ErrorCodeProtocol  ErrorCode = "protocol"
	ErrorCodePolicy    ErrorCode = "policy"
	ErrorCodeServer    ErrorCode = "server"
	ErrorCodeAudioStop ErrorCode = "audio_stop"
)

// Notice is a discrete notification for the candidate.
type Notice struct {
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	Blocking bool      `json:"blocking"`
}

// CodeFor classifies err into a notice code.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrDevice):
		return ErrorCodeDevice
	case errors.Is(err, ErrTransport):
		return ErrorCodeTransport
	case errors.Is(err, ErrProtocol):
		return ErrorCodeProtocol
	case errors.Is(err, ErrPolicyViolation):
		return ErrorCodePolicy
	case errors.Is(err, ErrServer):
		return ErrorCodeServer
	default:
		return ErrorCodeStartup
	}
}
