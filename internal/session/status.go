package session

import "github.com/loqalabs/loqa-dictation/internal/recognition"

// Phase is the user-facing projection of the controller state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseListening  Phase = "listening"
	PhaseRestarting Phase = "restarting"
	PhaseStopped    Phase = "stopped"
	PhaseErrored    Phase = "errored"
)

// Status is what the status readout shows.
type Status struct {
	Phase   Phase                 `json:"phase"`
	Message string                `json:"message"`
	Error   recognition.ErrorCode `json:"error,omitempty"`
}

func statusFor(phase Phase) Status {
	switch phase {
	case PhaseListening:
		return Status{Phase: phase, Message: "Listening..."}
	case PhaseRestarting:
		return Status{Phase: phase, Message: "Restarting..."}
	case PhaseStopped:
		return Status{Phase: phase, Message: "Stopped."}
	default:
		return Status{Phase: PhaseIdle, Message: "Idle."}
	}
}

func errorStatus(code recognition.ErrorCode) Status {
	return Status{Phase: PhaseErrored, Message: "Error: " + string(code), Error: code}
}

// Stats counts controller activity since construction.
type Stats struct {
	Passes   int `json:"passes"`
	Restarts int `json:"restarts"`
	Results  int `json:"results"`
	Errors   int `json:"errors"`
}
