package protocol

import "time"

// RecognizerCommand asks a remote recognizer to begin or end a pass.
type RecognizerCommand struct {
	Op             string    `json:"op"` // start, stop
	PassID         string    `json:"pass_id"`
	Language       string    `json:"language,omitempty"`
	Continuous     bool      `json:"continuous"`
	InterimResults bool      `json:"interim_results"`
	Timestamp      time.Time `json:"timestamp"`
}

// RecognizerAck is the reply to a RecognizerCommand.
type RecognizerAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RecognizerEvent is emitted by a remote recognizer during a pass.
type RecognizerEvent struct {
	PassID    string    `json:"pass_id"`
	Type      string    `json:"type"` // result, error, end
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlRequest drives a dictation controller.
type ControlRequest struct {
	Op       string `json:"op"` // start, stop, status, edit, language
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
}

// ControlReply answers a ControlRequest with the resulting status.
type ControlReply struct {
	OK     bool          `json:"ok"`
	Error  string        `json:"error,omitempty"`
	Status StatusMessage `json:"status"`
}

// StatusMessage is broadcast on every controller status change.
type StatusMessage struct {
	ControllerID string    `json:"controller_id"`
	Phase        string    `json:"phase"`
	Message      string    `json:"message"`
	Error        string    `json:"error,omitempty"`
	Listening    bool      `json:"listening"`
	Language     string    `json:"language"`
	Transcript   string    `json:"transcript"`
	Passes       int       `json:"passes"`
	Restarts     int       `json:"restarts"`
	Timestamp    time.Time `json:"timestamp"`
}

// TranscriptMessage is broadcast whenever the transcript changes.
type TranscriptMessage struct {
	ControllerID string    `json:"controller_id"`
	Text         string    `json:"text"`
	Fragment     string    `json:"fragment,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectRecognizerPrefix    = "stt.recognizer"
	SubjectControlPrefix       = "dictation.control"
	SubjectDictationStatus     = "dictation.status"
	SubjectDictationTranscript = "dictation.transcript"

	CapabilityRecognizer = "stt.recognizer"
	CapabilityDictation  = "dictation.controller"
)

// RecognizerControlSubject is where commands for target are sent.
func RecognizerControlSubject(target string) string {
	return SubjectRecognizerPrefix + "." + target + ".control"
}

// RecognizerEventsSubject carries the events of one pass.
func RecognizerEventsSubject(target, passID string) string {
	return SubjectRecognizerPrefix + "." + target + ".events." + passID
}

// ControlSubject addresses the controller with the given id.
func ControlSubject(controllerID string) string {
	return SubjectControlPrefix + "." + controllerID
}
