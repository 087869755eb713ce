package recognition

import (
	"context"
	"errors"
	"fmt"
)

// ErrCapabilityUnavailable reports that the host has no recognition engine.
// It is fatal to the dictation feature and surfaced once at startup.
var ErrCapabilityUnavailable = errors.New("speech recognition capability unavailable")

// ErrPassActive is returned by Start when a pass is still running.
var ErrPassActive = errors.New("recognition pass already active")

// ErrorCode identifies an engine failure reported through OnError.
type ErrorCode string

const (
	ErrorNotAllowed          ErrorCode = "not-allowed"
	ErrorNoSpeech            ErrorCode = "no-speech"
	ErrorNetwork             ErrorCode = "network"
	ErrorServiceNotAllowed   ErrorCode = "service-not-allowed"
	ErrorAudioCapture        ErrorCode = "audio-capture"
	ErrorAborted             ErrorCode = "aborted"
	ErrorLanguageUnsupported ErrorCode = "language-not-supported"
	ErrorStartFailed         ErrorCode = "start-failed"
)

// Options configures a single recognition pass.
type Options struct {
	PassID         string
	Language       string
	Continuous     bool
	InterimResults bool
}

// Reactions receives the asynchronous outcome of a pass. Engines deliver
// zero or more results followed by exactly one end; an error, when it
// occurs, precedes the end.
type Reactions interface {
	OnResult(text string)
	OnEnd()
	OnError(code ErrorCode)
}

// Engine runs one recognition pass at a time. Implementations must not call
// Reactions from inside Start or Stop.
type Engine interface {
	Start(ctx context.Context, opts Options, reactions Reactions) error
	Stop() error
}

// EngineError attaches an ErrorCode to a failure returned by Start.
type EngineError struct {
	Code ErrorCode
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// CodeOf maps an error returned by Start to the code shown to the user.
func CodeOf(err error) ErrorCode {
	var engineErr *EngineError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &engineErr):
		return engineErr.Code
	case errors.Is(err, ErrCapabilityUnavailable):
		return ErrorServiceNotAllowed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorAborted
	default:
		return ErrorStartFailed
	}
}

// reportedCode converts a code sent by a recognizer, substituting fallback
// when the recognizer left it empty.
func reportedCode(code string, fallback ErrorCode) ErrorCode {
	if code == "" {
		return fallback
	}
	return ErrorCode(code)
}
