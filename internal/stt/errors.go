package stt

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied            = errors.New("microphone permission denied")
	ErrPermissionPermanentlyDenied = errors.New("microphone permission permanently denied")
	ErrRecognizerUnavailable       = errors.New("speech recognizer unavailable")
	ErrAlreadyListening            = errors.New("recognizer already listening")
	ErrRecognizerTransient         = errors.New("transient recognizer error")
	ErrRecognizerFatal             = errors.New("fatal recognizer error")
	ErrNotListening                = errors.New("recognizer not listening")
	ErrDrainTimeout                = errors.New("recognizer did not drain before timeout")
)

type classified struct {
	kind  error
	cause error
}

func (e *classified) Error() string {
	if e.cause == nil {
		return e.kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.kind, e.cause)
}

func (e *classified) Is(target error) bool { return target == e.kind }

func (e *classified) Unwrap() error { return e.cause }

// Transient marks err as a recoverable recognizer failure.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrRecognizerTransient) {
		return err
	}
	return &classified{kind: ErrRecognizerTransient, cause: err}
}

// Fatal marks err as a failure that leaves the recognizer unusable until it is
// initialized again.
func Fatal(err error) error {
	if err == nil || errors.Is(err, ErrRecognizerFatal) {
		return err
	}
	return &classified{kind: ErrRecognizerFatal, cause: err}
}

// IsFatal reports whether err should move a session to Unavailable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRecognizerFatal) || errors.Is(err, ErrRecognizerUnavailable)
}
