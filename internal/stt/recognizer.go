package stt

import (
	"context"
	"math"
	"strings"
)

// RecognitionEvent captures recognizer output for the current utterance segment.
// Interim events replace the segment's provisional text; a final event closes it.
type RecognitionEvent struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Final      bool    `json:"final"`
	Language   string  `json:"language,omitempty"`
}

// Options tune a single listening span.
type Options struct {
	PartialResults bool
	LocaleHint     string
}

// Result is one item of a recognizer event stream. Err is set when the
// recognizer reports a failure instead of text.
type Result struct {
	Event RecognitionEvent
	Err   error
}

// Recognizer abstracts platform speech backends.
//
// Events returns the stream for the current listening span. The channel is
// closed once the span has drained after Stop, after Cancel, or when the
// backend ends the span on its own.
type Recognizer interface {
	Initialize(ctx context.Context) error
	Available() bool
	Start(ctx context.Context, opts Options) error
	Stop(ctx context.Context) error
	Cancel()
	Events() <-chan Result
}

// Normalize trims text and clamps confidence into [0,1].
func Normalize(evt RecognitionEvent) RecognitionEvent {
	evt.Text = strings.TrimSpace(evt.Text)
	evt.Language = strings.TrimSpace(evt.Language)
	switch {
	case math.IsNaN(evt.Confidence), evt.Confidence < 0:
		evt.Confidence = 0
	case evt.Confidence > 1:
		evt.Confidence = 1
	}
	return evt
}
