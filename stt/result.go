package stt

import (
	"time"

	"earshot.dev/audio"
)

// Result is one inbound recognizer event for a single channel.
//
// IsFinal means the text will not change; SpeechFinal means the recognizer's
// own endpointing decided the utterance is complete. A segment can be final
// without being speech-final: the speaker paused but may continue.
type Result struct {
	Text         string
	Confidence   float64
	IsFinal      bool
	SpeechFinal  bool
	ChannelIndex int
}

// TranscriptEvent is one transcript emission toward the downstream consumer.
// Interim events may repeat for the same utterance; a final event is emitted
// exactly once per utterance boundary.
type TranscriptEvent struct {
	Text       string        `json:"text"`
	Channel    audio.Channel `json:"channel"`
	IsFinal    bool          `json:"is_final"`
	Confidence float64       `json:"confidence"`
	Timestamp  time.Time     `json:"timestamp"`
}
