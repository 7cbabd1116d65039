package stt

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// LiveOptions are the connection parameters sent at handshake time. They are
// fixed for the life of a session; the recognizer does not renegotiate
// mid-stream. Provider tuning flags (diarization, smart formatting,
// endpointing) ride along as opaque query parameters.
type LiveOptions struct {
	Model          string
	Language       string
	Encoding       string
	SampleRate     int
	Channels       int
	Punctuate      bool
	SmartFormat    bool
	InterimResults bool
	Diarize        bool
	Multichannel   bool
	// Endpointing is the silence duration after which the recognizer marks
	// an utterance speech-final.
	Endpointing time.Duration
}

// DefaultLiveOptions matches the pipeline's wire contract: linear 16-bit PCM
// at 16 kHz, two interleaved channels, 700ms endpointing.
func DefaultLiveOptions() LiveOptions {
	return LiveOptions{
		Model:          "nova-2",
		Language:       "en-US",
		Encoding:       "linear16",
		SampleRate:     16000,
		Channels:       2,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		Multichannel:   true,
		Endpointing:    700 * time.Millisecond,
	}
}

func (o LiveOptions) values() url.Values {
	v := url.Values{}
	v.Set("model", o.Model)
	v.Set("language", o.Language)
	v.Set("encoding", o.Encoding)
	v.Set("sample_rate", strconv.Itoa(o.SampleRate))
	v.Set("channels", strconv.Itoa(o.Channels))
	v.Set("punctuate", strconv.FormatBool(o.Punctuate))
	v.Set("smart_format", strconv.FormatBool(o.SmartFormat))
	v.Set("interim_results", strconv.FormatBool(o.InterimResults))
	if o.Diarize {
		v.Set("diarize", "true")
	}
	if o.Multichannel {
		v.Set("multichannel", "true")
	}
	if o.Endpointing > 0 {
		v.Set("endpointing", strconv.Itoa(int(o.Endpointing.Milliseconds())))
	}
	return v
}

// Endpoint builds the full websocket URL for the handshake. Credentials are
// never part of the URL; they travel in the handshake headers, since proxies
// are known to log full request URLs.
func (o LiveOptions) Endpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse recognizer endpoint: %w", err)
	}
	u.RawQuery = o.values().Encode()
	return u.String(), nil
}
