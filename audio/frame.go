package audio

import "time"

// Channel identifies which side of the call a frame was captured from.
type Channel string

const (
	// ChannelLocal is the near-end speaker (the person running the client).
	ChannelLocal Channel = "local"
	// ChannelRemote is the far-end participant.
	ChannelRemote Channel = "remote"
)

// Index returns the interleaved channel slot for this channel. Local audio
// always occupies slot 0, remote slot 1; the assignment never changes within
// a session.
func (c Channel) Index() int {
	if c == ChannelRemote {
		return 1
	}
	return 0
}

// ChannelFromIndex maps a recognizer channel index back to a capture channel.
func ChannelFromIndex(i int) Channel {
	if i == 1 {
		return ChannelRemote
	}
	return ChannelLocal
}

// Frame is a fixed-length block of floating-point samples from one capture
// source. Frames are immutable once created and consumed exactly once by the
// pipeline.
type Frame struct {
	Channel    Channel
	SampleRate int
	Samples    []float32
	CapturedAt time.Time
}
