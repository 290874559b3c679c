package protocol

// StreamEventType identifies a provider stream event.
type StreamEventType string

const (
	StreamTextDelta StreamEventType = "text_delta"
	StreamUsage     StreamEventType = "usage"
	StreamEnd       StreamEventType = "end"
	StreamError     StreamEventType = "error"
)

// StreamEvent is one element of a provider response stream.
type StreamEvent struct {
	Type  StreamEventType
	Text  string
	Usage *Usage
	Err   error
}

// TextDelta builds a text event.
func TextDelta(chunk string) StreamEvent {
	return StreamEvent{Type: StreamTextDelta, Text: chunk}
}

// UsageInfo builds a usage event.
func UsageInfo(u Usage) StreamEvent {
	return StreamEvent{Type: StreamUsage, Usage: &u}
}

// EndOfStream builds the terminal success event.
func EndOfStream() StreamEvent {
	return StreamEvent{Type: StreamEnd}
}

// StreamFailure builds the terminal failure event.
func StreamFailure(err error) StreamEvent {
	return StreamEvent{Type: StreamError, Err: err}
}
