package parser

import (
	"context"
	"errors"

	"github.com/iambrandonn/satto/internal/protocol"
)

// ErrStreamTruncated is returned when a stream closes without an end event.
var ErrStreamTruncated = errors.New("stream closed without end event")

// Response is a fully parsed model response.
type Response struct {
	Segments []protocol.Segment
	Usage    protocol.Usage
}

// Requests returns the action requests in emission order.
func (r *Response) Requests() []*protocol.ActionRequest {
	var out []*protocol.ActionRequest
	for _, seg := range r.Segments {
		if seg.Type == protocol.SegmentAction {
			out = append(out, seg.Action)
		}
	}
	return out
}

// Append adds seg to segs, merging adjacent text so the stored response does
// not depend on how the stream was chunked.
func Append(segs []protocol.Segment, seg protocol.Segment) []protocol.Segment {
	if seg.Type == protocol.SegmentText {
		if seg.Text == "" {
			return segs
		}
		if n := len(segs); n > 0 && segs[n-1].Type == protocol.SegmentText {
			segs[n-1].Text += seg.Text
			return segs
		}
	}
	return append(segs, seg)
}

// Collect drains events through a fresh Parser. onText, when set, receives
// narrative text as soon as it is released. On a stream error or
// cancellation the segments parsed so far are returned with the error.
func Collect(ctx context.Context, events <-chan protocol.StreamEvent, onText func(string)) (*Response, error) {
	p := New()
	resp := &Response{}

	emit := func(segs []protocol.Segment) {
		for _, seg := range segs {
			if seg.Type == protocol.SegmentText && onText != nil {
				onText(seg.Text)
			}
			resp.Segments = Append(resp.Segments, seg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case evt, ok := <-events:
			if !ok {
				emit(p.Close())
				return resp, protocol.NewError(protocol.KindTransportFailed, "truncated", "", ErrStreamTruncated)
			}
			switch evt.Type {
			case protocol.StreamTextDelta:
				emit(p.Feed(evt.Text))
			case protocol.StreamUsage:
				if evt.Usage != nil {
					resp.Usage.Add(*evt.Usage)
				}
			case protocol.StreamEnd:
				emit(p.Close())
				return resp, nil
			case protocol.StreamError:
				return resp, protocol.NewError(protocol.KindTransportFailed, "stream", "", evt.Err)
			}
		}
	}
}
