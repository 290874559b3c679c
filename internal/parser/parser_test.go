package parser

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/satto/internal/protocol"
)

// feedAll runs input through a parser split at the given cut points and
// returns the coalesced segments.
func feedAll(t *testing.T, chunks []string) []protocol.Segment {
	t.Helper()
	p := New()
	var segs []protocol.Segment
	for _, c := range chunks {
		for _, s := range p.Feed(c) {
			segs = Append(segs, s)
		}
	}
	for _, s := range p.Close() {
		segs = Append(segs, s)
	}
	return segs
}

func actions(segs []protocol.Segment) []*protocol.ActionRequest {
	var out []*protocol.ActionRequest
	for _, s := range segs {
		if s.Type == protocol.SegmentAction {
			out = append(out, s.Action)
		}
	}
	return out
}

func TestParseSingleAction(t *testing.T) {
	input := "I'll read it.\n<read_file>\n<path>src/a.txt</path>\n</read_file>\nThen continue."
	segs := feedAll(t, []string{input})

	want := []protocol.Segment{
		protocol.TextSegment("I'll read it.\n"),
		protocol.ActionSegment(&protocol.ActionRequest{
			Index:  0,
			Kind:   protocol.ActionReadFile,
			Params: map[string]string{"path": "src/a.txt"},
			Raw:    "<read_file>\n<path>src/a.txt</path>\n</read_file>",
		}),
		protocol.TextSegment("\nThen continue."),
	}
	if diff := cmp.Diff(want, segs); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
}

func TestChunkBoundaryInvariance(t *testing.T) {
	input := "Plan: write then finish <b>bold</b> é😀\n" +
		"<write_file>\n<path>docs/ü.md</path>\n<content>\n# Title\n<p>html</p>\n</content>\n</write_file>\n" +
		"<attempt_completion><result>done ✓</result></attempt_completion>"

	reference := feedAll(t, []string{input})
	refActions := actions(reference)
	require.Len(t, refActions, 2)
	assert.Equal(t, "# Title\n<p>html</p>", refActions[0].Params["content"])
	assert.Equal(t, "docs/ü.md", refActions[0].Params["path"])

	raw := []byte(input)
	// Every single split point, including ones inside multi-byte runes.
	for cut := 1; cut < len(raw); cut++ {
		chunks := []string{string(raw[:cut]), string(raw[cut:])}
		got := feedAll(t, chunks)
		if diff := cmp.Diff(reference, got); diff != "" {
			t.Fatalf("split at %d changed result (-want +got):\n%s", cut, diff)
		}
	}

	// Byte-at-a-time delivery.
	var single []string
	for i := range raw {
		single = append(single, string(raw[i:i+1]))
	}
	if diff := cmp.Diff(reference, feedAll(t, single)); diff != "" {
		t.Fatalf("byte-at-a-time changed result (-want +got):\n%s", diff)
	}
}

func TestTextIsReleasedEagerly(t *testing.T) {
	p := New()

	segs := p.Feed("Hello wor")
	require.Len(t, segs, 1)
	assert.Equal(t, "Hello wor", segs[0].Text)

	// A possible marker prefix is held back until it resolves.
	segs = p.Feed("ld <rea")
	require.Len(t, segs, 1)
	assert.Equal(t, "ld ", segs[0].Text)

	segs = p.Feed("lly>")
	var text strings.Builder
	for _, s := range segs {
		text.WriteString(s.Text)
	}
	assert.Equal(t, "<really>", text.String())
}

func TestIncompleteRuneIsBuffered(t *testing.T) {
	p := New()
	euro := []byte("€")

	segs := p.Feed("a" + string(euro[:2]))
	require.Len(t, segs, 1)
	assert.Equal(t, "a", segs[0].Text)

	segs = p.Feed(string(euro[2:]) + "b")
	require.Len(t, segs, 1)
	assert.Equal(t, "€b", segs[0].Text)
}

func TestUnknownMarkersAreText(t *testing.T) {
	input := "<thinking>hmm</thinking> <read_file <notatag>"
	segs := feedAll(t, []string{input})

	require.Len(t, segs, 1)
	assert.Equal(t, input, segs[0].Text)
}

func TestNestedActionInsideParamIsLiteral(t *testing.T) {
	input := "<execute_command><command>echo '<read_file><path>x</path></read_file>'</command></execute_command>"
	segs := feedAll(t, []string{input})

	reqs := actions(segs)
	require.Len(t, reqs, 1)
	assert.Equal(t, protocol.ActionExecuteCommand, reqs[0].Kind)
	assert.Equal(t, "echo '<read_file><path>x</path></read_file>'", reqs[0].Params["command"])
}

func TestContentMayContainItsOwnCloseTag(t *testing.T) {
	input := "<write_file><path>p.xml</path><content>a</content>b</content>\n</write_file>"
	reqs := actions(feedAll(t, []string{input}))

	require.Len(t, reqs, 1)
	assert.Equal(t, "a</content>b", reqs[0].Params["content"])
	assert.Equal(t, input, reqs[0].Raw)
}

func TestUnterminatedBlockIsPartial(t *testing.T) {
	segs := feedAll(t, []string{"ok <write_file><path>a.txt</path><content>hal"})

	require.Len(t, segs, 2)
	assert.Equal(t, "ok ", segs[0].Text)
	req := segs[1].Action
	require.NotNil(t, req)
	assert.True(t, req.Partial)
	assert.Equal(t, "a.txt", req.Params["path"])
	assert.Equal(t, "hal", req.Params["content"])
	assert.Error(t, protocol.Validate(req))
}

func TestMissingParamFailsValidation(t *testing.T) {
	reqs := actions(feedAll(t, []string{"<read_file></read_file>"}))
	require.Len(t, reqs, 1)

	err := protocol.Validate(reqs[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrProtocolMalformed)
}

func TestIndexesFollowEmissionOrder(t *testing.T) {
	input := "<read_file><path>a</path></read_file>" +
		"<use_mcp_tool><server_name>s</server_name><tool_name>t</tool_name><arguments>{\"a\":1}</arguments></use_mcp_tool>" +
		"<access_mcp_resource><server_name>s</server_name><uri>r://x</uri></access_mcp_resource>"
	reqs := actions(feedAll(t, []string{input}))

	require.Len(t, reqs, 3)
	for i, r := range reqs {
		assert.Equal(t, i, r.Index)
	}
	assert.Equal(t, protocol.ActionUseMCP, reqs[1].Kind)
	assert.Equal(t, `{"a":1}`, reqs[1].Params["arguments"])
	assert.Equal(t, "r://x", reqs[2].Params["uri"])
}

func TestCollect(t *testing.T) {
	events := make(chan protocol.StreamEvent, 8)
	events <- protocol.TextDelta("Looking <list_fi")
	events <- protocol.TextDelta("les><path>.</path></list_files>")
	events <- protocol.UsageInfo(protocol.Usage{InputTokens: 10, OutputTokens: 4})
	events <- protocol.EndOfStream()
	close(events)

	var shown strings.Builder
	resp, err := Collect(context.Background(), events, func(s string) { shown.WriteString(s) })
	require.NoError(t, err)

	assert.Equal(t, "Looking ", shown.String())
	require.Len(t, resp.Requests(), 1)
	assert.Equal(t, protocol.ActionListFiles, resp.Requests()[0].Kind)
	assert.Equal(t, 10, resp.Usage.InputTokens)
}

func TestCollectStreamError(t *testing.T) {
	events := make(chan protocol.StreamEvent, 2)
	events <- protocol.TextDelta("partial")
	events <- protocol.StreamFailure(errors.New("connection reset"))
	close(events)

	resp, err := Collect(context.Background(), events, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrTransportFailed)
	require.Len(t, resp.Segments, 1)
}

func TestCollectTruncatedStream(t *testing.T) {
	events := make(chan protocol.StreamEvent)
	close(events)

	_, err := Collect(context.Background(), events, nil)
	assert.ErrorIs(t, err, ErrStreamTruncated)
	assert.ErrorIs(t, err, protocol.ErrTransportFailed)
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Collect(ctx, make(chan protocol.StreamEvent), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
