// Package parser reconstructs content segments from streamed model text.
//
// Action blocks use XML-like markers:
//
//	<read_file>
//	<path>src/main.go</path>
//	</read_file>
//
// The parser is a byte-level state machine. Narrative text is released as
// soon as it cannot belong to a marker, so callers can display it while the
// model is still streaming. Only one structural region is buffered at a time:
// either a possible start-marker prefix or the currently open action block.
package parser

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/iambrandonn/satto/internal/protocol"
)

type state int

const (
	statePlain state = iota
	stateAction
	stateParam
	// stateParamClosing follows a close marker of a free-form parameter
	// (content, diff). The close only counts if the next marker is
	// structural; otherwise it was part of the value.
	stateParamClosing
)

// freeFormParams may legitimately contain markup, including their own close tag.
var freeFormParams = map[string]bool{
	"content": true,
	"diff":    true,
}

// Parser is a streaming action-block parser. It is not safe for concurrent use.
type Parser struct {
	state state
	buf   []byte

	openTags []string

	tag     string
	kind    protocol.ActionKind
	raw     bytes.Buffer
	params  map[string]string
	param   string
	value   bytes.Buffer
	pending bytes.Buffer

	index int
}

// New returns a parser in the Plain state.
func New() *Parser {
	tags := protocol.ActionTags()
	open := make([]string, 0, len(tags))
	for _, tag := range tags {
		open = append(open, "<"+tag+">")
	}
	return &Parser{openTags: open}
}

// Feed consumes one chunk and returns the segments it completed.
func (p *Parser) Feed(chunk string) []protocol.Segment {
	p.buf = append(p.buf, chunk...)
	var out []protocol.Segment
	for {
		segs, progressed := p.step()
		out = append(out, segs...)
		if !progressed {
			return out
		}
	}
}

// Close flushes buffered data at end of stream. A block left open becomes a
// partial ActionRequest, which fails validation downstream.
func (p *Parser) Close() []protocol.Segment {
	out := p.Feed("")
	switch p.state {
	case statePlain:
		if len(p.buf) > 0 {
			out = append(out, protocol.TextSegment(string(p.buf)))
		}
	default:
		switch p.state {
		case stateParam:
			p.params[p.param] = normalizeValue(p.param, p.value.String())
		case stateParamClosing:
			p.params[p.param] = normalizeValue(p.param, p.value.String())
			p.raw.Write(p.pending.Bytes())
		}
		p.raw.Write(p.buf)
		req := p.finish()
		req.Partial = true
		out = append(out, protocol.ActionSegment(req))
	}
	p.buf = nil
	p.state = statePlain
	return out
}

// step advances the machine once. It reports false when more input is needed.
func (p *Parser) step() ([]protocol.Segment, bool) {
	if len(p.buf) == 0 {
		return nil, false
	}
	switch p.state {
	case statePlain:
		return p.stepPlain()
	case stateAction:
		return p.stepAction()
	case stateParam:
		return p.stepParam()
	case stateParamClosing:
		return p.stepParamClosing()
	}
	return nil, false
}

func (p *Parser) stepPlain() ([]protocol.Segment, bool) {
	lt := bytes.IndexByte(p.buf, '<')
	if lt < 0 {
		n := completeUTF8(p.buf)
		if n == 0 {
			return nil, false
		}
		text := string(p.buf[:n])
		p.buf = p.buf[n:]
		return []protocol.Segment{protocol.TextSegment(text)}, true
	}
	if lt > 0 {
		text := string(p.buf[:lt])
		p.buf = p.buf[lt:]
		return []protocol.Segment{protocol.TextSegment(text)}, true
	}

	marker, partial := matchAny(p.buf, p.openTags)
	switch {
	case marker != "":
		p.openBlock(marker)
		return nil, true
	case partial:
		return nil, false
	default:
		p.buf = p.buf[1:]
		return []protocol.Segment{protocol.TextSegment("<")}, true
	}
}

func (p *Parser) openBlock(marker string) {
	p.tag = marker[1 : len(marker)-1]
	p.kind, _ = protocol.KindForTag(p.tag)
	p.params = make(map[string]string)
	p.raw.Reset()
	p.raw.WriteString(marker)
	p.buf = p.buf[len(marker):]
	p.state = stateAction
}

// structuralMarkers are the markers meaningful inside the open block.
func (p *Parser) structuralMarkers() []string {
	spec, _ := protocol.SpecFor(p.kind)
	names := spec.Names()
	markers := make([]string, 0, len(names)+1)
	markers = append(markers, "</"+p.tag+">")
	for _, name := range names {
		markers = append(markers, "<"+name+">")
	}
	return markers
}

func (p *Parser) stepAction() ([]protocol.Segment, bool) {
	lt := bytes.IndexByte(p.buf, '<')
	if lt != 0 {
		if lt < 0 {
			lt = len(p.buf)
		}
		p.raw.Write(p.buf[:lt])
		p.buf = p.buf[lt:]
		return nil, true
	}

	marker, partial := matchAny(p.buf, p.structuralMarkers())
	switch {
	case marker == "</"+p.tag+">":
		p.raw.WriteString(marker)
		p.buf = p.buf[len(marker):]
		req := p.finish()
		return []protocol.Segment{protocol.ActionSegment(req)}, true
	case marker != "":
		p.raw.WriteString(marker)
		p.buf = p.buf[len(marker):]
		p.param = marker[1 : len(marker)-1]
		p.value.Reset()
		p.state = stateParam
		return nil, true
	case partial:
		return nil, false
	default:
		p.raw.WriteByte('<')
		p.buf = p.buf[1:]
		return nil, true
	}
}

func (p *Parser) stepParam() ([]protocol.Segment, bool) {
	lt := bytes.IndexByte(p.buf, '<')
	if lt != 0 {
		if lt < 0 {
			lt = len(p.buf)
		}
		p.value.Write(p.buf[:lt])
		p.raw.Write(p.buf[:lt])
		p.buf = p.buf[lt:]
		return nil, true
	}

	closer := "</" + p.param + ">"
	full, partial := matchMarker(p.buf, closer)
	switch {
	case full && freeFormParams[p.param]:
		p.pending.Reset()
		p.pending.WriteString(closer)
		p.buf = p.buf[len(closer):]
		p.state = stateParamClosing
		return nil, true
	case full:
		p.raw.WriteString(closer)
		p.buf = p.buf[len(closer):]
		p.params[p.param] = normalizeValue(p.param, p.value.String())
		p.state = stateAction
		return nil, true
	case partial:
		return nil, false
	default:
		p.value.WriteByte('<')
		p.raw.WriteByte('<')
		p.buf = p.buf[1:]
		return nil, true
	}
}

func (p *Parser) stepParamClosing() ([]protocol.Segment, bool) {
	i := 0
	for i < len(p.buf) && isSpace(p.buf[i]) {
		i++
	}
	if i > 0 {
		p.pending.Write(p.buf[:i])
		p.buf = p.buf[i:]
		return nil, true
	}

	if p.buf[0] == '<' {
		marker, partial := matchAny(p.buf, p.structuralMarkers())
		switch {
		case marker != "":
			p.params[p.param] = normalizeValue(p.param, p.value.String())
			p.raw.Write(p.pending.Bytes())
			p.pending.Reset()
			p.state = stateAction
			return nil, true
		case partial:
			return nil, false
		}
	}

	// The close marker was literal value text.
	p.value.Write(p.pending.Bytes())
	p.raw.Write(p.pending.Bytes())
	p.pending.Reset()
	p.state = stateParam
	return nil, true
}

func (p *Parser) finish() *protocol.ActionRequest {
	req := &protocol.ActionRequest{
		Index:  p.index,
		Kind:   p.kind,
		Params: p.params,
		Raw:    p.raw.String(),
	}
	p.index++
	p.params = nil
	p.param = ""
	p.value.Reset()
	p.pending.Reset()
	p.raw.Reset()
	p.state = statePlain
	return req
}

// matchAny returns the first marker buf begins with, or reports whether buf is
// a proper prefix of at least one marker.
func matchAny(buf []byte, markers []string) (string, bool) {
	partial := false
	for _, m := range markers {
		full, part := matchMarker(buf, m)
		if full {
			return m, false
		}
		partial = partial || part
	}
	return "", partial
}

func matchMarker(buf []byte, marker string) (full, partial bool) {
	if len(buf) >= len(marker) {
		return string(buf[:len(marker)]) == marker, false
	}
	return false, marker[:len(buf)] == string(buf)
}

// completeUTF8 returns the length of buf excluding a trailing incomplete rune.
func completeUTF8(buf []byte) int {
	// A rune is at most 4 bytes, so only the tail needs inspection.
	for back := 1; back <= utf8.UTFMax && back <= len(buf); back++ {
		start := len(buf) - back
		if !utf8.RuneStart(buf[start]) {
			continue
		}
		if utf8.FullRune(buf[start:]) {
			return len(buf)
		}
		return start
	}
	return len(buf)
}

func normalizeValue(name, v string) string {
	if !freeFormParams[name] {
		return strings.TrimSpace(v)
	}
	v = strings.TrimPrefix(v, "\r\n")
	v = strings.TrimPrefix(v, "\n")
	if strings.HasSuffix(v, "\r\n") {
		return strings.TrimSuffix(v, "\r\n")
	}
	return strings.TrimSuffix(v, "\n")
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
