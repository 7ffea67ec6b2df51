package streamer

import (
	"strings"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// junkChunks are model stream artifacts (code fences and their
// fragments) that are forwarded to the client but never accumulated
// into the stage's parsed output.
var junkChunks = map[string]struct{}{
	"```":         {},
	"json":        {},
	"```json":     {},
	"```cypher":   {},
	"```cypher\n": {},
	"cy":          {},
	"pher":        {},
	"``":          {},
	Done:          {},
}

// Splitter frames a raw model chunk stream for one section. It extracts
// inline <think>...</think> spans, which may straddle chunk boundaries,
// onto the reserved "Thinking" section, forwards everything else under
// the caller's section, and accumulates the non-thinking, non-junk text
// so the stage can parse the full response afterwards.
type Splitter struct {
	section string
	emit    EmitFunc
	buf     strings.Builder
	acc     strings.Builder
	closed  bool
}

func NewSplitter(section string, emit EmitFunc) *Splitter {
	return &Splitter{section: section, emit: emit}
}

// Write consumes one raw chunk from the model stream.
func (s *Splitter) Write(chunk string) {
	if chunk == "" || s.closed {
		return
	}
	s.buf.WriteString(chunk)
	s.drain(false)
}

// drain flushes the internal buffer. Text inside a completed
// <think>...</think> pair goes to the Thinking section; remaining text
// is held back while an opening marker (or a partial prefix of one at
// the buffer tail) is still unpaired, unless final is set.
func (s *Splitter) drain(final bool) {
	buf := s.buf.String()
	for {
		open := strings.Index(buf, thinkOpen)
		if open < 0 {
			break
		}
		rest := buf[open+len(thinkOpen):]
		end := strings.Index(rest, thinkClose)
		if end < 0 {
			// Opening marker without its pair: keep buffering.
			if !final {
				s.setBuf(buf)
				return
			}
			// Stream ended mid-delimiter: flush the whole remainder as
			// plain content rather than dropping it.
			break
		}
		if thinking := strings.TrimSpace(rest[:end]); thinking != "" {
			s.emit(Frame{Section: SectionThinking, Text: thinking})
		}
		buf = buf[:open] + rest[end+len(thinkClose):]
	}

	if !final {
		// Hold back a partial opening marker at the tail so a delimiter
		// split across chunks is not flushed as content.
		if keep := partialMarkerSuffix(buf); keep > 0 {
			s.flushContent(buf[:len(buf)-keep])
			s.setBuf(buf[len(buf)-keep:])
			return
		}
	}
	s.flushContent(buf)
	s.setBuf("")
}

func (s *Splitter) flushContent(text string) {
	if text == "" {
		return
	}
	s.emit(Frame{Section: s.section, Text: text})
	if s.section == SectionThinking {
		return
	}
	if _, junk := junkChunks[text]; !junk {
		s.acc.WriteString(text)
	}
}

func (s *Splitter) setBuf(v string) {
	s.buf.Reset()
	s.buf.WriteString(v)
}

// Close flushes any buffered text and emits the DONE sentinel for the
// section. It is safe to call once per stream; subsequent writes are
// ignored.
func (s *Splitter) Close() {
	if s.closed {
		return
	}
	s.drain(true)
	s.closed = true
	s.emit(DoneFrame(s.section))
}

// Content returns the accumulated non-thinking response text.
func (s *Splitter) Content() string {
	return s.acc.String()
}

// partialMarkerSuffix reports the length of the longest proper prefix
// of "<think>" that the buffer ends with.
func partialMarkerSuffix(buf string) int {
	max := len(thinkOpen) - 1
	if len(buf) < max {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, thinkOpen[:n]) {
			return n
		}
	}
	return 0
}
