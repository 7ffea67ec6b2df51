package streamer

import (
	"encoding/json"
	"fmt"
)

// Frame is one {section, text} unit on the wire. Consumers key off
// Section and must treat a Text of "DONE" as a completion sentinel for
// that section, never as content.
type Frame struct {
	Section string `json:"section"`
	Text    string `json:"text"`
}

// Reserved section names.
const (
	SectionThinking = "Thinking"
	SectionError    = "Error"
	SectionWarning  = "Warning"
	SectionRetry    = "Retry"
	SectionResults  = "Results"
	SectionAnswer   = "Answer"
)

// Done is the terminal sentinel text emitted once per section.
const Done = "DONE"

// EmitFunc is the sink a pipeline run writes frames into. Frames for a
// single run are delivered strictly in emission order.
type EmitFunc func(Frame)

// SSE renders the frame as a server-sent-events data line.
func (f Frame) SSE() []byte {
	b, _ := json.Marshal(f)
	return []byte(fmt.Sprintf("data:%s\n\n", b))
}

// DoneFrame returns the completion sentinel for a section.
func DoneFrame(section string) Frame {
	return Frame{Section: section, Text: Done}
}
