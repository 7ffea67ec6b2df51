package streamer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(section string) (*Splitter, *[]Frame) {
	frames := &[]Frame{}
	s := NewSplitter(section, func(f Frame) { *frames = append(*frames, f) })
	return s, frames
}

func TestSplitterPlainContent(t *testing.T) {
	s, frames := collect("Query planning")
	s.Write("MATCH (m:Metabolite) ")
	s.Write("RETURN m.name")
	s.Close()

	require.Len(t, *frames, 3)
	assert.Equal(t, Frame{Section: "Query planning", Text: "MATCH (m:Metabolite) "}, (*frames)[0])
	assert.Equal(t, Frame{Section: "Query planning", Text: "RETURN m.name"}, (*frames)[1])
	assert.Equal(t, DoneFrame("Query planning"), (*frames)[2])
	assert.Equal(t, "MATCH (m:Metabolite) RETURN m.name", s.Content())
}

func TestSplitterThinkingInOneChunk(t *testing.T) {
	s, frames := collect("Summary")
	s.Write("<think>weigh the evidence</think>glucose is a sugar")
	s.Close()

	require.Len(t, *frames, 3)
	assert.Equal(t, Frame{Section: SectionThinking, Text: "weigh the evidence"}, (*frames)[0])
	assert.Equal(t, Frame{Section: "Summary", Text: "glucose is a sugar"}, (*frames)[1])
	assert.Equal(t, Done, (*frames)[2].Text)
	assert.Equal(t, "glucose is a sugar", s.Content())
}

func TestSplitterThinkingStraddlesChunks(t *testing.T) {
	s, frames := collect("Summary")
	s.Write("pre <thi")
	s.Write("nk>inner reasoning</th")
	s.Write("ink> post")
	s.Close()

	var thinking, content []string
	for _, f := range *frames {
		switch f.Section {
		case SectionThinking:
			thinking = append(thinking, f.Text)
		case "Summary":
			if f.Text != Done {
				content = append(content, f.Text)
			}
		}
	}
	assert.Equal(t, []string{"inner reasoning"}, thinking)
	assert.Equal(t, "pre  post", s.Content())
	_ = content
}

func TestSplitterUnterminatedThinkFlushedAsContent(t *testing.T) {
	// A stream that ends mid-delimiter flushes the buffered text as
	// plain content instead of dropping it.
	s, frames := collect("Summary")
	s.Write("answer <think>half a thought")
	s.Close()

	last := (*frames)[len(*frames)-1]
	assert.Equal(t, Done, last.Text)
	assert.Contains(t, s.Content(), "half a thought")
	assert.Contains(t, s.Content(), "answer ")
}

func TestSplitterDoneIsFinalAndUnique(t *testing.T) {
	s, frames := collect("Results")
	s.Write("row1")
	s.Write("<think>hm</think>")
	s.Write("row2")
	s.Close()
	s.Close() // idempotent
	s.Write("after close ignored")

	var doneIdx []int
	for i, f := range *frames {
		if f.Section == "Results" && f.Text == Done {
			doneIdx = append(doneIdx, i)
		}
	}
	require.Len(t, doneIdx, 1)
	assert.Equal(t, len(*frames)-1, doneIdx[0], "DONE must be the last frame for the section")
}

func TestSplitterFiltersJunkFromAccumulator(t *testing.T) {
	s, frames := collect("Query execution")
	s.Write("```cypher")
	s.Write("MATCH (n) RETURN n")
	s.Write("```")
	s.Close()

	// Junk chunks are still forwarded to the client...
	var forwarded []string
	for _, f := range *frames {
		if f.Section == "Query execution" && f.Text != Done {
			forwarded = append(forwarded, f.Text)
		}
	}
	assert.Equal(t, []string{"```cypher", "MATCH (n) RETURN n", "```"}, forwarded)
	// ...but never accumulated.
	assert.Equal(t, "MATCH (n) RETURN n", s.Content())
}

func TestSplitterEmptyThinkingNotEmitted(t *testing.T) {
	s, frames := collect("Summary")
	s.Write("<think>   </think>text")
	s.Close()

	for _, f := range *frames {
		assert.NotEqual(t, SectionThinking, f.Section)
	}
	assert.Equal(t, "text", s.Content())
}

func TestFrameSSEEncoding(t *testing.T) {
	f := Frame{Section: "Extracting entities", Text: "glucose"}
	assert.Equal(t, "data:{\"section\":\"Extracting entities\",\"text\":\"glucose\"}\n\n", string(f.SSE()))
}
