package streaming

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/compresr/relay-gateway/internal/signature"
)

var testSig = strings.Repeat("g", 60)

func chunk(parts string) []byte {
	return []byte(`{"response":{"candidates":[{"content":{"role":"model","parts":[` + parts + `]}}]}}`)
}

func names(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Name
		if d, ok := e.Data.(BlockDelta); ok {
			out[i] += ":" + d.Delta.Type
		}
	}
	return out
}

func run(p *Processor, chunks ...[]byte) []Event {
	var events []Event
	for _, c := range chunks {
		events = append(events, p.ProcessChunk(c)...)
	}
	return append(events, p.Finish()...)
}

// assertBlockOrdering checks that block indices are unique and increasing and
// every start is closed exactly once before the stream ends.
func assertBlockOrdering(t *testing.T, events []Event) {
	t.Helper()
	open := -1
	last := -1
	for _, e := range events {
		switch d := e.Data.(type) {
		case BlockStart:
			require.Equal(t, -1, open, "block %d opened while %d is open", d.Index, open)
			require.Greater(t, d.Index, last, "block index reused")
			open, last = d.Index, d.Index
		case BlockDelta:
			require.Equal(t, open, d.Index, "delta outside the open block")
		case BlockStop:
			require.Equal(t, open, d.Index, "stop for a block that is not open")
			open = -1
		}
	}
	assert.Equal(t, -1, open, "stream ended with an open block")
}

func TestProcessor_TextThinkingAndToolCall(t *testing.T) {
	cache := signature.NewCache(time.Hour, time.Hour)
	t.Cleanup(cache.Stop)
	p := NewProcessor(Options{Model: "claude-sonnet-4-5", SessionID: "s1", MessageCount: 3, Family: "claude", Cache: cache})

	events := run(p,
		chunk(`{"text":"let me think","thought":true}`),
		chunk(`{"text":" more","thought":true,"thoughtSignature":"`+testSig+`"}`),
		chunk(`{"text":"Looking."}`),
		chunk(`{"functionCall":{"id":"toolu_1","name":"read_file","args":{"path":"a.go"}}}`),
		[]byte(`{"response":{"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":120,"candidatesTokenCount":30,"thoughtsTokenCount":12}}}`),
	)

	assert.Equal(t, []string{
		EventMessageStart,
		EventContentBlockStart,
		EventContentBlockDelta + ":" + DeltaThinking,
		EventContentBlockDelta + ":" + DeltaThinking,
		EventContentBlockDelta + ":" + DeltaSignature,
		EventContentBlockStop,
		EventContentBlockStart,
		EventContentBlockDelta + ":" + DeltaText,
		EventContentBlockStop,
		EventContentBlockStart,
		EventContentBlockDelta + ":" + DeltaInputJSON,
		EventContentBlockStop,
		EventMessageDelta,
		EventMessageStop,
	}, names(events))
	assertBlockOrdering(t, events)

	md := events[len(events)-2].Data.(MessageDelta)
	assert.Equal(t, StopToolUse, md.Delta.StopReason)
	assert.Equal(t, 120, md.Usage.InputTokens)
	assert.Equal(t, 42, md.Usage.OutputTokens)

	sig, ok := cache.ToolSignature("toolu_1")
	require.True(t, ok)
	assert.Equal(t, testSig, sig)
	fam, ok := cache.Family(testSig)
	require.True(t, ok)
	assert.Equal(t, "claude", fam)
	sig, ok = cache.SessionSignature("s1")
	require.True(t, ok)
	assert.Equal(t, testSig, sig)
}

func TestProcessor_TrailingSignatureBecomesThinkingBlock(t *testing.T) {
	p := NewProcessor(Options{Model: "gemini-3-pro-high"})
	events := run(p,
		chunk(`{"text":"answer"}`),
		chunk(`{"text":"","thoughtSignature":"`+testSig+`"}`),
	)
	assertBlockOrdering(t, events)

	var starts []BlockStart
	for _, e := range events {
		if s, ok := e.Data.(BlockStart); ok {
			starts = append(starts, s)
		}
	}
	require.Len(t, starts, 2)
	assert.Equal(t, "thinking", starts[1].ContentBlock.Type)
	assert.Equal(t, "", *starts[1].ContentBlock.Thinking)

	c := NewCollector()
	c.Add(events...)
	resp, err := c.Response()
	require.NoError(t, err)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, testSig, *resp.Content[1].Signature)
}

func TestProcessor_FunctionCallArguments(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args string
		want string
	}{
		{"paths collapse for search tools", "Grep", `{"pattern":"x","paths":["src","lib"]}`, `{"pattern":"x","path":"src"}`},
		{"explicit path wins", "Glob", `{"path":"a","paths":["b"]}`, `{"path":"a","paths":["b"]}`},
		{"other tools untouched", "write_file", `{"paths":["a"]}`, `{"paths":["a"]}`},
		{"missing args", "noop", ``, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := tt.args
			if args == "" {
				args = "null"
			}
			p := NewProcessor(Options{})
			events := run(p, chunk(`{"functionCall":{"name":"`+tt.tool+`","args":`+args+`}}`))
			c := NewCollector()
			c.Add(events...)
			resp, err := c.Response()
			require.NoError(t, err)
			require.Len(t, resp.Content, 1)
			assert.Equal(t, tt.tool, resp.Content[0].Name)
			assert.True(t, strings.HasPrefix(resp.Content[0].ID, "toolu_"))
			assert.JSONEq(t, tt.want, string(resp.Content[0].Input))
		})
	}
}

func TestProcessor_MCPBridge(t *testing.T) {
	p := NewProcessor(Options{})
	events := run(p,
		chunk(`{"text":"Calling now <mc"}`),
		chunk(`{"text":"p__fs__read>{\"path\":"}`),
		chunk(`{"text":"\"x.txt\"}</mcp__fs__read> done"}`),
	)
	assertBlockOrdering(t, events)

	c := NewCollector()
	c.Add(events...)
	resp, err := c.Response()
	require.NoError(t, err)
	require.Len(t, resp.Content, 3)
	assert.Equal(t, "Calling now ", *resp.Content[0].Text)
	assert.Equal(t, "mcp__fs__read", resp.Content[1].Name)
	assert.JSONEq(t, `{"path":"x.txt"}`, string(resp.Content[1].Input))
	assert.Equal(t, " done", *resp.Content[2].Text)
	assert.Equal(t, StopToolUse, resp.StopReason)
}

func TestProcessor_UnclosedMCPTagFlushedAsText(t *testing.T) {
	p := NewProcessor(Options{})
	events := run(p, chunk(`{"text":"a <mcp__x>never closed"}`))
	c := NewCollector()
	c.Add(events...)
	resp, err := c.Response()
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "a <mcp__x>never closed", *resp.Content[0].Text)
}

func TestProcessor_InlineImageAndGrounding(t *testing.T) {
	p := NewProcessor(Options{})
	events := run(p,
		chunk(`{"inlineData":{"mimeType":"image/png","data":"QUJD"}}`),
		[]byte(`{"candidates":[{"content":{"parts":[{"text":" caption"}]},"groundingMetadata":{
			"webSearchQueries":["go generics"],
			"groundingChunks":[{"web":{"uri":"https://go.dev","title":"Go"}},{"web":{"uri":"https://go.dev","title":"dup"}}]
		}}]}`),
	)
	assertBlockOrdering(t, events)

	c := NewCollector()
	c.Add(events...)
	resp, err := c.Response()
	require.NoError(t, err)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "![image](data:image/png;base64,QUJD) caption", *resp.Content[0].Text)
	sources := *resp.Content[1].Text
	assert.Contains(t, sources, "Searched: go generics")
	assert.Contains(t, sources, "1. [Go](https://go.dev)")
	assert.NotContains(t, sources, "dup")
}

func TestProcessor_StopReason(t *testing.T) {
	p := NewProcessor(Options{})
	events := run(p, []byte(`{"candidates":[{"content":{"parts":[{"text":"cut"}]},"finishReason":"MAX_TOKENS"}]}`))
	md := events[len(events)-2].Data.(MessageDelta)
	assert.Equal(t, StopMaxTokens, md.Delta.StopReason)

	p = NewProcessor(Options{})
	events = run(p, []byte(`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"x","args":{}}}]},"finishReason":"MAX_TOKENS"}]}`))
	md = events[len(events)-2].Data.(MessageDelta)
	assert.Equal(t, StopToolUse, md.Delta.StopReason)
}

func TestProcessor_FinishIsIdempotent(t *testing.T) {
	p := NewProcessor(Options{})
	events := run(p, chunk(`{"text":"hi"}`))
	require.Equal(t, EventMessageStop, events[len(events)-1].Name)
	assert.Empty(t, p.Finish())
	assert.Empty(t, p.ProcessChunk(chunk(`{"text":"late"}`)))
}

func TestProcessor_EmptyStreamStillCompletes(t *testing.T) {
	p := NewProcessor(Options{InputTokens: 77})
	events := p.Finish()
	assert.Equal(t, []string{EventMessageStart, EventMessageDelta, EventMessageStop}, names(events))
	assert.Equal(t, 77, events[0].Data.(MessageStart).Message.Usage.InputTokens)
}

func TestProcessor_MalformedChunks(t *testing.T) {
	p := NewProcessor(Options{})
	events := p.ProcessChunk(chunk(`{"text":"partial"}`))
	for i := 0; i < 3; i++ {
		events = append(events, p.ProcessChunk([]byte(`{"candidates":[`))...)
		require.False(t, p.Failed(), "tolerates %d malformed chunks", i+1)
	}
	events = append(events, p.ProcessChunk([]byte(`not json`))...)
	require.True(t, p.Failed())
	events = append(events, p.Finish()...)

	assertBlockOrdering(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Name)
	assert.Equal(t, "api_error", last.Data.(ErrorPayload).Error.Type)

	c := NewCollector()
	c.Add(events...)
	_, err := c.Response()
	var se *StreamError
	assert.ErrorAs(t, err, &se)
}

func TestProcessor_UpstreamErrorChunk(t *testing.T) {
	p := NewProcessor(Options{})
	events := run(p, []byte(`{"error":{"code":500,"message":"backend exploded"}}`))
	require.True(t, p.Failed())
	assert.Equal(t, EventError, events[len(events)-1].Name)
	assert.Contains(t, events[len(events)-1].Data.(ErrorPayload).Error.Message, "backend exploded")
}

func TestProcessor_BlockOrderingProperty(t *testing.T) {
	partKinds := []string{
		`{"text":"t"}`,
		`{"text":"th","thought":true}`,
		`{"text":"th","thought":true,"thoughtSignature":"` + testSig + `"}`,
		`{"text":"","thoughtSignature":"` + strings.Repeat("h", 60) + `"}`,
		`{"functionCall":{"name":"grep","args":{"paths":["a"]}}}`,
		`{"inlineData":{"mimeType":"image/png","data":"AA"}}`,
		`{"text":"<mcp__a>{}</mcp__a>"}`,
		`{"text":"<mcp__b>"}`,
	}
	rng := rand.New(rand.NewSource(11))
	for iter := 0; iter < 200; iter++ {
		p := NewProcessor(Options{})
		var chunks [][]byte
		for n := rng.Intn(12); n >= 0; n-- {
			if rng.Intn(10) == 0 {
				chunks = append(chunks, []byte(`{"bad":`))
				continue
			}
			k := rng.Intn(3) + 1
			parts := make([]string, k)
			for i := range parts {
				parts[i] = partKinds[rng.Intn(len(partKinds))]
			}
			chunks = append(chunks, chunk(strings.Join(parts, ",")))
		}
		events := run(p, chunks...)
		t.Run(fmt.Sprintf("seq-%d", iter), func(t *testing.T) {
			assertBlockOrdering(t, events)
		})
	}
}

func TestEvent_Encode(t *testing.T) {
	ev := Event{Name: EventContentBlockDelta, Data: BlockDelta{Type: EventContentBlockDelta, Index: 2, Delta: Delta{Type: DeltaText, Text: ptr("<b>")}}}
	out := string(ev.Encode())
	require.True(t, strings.HasPrefix(out, "event: content_block_delta\ndata: "))
	require.True(t, strings.HasSuffix(out, "\n\n"))
	data := strings.TrimSuffix(strings.TrimPrefix(out, "event: content_block_delta\ndata: "), "\n\n")
	assert.Equal(t, "<b>", gjson.Get(data, "delta.text").String())
	assert.Equal(t, int64(2), gjson.Get(data, "index").Int())
	assert.Contains(t, data, `"text":"<b>"`)
}
