package streaming

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/relay-gateway/internal/adapters"
)

func TestReader_Next(t *testing.T) {
	body := ": keepalive\n\n" +
		"data: {\"a\":1}\n\n" +
		"event: message\r\ndata: {\"b\":\r\ndata: 2}\r\n\r\n" +
		"data: [DONE]\n\n" +
		"data: {\"tail\":true}"

	// One byte at a time exercises events split across reads.
	r := NewReader(iotest.OneByteReader(strings.NewReader(body)))

	var got []string
	for {
		data, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(data))
	}
	assert.Equal(t, []string{`{"a":1}`, "{\"b\":\n2}", `{"tail":true}`}, got)
}

func TestReader_PropagatesReadErrors(t *testing.T) {
	r := NewReader(iotest.ErrReader(assert.AnError))
	_, err := r.Next()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestOpenAIStream_Translate(t *testing.T) {
	p := NewProcessor(Options{Model: "gpt-4o"})
	events := run(p,
		chunk(`{"text":"hmm","thought":true}`),
		chunk(`{"text":"Hello"}`),
		chunk(`{"functionCall":{"id":"call_9","name":"lookup","args":{"q":"x"}}}`),
		[]byte(`{"candidates":[{"content":{"parts":[]}}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}`),
	)

	s := NewOpenAIStream("chatcmpl-1", "gpt-4o", 1700000000)
	var chunks []adapters.ChatCompletion
	for _, ev := range events {
		chunks = append(chunks, s.Translate(ev)...)
	}
	require.Len(t, chunks, 6)

	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)
	assert.Equal(t, "hmm", chunks[1].Choices[0].Delta.ReasoningContent)
	assert.Equal(t, "Hello", *chunks[2].Choices[0].Delta.Content)

	call := chunks[3].Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, 0, *call.Index)
	assert.Equal(t, "call_9", call.ID)
	assert.Equal(t, "lookup", call.Function.Name)
	assert.JSONEq(t, `{"q":"x"}`, chunks[4].Choices[0].Delta.ToolCalls[0].Function.Arguments)

	last := chunks[5]
	assert.Equal(t, "tool_calls", *last.Choices[0].FinishReason)
	assert.Equal(t, 15, last.Usage.TotalTokens)
	for _, c := range chunks {
		assert.Equal(t, "chat.completion.chunk", c.Object)
	}

	line := string(EncodeChunk(chunks[2]))
	assert.True(t, strings.HasPrefix(line, "data: {"))
	assert.True(t, strings.HasSuffix(line, "}\n\n"))
}

func TestCompletion(t *testing.T) {
	p := NewProcessor(Options{Model: "gpt-4o"})
	c := NewCollector()
	c.Add(run(p,
		chunk(`{"text":"why","thought":true}`),
		chunk(`{"text":"Answer"}`),
		[]byte(`{"candidates":[{"content":{"parts":[]},"finishReason":"MAX_TOKENS"}],"usageMetadata":{"promptTokenCount":8,"cachedContentTokenCount":3,"candidatesTokenCount":4}}`),
	)...)
	resp, err := c.Response()
	require.NoError(t, err)
	assert.Equal(t, StopMaxTokens, resp.StopReason)
	assert.Equal(t, 5, resp.Usage.InputTokens)
	assert.Equal(t, 3, resp.Usage.CacheReadInputTokens)

	out := Completion(resp, "chatcmpl-2", "gpt-4o", 1)
	msg := out.Choices[0].Message
	assert.Equal(t, "Answer", *msg.Content)
	assert.Equal(t, "why", msg.ReasoningContent)
	assert.Equal(t, "length", *out.Choices[0].FinishReason)
	assert.Equal(t, 8, out.Usage.PromptTokens)
	assert.Equal(t, 12, out.Usage.TotalTokens)
}
