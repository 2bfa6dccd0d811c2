package streaming

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/relay-gateway/internal/adapters"
	"github.com/compresr/relay-gateway/internal/config"
	"github.com/compresr/relay-gateway/internal/signature"
)

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockFunction
)

func (k blockKind) String() string {
	switch k {
	case blockText:
		return "text"
	case blockThinking:
		return "thinking"
	case blockFunction:
		return "function"
	default:
		return "none"
	}
}

const mcpOpenTag = "<mcp__"

// pathSearchTools name fragments of filesystem search tools whose "paths"
// argument the backend emits where the client expects a single "path".
var pathSearchTools = []string{"grep", "glob", "search", "find", "ls", "list"}

// Options configures a Processor.
type Options struct {
	MessageID    string
	Model        string // model name reported to the client
	InputTokens  int    // estimate used until the backend reports usage
	SessionID    string
	MessageCount int
	Family       string // backend family that issues the signatures
	Cache        *signature.Cache
}

// Processor is the per-stream state machine. Not safe for concurrent use.
type Processor struct {
	opts Options

	started  bool
	finished bool
	failed   bool

	block     blockKind
	index     int
	nextIndex int
	usedTool  bool

	pendingSig  string // belongs to the open thinking block
	trailingSig string // arrived outside a thinking block
	lastSig     string

	mcpBuf string

	citations []citation
	seenURIs  map[string]bool
	queries   []string

	finishReason string
	usage        adapters.ClaudeUsage
	malformed    int
}

type citation struct {
	title string
	uri   string
}

// NewProcessor creates a state machine for one response stream.
func NewProcessor(opts Options) *Processor {
	if opts.MessageID == "" {
		opts.MessageID = "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return &Processor{opts: opts, seenURIs: make(map[string]bool)}
}

// Failed reports whether the stream was aborted with an error event.
func (p *Processor) Failed() bool { return p.failed }

// Usage returns the usage observed so far.
func (p *Processor) Usage() adapters.ClaudeUsage { return p.usage }

// StopReason returns the stop reason the stream ends (or ended) with.
func (p *Processor) StopReason() string {
	switch {
	case p.usedTool:
		return StopToolUse
	case p.finishReason == "MAX_TOKENS":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

// ProcessChunk consumes one backend chunk (with or without the response wrapper).
func (p *Processor) ProcessChunk(data []byte) []Event {
	if p.finished || p.failed {
		return nil
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if !gjson.ValidBytes(data) {
		return p.malformedChunk("invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if r := root.Get("response"); r.IsObject() {
		root = r
	}
	if e := root.Get("error"); e.Exists() {
		return p.abort(fmt.Sprintf("upstream error: %s", e.Get("message").String()))
	}

	usage := root.Get("usageMetadata")
	cand := root.Get("candidates.0")
	if !cand.Exists() && !usage.Exists() {
		return p.malformedChunk("chunk without candidates")
	}
	p.readUsage(usage)

	events := p.ensureStarted()
	cand.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		events = append(events, p.processPart(part)...)
		return true
	})
	p.collectGrounding(cand.Get("groundingMetadata"))
	if fr := cand.Get("finishReason").String(); fr != "" {
		p.finishReason = fr
	}
	return events
}

// Finish closes the stream. Later calls return nothing.
func (p *Processor) Finish() []Event {
	if p.finished || p.failed {
		return nil
	}
	p.finished = true

	events := p.ensureStarted()
	if p.mcpBuf != "" {
		pending := p.mcpBuf
		p.mcpBuf = ""
		events = append(events, p.emitText(pending)...)
	}
	events = append(events, p.closeBlock()...)

	if p.trailingSig != "" && p.trailingSig != p.lastSig {
		events = append(events, p.openBlock(blockThinking, adapters.ResponseBlock{Type: adapters.BlockThinking, Thinking: ptr("")})...)
		p.pendingSig = p.trailingSig
		events = append(events, p.closeBlock()...)
	}
	p.trailingSig = ""

	if sources := p.sourcesText(); sources != "" {
		events = append(events, p.emitText(sources)...)
		events = append(events, p.closeBlock()...)
	}

	events = append(events,
		Event{Name: EventMessageDelta, Data: MessageDelta{
			Type:  EventMessageDelta,
			Delta: StopDelta{StopReason: p.StopReason()},
			Usage: MessageUsage{
				InputTokens:          p.usage.InputTokens,
				OutputTokens:         p.usage.OutputTokens,
				CacheReadInputTokens: p.usage.CacheReadInputTokens,
			},
		}},
		Event{Name: EventMessageStop, Data: MessageStop{Type: EventMessageStop}},
	)

	if p.lastSig != "" && p.opts.Cache != nil && p.opts.SessionID != "" {
		p.opts.Cache.CacheSessionSignature(p.opts.SessionID, p.lastSig, p.opts.MessageCount)
	}
	return events
}

// =============================================================================
// PARTS
// =============================================================================

func (p *Processor) processPart(part gjson.Result) []Event {
	sig := part.Get("thoughtSignature").String()
	if sig == "" {
		sig = part.Get("thought_signature").String()
	}

	switch {
	case part.Get("functionCall").Exists():
		fc := part.Get("functionCall")
		return p.functionCall(fc.Get("id").String(), fc.Get("name").String(), []byte(fc.Get("args").Raw), sig)

	case part.Get("thought").Bool():
		return p.thinking(part.Get("text").String(), sig)

	case part.Get("inlineData").Exists():
		p.noteSignature(sig)
		img := part.Get("inlineData")
		return p.emitText(fmt.Sprintf("![image](data:%s;base64,%s)", img.Get("mimeType").String(), img.Get("data").String()))

	case part.Get("text").Exists():
		p.noteSignature(sig)
		return p.scanMCP(part.Get("text").String())
	}

	p.noteSignature(sig)
	return nil
}

// noteSignature files a signature carried by a non-thought part.
func (p *Processor) noteSignature(sig string) {
	if sig == "" {
		return
	}
	if p.block == blockThinking {
		p.pendingSig = sig
		return
	}
	p.trailingSig = sig
}

func (p *Processor) thinking(text, sig string) []Event {
	var events []Event
	if p.block != blockThinking {
		events = p.openBlock(blockThinking, adapters.ResponseBlock{Type: adapters.BlockThinking, Thinking: ptr("")})
	}
	if text != "" {
		events = append(events, p.delta(Delta{Type: DeltaThinking, Thinking: ptr(text)}))
	}
	if sig != "" {
		p.pendingSig = sig
	}
	return events
}

func (p *Processor) emitText(text string) []Event {
	if text == "" {
		return nil
	}
	var events []Event
	if p.block != blockText {
		events = p.openBlock(blockText, adapters.ResponseBlock{Type: adapters.BlockText, Text: ptr("")})
	}
	return append(events, p.delta(Delta{Type: DeltaText, Text: ptr(text)}))
}

func (p *Processor) functionCall(id, name string, args []byte, sig string) []Event {
	events := p.closeBlock()
	if id == "" {
		id = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	}
	args = remapArgs(name, args)

	events = append(events, p.openBlock(blockFunction, adapters.ResponseBlock{
		Type:  adapters.BlockToolUse,
		ID:    id,
		Name:  name,
		Input: json.RawMessage(`{}`),
	})...)
	events = append(events, p.delta(Delta{Type: DeltaInputJSON, PartialJSON: ptr(string(args))}))
	events = append(events, p.closeBlock()...)
	p.usedTool = true

	toolSig := sig
	if toolSig == "" {
		toolSig = p.lastSig
	}
	if toolSig != "" && p.opts.Cache != nil {
		p.opts.Cache.CacheToolSignature(id, toolSig)
		p.cacheFamily(toolSig)
	}
	if sig != "" && sig != p.lastSig {
		p.trailingSig = sig
	}
	log.Debug().Str("tool", name).Str("id", id).Msg("streaming: function call")
	return events
}

// scanMCP emits text and decodes <mcp__name>{args}</mcp__name> tags into
// function calls. Incomplete tags are held until the next part.
func (p *Processor) scanMCP(text string) []Event {
	text = p.mcpBuf + text
	p.mcpBuf = ""
	var events []Event
	for text != "" {
		start := strings.Index(text, mcpOpenTag)
		if start < 0 {
			keep := partialSuffix(text, mcpOpenTag)
			events = append(events, p.emitText(text[:len(text)-keep])...)
			p.mcpBuf = text[len(text)-keep:]
			return events
		}
		events = append(events, p.emitText(text[:start])...)
		rest := text[start:]
		gt := strings.IndexByte(rest, '>')
		if gt < 0 {
			p.mcpBuf = rest
			return events
		}
		name := rest[1:gt]
		if i := strings.IndexAny(name, " \t\r\n/"); i >= 0 {
			name = name[:i]
		}
		closeTag := "</" + name + ">"
		end := strings.Index(rest, closeTag)
		if end < 0 {
			p.mcpBuf = rest
			return events
		}
		body := strings.TrimSpace(rest[gt+1 : end])
		events = append(events, p.functionCall("", name, mcpArgs(body), "")...)
		text = rest[end+len(closeTag):]
	}
	return events
}

// =============================================================================
// BLOCKS
// =============================================================================

func (p *Processor) openBlock(kind blockKind, block adapters.ResponseBlock) []Event {
	events := p.closeBlock()
	p.block = kind
	p.index = p.nextIndex
	p.nextIndex++
	return append(events, Event{Name: EventContentBlockStart, Data: BlockStart{
		Type:         EventContentBlockStart,
		Index:        p.index,
		ContentBlock: block,
	}})
}

func (p *Processor) delta(d Delta) Event {
	return Event{Name: EventContentBlockDelta, Data: BlockDelta{Type: EventContentBlockDelta, Index: p.index, Delta: d}}
}

// closeBlock closes the open block, flushing a buffered thinking signature first.
func (p *Processor) closeBlock() []Event {
	if p.block == blockNone {
		return nil
	}
	var events []Event
	if p.block == blockThinking && p.pendingSig != "" {
		sig := p.pendingSig
		p.pendingSig = ""
		events = append(events, p.delta(Delta{Type: DeltaSignature, Signature: ptr(sig)}))
		p.lastSig = sig
		if p.trailingSig == sig {
			p.trailingSig = ""
		}
		p.cacheFamily(sig)
	}
	events = append(events, Event{Name: EventContentBlockStop, Data: BlockStop{Type: EventContentBlockStop, Index: p.index}})
	p.block = blockNone
	return events
}

func (p *Processor) ensureStarted() []Event {
	if p.started {
		return nil
	}
	p.started = true
	input := p.usage.InputTokens
	if input == 0 {
		input = p.opts.InputTokens
	}
	return []Event{{Name: EventMessageStart, Data: MessageStart{
		Type: EventMessageStart,
		Message: MessageHeader{
			ID:      p.opts.MessageID,
			Type:    "message",
			Role:    "assistant",
			Model:   p.opts.Model,
			Content: []adapters.ResponseBlock{},
			Usage:   adapters.ClaudeUsage{InputTokens: input},
		},
	}}}
}

// =============================================================================
// FAILURES
// =============================================================================

func (p *Processor) malformedChunk(reason string) []Event {
	p.malformed++
	log.Warn().Str("reason", reason).Int("count", p.malformed).Str("block", p.block.String()).Msg("streaming: malformed chunk")
	events := p.closeBlock()
	if p.malformed > config.MaxMalformedChunks {
		return append(events, p.abort(fmt.Sprintf("upstream stream corrupted: %d malformed chunks", p.malformed))...)
	}
	return events
}

func (p *Processor) abort(message string) []Event {
	events := p.closeBlock()
	p.failed = true
	return append(events, ErrorEvent("api_error", message))
}

// =============================================================================
// HELPERS
// =============================================================================

func (p *Processor) readUsage(u gjson.Result) {
	if !u.Exists() {
		return
	}
	prompt := int(u.Get("promptTokenCount").Int())
	cached := int(u.Get("cachedContentTokenCount").Int())
	if prompt > 0 {
		p.usage.InputTokens = max(prompt-cached, 0)
		p.usage.CacheReadInputTokens = cached
	}
	if out := int(u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int()); out > 0 {
		p.usage.OutputTokens = out
	}
}

func (p *Processor) collectGrounding(g gjson.Result) {
	if !g.Exists() {
		return
	}
	g.Get("webSearchQueries").ForEach(func(_, q gjson.Result) bool {
		if s := q.String(); s != "" && !lo.Contains(p.queries, s) {
			p.queries = append(p.queries, s)
		}
		return true
	})
	g.Get("groundingChunks").ForEach(func(_, c gjson.Result) bool {
		uri := c.Get("web.uri").String()
		if uri == "" || p.seenURIs[uri] {
			return true
		}
		p.seenURIs[uri] = true
		title := c.Get("web.title").String()
		if title == "" {
			title = uri
		}
		p.citations = append(p.citations, citation{title: title, uri: uri})
		return true
	})
}

func (p *Processor) sourcesText() string {
	if len(p.citations) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n---\n")
	if len(p.queries) > 0 {
		b.WriteString("Searched: " + strings.Join(p.queries, ", ") + "\n\n")
	}
	b.WriteString("Sources:\n")
	for i, c := range p.citations {
		fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, c.title, c.uri)
	}
	return b.String()
}

func (p *Processor) cacheFamily(sig string) {
	if p.opts.Cache != nil && p.opts.Family != "" {
		p.opts.Cache.CacheFamily(sig, p.opts.Family)
	}
}

// remapArgs fixes argument names the backend gets wrong for some tools.
func remapArgs(name string, args []byte) []byte {
	args = rawJSON(args)
	lower := strings.ToLower(name)
	if !lo.ContainsBy(pathSearchTools, func(s string) bool { return strings.Contains(lower, s) }) {
		return args
	}
	paths := gjson.GetBytes(args, "paths")
	if !paths.IsArray() || gjson.GetBytes(args, "path").Exists() {
		return args
	}
	out := args
	if first := paths.Array(); len(first) > 0 {
		if updated, err := sjson.SetBytes(out, "path", first[0].String()); err == nil {
			out = updated
		}
	}
	if updated, err := sjson.DeleteBytes(out, "paths"); err == nil {
		out = updated
	}
	return out
}

func mcpArgs(body string) []byte {
	if strings.HasPrefix(body, "{") && json.Valid([]byte(body)) {
		return []byte(body)
	}
	if body == "" {
		return []byte(`{}`)
	}
	out, _ := json.Marshal(map[string]string{"input": body})
	return out
}

// partialSuffix returns the length of the longest proper prefix of token that s ends with.
func partialSuffix(s, token string) int {
	for n := min(len(token)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, token[:n]) {
			return n
		}
	}
	return 0
}
