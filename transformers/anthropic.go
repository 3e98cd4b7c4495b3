package transformers

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/plexus-labs/plexus/unified"
)

// Messages handles the Anthropic messages dialect.
type Messages struct{}

// NewMessages creates the messages transformer.
func NewMessages() *Messages { return &Messages{} }

func (*Messages) APIType() unified.APIType { return unified.APIMessages }

func (*Messages) Endpoint(*unified.Request) string { return "/v1/messages" }

// Wire types.

type anthropicContentBlock struct {
	Type string `json:"type"`

	// text / thinking
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// thinking metadata
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"` // redacted_thinking payload

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"` // "base64" | "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicToolChoice struct {
	Type string `json:"type"` // "auto" | "any" | "tool" | "none"
	Name string `json:"name,omitempty"`
}

type anthropicRequest struct {
	Model         string               `json:"model"`
	System        json.RawMessage      `json:"system,omitempty"`
	Messages      []anthropicMessage   `json:"messages"`
	Tools         []anthropicTool      `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
	MaxTokens     int                  `json:"max_tokens"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// defaultMaxTokens fills the mandatory max_tokens field when the client left
// it unset.
const defaultMaxTokens = 4096

var anthropicFinishIn = map[string]unified.FinishReason{
	"end_turn":      unified.FinishStop,
	"stop_sequence": unified.FinishStop,
	"max_tokens":    unified.FinishLength,
	"tool_use":      unified.FinishToolCalls,
	"refusal":       unified.FinishContentFilter,
}

var anthropicFinishOut = map[unified.FinishReason]string{
	unified.FinishStop:          "end_turn",
	unified.FinishLength:        "max_tokens",
	unified.FinishToolCalls:     "tool_use",
	unified.FinishContentFilter: "refusal",
	unified.FinishError:         "error",
}

// ParseRequest normalizes an Anthropic messages body.
func (*Messages) ParseRequest(body []byte) (*unified.Request, error) {
	var wire anthropicRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse messages request: %w", err)
	}

	req := &unified.Request{
		Model:           wire.Model,
		Temperature:     wire.Temperature,
		TopP:            wire.TopP,
		Stop:            wire.StopSequences,
		Stream:          wire.Stream,
		Metadata:        wire.Metadata,
		IncomingAPIType: unified.APIMessages,
		OriginalBody:    body,
	}
	if wire.MaxTokens > 0 {
		mt := wire.MaxTokens
		req.MaxOutputTokens = &mt
	}

	if len(wire.System) > 0 {
		if text := anthropicSystemText(wire.System); text != "" {
			req.Messages = append(req.Messages, unified.TextMessage(unified.RoleSystem, text))
		}
	}
	for _, m := range wire.Messages {
		msg, err := parseAnthropicMessage(m, req)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, unified.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	if tc := wire.ToolChoice; tc != nil {
		switch tc.Type {
		case "auto", "none":
			req.ToolChoice = &unified.ToolChoice{Mode: tc.Type}
		case "any":
			req.ToolChoice = &unified.ToolChoice{Mode: "required"}
		case "tool":
			req.ToolChoice = &unified.ToolChoice{Mode: "tool", Name: tc.Name}
		default:
			req.Warn(fmt.Sprintf("unknown tool_choice type %q ignored", tc.Type))
		}
	}
	return req, nil
}

// anthropicSystemText flattens the system field, which is a string or a list
// of text blocks.
func anthropicSystemText(raw json.RawMessage) string {
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}
	var blocks []anthropicContentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		for _, b := range blocks {
			if b.Type == "text" {
				text += b.Text
			}
		}
	}
	return text
}

func parseAnthropicMessage(m anthropicMessage, req *unified.Request) (unified.Message, error) {
	msg := unified.Message{Role: m.Role}

	var text string
	if json.Unmarshal(m.Content, &text) == nil {
		msg.Parts = append(msg.Parts, unified.Part{Type: unified.PartText, Text: text})
		return msg, nil
	}

	var blocks []anthropicContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return msg, fmt.Errorf("parse message content: %w", err)
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			msg.Parts = append(msg.Parts, unified.Part{Type: unified.PartText, Text: b.Text})
		case "thinking":
			msg.Parts = append(msg.Parts, unified.Part{
				Type:      unified.PartReasoning,
				Reasoning: &unified.ReasoningPart{Text: b.Thinking, Signature: b.Signature},
			})
		case "redacted_thinking":
			msg.Parts = append(msg.Parts, unified.Part{
				Type:      unified.PartReasoning,
				Reasoning: &unified.ReasoningPart{Encrypted: b.Data, Redacted: true},
			})
		case "tool_use":
			raw := string(b.Input)
			msg.Parts = append(msg.Parts, unified.Part{
				Type:       unified.PartToolCall,
				ToolCallID: b.ID,
				ToolName:   b.Name,
				RawArgs:    raw,
				Args:       parseToolArgs(raw, req.Warn),
			})
		case "tool_result":
			msg.Parts = append(msg.Parts, unified.Part{
				Type:       unified.PartToolResult,
				ToolCallID: b.ToolUseID,
				Result:     parseAnthropicToolResult(b),
			})
		case "image":
			if b.Source != nil {
				msg.Parts = append(msg.Parts, unified.Part{
					Type: unified.PartFile,
					File: &unified.FilePart{
						MIMEType: b.Source.MediaType,
						Data:     b.Source.Data,
						URI:      b.Source.URL,
					},
				})
			}
		default:
			req.Warn(fmt.Sprintf("unsupported content block %q dropped", b.Type))
		}
	}
	return msg, nil
}

func parseAnthropicToolResult(b anthropicContentBlock) *unified.ToolResult {
	var text string
	if json.Unmarshal(b.Content, &text) == nil {
		r := parseToolResult(text)
		r.Error = b.IsError
		return r
	}
	var blocks []anthropicContentBlock
	if json.Unmarshal(b.Content, &blocks) == nil {
		var parts []unified.Part
		for _, cb := range blocks {
			if cb.Type == "text" {
				parts = append(parts, unified.Part{Type: unified.PartText, Text: cb.Text})
			}
		}
		return &unified.ToolResult{Kind: "content", Parts: parts, Error: b.IsError}
	}
	return &unified.ToolResult{Kind: "text", Error: b.IsError}
}

// TransformRequest renders the unified request as an Anthropic messages body.
func (*Messages) TransformRequest(req *unified.Request) ([]byte, error) {
	wire := anthropicRequest{
		Model:         req.Model,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
		Metadata:      req.Metadata,
		MaxTokens:     defaultMaxTokens,
	}
	if req.MaxOutputTokens != nil {
		wire.MaxTokens = *req.MaxOutputTokens
	}

	var system string
	for _, m := range req.Messages {
		if m.Role == unified.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Text()
			continue
		}
		wm, err := renderAnthropicMessage(m)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, wm)
	}
	if system != "" {
		wire.System = mustJSON(system)
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case "auto", "none":
			wire.ToolChoice = &anthropicToolChoice{Type: tc.Mode}
		case "required":
			wire.ToolChoice = &anthropicToolChoice{Type: "any"}
		case "tool":
			wire.ToolChoice = &anthropicToolChoice{Type: "tool", Name: tc.Name}
		}
	}
	return json.Marshal(wire)
}

func renderAnthropicMessage(m unified.Message) (anthropicMessage, error) {
	role := m.Role
	// Tool results travel in user messages on this dialect.
	if role == unified.RoleTool {
		role = unified.RoleUser
	}
	var blocks []anthropicContentBlock
	for _, p := range m.Parts {
		switch p.Type {
		case unified.PartText:
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: p.Text})
		case unified.PartReasoning:
			if p.Reasoning == nil {
				continue
			}
			if p.Reasoning.Redacted || (p.Reasoning.Signature == "" && p.Reasoning.Encrypted != "") {
				blocks = append(blocks, anthropicContentBlock{
					Type: "redacted_thinking",
					Data: p.Reasoning.Encrypted,
				})
			} else {
				blocks = append(blocks, anthropicContentBlock{
					Type:      "thinking",
					Thinking:  p.Reasoning.Text,
					Signature: p.Reasoning.Signature,
				})
			}
		case unified.PartToolCall:
			blocks = append(blocks, anthropicContentBlock{
				Type:  "tool_use",
				ID:    p.ToolCallID,
				Name:  p.ToolName,
				Input: json.RawMessage(marshalToolArgs(p)),
			})
		case unified.PartToolResult:
			b := anthropicContentBlock{Type: "tool_result", ToolUseID: p.ToolCallID}
			if p.Result != nil {
				b.IsError = p.Result.Error
				if p.Result.Kind == "content" {
					var inner []anthropicContentBlock
					for _, cp := range p.Result.Parts {
						if cp.Type == unified.PartText {
							inner = append(inner, anthropicContentBlock{Type: "text", Text: cp.Text})
						}
					}
					b.Content, _ = json.Marshal(inner)
				} else {
					b.Content = mustJSON(toolResultText(p.Result))
				}
			}
			blocks = append(blocks, b)
		case unified.PartFile:
			if p.File == nil {
				continue
			}
			src := &anthropicImageSource{MediaType: p.File.MIMEType}
			if p.File.Data != "" {
				src.Type = "base64"
				src.Data = p.File.Data
			} else {
				src.Type = "url"
				src.URL = p.File.URI
			}
			blocks = append(blocks, anthropicContentBlock{Type: "image", Source: src})
		}
	}
	content, err := json.Marshal(blocks)
	if err != nil {
		return anthropicMessage{}, fmt.Errorf("marshal message content: %w", err)
	}
	return anthropicMessage{Role: role, Content: content}, nil
}

// TransformResponse normalizes a unary Anthropic messages body.
func (*Messages) TransformResponse(body []byte, _ *unified.Request) (*unified.Response, error) {
	var wire anthropicResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse messages response: %w", err)
	}
	resp := &unified.Response{ID: wire.ID, Model: wire.Model}

	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			resp.Parts = append(resp.Parts, unified.Part{Type: unified.PartText, Text: b.Text})
		case "thinking":
			resp.Parts = append(resp.Parts, unified.Part{
				Type:      unified.PartReasoning,
				Reasoning: &unified.ReasoningPart{Text: b.Thinking, Signature: b.Signature},
			})
		case "redacted_thinking":
			resp.Parts = append(resp.Parts, unified.Part{
				Type:      unified.PartReasoning,
				Reasoning: &unified.ReasoningPart{Encrypted: b.Data, Redacted: true},
			})
		case "tool_use":
			raw := string(b.Input)
			resp.Parts = append(resp.Parts, unified.Part{
				Type:       unified.PartToolCall,
				ToolCallID: b.ID,
				ToolName:   b.Name,
				RawArgs:    raw,
				Args: parseToolArgs(raw, func(msg string) {
					resp.Warnings = append(resp.Warnings, msg)
				}),
			})
		}
	}

	if fr, ok := anthropicFinishIn[wire.StopReason]; ok {
		resp.FinishReason = fr
	} else if wire.StopReason != "" {
		resp.FinishReason = unified.FinishStop
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("unknown stop reason %q mapped to stop", wire.StopReason))
	}

	resp.Usage = unified.Usage{
		InputTokens:  wire.Usage.InputTokens,
		OutputTokens: wire.Usage.OutputTokens,
		CachedTokens: wire.Usage.CacheReadInputTokens,
		TotalTokens:  wire.Usage.InputTokens + wire.Usage.OutputTokens,
	}
	return resp, nil
}

// RenderResponse writes a unified response as an Anthropic messages body.
func (*Messages) RenderResponse(resp *unified.Response) ([]byte, error) {
	var content []anthropicContentBlock
	for _, p := range resp.Parts {
		switch p.Type {
		case unified.PartText:
			content = append(content, anthropicContentBlock{Type: "text", Text: p.Text})
		case unified.PartReasoning:
			if p.Reasoning == nil {
				continue
			}
			if p.Reasoning.Redacted {
				content = append(content, anthropicContentBlock{Type: "redacted_thinking", Data: p.Reasoning.Encrypted})
			} else {
				content = append(content, anthropicContentBlock{
					Type:      "thinking",
					Thinking:  p.Reasoning.Text,
					Signature: p.Reasoning.Signature,
				})
			}
		case unified.PartToolCall:
			content = append(content, anthropicContentBlock{
				Type:  "tool_use",
				ID:    p.ToolCallID,
				Name:  p.ToolName,
				Input: json.RawMessage(marshalToolArgs(p)),
			})
		}
	}

	id := resp.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	wire := anthropicResponse{
		ID:         id,
		Type:       "message",
		Role:       unified.RoleAssistant,
		Model:      resp.Model,
		Content:    content,
		StopReason: anthropicFinishOut[resp.FinishReason],
		Usage: anthropicUsage{
			InputTokens:          resp.Usage.InputTokens,
			OutputTokens:         resp.Usage.OutputTokens,
			CacheReadInputTokens: resp.Usage.CachedTokens,
		},
	}
	return marshalWithMeta(wire, resp.Meta)
}

// Streaming.

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string         `json:"id"`
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
}

type anthropicStreamDecoder struct {
	inputTokens int
}

// NewStreamDecoder implements Streamer.
func (*Messages) NewStreamDecoder() StreamDecoder { return &anthropicStreamDecoder{} }

func (d *anthropicStreamDecoder) DecodeChunk(data []byte) []Delta {
	var ev anthropicStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil
	}
	var out []Delta
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			d.inputTokens = ev.Message.Usage.InputTokens
		}
	case "content_block_start":
		if cb := ev.ContentBlock; cb != nil && cb.Type == "tool_use" {
			out = append(out, Delta{
				Type:       DeltaToolCallStart,
				Index:      ev.Index,
				ToolCallID: cb.ID,
				ToolName:   cb.Name,
			})
		}
	case "content_block_delta":
		if ev.Delta == nil {
			break
		}
		switch ev.Delta.Type {
		case "text_delta":
			out = append(out, Delta{Type: DeltaText, Text: ev.Delta.Text})
		case "thinking_delta":
			out = append(out, Delta{Type: DeltaReasoning, Text: ev.Delta.Thinking})
		case "input_json_delta":
			out = append(out, Delta{Type: DeltaToolCallArgs, Index: ev.Index, ArgsFragment: ev.Delta.PartialJSON})
		}
	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			if fr, ok := anthropicFinishIn[ev.Delta.StopReason]; ok {
				out = append(out, Delta{Type: DeltaFinish, FinishReason: fr})
			}
		}
		if ev.Usage != nil {
			u := unified.Usage{
				InputTokens:  d.inputTokens,
				OutputTokens: ev.Usage.OutputTokens,
				CachedTokens: ev.Usage.CacheReadInputTokens,
			}
			if ev.Usage.InputTokens > 0 {
				u.InputTokens = ev.Usage.InputTokens
			}
			u.TotalTokens = u.InputTokens + u.OutputTokens
			out = append(out, Delta{Type: DeltaUsage, Usage: &u})
		}
	}
	return out
}

// anthropicStreamEncoder renders deltas as Anthropic stream events. Block
// indexes are reassigned on the way out: text is block 0, tool calls follow.
type anthropicStreamEncoder struct {
	id          string
	model       string
	textOpen    bool
	nextIndex   int
	toolIndexes map[int]int
	openTool    int // wire index of the open tool block, -1 when none
}

// NewStreamEncoder implements Streamer.
func (*Messages) NewStreamEncoder(req *unified.Request) StreamEncoder {
	return &anthropicStreamEncoder{
		id:          "msg_" + uuid.NewString(),
		model:       req.Model,
		toolIndexes: make(map[int]int),
		openTool:    -1,
	}
}

func (e *anthropicStreamEncoder) event(eventType string, payload map[string]any) []byte {
	payload["type"] = eventType
	b, _ := json.Marshal(payload)
	return sseEvent(eventType, b)
}

func (e *anthropicStreamEncoder) Start() [][]byte {
	return [][]byte{e.event("message_start", map[string]any{
		"message": map[string]any{
			"id":      e.id,
			"type":    "message",
			"role":    "assistant",
			"model":   e.model,
			"content": []any{},
			"usage":   map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})}
}

func (e *anthropicStreamEncoder) closeOpenBlocks() [][]byte {
	var out [][]byte
	if e.textOpen {
		out = append(out, e.event("content_block_stop", map[string]any{"index": 0}))
		e.textOpen = false
	}
	if e.openTool >= 0 {
		out = append(out, e.event("content_block_stop", map[string]any{"index": e.openTool}))
		e.openTool = -1
	}
	return out
}

func (e *anthropicStreamEncoder) Encode(d Delta) [][]byte {
	var out [][]byte
	switch d.Type {
	case DeltaText, DeltaReasoning:
		if !e.textOpen {
			blockType := "text"
			if d.Type == DeltaReasoning {
				blockType = "thinking"
			}
			out = append(out, e.event("content_block_start", map[string]any{
				"index":         0,
				"content_block": map[string]any{"type": blockType, "text": ""},
			}))
			e.textOpen = true
			e.nextIndex = 1
		}
		deltaType, key := "text_delta", "text"
		if d.Type == DeltaReasoning {
			deltaType, key = "thinking_delta", "thinking"
		}
		out = append(out, e.event("content_block_delta", map[string]any{
			"index": 0,
			"delta": map[string]any{"type": deltaType, key: d.Text},
		}))
	case DeltaToolCallStart:
		if e.openTool >= 0 {
			out = append(out, e.event("content_block_stop", map[string]any{"index": e.openTool}))
		}
		if e.textOpen {
			out = append(out, e.event("content_block_stop", map[string]any{"index": 0}))
			e.textOpen = false
		}
		if e.nextIndex == 0 {
			e.nextIndex = 1
		}
		idx := e.nextIndex
		e.nextIndex++
		e.toolIndexes[d.Index] = idx
		e.openTool = idx
		out = append(out, e.event("content_block_start", map[string]any{
			"index": idx,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    d.ToolCallID,
				"name":  d.ToolName,
				"input": map[string]any{},
			},
		}))
		if d.ArgsFragment != "" {
			out = append(out, e.event("content_block_delta", map[string]any{
				"index": idx,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": d.ArgsFragment},
			}))
		}
	case DeltaToolCallArgs:
		idx, ok := e.toolIndexes[d.Index]
		if !ok {
			return nil
		}
		out = append(out, e.event("content_block_delta", map[string]any{
			"index": idx,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": d.ArgsFragment},
		}))
	case DeltaFinish:
		out = append(out, e.closeOpenBlocks()...)
		out = append(out, e.event("message_delta", map[string]any{
			"delta": map[string]any{"stop_reason": anthropicFinishOut[d.FinishReason]},
			"usage": map[string]any{"output_tokens": 0},
		}))
	}
	return out
}

func (e *anthropicStreamEncoder) Finish(final *unified.Response) [][]byte {
	var out [][]byte
	out = append(out, e.closeOpenBlocks()...)
	if final != nil && final.Usage.TotalTokens > 0 {
		out = append(out, e.event("message_delta", map[string]any{
			"delta": map[string]any{},
			"usage": map[string]any{
				"input_tokens":  final.Usage.InputTokens,
				"output_tokens": final.Usage.OutputTokens,
			},
		}))
	}
	out = append(out, e.event("message_stop", map[string]any{}))
	return out
}
