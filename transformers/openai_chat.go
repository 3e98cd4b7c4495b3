package transformers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plexus-labs/plexus/unified"
)

// Chat handles the OpenAI chat completions dialect.
type Chat struct{}

// NewChat creates the chat transformer.
func NewChat() *Chat { return &Chat{} }

func (*Chat) APIType() unified.APIType { return unified.APIChat }

func (*Chat) Endpoint(*unified.Request) string { return "/chat/completions" }

// Wire types.

type chatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`

	// Reasoning-capable OpenAI-compatible providers.
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

type chatResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *chatJSONSchema `json:"json_schema,omitempty"`
}

type chatJSONSchema struct {
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict *bool           `json:"strict,omitempty"`
}

type chatRequest struct {
	Model               string              `json:"model"`
	Messages            []chatMessage       `json:"messages"`
	Tools               []chatTool          `json:"tools,omitempty"`
	ToolChoice          json.RawMessage     `json:"tool_choice,omitempty"`
	Temperature         *float64            `json:"temperature,omitempty"`
	TopP                *float64            `json:"top_p,omitempty"`
	MaxTokens           *int                `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                `json:"max_completion_tokens,omitempty"`
	Stop                json.RawMessage     `json:"stop,omitempty"`
	Seed                *int64              `json:"seed,omitempty"`
	PresencePenalty     *float64            `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64            `json:"frequency_penalty,omitempty"`
	ResponseFormat      *chatResponseFormat `json:"response_format,omitempty"`
	Stream              bool                `json:"stream,omitempty"`
	StreamOptions       *chatStreamOptions  `json:"stream_options,omitempty"`
	Metadata            map[string]any      `json:"metadata,omitempty"`
}

type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

type chatUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	TotalTokens             int `json:"total_tokens"`
	PromptTokensDetails     *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

// Finish reason tables.

var chatFinishIn = map[string]unified.FinishReason{
	"stop":           unified.FinishStop,
	"length":         unified.FinishLength,
	"tool_calls":     unified.FinishToolCalls,
	"function_call":  unified.FinishToolCalls,
	"content_filter": unified.FinishContentFilter,
}

var chatFinishOut = map[unified.FinishReason]string{
	unified.FinishStop:          "stop",
	unified.FinishLength:        "length",
	unified.FinishToolCalls:     "tool_calls",
	unified.FinishContentFilter: "content_filter",
	unified.FinishError:         "stop",
}

// ParseRequest normalizes an OpenAI chat completions body.
func (*Chat) ParseRequest(body []byte) (*unified.Request, error) {
	var wire chatRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse chat request: %w", err)
	}

	req := &unified.Request{
		Model:            wire.Model,
		Temperature:      wire.Temperature,
		TopP:             wire.TopP,
		Seed:             wire.Seed,
		PresencePenalty:  wire.PresencePenalty,
		FrequencyPenalty: wire.FrequencyPenalty,
		Stream:           wire.Stream,
		Metadata:         wire.Metadata,
		IncomingAPIType:  unified.APIChat,
		OriginalBody:     body,
	}
	if wire.MaxCompletionTokens != nil {
		req.MaxOutputTokens = wire.MaxCompletionTokens
	} else if wire.MaxTokens != nil {
		req.MaxOutputTokens = wire.MaxTokens
	}
	if wire.StreamOptions != nil {
		req.IncludeUsage = wire.StreamOptions.IncludeUsage
	}
	req.Stop = parseStop(wire.Stop)

	for _, m := range wire.Messages {
		msg, err := parseChatMessage(m, req)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range wire.Tools {
		if t.Type != "function" {
			req.Warn(fmt.Sprintf("unsupported tool type %q dropped", t.Type))
			continue
		}
		req.Tools = append(req.Tools, unified.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
			Strict:      t.Function.Strict != nil && *t.Function.Strict,
		})
	}
	req.ToolChoice = parseChatToolChoice(wire.ToolChoice, req)

	if wire.ResponseFormat != nil {
		rf := &unified.ResponseFormat{Type: wire.ResponseFormat.Type}
		if js := wire.ResponseFormat.JSONSchema; js != nil {
			rf.SchemaName = js.Name
			rf.JSONSchema = js.Schema
			rf.Strict = js.Strict
		}
		req.ResponseFormat = rf
		validateResponseFormat(req)
	}
	return req, nil
}

func parseChatMessage(m chatMessage, req *unified.Request) (unified.Message, error) {
	role := m.Role
	if role == "developer" {
		role = unified.RoleSystem
		req.Warn("developer role converted to system")
	}
	msg := unified.Message{Role: role, Name: m.Name}

	if m.Role == unified.RoleTool {
		var text string
		_ = json.Unmarshal(m.Content, &text)
		msg.Parts = append(msg.Parts, unified.Part{
			Type:       unified.PartToolResult,
			ToolCallID: m.ToolCallID,
			Result:     parseToolResult(text),
		})
		return msg, nil
	}

	if len(m.Content) > 0 {
		var text string
		if err := json.Unmarshal(m.Content, &text); err == nil {
			if text != "" {
				msg.Parts = append(msg.Parts, unified.Part{Type: unified.PartText, Text: text})
			}
		} else {
			var parts []chatContentPart
			if err := json.Unmarshal(m.Content, &parts); err != nil {
				return msg, fmt.Errorf("parse message content: %w", err)
			}
			for _, p := range parts {
				switch p.Type {
				case "text":
					msg.Parts = append(msg.Parts, unified.Part{Type: unified.PartText, Text: p.Text})
				case "image_url":
					if p.ImageURL != nil {
						msg.Parts = append(msg.Parts, unified.Part{
							Type: unified.PartFile,
							File: &unified.FilePart{URI: p.ImageURL.URL},
						})
					}
				default:
					req.Warn(fmt.Sprintf("unsupported content part %q dropped", p.Type))
				}
			}
		}
	}

	if m.ReasoningContent != "" {
		msg.Parts = append(msg.Parts, unified.Part{
			Type:      unified.PartReasoning,
			Reasoning: &unified.ReasoningPart{Text: m.ReasoningContent},
		})
	}

	for _, tc := range m.ToolCalls {
		msg.Parts = append(msg.Parts, unified.Part{
			Type:       unified.PartToolCall,
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			RawArgs:    tc.Function.Arguments,
			Args:       parseToolArgs(tc.Function.Arguments, req.Warn),
		})
	}
	return msg, nil
}

func parseChatToolChoice(raw json.RawMessage, req *unified.Request) *unified.ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var mode string
	if json.Unmarshal(raw, &mode) == nil {
		switch mode {
		case "auto", "none", "required":
			return &unified.ToolChoice{Mode: mode}
		}
		req.Warn(fmt.Sprintf("unknown tool_choice %q ignored", mode))
		return nil
	}
	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &named) == nil && named.Function.Name != "" {
		return &unified.ToolChoice{Mode: "tool", Name: named.Function.Name}
	}
	req.Warn("unparseable tool_choice ignored")
	return nil
}

func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if json.Unmarshal(raw, &one) == nil {
		return []string{one}
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		return many
	}
	return nil
}

// TransformRequest renders the unified request as a chat completions body.
func (*Chat) TransformRequest(req *unified.Request) ([]byte, error) {
	wire := chatRequest{
		Model:            req.Model,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxOutputTokens,
		Seed:             req.Seed,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Stream:           req.Stream,
		Metadata:         req.Metadata,
	}
	if req.Stream && req.IncludeUsage {
		wire.StreamOptions = &chatStreamOptions{IncludeUsage: true}
	}
	if len(req.Stop) > 0 {
		b, err := json.Marshal(req.Stop)
		if err != nil {
			return nil, fmt.Errorf("marshal stop: %w", err)
		}
		wire.Stop = b
	}

	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, renderChatMessages(m)...)
	}

	for _, t := range req.Tools {
		strict := t.Strict
		ct := chatTool{Type: "function", Function: chatToolFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}}
		if strict {
			ct.Function.Strict = &strict
		}
		wire.Tools = append(wire.Tools, ct)
	}
	if tc := req.ToolChoice; tc != nil {
		var b []byte
		if tc.Mode == "tool" {
			b, _ = json.Marshal(map[string]any{
				"type":     "function",
				"function": map[string]string{"name": tc.Name},
			})
		} else {
			b, _ = json.Marshal(tc.Mode)
		}
		wire.ToolChoice = b
	}

	if rf := req.ResponseFormat; rf != nil {
		out := &chatResponseFormat{Type: rf.Type}
		if rf.Type == "json_schema" {
			out.JSONSchema = &chatJSONSchema{
				Name:   rf.SchemaName,
				Schema: rf.JSONSchema,
				Strict: rf.Strict,
			}
		}
		wire.ResponseFormat = out
	}
	return json.Marshal(wire)
}

// renderChatMessages converts one unified message; tool results become
// separate role=tool wire messages.
func renderChatMessages(m unified.Message) []chatMessage {
	var out []chatMessage
	main := chatMessage{Role: m.Role, Name: m.Name}
	var contentParts []chatContentPart
	var reasoning string

	for _, p := range m.Parts {
		switch p.Type {
		case unified.PartText:
			contentParts = append(contentParts, chatContentPart{Type: "text", Text: p.Text})
		case unified.PartFile:
			if p.File != nil {
				url := p.File.URI
				if url == "" && p.File.Data != "" {
					url = "data:" + p.File.MIMEType + ";base64," + p.File.Data
				}
				contentParts = append(contentParts, chatContentPart{
					Type:     "image_url",
					ImageURL: &chatImageURL{URL: url},
				})
			}
		case unified.PartReasoning:
			if p.Reasoning != nil {
				reasoning += p.Reasoning.Text
			}
		case unified.PartToolCall:
			main.ToolCalls = append(main.ToolCalls, chatToolCall{
				ID:   p.ToolCallID,
				Type: "function",
				Function: chatFunction{
					Name:      p.ToolName,
					Arguments: marshalToolArgs(p),
				},
			})
		case unified.PartToolResult:
			out = append(out, chatMessage{
				Role:       unified.RoleTool,
				ToolCallID: p.ToolCallID,
				Content:    mustJSON(toolResultText(p.Result)),
			})
		}
	}

	main.ReasoningContent = reasoning
	switch {
	case len(contentParts) == 1 && contentParts[0].Type == "text":
		main.Content = mustJSON(contentParts[0].Text)
	case len(contentParts) > 0:
		main.Content, _ = json.Marshal(contentParts)
	}

	if main.Content != nil || len(main.ToolCalls) > 0 || main.ReasoningContent != "" {
		out = append([]chatMessage{main}, out...)
	}
	return out
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// TransformResponse normalizes a unary chat completions body.
func (*Chat) TransformResponse(body []byte, _ *unified.Request) (*unified.Response, error) {
	var wire chatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse chat response: %w", err)
	}
	resp := &unified.Response{ID: wire.ID, Model: wire.Model}

	if len(wire.Choices) > 0 {
		choice := wire.Choices[0]
		if fr, ok := chatFinishIn[choice.FinishReason]; ok {
			resp.FinishReason = fr
		} else if choice.FinishReason != "" {
			resp.FinishReason = unified.FinishStop
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("unknown finish reason %q mapped to stop", choice.FinishReason))
		}

		var text string
		if json.Unmarshal(choice.Message.Content, &text) == nil && text != "" {
			resp.Parts = append(resp.Parts, unified.Part{Type: unified.PartText, Text: text})
		}
		if choice.Message.ReasoningContent != "" {
			resp.Parts = append(resp.Parts, unified.Part{
				Type:      unified.PartReasoning,
				Reasoning: &unified.ReasoningPart{Text: choice.Message.ReasoningContent},
			})
		}
		for _, tc := range choice.Message.ToolCalls {
			resp.Parts = append(resp.Parts, unified.Part{
				Type:       unified.PartToolCall,
				ToolCallID: tc.ID,
				ToolName:   tc.Function.Name,
				RawArgs:    tc.Function.Arguments,
				Args: parseToolArgs(tc.Function.Arguments, func(msg string) {
					resp.Warnings = append(resp.Warnings, msg)
				}),
			})
		}
	}

	if wire.Usage != nil {
		resp.Usage = unified.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
			TotalTokens:  wire.Usage.TotalTokens,
		}
		if d := wire.Usage.PromptTokensDetails; d != nil {
			resp.Usage.CachedTokens = d.CachedTokens
		}
		if d := wire.Usage.CompletionTokensDetails; d != nil {
			resp.Usage.ReasoningTokens = d.ReasoningTokens
		}
	}
	return resp, nil
}

// RenderResponse writes a unified response as a chat completions body.
func (*Chat) RenderResponse(resp *unified.Response) ([]byte, error) {
	msg := chatMessage{Role: unified.RoleAssistant}
	var text, reasoning string
	for _, p := range resp.Parts {
		switch p.Type {
		case unified.PartText:
			text += p.Text
		case unified.PartReasoning:
			if p.Reasoning != nil {
				reasoning += p.Reasoning.Text
			}
		case unified.PartToolCall:
			msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
				ID:       p.ToolCallID,
				Type:     "function",
				Function: chatFunction{Name: p.ToolName, Arguments: marshalToolArgs(p)},
			})
		}
	}
	if text != "" {
		msg.Content = mustJSON(text)
	}
	msg.ReasoningContent = reasoning

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	wire := chatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: chatFinishOut[resp.FinishReason],
		}},
		Usage: &chatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return marshalWithMeta(wire, resp.Meta)
}

// Streaming.

type chatStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content          string         `json:"content,omitempty"`
			ReasoningContent string         `json:"reasoning_content,omitempty"`
			ToolCalls        []chatToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage,omitempty"`
}

type chatStreamDecoder struct{}

// NewStreamDecoder implements Streamer.
func (*Chat) NewStreamDecoder() StreamDecoder { return &chatStreamDecoder{} }

func (d *chatStreamDecoder) DecodeChunk(data []byte) []Delta {
	var chunk chatStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil
	}
	var out []Delta
	for _, c := range chunk.Choices {
		if c.Delta.Content != "" {
			out = append(out, Delta{Type: DeltaText, Text: c.Delta.Content})
		}
		if c.Delta.ReasoningContent != "" {
			out = append(out, Delta{Type: DeltaReasoning, Text: c.Delta.ReasoningContent})
		}
		for _, tc := range c.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if tc.ID != "" || tc.Function.Name != "" {
				out = append(out, Delta{
					Type:         DeltaToolCallStart,
					Index:        idx,
					ToolCallID:   tc.ID,
					ToolName:     tc.Function.Name,
					ArgsFragment: tc.Function.Arguments,
				})
			} else if tc.Function.Arguments != "" {
				out = append(out, Delta{Type: DeltaToolCallArgs, Index: idx, ArgsFragment: tc.Function.Arguments})
			}
		}
		if fr, ok := chatFinishIn[c.FinishReason]; ok {
			out = append(out, Delta{Type: DeltaFinish, FinishReason: fr})
		}
	}
	if chunk.Usage != nil {
		u := unified.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
			TotalTokens:  chunk.Usage.TotalTokens,
		}
		out = append(out, Delta{Type: DeltaUsage, Usage: &u})
	}
	return out
}

type chatStreamEncoder struct {
	id      string
	model   string
	created int64
	usage   bool
}

// NewStreamEncoder implements Streamer.
func (*Chat) NewStreamEncoder(req *unified.Request) StreamEncoder {
	return &chatStreamEncoder{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   req.Model,
		created: time.Now().Unix(),
		usage:   req.IncludeUsage,
	}
}

func (e *chatStreamEncoder) chunk(delta map[string]any, finish string) []byte {
	choice := map[string]any{"index": 0, "delta": delta}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	b, _ := json.Marshal(map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []any{choice},
	})
	return sseFrame(b)
}

func (e *chatStreamEncoder) Start() [][]byte {
	return [][]byte{e.chunk(map[string]any{"role": "assistant", "content": ""}, "")}
}

func (e *chatStreamEncoder) Encode(d Delta) [][]byte {
	switch d.Type {
	case DeltaText:
		return [][]byte{e.chunk(map[string]any{"content": d.Text}, "")}
	case DeltaReasoning:
		return [][]byte{e.chunk(map[string]any{"reasoning_content": d.Text}, "")}
	case DeltaToolCallStart:
		return [][]byte{e.chunk(map[string]any{"tool_calls": []any{map[string]any{
			"index": d.Index,
			"id":    d.ToolCallID,
			"type":  "function",
			"function": map[string]any{
				"name":      d.ToolName,
				"arguments": d.ArgsFragment,
			},
		}}}, "")}
	case DeltaToolCallArgs:
		return [][]byte{e.chunk(map[string]any{"tool_calls": []any{map[string]any{
			"index":    d.Index,
			"function": map[string]any{"arguments": d.ArgsFragment},
		}}}, "")}
	case DeltaFinish:
		return [][]byte{e.chunk(map[string]any{}, chatFinishOut[d.FinishReason])}
	}
	return nil
}

func (e *chatStreamEncoder) Finish(final *unified.Response) [][]byte {
	var out [][]byte
	if e.usage && final != nil {
		b, _ := json.Marshal(map[string]any{
			"id":      e.id,
			"object":  "chat.completion.chunk",
			"created": e.created,
			"model":   e.model,
			"choices": []any{},
			"usage": map[string]any{
				"prompt_tokens":     final.Usage.InputTokens,
				"completion_tokens": final.Usage.OutputTokens,
				"total_tokens":      final.Usage.TotalTokens,
			},
		})
		out = append(out, sseFrame(b))
	}
	out = append(out, []byte("data: [DONE]\n\n"))
	return out
}
