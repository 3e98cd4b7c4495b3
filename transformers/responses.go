package transformers

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/plexus-labs/plexus/unified"
)

// Responses handles the OpenAI Responses dialect.
type Responses struct{}

// NewResponses creates the responses transformer.
func NewResponses() *Responses { return &Responses{} }

func (*Responses) APIType() unified.APIType { return unified.APIResponses }

func (*Responses) Endpoint(*unified.Request) string { return "/responses" }

// Wire types.

type responsesItem struct {
	Type string `json:"type,omitempty"`

	// message
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	// function_call
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output
	Output string `json:"output,omitempty"`

	// reasoning
	Summary          []responsesContentPart `json:"summary,omitempty"`
	EncryptedContent string                 `json:"encrypted_content,omitempty"`
}

type responsesContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

type responsesTextFormat struct {
	Format *struct {
		Type   string          `json:"type"`
		Name   string          `json:"name,omitempty"`
		Schema json.RawMessage `json:"schema,omitempty"`
		Strict *bool           `json:"strict,omitempty"`
	} `json:"format,omitempty"`
}

type responsesRequest struct {
	Model           string               `json:"model"`
	Input           json.RawMessage      `json:"input"`
	Instructions    string               `json:"instructions,omitempty"`
	Tools           []responsesTool      `json:"tools,omitempty"`
	ToolChoice      json.RawMessage      `json:"tool_choice,omitempty"`
	Temperature     *float64             `json:"temperature,omitempty"`
	TopP            *float64             `json:"top_p,omitempty"`
	MaxOutputTokens *int                 `json:"max_output_tokens,omitempty"`
	Text            *responsesTextFormat `json:"text,omitempty"`
	Stream          bool                 `json:"stream,omitempty"`
	Metadata        map[string]any       `json:"metadata,omitempty"`
}

type responsesUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	TotalTokens        int `json:"total_tokens"`
	InputTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details,omitempty"`
	OutputTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details,omitempty"`
}

type responsesResponse struct {
	ID                string          `json:"id"`
	Model             string          `json:"model"`
	Status            string          `json:"status,omitempty"`
	Output            []responsesItem `json:"output"`
	Usage             *responsesUsage `json:"usage,omitempty"`
	IncompleteDetails *struct {
		Reason string `json:"reason,omitempty"`
	} `json:"incomplete_details,omitempty"`
}

// ParseRequest normalizes a Responses body.
func (*Responses) ParseRequest(body []byte) (*unified.Request, error) {
	var wire responsesRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse responses request: %w", err)
	}

	req := &unified.Request{
		Model:           wire.Model,
		Temperature:     wire.Temperature,
		TopP:            wire.TopP,
		MaxOutputTokens: wire.MaxOutputTokens,
		Stream:          wire.Stream,
		Metadata:        wire.Metadata,
		IncomingAPIType: unified.APIResponses,
		OriginalBody:    body,
	}

	if wire.Instructions != "" {
		req.Messages = append(req.Messages, unified.TextMessage(unified.RoleSystem, wire.Instructions))
	}

	// Input is either a plain string or a list of items.
	var text string
	if json.Unmarshal(wire.Input, &text) == nil {
		req.Messages = append(req.Messages, unified.TextMessage(unified.RoleUser, text))
	} else {
		var items []responsesItem
		if err := json.Unmarshal(wire.Input, &items); err != nil {
			return nil, fmt.Errorf("parse responses input: %w", err)
		}
		for _, item := range items {
			parseResponsesItem(item, req)
		}
	}

	for _, t := range wire.Tools {
		if t.Type != "function" {
			req.Warn(fmt.Sprintf("unsupported tool type %q dropped", t.Type))
			continue
		}
		req.Tools = append(req.Tools, unified.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
			Strict:      t.Strict != nil && *t.Strict,
		})
	}
	req.ToolChoice = parseResponsesToolChoice(wire.ToolChoice, req)

	if wire.Text != nil && wire.Text.Format != nil {
		f := wire.Text.Format
		rf := &unified.ResponseFormat{Type: f.Type}
		if f.Type == "json_schema" {
			rf.SchemaName = f.Name
			rf.JSONSchema = f.Schema
			rf.Strict = f.Strict
		}
		req.ResponseFormat = rf
		validateResponseFormat(req)
	}
	return req, nil
}

func parseResponsesItem(item responsesItem, req *unified.Request) {
	switch item.Type {
	case "", "message":
		role := item.Role
		if role == "developer" {
			role = unified.RoleSystem
			req.Warn("developer role converted to system")
		}
		msg := unified.Message{Role: role}
		var text string
		if json.Unmarshal(item.Content, &text) == nil {
			msg.Parts = append(msg.Parts, unified.Part{Type: unified.PartText, Text: text})
		} else {
			var parts []responsesContentPart
			if json.Unmarshal(item.Content, &parts) != nil {
				req.Warn("unparseable message content dropped")
				return
			}
			for _, p := range parts {
				switch p.Type {
				case "input_text", "output_text", "text":
					msg.Parts = append(msg.Parts, unified.Part{Type: unified.PartText, Text: p.Text})
				case "input_image":
					msg.Parts = append(msg.Parts, unified.Part{
						Type: unified.PartFile,
						File: &unified.FilePart{URI: p.ImageURL},
					})
				default:
					req.Warn(fmt.Sprintf("unsupported content part %q dropped", p.Type))
				}
			}
		}
		req.Messages = append(req.Messages, msg)
	case "function_call":
		req.Messages = append(req.Messages, unified.Message{
			Role: unified.RoleAssistant,
			Parts: []unified.Part{{
				Type:       unified.PartToolCall,
				ToolCallID: item.CallID,
				ToolName:   item.Name,
				RawArgs:    item.Arguments,
				Args:       parseToolArgs(item.Arguments, req.Warn),
			}},
		})
	case "function_call_output":
		req.Messages = append(req.Messages, unified.Message{
			Role: unified.RoleTool,
			Parts: []unified.Part{{
				Type:       unified.PartToolResult,
				ToolCallID: item.CallID,
				Result:     parseToolResult(item.Output),
			}},
		})
	case "reasoning":
		if item.EncryptedContent != "" {
			req.Warn("encrypted reasoning content dropped")
			return
		}
		var text string
		for _, s := range item.Summary {
			text += s.Text
		}
		req.Messages = append(req.Messages, unified.Message{
			Role: unified.RoleAssistant,
			Parts: []unified.Part{{
				Type:      unified.PartReasoning,
				Reasoning: &unified.ReasoningPart{Text: text},
			}},
		})
	default:
		req.Warn(fmt.Sprintf("unsupported input item %q dropped", item.Type))
	}
}

func parseResponsesToolChoice(raw json.RawMessage, req *unified.Request) *unified.ToolChoice {
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
		Name string `json:"name"`
	}
	if json.Unmarshal(raw, &named) == nil && named.Name != "" {
		return &unified.ToolChoice{Mode: "tool", Name: named.Name}
	}
	req.Warn("unparseable tool_choice ignored")
	return nil
}

// TransformRequest renders the unified request as a Responses body.
func (*Responses) TransformRequest(req *unified.Request) ([]byte, error) {
	wire := responsesRequest{
		Model:           req.Model,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxOutputTokens,
		Stream:          req.Stream,
		Metadata:        req.Metadata,
	}

	var items []responsesItem
	for _, m := range req.Messages {
		if m.Role == unified.RoleSystem {
			if wire.Instructions != "" {
				wire.Instructions += "\n"
			}
			wire.Instructions += m.Text()
			continue
		}
		items = append(items, renderResponsesItems(m)...)
	}
	input, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal responses input: %w", err)
	}
	wire.Input = input

	for _, t := range req.Tools {
		rt := responsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
		if t.Strict {
			strict := true
			rt.Strict = &strict
		}
		wire.Tools = append(wire.Tools, rt)
	}
	if tc := req.ToolChoice; tc != nil {
		if tc.Mode == "tool" {
			wire.ToolChoice, _ = json.Marshal(map[string]string{"type": "function", "name": tc.Name})
		} else {
			wire.ToolChoice, _ = json.Marshal(tc.Mode)
		}
	}

	if rf := req.ResponseFormat; rf != nil && rf.Type != "" && rf.Type != "text" {
		tf := &responsesTextFormat{Format: &struct {
			Type   string          `json:"type"`
			Name   string          `json:"name,omitempty"`
			Schema json.RawMessage `json:"schema,omitempty"`
			Strict *bool           `json:"strict,omitempty"`
		}{Type: rf.Type}}
		if rf.Type == "json_schema" {
			tf.Format.Name = rf.SchemaName
			tf.Format.Schema = rf.JSONSchema
			tf.Format.Strict = rf.Strict
		}
		wire.Text = tf
	}
	return json.Marshal(wire)
}

func renderResponsesItems(m unified.Message) []responsesItem {
	var out []responsesItem
	var content []responsesContentPart
	partType := "input_text"
	if m.Role == unified.RoleAssistant {
		partType = "output_text"
	}

	for _, p := range m.Parts {
		switch p.Type {
		case unified.PartText:
			content = append(content, responsesContentPart{Type: partType, Text: p.Text})
		case unified.PartFile:
			if p.File != nil {
				url := p.File.URI
				if url == "" && p.File.Data != "" {
					url = "data:" + p.File.MIMEType + ";base64," + p.File.Data
				}
				content = append(content, responsesContentPart{Type: "input_image", ImageURL: url})
			}
		case unified.PartToolCall:
			out = append(out, responsesItem{
				Type:      "function_call",
				CallID:    p.ToolCallID,
				Name:      p.ToolName,
				Arguments: marshalToolArgs(p),
			})
		case unified.PartToolResult:
			out = append(out, responsesItem{
				Type:   "function_call_output",
				CallID: p.ToolCallID,
				Output: toolResultText(p.Result),
			})
		case unified.PartReasoning:
			if p.Reasoning != nil && p.Reasoning.Text != "" {
				out = append(out, responsesItem{
					Type:    "reasoning",
					Summary: []responsesContentPart{{Type: "summary_text", Text: p.Reasoning.Text}},
				})
			}
		}
	}
	if len(content) > 0 {
		b, _ := json.Marshal(content)
		out = append([]responsesItem{{Type: "message", Role: m.Role, Content: b}}, out...)
	}
	return out
}

// TransformResponse normalizes a unary Responses body.
func (*Responses) TransformResponse(body []byte, _ *unified.Request) (*unified.Response, error) {
	var wire responsesResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse responses response: %w", err)
	}
	resp := &unified.Response{ID: wire.ID, Model: wire.Model, FinishReason: unified.FinishStop}

	hasCalls := false
	for _, item := range wire.Output {
		switch item.Type {
		case "message":
			var parts []responsesContentPart
			if json.Unmarshal(item.Content, &parts) == nil {
				for _, p := range parts {
					if p.Type == "output_text" || p.Type == "text" {
						resp.Parts = append(resp.Parts, unified.Part{Type: unified.PartText, Text: p.Text})
					}
				}
			}
		case "function_call":
			hasCalls = true
			resp.Parts = append(resp.Parts, unified.Part{
				Type:       unified.PartToolCall,
				ToolCallID: item.CallID,
				ToolName:   item.Name,
				RawArgs:    item.Arguments,
				Args: parseToolArgs(item.Arguments, func(msg string) {
					resp.Warnings = append(resp.Warnings, msg)
				}),
			})
		case "reasoning":
			var text string
			for _, s := range item.Summary {
				text += s.Text
			}
			resp.Parts = append(resp.Parts, unified.Part{
				Type:      unified.PartReasoning,
				Reasoning: &unified.ReasoningPart{Text: text, Encrypted: item.EncryptedContent},
			})
		}
	}

	if hasCalls {
		resp.FinishReason = unified.FinishToolCalls
	}
	if wire.Status == "incomplete" && wire.IncompleteDetails != nil {
		switch wire.IncompleteDetails.Reason {
		case "max_output_tokens":
			resp.FinishReason = unified.FinishLength
		case "content_filter":
			resp.FinishReason = unified.FinishContentFilter
		}
	}

	if u := wire.Usage; u != nil {
		resp.Usage = unified.Usage{
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			TotalTokens:  u.TotalTokens,
		}
		if u.InputTokensDetails != nil {
			resp.Usage.CachedTokens = u.InputTokensDetails.CachedTokens
		}
		if u.OutputTokensDetails != nil {
			resp.Usage.ReasoningTokens = u.OutputTokensDetails.ReasoningTokens
		}
	}
	return resp, nil
}

// RenderResponse writes a unified response as a Responses body.
func (*Responses) RenderResponse(resp *unified.Response) ([]byte, error) {
	var output []responsesItem
	var text string
	for _, p := range resp.Parts {
		switch p.Type {
		case unified.PartText:
			text += p.Text
		case unified.PartReasoning:
			if p.Reasoning != nil && p.Reasoning.Text != "" {
				output = append(output, responsesItem{
					Type:    "reasoning",
					Summary: []responsesContentPart{{Type: "summary_text", Text: p.Reasoning.Text}},
				})
			}
		case unified.PartToolCall:
			output = append(output, responsesItem{
				Type:      "function_call",
				CallID:    p.ToolCallID,
				Name:      p.ToolName,
				Arguments: marshalToolArgs(p),
			})
		}
	}
	if text != "" {
		content, _ := json.Marshal([]responsesContentPart{{Type: "output_text", Text: text}})
		output = append([]responsesItem{{Type: "message", Role: unified.RoleAssistant, Content: content}}, output...)
	}

	id := resp.ID
	if id == "" {
		id = "resp_" + uuid.NewString()
	}
	status := "completed"
	if resp.FinishReason == unified.FinishLength || resp.FinishReason == unified.FinishContentFilter {
		status = "incomplete"
	}
	wire := responsesResponse{
		ID:     id,
		Model:  resp.Model,
		Status: status,
		Output: output,
		Usage: &responsesUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	return marshalWithMeta(wire, resp.Meta)
}

// Streaming.

type responsesStreamEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Item  *responsesItem `json:"item,omitempty"`
	OutputIndex int `json:"output_index,omitempty"`
	Response *responsesResponse `json:"response,omitempty"`
}

type responsesStreamDecoder struct{}

// NewStreamDecoder implements Streamer.
func (*Responses) NewStreamDecoder() StreamDecoder { return &responsesStreamDecoder{} }

func (*responsesStreamDecoder) DecodeChunk(data []byte) []Delta {
	var ev responsesStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil
	}
	switch ev.Type {
	case "response.output_text.delta":
		return []Delta{{Type: DeltaText, Text: ev.Delta}}
	case "response.reasoning_summary_text.delta":
		return []Delta{{Type: DeltaReasoning, Text: ev.Delta}}
	case "response.output_item.added":
		if ev.Item != nil && ev.Item.Type == "function_call" {
			return []Delta{{
				Type:       DeltaToolCallStart,
				Index:      ev.OutputIndex,
				ToolCallID: ev.Item.CallID,
				ToolName:   ev.Item.Name,
			}}
		}
	case "response.function_call_arguments.delta":
		return []Delta{{Type: DeltaToolCallArgs, Index: ev.OutputIndex, ArgsFragment: ev.Delta}}
	case "response.completed":
		var out []Delta
		if ev.Response != nil && ev.Response.Usage != nil {
			u := ev.Response.Usage
			out = append(out, Delta{Type: DeltaUsage, Usage: &unified.Usage{
				InputTokens:  u.InputTokens,
				OutputTokens: u.OutputTokens,
				TotalTokens:  u.TotalTokens,
			}})
		}
		out = append(out, Delta{Type: DeltaFinish, FinishReason: unified.FinishStop})
		return out
	}
	return nil
}

type responsesStreamEncoder struct {
	id    string
	model string
	calls map[int]bool
}

// NewStreamEncoder implements Streamer.
func (*Responses) NewStreamEncoder(req *unified.Request) StreamEncoder {
	return &responsesStreamEncoder{
		id:    "resp_" + uuid.NewString(),
		model: req.Model,
		calls: make(map[int]bool),
	}
}

func (e *responsesStreamEncoder) event(eventType string, extra map[string]any) []byte {
	payload := map[string]any{"type": eventType}
	for k, v := range extra {
		payload[k] = v
	}
	b, _ := json.Marshal(payload)
	return sseEvent(eventType, b)
}

func (e *responsesStreamEncoder) Start() [][]byte {
	return [][]byte{e.event("response.created", map[string]any{
		"response": map[string]any{"id": e.id, "model": e.model, "status": "in_progress"},
	})}
}

func (e *responsesStreamEncoder) Encode(d Delta) [][]byte {
	switch d.Type {
	case DeltaText:
		return [][]byte{e.event("response.output_text.delta", map[string]any{"delta": d.Text})}
	case DeltaReasoning:
		return [][]byte{e.event("response.reasoning_summary_text.delta", map[string]any{"delta": d.Text})}
	case DeltaToolCallStart:
		e.calls[d.Index] = true
		out := [][]byte{e.event("response.output_item.added", map[string]any{
			"output_index": d.Index,
			"item": map[string]any{
				"type":    "function_call",
				"call_id": d.ToolCallID,
				"name":    d.ToolName,
			},
		})}
		if d.ArgsFragment != "" {
			out = append(out, e.event("response.function_call_arguments.delta", map[string]any{
				"output_index": d.Index,
				"delta":        d.ArgsFragment,
			}))
		}
		return out
	case DeltaToolCallArgs:
		return [][]byte{e.event("response.function_call_arguments.delta", map[string]any{
			"output_index": d.Index,
			"delta":        d.ArgsFragment,
		})}
	}
	return nil
}

func (e *responsesStreamEncoder) Finish(final *unified.Response) [][]byte {
	response := map[string]any{"id": e.id, "model": e.model, "status": "completed"}
	if final != nil {
		response["usage"] = map[string]any{
			"input_tokens":  final.Usage.InputTokens,
			"output_tokens": final.Usage.OutputTokens,
			"total_tokens":  final.Usage.TotalTokens,
		}
	}
	return [][]byte{e.event("response.completed", map[string]any{"response": response})}
}
