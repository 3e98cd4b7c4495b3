package transformers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/plexus-labs/plexus/unified"
)

// Gemini handles the Google generateContent dialect.
type Gemini struct{}

// NewGemini creates the gemini transformer.
func NewGemini() *Gemini { return &Gemini{} }

func (*Gemini) APIType() unified.APIType { return unified.APIGemini }

func (*Gemini) Endpoint(req *unified.Request) string {
	verb := "generateContent"
	if req.Stream {
		verb = "streamGenerateContent?alt=sse"
	}
	return "/v1beta/models/" + req.Model + ":" + verb
}

// Wire types.

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	Thought          bool                `json:"thought,omitempty"`
	InlineData       *geminiBlob         `json:"inlineData,omitempty"`
	FileData         *geminiFileData     `json:"fileData,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MIMEType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiFileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig *struct {
		Mode                 string   `json:"mode,omitempty"` // AUTO | ANY | NONE
		AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
	} `json:"functionCallingConfig,omitempty"`
}

type geminiRequest struct {
	Model             string                  `json:"model,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
	TotalTokenCount         int `json:"totalTokenCount"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
	ResponseID    string            `json:"responseId,omitempty"`
}

var geminiFinishIn = map[string]unified.FinishReason{
	"STOP":          unified.FinishStop,
	"MAX_TOKENS":    unified.FinishLength,
	"FUNCTION_CALL": unified.FinishToolCalls,
	"SAFETY":        unified.FinishContentFilter,
	"RECITATION":    unified.FinishContentFilter,
	"OTHER":         unified.FinishError,
}

var geminiFinishOut = map[unified.FinishReason]string{
	unified.FinishStop:          "STOP",
	unified.FinishLength:        "MAX_TOKENS",
	unified.FinishToolCalls:     "STOP",
	unified.FinishContentFilter: "SAFETY",
	unified.FinishError:         "OTHER",
}

// ParseRequest normalizes a generateContent body. The model name is not part
// of the body on this dialect; the ingress layer sets it from the URL path.
func (*Gemini) ParseRequest(body []byte) (*unified.Request, error) {
	var wire geminiRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse gemini request: %w", err)
	}

	req := &unified.Request{
		Model:           wire.Model,
		IncomingAPIType: unified.APIGemini,
		OriginalBody:    body,
	}
	if gc := wire.GenerationConfig; gc != nil {
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		req.MaxOutputTokens = gc.MaxOutputTokens
		req.Stop = gc.StopSequences
		req.Seed = gc.Seed
		req.PresencePenalty = gc.PresencePenalty
		req.FrequencyPenalty = gc.FrequencyPenalty
		if gc.ResponseMIMEType == "application/json" {
			rf := &unified.ResponseFormat{Type: "json_object"}
			if len(gc.ResponseSchema) > 0 {
				rf.Type = "json_schema"
				rf.JSONSchema = gc.ResponseSchema
			}
			req.ResponseFormat = rf
		}
	}

	if si := wire.SystemInstruction; si != nil {
		var text string
		for _, p := range si.Parts {
			text += p.Text
		}
		if text != "" {
			req.Messages = append(req.Messages, unified.TextMessage(unified.RoleSystem, text))
		}
	}
	for _, c := range wire.Contents {
		req.Messages = append(req.Messages, parseGeminiContent(c, req))
	}

	for _, t := range wire.Tools {
		for _, fd := range t.FunctionDeclarations {
			req.Tools = append(req.Tools, unified.Tool{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  fd.Parameters,
			})
		}
	}
	if tc := wire.ToolConfig; tc != nil && tc.FunctionCallingConfig != nil {
		fcc := tc.FunctionCallingConfig
		switch fcc.Mode {
		case "AUTO":
			req.ToolChoice = &unified.ToolChoice{Mode: "auto"}
		case "NONE":
			req.ToolChoice = &unified.ToolChoice{Mode: "none"}
		case "ANY":
			if len(fcc.AllowedFunctionNames) == 1 {
				req.ToolChoice = &unified.ToolChoice{Mode: "tool", Name: fcc.AllowedFunctionNames[0]}
			} else {
				req.ToolChoice = &unified.ToolChoice{Mode: "required"}
			}
		}
	}
	return req, nil
}

func parseGeminiContent(c geminiContent, req *unified.Request) unified.Message {
	role := c.Role
	if role == "model" {
		role = unified.RoleAssistant
	}
	if role == "" {
		role = unified.RoleUser
	}
	msg := unified.Message{Role: role}
	for _, p := range c.Parts {
		switch {
		case p.FunctionCall != nil:
			raw := string(p.FunctionCall.Args)
			msg.Parts = append(msg.Parts, unified.Part{
				Type:     unified.PartToolCall,
				ToolName: p.FunctionCall.Name,
				RawArgs:  raw,
				Args:     parseToolArgs(raw, req.Warn),
			})
		case p.FunctionResponse != nil:
			var v any
			result := &unified.ToolResult{Kind: "json"}
			if json.Unmarshal(p.FunctionResponse.Response, &v) == nil {
				result.Value = v
				result.Text = string(p.FunctionResponse.Response)
			}
			msg.Parts = append(msg.Parts, unified.Part{
				Type:     unified.PartToolResult,
				ToolName: p.FunctionResponse.Name,
				Result:   result,
			})
		case p.InlineData != nil:
			msg.Parts = append(msg.Parts, unified.Part{
				Type: unified.PartFile,
				File: &unified.FilePart{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data},
			})
		case p.FileData != nil:
			msg.Parts = append(msg.Parts, unified.Part{
				Type: unified.PartFile,
				File: &unified.FilePart{MIMEType: p.FileData.MIMEType, URI: p.FileData.FileURI},
			})
		case p.Thought:
			msg.Parts = append(msg.Parts, unified.Part{
				Type:      unified.PartReasoning,
				Reasoning: &unified.ReasoningPart{Text: p.Text},
			})
		default:
			msg.Parts = append(msg.Parts, unified.Part{Type: unified.PartText, Text: p.Text})
		}
	}
	return msg
}

// TransformRequest renders the unified request as a generateContent body.
func (*Gemini) TransformRequest(req *unified.Request) ([]byte, error) {
	wire := geminiRequest{}

	gc := &geminiGenerationConfig{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxOutputTokens:  req.MaxOutputTokens,
		StopSequences:    req.Stop,
		Seed:             req.Seed,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
	}
	if rf := req.ResponseFormat; rf != nil && rf.Type != "" && rf.Type != "text" {
		gc.ResponseMIMEType = "application/json"
		if rf.Type == "json_schema" {
			gc.ResponseSchema = rf.JSONSchema
		}
	}
	if gc.Temperature != nil || gc.TopP != nil || gc.MaxOutputTokens != nil ||
		len(gc.StopSequences) > 0 || gc.Seed != nil || gc.PresencePenalty != nil ||
		gc.FrequencyPenalty != nil || gc.ResponseMIMEType != "" {
		wire.GenerationConfig = gc
	}

	var system []geminiPart
	for _, m := range req.Messages {
		if m.Role == unified.RoleSystem {
			system = append(system, geminiPart{Text: m.Text()})
			continue
		}
		wire.Contents = append(wire.Contents, renderGeminiContent(m))
	}
	if len(system) > 0 {
		wire.SystemInstruction = &geminiContent{Parts: system}
	}

	if len(req.Tools) > 0 {
		tool := geminiTool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		wire.Tools = []geminiTool{tool}
	}
	if tc := req.ToolChoice; tc != nil {
		cfg := &geminiToolConfig{FunctionCallingConfig: &struct {
			Mode                 string   `json:"mode,omitempty"`
			AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
		}{}}
		switch tc.Mode {
		case "auto":
			cfg.FunctionCallingConfig.Mode = "AUTO"
		case "none":
			cfg.FunctionCallingConfig.Mode = "NONE"
		case "required":
			cfg.FunctionCallingConfig.Mode = "ANY"
		case "tool":
			cfg.FunctionCallingConfig.Mode = "ANY"
			cfg.FunctionCallingConfig.AllowedFunctionNames = []string{tc.Name}
		}
		wire.ToolConfig = cfg
	}
	return json.Marshal(wire)
}

func renderGeminiContent(m unified.Message) geminiContent {
	role := "user"
	if m.Role == unified.RoleAssistant {
		role = "model"
	}
	c := geminiContent{Role: role}
	for _, p := range m.Parts {
		switch p.Type {
		case unified.PartText:
			c.Parts = append(c.Parts, geminiPart{Text: p.Text})
		case unified.PartReasoning:
			if p.Reasoning != nil && p.Reasoning.Text != "" {
				c.Parts = append(c.Parts, geminiPart{Text: p.Reasoning.Text, Thought: true})
			}
		case unified.PartToolCall:
			c.Parts = append(c.Parts, geminiPart{FunctionCall: &geminiFunctionCall{
				Name: p.ToolName,
				Args: json.RawMessage(marshalToolArgs(p)),
			}})
		case unified.PartToolResult:
			resp := toolResultText(p.Result)
			if !strings.HasPrefix(strings.TrimSpace(resp), "{") {
				b, _ := json.Marshal(map[string]string{"result": resp})
				resp = string(b)
			}
			c.Parts = append(c.Parts, geminiPart{FunctionResponse: &geminiFunctionResp{
				Name:     p.ToolName,
				Response: json.RawMessage(resp),
			}})
		case unified.PartFile:
			if p.File == nil {
				continue
			}
			if p.File.Data != "" {
				c.Parts = append(c.Parts, geminiPart{InlineData: &geminiBlob{
					MIMEType: p.File.MIMEType, Data: p.File.Data,
				}})
			} else {
				c.Parts = append(c.Parts, geminiPart{FileData: &geminiFileData{
					MIMEType: p.File.MIMEType, FileURI: p.File.URI,
				}})
			}
		}
	}
	return c
}

// TransformResponse normalizes a unary generateContent body.
func (*Gemini) TransformResponse(body []byte, req *unified.Request) (*unified.Response, error) {
	var wire geminiResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}
	resp := &unified.Response{ID: wire.ResponseID, Model: wire.ModelVersion}
	if resp.Model == "" && req != nil {
		resp.Model = req.Model
	}

	if len(wire.Candidates) > 0 {
		cand := wire.Candidates[0]
		hasCall := false
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				hasCall = true
				raw := string(p.FunctionCall.Args)
				resp.Parts = append(resp.Parts, unified.Part{
					Type:     unified.PartToolCall,
					ToolName: p.FunctionCall.Name,
					RawArgs:  raw,
					Args: parseToolArgs(raw, func(msg string) {
						resp.Warnings = append(resp.Warnings, msg)
					}),
				})
			case p.Thought:
				resp.Parts = append(resp.Parts, unified.Part{
					Type:      unified.PartReasoning,
					Reasoning: &unified.ReasoningPart{Text: p.Text},
				})
			case p.Text != "":
				resp.Parts = append(resp.Parts, unified.Part{Type: unified.PartText, Text: p.Text})
			}
		}
		if fr, ok := geminiFinishIn[cand.FinishReason]; ok {
			resp.FinishReason = fr
		}
		// Gemini reports STOP even when the turn ended on a call.
		if hasCall {
			resp.FinishReason = unified.FinishToolCalls
		}
	}

	if u := wire.UsageMetadata; u != nil {
		resp.Usage = unified.Usage{
			InputTokens:     u.PromptTokenCount,
			OutputTokens:    u.CandidatesTokenCount,
			CachedTokens:    u.CachedContentTokenCount,
			ReasoningTokens: u.ThoughtsTokenCount,
			TotalTokens:     u.TotalTokenCount,
		}
	}
	return resp, nil
}

// RenderResponse writes a unified response as a generateContent body.
func (*Gemini) RenderResponse(resp *unified.Response) ([]byte, error) {
	var parts []geminiPart
	for _, p := range resp.Parts {
		switch p.Type {
		case unified.PartText:
			parts = append(parts, geminiPart{Text: p.Text})
		case unified.PartReasoning:
			if p.Reasoning != nil && p.Reasoning.Text != "" {
				parts = append(parts, geminiPart{Text: p.Reasoning.Text, Thought: true})
			}
		case unified.PartToolCall:
			parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
				Name: p.ToolName,
				Args: json.RawMessage(marshalToolArgs(p)),
			}})
		}
	}
	wire := geminiResponse{
		Candidates: []geminiCandidate{{
			Content:      geminiContent{Role: "model", Parts: parts},
			FinishReason: geminiFinishOut[resp.FinishReason],
		}},
		UsageMetadata: &geminiUsage{
			PromptTokenCount:     resp.Usage.InputTokens,
			CandidatesTokenCount: resp.Usage.OutputTokens,
			TotalTokenCount:      resp.Usage.TotalTokens,
		},
		ModelVersion: resp.Model,
		ResponseID:   resp.ID,
	}
	return marshalWithMeta(wire, resp.Meta)
}

// Streaming. Gemini streams full geminiResponse objects as SSE data payloads.

type geminiStreamDecoder struct {
	toolIndex int
}

// NewStreamDecoder implements Streamer.
func (*Gemini) NewStreamDecoder() StreamDecoder { return &geminiStreamDecoder{} }

func (d *geminiStreamDecoder) DecodeChunk(data []byte) []Delta {
	var chunk geminiResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil
	}
	var out []Delta
	for _, cand := range chunk.Candidates {
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				out = append(out, Delta{
					Type:         DeltaToolCallStart,
					Index:        d.toolIndex,
					ToolName:     p.FunctionCall.Name,
					ArgsFragment: string(p.FunctionCall.Args),
				})
				d.toolIndex++
			case p.Thought:
				out = append(out, Delta{Type: DeltaReasoning, Text: p.Text})
			case p.Text != "":
				out = append(out, Delta{Type: DeltaText, Text: p.Text})
			}
		}
		if fr, ok := geminiFinishIn[cand.FinishReason]; ok {
			if d.toolIndex > 0 {
				fr = unified.FinishToolCalls
			}
			out = append(out, Delta{Type: DeltaFinish, FinishReason: fr})
		}
	}
	if u := chunk.UsageMetadata; u != nil {
		out = append(out, Delta{Type: DeltaUsage, Usage: &unified.Usage{
			InputTokens:     u.PromptTokenCount,
			OutputTokens:    u.CandidatesTokenCount,
			CachedTokens:    u.CachedContentTokenCount,
			ReasoningTokens: u.ThoughtsTokenCount,
			TotalTokens:     u.TotalTokenCount,
		}})
	}
	return out
}

type geminiStreamEncoder struct {
	model string
	id    string
}

// NewStreamEncoder implements Streamer.
func (*Gemini) NewStreamEncoder(req *unified.Request) StreamEncoder {
	return &geminiStreamEncoder{model: req.Model, id: uuid.NewString()}
}

func (e *geminiStreamEncoder) frame(parts []geminiPart, finish string, usage *unified.Usage) []byte {
	cand := map[string]any{"content": map[string]any{"role": "model", "parts": parts}, "index": 0}
	if finish != "" {
		cand["finishReason"] = finish
	}
	payload := map[string]any{
		"candidates":   []any{cand},
		"modelVersion": e.model,
		"responseId":   e.id,
	}
	if usage != nil {
		payload["usageMetadata"] = map[string]any{
			"promptTokenCount":     usage.InputTokens,
			"candidatesTokenCount": usage.OutputTokens,
			"totalTokenCount":      usage.TotalTokens,
		}
	}
	b, _ := json.Marshal(payload)
	return sseFrame(b)
}

func (e *geminiStreamEncoder) Start() [][]byte { return nil }

func (e *geminiStreamEncoder) Encode(d Delta) [][]byte {
	switch d.Type {
	case DeltaText:
		return [][]byte{e.frame([]geminiPart{{Text: d.Text}}, "", nil)}
	case DeltaReasoning:
		return [][]byte{e.frame([]geminiPart{{Text: d.Text, Thought: true}}, "", nil)}
	case DeltaToolCallStart:
		args := d.ArgsFragment
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		return [][]byte{e.frame([]geminiPart{{FunctionCall: &geminiFunctionCall{
			Name: d.ToolName,
			Args: json.RawMessage(args),
		}}}, "", nil)}
	case DeltaFinish:
		return [][]byte{e.frame([]geminiPart{}, geminiFinishOut[d.FinishReason], nil)}
	}
	return nil
}

func (e *geminiStreamEncoder) Finish(final *unified.Response) [][]byte {
	if final == nil || final.Usage.TotalTokens == 0 {
		return nil
	}
	return [][]byte{e.frame([]geminiPart{}, "", &final.Usage)}
}
