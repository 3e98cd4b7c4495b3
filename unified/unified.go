// Package unified defines the protocol-agnostic request and response model
// shared by every transformer, the router, and the dispatcher.
//
// A client request in any supported dialect is parsed into a Request; the
// dispatcher renders it back out in the target dialect. Responses flow the
// opposite way. Core types: Request, Response, Message, Part, StreamEnvelope.
package unified

import (
	"encoding/json"
	"errors"
	"io"
	"time"
)

// APIType identifies a wire dialect spoken on an interface.
type APIType string

// Supported API types.
const (
	APIChat           APIType = "chat"      // OpenAI chat completions
	APIMessages       APIType = "messages"  // Anthropic messages
	APIGemini         APIType = "gemini"    // Google Gemini generateContent
	APIResponses      APIType = "responses" // OpenAI Responses
	APIEmbeddings     APIType = "embeddings"
	APIImages         APIType = "images"
	APISpeech         APIType = "speech"
	APITranscriptions APIType = "transcriptions"
)

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// PartType discriminates the content part variants.
type PartType string

// Content part types.
const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
	PartFile       PartType = "file"
	PartReasoning  PartType = "reasoning"
)

// Part is a single element of a message or response content sequence. Type
// selects which of the remaining fields are meaningful.
type Part struct {
	Type PartType `json:"type"`

	// PartText
	Text string `json:"text,omitempty"`

	// PartToolCall
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`     // parsed argument object
	RawArgs    string         `json:"raw_args,omitempty"` // wire-form JSON string

	// PartToolResult
	Result *ToolResult `json:"result,omitempty"`

	// PartFile
	File *FilePart `json:"file,omitempty"`

	// PartReasoning
	Reasoning *ReasoningPart `json:"reasoning,omitempty"`
}

// ToolResult carries the outcome of a tool invocation back to the model.
// Kind is "text", "json", or "content".
type ToolResult struct {
	Kind  string `json:"kind"`
	Text  string `json:"text,omitempty"`
	Value any    `json:"value,omitempty"`
	Parts []Part `json:"parts,omitempty"`
	Error bool   `json:"error,omitempty"`
}

// FilePart is an inline or referenced file (image, document, audio).
type FilePart struct {
	MIMEType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
	Data     string `json:"data,omitempty"` // base64
	URI      string `json:"uri,omitempty"`
}

// ReasoningPart carries model thinking output. Signature and Encrypted are
// provider metadata needed to replay the block; Redacted marks blocks whose
// plaintext was withheld by the provider.
type ReasoningPart struct {
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`
	Encrypted string `json:"encrypted,omitempty"`
	Redacted  bool   `json:"redacted,omitempty"`
}

// Message is a single role-tagged turn.
type Message struct {
	Role  string `json:"role"`
	Name  string `json:"name,omitempty"`
	Parts []Part `json:"parts"`
}

// TextMessage builds a message holding a single text part.
func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: PartText, Text: text}}}
}

// Text concatenates the message's plain-text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
	Strict      bool            `json:"strict,omitempty"`
}

// ToolChoice constrains tool use: auto, none, required, or a named tool.
type ToolChoice struct {
	Mode string `json:"mode"` // "auto" | "none" | "required" | "tool"
	Name string `json:"name,omitempty"`
}

// ResponseFormat instructs the model how to shape its output.
type ResponseFormat struct {
	Type       string          `json:"type"` // "text" | "json_object" | "json_schema"
	SchemaName string          `json:"schema_name,omitempty"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
	Strict     *bool           `json:"strict,omitempty"`
}

// Request is the protocol-agnostic form of an inbound completion request.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	Tools      []Tool      `json:"tools,omitempty"`
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MaxOutputTokens  *int     `json:"max_output_tokens,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`

	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	Stream       bool `json:"stream,omitempty"`
	IncludeUsage bool `json:"include_usage,omitempty"` // stream_options.include_usage

	// IncomingAPIType is the dialect the client spoke.
	IncomingAPIType APIType `json:"incoming_api_type,omitempty"`
	// OriginalBody is the untouched client payload, kept for pass-through.
	OriginalBody []byte `json:"-"`

	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Warnings collected during parsing (lossy conversions, dropped fields).
	Warnings []string `json:"warnings,omitempty"`
}

// Warn appends a parse warning.
func (r *Request) Warn(msg string) { r.Warnings = append(r.Warnings, msg) }

// Validate checks required fields for chat-class requests.
func (r *Request) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("at least one message is required")
	}
	return nil
}

// FinishReason is the normalised stop cause of a completion.
type FinishReason string

// Normalised finish reasons.
const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishContentFilter FinishReason = "content-filter"
	FinishError         FinishReason = "error"
)

// Usage carries normalised token accounting.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	CachedTokens    int `json:"cached_tokens,omitempty"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
	TotalTokens     int `json:"total_tokens"`
}

// Source is a citation attached to a grounded response.
type Source struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// MetaPricing is a value copy of the pricing fields relevant to a response.
// It is deliberately not a pointer into the live config.
type MetaPricing struct {
	InputPer1M     float64 `json:"inputPer1M,omitempty"`
	OutputPer1M    float64 `json:"outputPer1M,omitempty"`
	CachedPer1M    float64 `json:"cachedPer1M,omitempty"`
	ReasoningPer1M float64 `json:"reasoningPer1M,omitempty"`
}

// Meta is the gateway-attached routing block on every response.
type Meta struct {
	Provider         string       `json:"provider"`
	Model            string       `json:"model"`
	APIType          APIType      `json:"apiType"`
	Pricing          *MetaPricing `json:"pricing,omitempty"`
	ProviderDiscount float64      `json:"providerDiscount,omitempty"`
	CanonicalModel   string       `json:"canonicalModel,omitempty"`
}

// Response is the protocol-agnostic form of a completed (unary) response.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Parts        []Part       `json:"parts"`
	Usage        Usage        `json:"usage"`
	FinishReason FinishReason `json:"finish_reason"`
	Sources      []Source     `json:"sources,omitempty"`
	Warnings     []string     `json:"warnings,omitempty"`
	Meta         *Meta        `json:"plexus,omitempty"`
}

// Text concatenates the response's plain-text parts.
func (r *Response) Text() string {
	var out string
	for _, p := range r.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// StreamEnvelope wraps a streaming upstream response. Body yields the bytes
// to forward to the client (already translated unless BypassTransformation).
// After Body is drained, the reconstructed snapshot arrives on Done; it is
// used for usage accounting only and is never sent to the client.
type StreamEnvelope struct {
	Body                 io.ReadCloser
	ContentType          string
	BypassTransformation bool
	Done                 <-chan *Response
	Meta                 *Meta
}

// RequestContext is the per-request state created at ingress and consumed by
// the usage logger. It is owned by a single request task; no locking.
type RequestContext struct {
	ID            string
	StartTime     time.Time
	ClientIP      string
	APIKeyName    string
	ClientAPIType APIType

	AliasUsed      string
	ActualProvider string
	ActualModel    string
	TargetAPIType  APIType
	Passthrough    bool
	Streaming      bool

	ProviderFirstToken time.Time
	ClientFirstToken   time.Time
}

// ProviderTTFT returns provider time-to-first-token in milliseconds, or -1.
func (rc *RequestContext) ProviderTTFT() int64 {
	if rc.ProviderFirstToken.IsZero() {
		return -1
	}
	return rc.ProviderFirstToken.Sub(rc.StartTime).Milliseconds()
}

// ClientTTFT returns client time-to-first-byte in milliseconds, or -1.
func (rc *RequestContext) ClientTTFT() int64 {
	if rc.ClientFirstToken.IsZero() {
		return -1
	}
	return rc.ClientFirstToken.Sub(rc.StartTime).Milliseconds()
}
