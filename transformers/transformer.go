// Package transformers converts between client wire dialects and the unified
// request/response model. One Transformer exists per dialect; the dispatcher
// picks the pair matching the client and the upstream target.
package transformers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/sjson"

	"github.com/plexus-labs/plexus/unified"
)

// Transformer converts one wire dialect to and from the unified model.
type Transformer interface {
	// APIType names the dialect.
	APIType() unified.APIType
	// ParseRequest normalizes a raw client body. Lossy conversions are
	// recorded as warnings on the request, not errors.
	ParseRequest(body []byte) (*unified.Request, error)
	// TransformRequest renders the unified request in this dialect.
	TransformRequest(req *unified.Request) ([]byte, error)
	// TransformResponse normalizes a raw unary provider body.
	TransformResponse(body []byte, req *unified.Request) (*unified.Response, error)
	// RenderResponse writes a unified response in this dialect for the
	// client. Opaque dialects (embeddings, images, audio) cannot render and
	// rely on pass-through instead.
	RenderResponse(resp *unified.Response) ([]byte, error)
	// Endpoint is the path appended to the provider base URL.
	Endpoint(req *unified.Request) string
}

// Streamer is implemented by dialects that support SSE streaming.
type Streamer interface {
	NewStreamDecoder() StreamDecoder
	NewStreamEncoder(req *unified.Request) StreamEncoder
}

// Registry holds one transformer per dialect.
type Registry struct {
	byType map[unified.APIType]Transformer
}

// NewRegistry builds the default registry covering every supported dialect.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[unified.APIType]Transformer)}
	for _, t := range []Transformer{
		NewChat(),
		NewMessages(),
		NewGemini(),
		NewResponses(),
		NewEmbeddings(),
		NewImages(),
		NewSpeech(),
		NewTranscriptions(),
	} {
		r.byType[t.APIType()] = t
	}
	return r
}

// For returns the transformer for the dialect.
func (r *Registry) For(t unified.APIType) (Transformer, bool) {
	tr, ok := r.byType[t]
	return tr, ok
}

// marshalWithMeta serializes a wire response and attaches the gateway meta
// block under the "plexus" key.
func marshalWithMeta(wire any, meta *unified.Meta) ([]byte, error) {
	b, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return b, nil
	}
	return sjson.SetBytes(b, "plexus", meta)
}

// parseToolArgs parses a wire-form JSON argument string. Invalid JSON is
// preserved as {_raw: original} and reported through the warning callback.
func parseToolArgs(raw string, warn func(string)) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		if warn != nil {
			warn(fmt.Sprintf("tool call arguments are not valid JSON, preserved raw: %v", err))
		}
		return map[string]any{"_raw": raw}
	}
	return args
}

// marshalToolArgs renders tool-call arguments back to wire form, preferring
// the original raw string when nothing was parsed.
func marshalToolArgs(p unified.Part) string {
	if len(p.Args) == 0 && p.RawArgs != "" {
		return p.RawArgs
	}
	if raw, ok := p.Args["_raw"].(string); ok && len(p.Args) == 1 {
		return raw
	}
	if len(p.Args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(p.Args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// parseToolResult normalizes a tool-result payload. JSON strings become
// {kind: json}; anything else stays text.
func parseToolResult(content string) *unified.ToolResult {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var v any
		if json.Unmarshal([]byte(trimmed), &v) == nil {
			return &unified.ToolResult{Kind: "json", Value: v, Text: content}
		}
	}
	return &unified.ToolResult{Kind: "text", Text: content}
}

// toolResultText renders a tool result back to a wire string.
func toolResultText(r *unified.ToolResult) string {
	if r == nil {
		return ""
	}
	switch r.Kind {
	case "json":
		if r.Text != "" {
			return r.Text
		}
		b, err := json.Marshal(r.Value)
		if err != nil {
			return ""
		}
		return string(b)
	case "content":
		var out strings.Builder
		for _, p := range r.Parts {
			if p.Type == unified.PartText {
				out.WriteString(p.Text)
			}
		}
		return out.String()
	default:
		return r.Text
	}
}

// validateResponseFormat checks a json_schema response format against the
// JSON Schema meta-schema. Failures are warnings; providers get the schema
// either way.
func validateResponseFormat(req *unified.Request) {
	rf := req.ResponseFormat
	if rf == nil || rf.Type != "json_schema" || len(rf.JSONSchema) == 0 {
		return
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(rf.JSONSchema))); err != nil {
		req.Warn(fmt.Sprintf("response_format schema not loadable: %v", err))
		return
	}
	if _, err := c.Compile("schema.json"); err != nil {
		req.Warn(fmt.Sprintf("response_format schema invalid: %v", err))
	}
}
