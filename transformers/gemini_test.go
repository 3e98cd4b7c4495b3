package transformers

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/plexus-labs/plexus/unified"
)

func TestGeminiParseRequest(t *testing.T) {
	body := `{
		"systemInstruction": {"parts": [{"text": "be factual"}]},
		"contents": [
			{"role": "user", "parts": [{"text": "hello"}]},
			{"role": "model", "parts": [{"functionCall": {"name": "lookup", "args": {"q": "go"}}}]},
			{"role": "user", "parts": [{"functionResponse": {"name": "lookup", "response": {"hits": 3}}}]}
		],
		"tools": [{"functionDeclarations": [{"name": "lookup", "parameters": {"type": "object"}}]}],
		"generationConfig": {"temperature": 0.5, "maxOutputTokens": 200}
	}`
	req, err := NewGemini().ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}

	if req.Messages[0].Role != unified.RoleSystem || req.Messages[0].Text() != "be factual" {
		t.Errorf("system instruction not lifted: %+v", req.Messages[0])
	}
	if req.Messages[2].Role != unified.RoleAssistant {
		t.Errorf("model role not converted: %q", req.Messages[2].Role)
	}
	call := req.Messages[2].Parts[0]
	if call.Type != unified.PartToolCall || call.ToolName != "lookup" || call.Args["q"] != "go" {
		t.Errorf("functionCall wrong: %+v", call)
	}
	result := req.Messages[3].Parts[0]
	if result.Type != unified.PartToolResult || result.Result.Kind != "json" {
		t.Errorf("functionResponse wrong: %+v", result)
	}
	if req.Temperature == nil || *req.Temperature != 0.5 {
		t.Errorf("temperature = %v", req.Temperature)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "lookup" {
		t.Errorf("tools = %+v", req.Tools)
	}
}

func TestGeminiEndpoint(t *testing.T) {
	g := NewGemini()
	req := &unified.Request{Model: "gemini-2.0-flash"}
	if got := g.Endpoint(req); got != "/v1beta/models/gemini-2.0-flash:generateContent" {
		t.Errorf("unary endpoint = %q", got)
	}
	req.Stream = true
	if got := g.Endpoint(req); !strings.Contains(got, ":streamGenerateContent?alt=sse") {
		t.Errorf("stream endpoint = %q", got)
	}
}

func TestGeminiTransformRequestFromChat(t *testing.T) {
	chatBody := `{
		"model": "gemini-2.0-flash",
		"messages": [
			{"role": "system", "content": "be factual"},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi, how can I help?"}
		],
		"temperature": 0.3
	}`
	req, err := NewChat().ParseRequest([]byte(chatBody))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	rendered, err := NewGemini().TransformRequest(req)
	if err != nil {
		t.Fatalf("TransformRequest: %v", err)
	}
	var wire geminiRequest
	if err := json.Unmarshal(rendered, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.SystemInstruction == nil || wire.SystemInstruction.Parts[0].Text != "be factual" {
		t.Errorf("systemInstruction = %+v", wire.SystemInstruction)
	}
	if len(wire.Contents) != 2 || wire.Contents[1].Role != "model" {
		t.Errorf("contents = %+v", wire.Contents)
	}
	if wire.GenerationConfig == nil || *wire.GenerationConfig.Temperature != 0.3 {
		t.Errorf("generationConfig = %+v", wire.GenerationConfig)
	}
}

func TestGeminiTransformResponse(t *testing.T) {
	body := `{
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "the answer"},
				{"functionCall": {"name": "act", "args": {"go": true}}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 4, "totalTokenCount": 13},
		"modelVersion": "gemini-2.0-flash"
	}`
	resp, err := NewGemini().TransformResponse([]byte(body), nil)
	if err != nil {
		t.Fatalf("TransformResponse: %v", err)
	}
	// STOP with a pending call still reports tool-calls.
	if resp.FinishReason != unified.FinishToolCalls {
		t.Errorf("finish = %s", resp.FinishReason)
	}
	if resp.Text() != "the answer" {
		t.Errorf("text = %q", resp.Text())
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.TotalTokens != 13 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestGeminiStreamDecoder(t *testing.T) {
	dec := NewGemini().NewStreamDecoder()
	acc := NewAccumulator()

	chunks := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],
		  "usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}`,
	}
	for _, c := range chunks {
		for _, d := range dec.DecodeChunk([]byte(c)) {
			acc.Add(d)
		}
	}
	final := acc.Final()
	if final.Text() != "Hello" || final.FinishReason != unified.FinishStop || final.Usage.TotalTokens != 5 {
		t.Errorf("final = %+v", final)
	}
}
