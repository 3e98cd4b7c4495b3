package transformers

import (
	"encoding/json"
	"testing"

	"github.com/plexus-labs/plexus/unified"
)

func TestResponsesParseStringInput(t *testing.T) {
	body := `{"model": "gpt-4o", "input": "hello", "instructions": "be brief"}`
	req, err := NewResponses().ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Messages[0].Role != unified.RoleSystem || req.Messages[0].Text() != "be brief" {
		t.Errorf("instructions not lifted: %+v", req.Messages[0])
	}
	if req.Messages[1].Role != unified.RoleUser || req.Messages[1].Text() != "hello" {
		t.Errorf("input wrong: %+v", req.Messages[1])
	}
}

func TestResponsesParseItemInput(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"input": [
			{"type": "message", "role": "user", "content": [{"type": "input_text", "text": "run it"}]},
			{"type": "function_call", "call_id": "fc1", "name": "run", "arguments": "{\"cmd\":\"ls\"}"},
			{"type": "function_call_output", "call_id": "fc1", "output": "ok"}
		]
	}`
	req, err := NewResponses().ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("got %d messages", len(req.Messages))
	}
	call := req.Messages[1].Parts[0]
	if call.Type != unified.PartToolCall || call.ToolCallID != "fc1" || call.Args["cmd"] != "ls" {
		t.Errorf("function_call wrong: %+v", call)
	}
	out := req.Messages[2].Parts[0]
	if out.Type != unified.PartToolResult || out.Result.Text != "ok" {
		t.Errorf("function_call_output wrong: %+v", out)
	}
}

func TestResponsesEncryptedReasoningDropped(t *testing.T) {
	body := `{"model": "m", "input": [
		{"type": "reasoning", "encrypted_content": "opaque"},
		{"type": "message", "role": "user", "content": "hi"}
	]}`
	req, err := NewResponses().ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(req.Messages) != 1 {
		t.Fatalf("encrypted reasoning not dropped: %d messages", len(req.Messages))
	}
	if len(req.Warnings) == 0 {
		t.Error("missing drop warning")
	}
}

func TestResponsesTransformResponse(t *testing.T) {
	body := `{
		"id": "resp_1", "model": "gpt-4o", "status": "completed",
		"output": [
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "done"}]},
			{"type": "function_call", "call_id": "fc1", "name": "act", "arguments": "{}"}
		],
		"usage": {"input_tokens": 6, "output_tokens": 2, "total_tokens": 8}
	}`
	resp, err := NewResponses().TransformResponse([]byte(body), nil)
	if err != nil {
		t.Fatalf("TransformResponse: %v", err)
	}
	if resp.FinishReason != unified.FinishToolCalls {
		t.Errorf("finish = %s", resp.FinishReason)
	}
	if resp.Text() != "done" || resp.Usage.TotalTokens != 8 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestResponsesTransformRequestFromChat(t *testing.T) {
	chatBody := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"}
		]
	}`
	req, err := NewChat().ParseRequest([]byte(chatBody))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	rendered, err := NewResponses().TransformRequest(req)
	if err != nil {
		t.Fatalf("TransformRequest: %v", err)
	}
	var wire responsesRequest
	if err := json.Unmarshal(rendered, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.Instructions != "be brief" {
		t.Errorf("instructions = %q", wire.Instructions)
	}
	var items []responsesItem
	if err := json.Unmarshal(wire.Input, &items); err != nil {
		t.Fatalf("unmarshal input: %v", err)
	}
	if len(items) != 1 || items[0].Role != "user" {
		t.Errorf("items = %+v", items)
	}
}

func TestResponsesStreamDecoder(t *testing.T) {
	dec := NewResponses().NewStreamDecoder()
	acc := NewAccumulator()

	chunks := []string{
		`{"type":"response.created","response":{"id":"resp_1"}}`,
		`{"type":"response.output_text.delta","delta":"par"}`,
		`{"type":"response.output_text.delta","delta":"tial"}`,
		`{"type":"response.completed","response":{"id":"resp_1","usage":{"input_tokens":4,"output_tokens":2,"total_tokens":6}}}`,
	}
	for _, c := range chunks {
		for _, d := range dec.DecodeChunk([]byte(c)) {
			acc.Add(d)
		}
	}
	final := acc.Final()
	if final.Text() != "partial" || final.Usage.TotalTokens != 6 {
		t.Errorf("final = %+v", final)
	}
}
