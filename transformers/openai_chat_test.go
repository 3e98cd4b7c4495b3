package transformers

import (
	"strings"
	"testing"

	"github.com/plexus-labs/plexus/unified"
)

func TestChatParseRequest(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "developer", "content": "be terse"},
			{"role": "user", "content": "hi"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":\"go\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "{\"answer\":42}"}
		],
		"tools": [{"type": "function", "function": {"name": "lookup", "parameters": {"type": "object"}}}],
		"temperature": 0.2,
		"max_tokens": 100,
		"stop": ["END"],
		"stream": true,
		"stream_options": {"include_usage": true}
	}`
	req, err := NewChat().ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}

	if req.Model != "gpt-4o" || !req.Stream || !req.IncludeUsage {
		t.Errorf("basics wrong: %+v", req)
	}
	if req.Messages[0].Role != unified.RoleSystem {
		t.Errorf("developer role not converted, got %q", req.Messages[0].Role)
	}
	found := false
	for _, w := range req.Warnings {
		if strings.Contains(w, "developer") {
			found = true
		}
	}
	if !found {
		t.Error("missing developer-role warning")
	}

	tc := req.Messages[2].Parts[0]
	if tc.Type != unified.PartToolCall || tc.ToolName != "lookup" || tc.Args["q"] != "go" {
		t.Errorf("tool call wrong: %+v", tc)
	}
	tr := req.Messages[3].Parts[0]
	if tr.Type != unified.PartToolResult || tr.Result.Kind != "json" {
		t.Errorf("tool result wrong: %+v", tr)
	}
	if req.MaxOutputTokens == nil || *req.MaxOutputTokens != 100 {
		t.Errorf("max tokens = %v", req.MaxOutputTokens)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Errorf("stop = %v", req.Stop)
	}
}

func TestChatParseInvalidToolArgs(t *testing.T) {
	body := `{
		"model": "m",
		"messages": [{"role": "assistant", "tool_calls": [
			{"id": "c1", "type": "function", "function": {"name": "f", "arguments": "not json"}}
		]}]
	}`
	req, err := NewChat().ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	args := req.Messages[0].Parts[0].Args
	if args["_raw"] != "not json" {
		t.Errorf("args = %v, want {_raw: not json}", args)
	}
	if len(req.Warnings) == 0 {
		t.Error("missing invalid-args warning")
	}
}

func TestChatTransformResponseFinishReasons(t *testing.T) {
	cases := []struct {
		wire string
		want unified.FinishReason
	}{
		{"stop", unified.FinishStop},
		{"length", unified.FinishLength},
		{"tool_calls", unified.FinishToolCalls},
		{"content_filter", unified.FinishContentFilter},
	}
	for _, tc := range cases {
		body := `{"id":"x","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"` + tc.wire + `"}]}`
		resp, err := NewChat().TransformResponse([]byte(body), nil)
		if err != nil {
			t.Fatalf("%s: %v", tc.wire, err)
		}
		if resp.FinishReason != tc.want {
			t.Errorf("%s -> %s, want %s", tc.wire, resp.FinishReason, tc.want)
		}
	}
}

func TestChatTransformResponseUsage(t *testing.T) {
	body := `{"id":"x","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30,
		"prompt_tokens_details":{"cached_tokens":4},"completion_tokens_details":{"reasoning_tokens":6}}}`
	resp, err := NewChat().TransformResponse([]byte(body), nil)
	if err != nil {
		t.Fatalf("TransformResponse: %v", err)
	}
	u := resp.Usage
	if u.InputTokens != 10 || u.OutputTokens != 20 || u.TotalTokens != 30 || u.CachedTokens != 4 || u.ReasoningTokens != 6 {
		t.Errorf("usage = %+v", u)
	}
	if resp.Text() != "hi" {
		t.Errorf("text = %q", resp.Text())
	}
}

func TestChatRoundTrip(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be helpful"},
			{"role": "user", "content": "what is 2+2"},
			{"role": "assistant", "tool_calls": [
				{"id": "c1", "type": "function", "function": {"name": "calc", "arguments": "{\"expr\":\"2+2\"}"}}
			]},
			{"role": "tool", "tool_call_id": "c1", "content": "4"}
		]
	}`
	chat := NewChat()
	req, err := chat.ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	rendered, err := chat.TransformRequest(req)
	if err != nil {
		t.Fatalf("TransformRequest: %v", err)
	}
	again, err := chat.ParseRequest(rendered)
	if err != nil {
		t.Fatalf("re-ParseRequest: %v", err)
	}

	if len(again.Messages) != len(req.Messages) {
		t.Fatalf("message count %d != %d", len(again.Messages), len(req.Messages))
	}
	if again.Messages[1].Text() != "what is 2+2" {
		t.Errorf("user text lost: %q", again.Messages[1].Text())
	}
	tc := again.Messages[2].Parts[0]
	if tc.ToolName != "calc" || tc.Args["expr"] != "2+2" {
		t.Errorf("tool call lost: %+v", tc)
	}
	tr := again.Messages[3].Parts[0]
	if tr.ToolCallID != "c1" || tr.Result.Text != "4" {
		t.Errorf("tool result lost: %+v", tr)
	}
}

func TestChatStreamDecoder(t *testing.T) {
	dec := NewChat().NewStreamDecoder()
	acc := NewAccumulator()

	chunks := []string{
		`{"id":"c1","model":"m","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"id":"c1","model":"m","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"c1","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"t1","function":{"name":"f","arguments":"{\"a\""}}]}}]}`,
		`{"id":"c1","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":1}"}}]}}]}`,
		`{"id":"c1","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c1","model":"m","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":9,"total_tokens":14}}`,
	}
	for _, c := range chunks {
		for _, d := range dec.DecodeChunk([]byte(c)) {
			acc.Add(d)
		}
	}
	final := acc.Final()

	if final.Text() != "Hello" {
		t.Errorf("text = %q", final.Text())
	}
	if final.FinishReason != unified.FinishToolCalls {
		t.Errorf("finish = %s", final.FinishReason)
	}
	if final.Usage.TotalTokens != 14 {
		t.Errorf("usage = %+v", final.Usage)
	}
	var call *unified.Part
	for i := range final.Parts {
		if final.Parts[i].Type == unified.PartToolCall {
			call = &final.Parts[i]
		}
	}
	if call == nil || call.ToolName != "f" || call.Args["a"] != float64(1) {
		t.Errorf("tool call = %+v", call)
	}
}
