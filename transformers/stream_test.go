package transformers

import (
	"io"
	"strings"
	"testing"

	"github.com/plexus-labs/plexus/unified"
)

const chatSSE = "data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
	"data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
	"data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\" world\"}}]}\n\n" +
	"data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
	"data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n" +
	"data: [DONE]\n\n"

func TestTransformStreamPassThrough(t *testing.T) {
	upstream := io.NopCloser(strings.NewReader(chatSSE))
	env := TransformStream(upstream, NewChat().NewStreamDecoder(), nil, "text/event-stream")

	out, err := io.ReadAll(env.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !env.BypassTransformation {
		t.Error("pass-through not flagged")
	}
	if string(out) != chatSSE {
		t.Errorf("bytes modified in pass-through:\n%s", out)
	}

	final := <-env.Done
	if final.Text() != "Hello world" {
		t.Errorf("snapshot text = %q", final.Text())
	}
	if final.Usage.TotalTokens != 5 {
		t.Errorf("snapshot usage = %+v", final.Usage)
	}
	if final.FinishReason != unified.FinishStop {
		t.Errorf("snapshot finish = %s", final.FinishReason)
	}
}

func TestTransformStreamChatToMessages(t *testing.T) {
	upstream := io.NopCloser(strings.NewReader(chatSSE))
	req := &unified.Request{Model: "claude-sonnet-4"}
	env := TransformStream(upstream, NewChat().NewStreamDecoder(), NewMessages().NewStreamEncoder(req), "text/event-stream")

	out, err := io.ReadAll(env.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	s := string(out)
	for _, want := range []string{
		"event: message_start",
		"event: content_block_start",
		`"text_delta"`,
		"Hello",
		"event: message_stop",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "chat.completion.chunk") {
		t.Error("provider dialect leaked into client stream")
	}

	final := <-env.Done
	if final.Text() != "Hello world" || final.Usage.OutputTokens != 2 {
		t.Errorf("snapshot = %+v", final)
	}
}

func TestTransformStreamMessagesToChat(t *testing.T) {
	anthropicSSE := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude\",\"usage\":{\"input_tokens\":10,\"output_tokens\":1}}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hey\"}}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":4}}\n\n" +
		"event: message_stop\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	upstream := io.NopCloser(strings.NewReader(anthropicSSE))
	req := &unified.Request{Model: "gpt-4o", IncludeUsage: true}
	env := TransformStream(upstream, NewMessages().NewStreamDecoder(), NewChat().NewStreamEncoder(req), "text/event-stream")

	out, err := io.ReadAll(env.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "chat.completion.chunk") || !strings.Contains(s, "Hey") {
		t.Errorf("chat frames missing:\n%s", s)
	}
	if !strings.Contains(s, "data: [DONE]") {
		t.Error("missing [DONE] terminator")
	}
	if !strings.Contains(s, `"prompt_tokens":10`) {
		t.Errorf("usage chunk missing:\n%s", s)
	}

	final := <-env.Done
	if final.Usage.InputTokens != 10 || final.Usage.OutputTokens != 4 {
		t.Errorf("snapshot usage = %+v", final.Usage)
	}
}

func TestAccumulatorToolCallFallback(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(Delta{Type: DeltaToolCallStart, Index: 0, ToolCallID: "t1", ToolName: "f", ArgsFragment: "oops not json"})
	final := acc.Final()

	var call *unified.Part
	for i := range final.Parts {
		if final.Parts[i].Type == unified.PartToolCall {
			call = &final.Parts[i]
		}
	}
	if call == nil {
		t.Fatal("tool call missing")
	}
	if call.Args["_raw"] != "oops not json" {
		t.Errorf("args = %+v, want _raw fallback", call.Args)
	}
	if len(final.Warnings) == 0 {
		t.Error("missing warning for invalid args")
	}
}
