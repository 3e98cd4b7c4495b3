package transformers

import (
	"bufio"
	"io"
	"strings"

	"github.com/plexus-labs/plexus/unified"
)

// DeltaType discriminates stream delta variants.
type DeltaType int

// Stream delta variants.
const (
	DeltaText DeltaType = iota
	DeltaReasoning
	DeltaToolCallStart
	DeltaToolCallArgs
	DeltaFinish
	DeltaUsage
)

// Delta is one incremental unit decoded from a provider stream. Index groups
// tool-call fragments belonging to the same call.
type Delta struct {
	Type         DeltaType
	Text         string
	Index        int
	ToolCallID   string
	ToolName     string
	ArgsFragment string
	FinishReason unified.FinishReason
	Usage        *unified.Usage
}

// StreamDecoder turns one provider SSE data payload into deltas. A payload
// that carries nothing of interest yields an empty slice.
type StreamDecoder interface {
	DecodeChunk(data []byte) []Delta
}

// StreamEncoder renders deltas as client-dialect SSE frames. Each returned
// element is one complete frame including trailing blank line.
type StreamEncoder interface {
	// Start emits frames sent before any delta (e.g. message_start).
	Start() [][]byte
	// Encode emits frames for one delta.
	Encode(d Delta) [][]byte
	// Finish emits closing frames once the provider stream ends.
	Finish(final *unified.Response) [][]byte
}

// Accumulator folds deltas into the final response snapshot used for usage
// accounting.
type Accumulator struct {
	id        string
	model     string
	text      strings.Builder
	reasoning strings.Builder
	toolCalls map[int]*toolCallAcc
	order     []int
	finish    unified.FinishReason
	usage     unified.Usage
	warnings  []string
}

type toolCallAcc struct {
	id   string
	name string
	args strings.Builder
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{toolCalls: make(map[int]*toolCallAcc)}
}

// SetID records the provider message id and model once known.
func (a *Accumulator) SetID(id, model string) {
	if id != "" {
		a.id = id
	}
	if model != "" {
		a.model = model
	}
}

// Add folds one delta into the snapshot.
func (a *Accumulator) Add(d Delta) {
	switch d.Type {
	case DeltaText:
		a.text.WriteString(d.Text)
	case DeltaReasoning:
		a.reasoning.WriteString(d.Text)
	case DeltaToolCallStart:
		tc, ok := a.toolCalls[d.Index]
		if !ok {
			tc = &toolCallAcc{}
			a.toolCalls[d.Index] = tc
			a.order = append(a.order, d.Index)
		}
		if d.ToolCallID != "" {
			tc.id = d.ToolCallID
		}
		if d.ToolName != "" {
			tc.name = d.ToolName
		}
		tc.args.WriteString(d.ArgsFragment)
	case DeltaToolCallArgs:
		tc, ok := a.toolCalls[d.Index]
		if !ok {
			tc = &toolCallAcc{}
			a.toolCalls[d.Index] = tc
			a.order = append(a.order, d.Index)
		}
		tc.args.WriteString(d.ArgsFragment)
	case DeltaFinish:
		if d.FinishReason != "" {
			a.finish = d.FinishReason
		}
	case DeltaUsage:
		if d.Usage != nil {
			a.usage = *d.Usage
		}
	}
}

// Final builds the response snapshot.
func (a *Accumulator) Final() *unified.Response {
	resp := &unified.Response{
		ID:           a.id,
		Model:        a.model,
		Usage:        a.usage,
		FinishReason: a.finish,
		Warnings:     a.warnings,
	}
	if resp.FinishReason == "" {
		resp.FinishReason = unified.FinishStop
	}
	if a.text.Len() > 0 {
		resp.Parts = append(resp.Parts, unified.Part{Type: unified.PartText, Text: a.text.String()})
	}
	if a.reasoning.Len() > 0 {
		resp.Parts = append(resp.Parts, unified.Part{
			Type:      unified.PartReasoning,
			Reasoning: &unified.ReasoningPart{Text: a.reasoning.String()},
		})
	}
	for _, idx := range a.order {
		tc := a.toolCalls[idx]
		raw := tc.args.String()
		resp.Parts = append(resp.Parts, unified.Part{
			Type:       unified.PartToolCall,
			ToolCallID: tc.id,
			ToolName:   tc.name,
			RawArgs:    raw,
			Args: parseToolArgs(raw, func(msg string) {
				resp.Warnings = append(resp.Warnings, msg)
			}),
		})
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	}
	return resp
}

// TransformStream wires a provider byte stream through decode and re-encode.
// The returned envelope's Body yields client-dialect frames; the final
// snapshot arrives on Done after Body is drained. A nil encoder forwards the
// provider bytes untouched (pass-through) while still decoding for usage.
func TransformStream(upstream io.ReadCloser, dec StreamDecoder, enc StreamEncoder, contentType string) *unified.StreamEnvelope {
	pr, pw := io.Pipe()
	done := make(chan *unified.Response, 1)
	acc := NewAccumulator()

	go func() {
		defer func() { _ = upstream.Close() }()

		if enc != nil {
			for _, frame := range enc.Start() {
				if _, err := pw.Write(frame); err != nil {
					break
				}
			}
		}

		scanner := bufio.NewScanner(upstream)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()

			if enc == nil {
				if _, err := pw.Write([]byte(line + "\n")); err != nil {
					break
				}
			}

			data, ok := strings.CutPrefix(line, "data: ")
			if !ok || data == "[DONE]" {
				continue
			}
			deltas := dec.DecodeChunk([]byte(data))
			for _, d := range deltas {
				acc.Add(d)
			}
			if enc != nil {
				for _, d := range deltas {
					for _, frame := range enc.Encode(d) {
						if _, err := pw.Write(frame); err != nil {
							goto drain
						}
					}
				}
			}
		}
	drain:
		final := acc.Final()
		if enc != nil {
			for _, frame := range enc.Finish(final) {
				if _, err := pw.Write(frame); err != nil {
					break
				}
			}
		}
		_ = pw.CloseWithError(scanner.Err())
		done <- final
	}()

	return &unified.StreamEnvelope{
		Body:                 pr,
		ContentType:          contentType,
		BypassTransformation: enc == nil,
		Done:                 done,
	}
}

// sseFrame renders one data-only SSE frame.
func sseFrame(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out
}

// sseEvent renders one named-event SSE frame.
func sseEvent(event string, data []byte) []byte {
	out := make([]byte, 0, len(event)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, event...)
	out = append(out, '\n')
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out
}
