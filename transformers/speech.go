package transformers

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/plexus-labs/plexus/unified"
)

// Speech handles the OpenAI text-to-speech dialect. The response is an audio
// byte stream and is never transformed.
type Speech struct{}

// NewSpeech creates the speech transformer.
func NewSpeech() *Speech { return &Speech{} }

func (*Speech) APIType() unified.APIType { return unified.APISpeech }

func (*Speech) Endpoint(*unified.Request) string { return "/audio/speech" }

func (*Speech) ParseRequest(body []byte) (*unified.Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("parse speech request: invalid JSON")
	}
	if gjson.GetBytes(body, "input").String() == "" {
		return nil, fmt.Errorf("speech request missing input")
	}
	return &unified.Request{
		Model:           gjson.GetBytes(body, "model").String(),
		IncomingAPIType: unified.APISpeech,
		OriginalBody:    body,
	}, nil
}

func (*Speech) TransformRequest(req *unified.Request) ([]byte, error) {
	if len(req.OriginalBody) == 0 {
		return nil, fmt.Errorf("speech request has no original body")
	}
	return sjson.SetBytes(req.OriginalBody, "model", req.Model)
}

// RenderResponse is unsupported; audio responses are served pass-through.
func (*Speech) RenderResponse(*unified.Response) ([]byte, error) {
	return nil, fmt.Errorf("speech responses are pass-through only")
}

// TransformResponse builds a usage-only view; audio bytes bypass this path.
func (*Speech) TransformResponse(_ []byte, req *unified.Request) (*unified.Response, error) {
	resp := &unified.Response{FinishReason: unified.FinishStop}
	if req != nil {
		resp.Model = req.Model
	}
	return resp, nil
}

// Transcriptions handles the OpenAI speech-to-text dialect. Multipart upload
// bodies are forwarded untouched; only the JSON response is inspected.
type Transcriptions struct{}

// NewTranscriptions creates the transcriptions transformer.
func NewTranscriptions() *Transcriptions { return &Transcriptions{} }

func (*Transcriptions) APIType() unified.APIType { return unified.APITranscriptions }

func (*Transcriptions) Endpoint(*unified.Request) string { return "/audio/transcriptions" }

// ParseRequest accepts the multipart body opaquely; the model is extracted
// by the ingress layer from the form field.
func (*Transcriptions) ParseRequest(body []byte) (*unified.Request, error) {
	return &unified.Request{
		IncomingAPIType: unified.APITranscriptions,
		OriginalBody:    body,
	}, nil
}

// TransformRequest forwards the original multipart body untouched.
func (*Transcriptions) TransformRequest(req *unified.Request) ([]byte, error) {
	if len(req.OriginalBody) == 0 {
		return nil, fmt.Errorf("transcriptions request has no original body")
	}
	return req.OriginalBody, nil
}

// RenderResponse is unsupported; transcription responses are pass-through.
func (*Transcriptions) RenderResponse(*unified.Response) ([]byte, error) {
	return nil, fmt.Errorf("transcription responses are pass-through only")
}

func (*Transcriptions) TransformResponse(body []byte, req *unified.Request) (*unified.Response, error) {
	resp := &unified.Response{FinishReason: unified.FinishStop}
	if req != nil {
		resp.Model = req.Model
	}
	if gjson.ValidBytes(body) {
		if text := gjson.GetBytes(body, "text").String(); text != "" {
			resp.Parts = append(resp.Parts, unified.Part{Type: unified.PartText, Text: text})
		}
		resp.Usage.InputTokens = int(gjson.GetBytes(body, "usage.input_tokens").Int())
		resp.Usage.OutputTokens = int(gjson.GetBytes(body, "usage.output_tokens").Int())
		resp.Usage.TotalTokens = int(gjson.GetBytes(body, "usage.total_tokens").Int())
	}
	return resp, nil
}
