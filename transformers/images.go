package transformers

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/plexus-labs/plexus/unified"
)

// Images handles the OpenAI image generation dialect. Bodies are opaque
// apart from the model field.
type Images struct{}

// NewImages creates the images transformer.
func NewImages() *Images { return &Images{} }

func (*Images) APIType() unified.APIType { return unified.APIImages }

func (*Images) Endpoint(*unified.Request) string { return "/images/generations" }

func (*Images) ParseRequest(body []byte) (*unified.Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("parse images request: invalid JSON")
	}
	if gjson.GetBytes(body, "prompt").String() == "" {
		return nil, fmt.Errorf("images request missing prompt")
	}
	return &unified.Request{
		Model:           gjson.GetBytes(body, "model").String(),
		IncomingAPIType: unified.APIImages,
		OriginalBody:    body,
	}, nil
}

func (*Images) TransformRequest(req *unified.Request) ([]byte, error) {
	if len(req.OriginalBody) == 0 {
		return nil, fmt.Errorf("images request has no original body")
	}
	return sjson.SetBytes(req.OriginalBody, "model", req.Model)
}

// RenderResponse is unsupported; image responses are served pass-through.
func (*Images) RenderResponse(*unified.Response) ([]byte, error) {
	return nil, fmt.Errorf("image responses are pass-through only")
}

func (*Images) TransformResponse(body []byte, req *unified.Request) (*unified.Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("parse images response: invalid JSON")
	}
	resp := &unified.Response{FinishReason: unified.FinishStop}
	if req != nil {
		resp.Model = req.Model
	}
	// Some providers report image token usage in the chat shape.
	resp.Usage = unified.Usage{
		InputTokens:  int(gjson.GetBytes(body, "usage.input_tokens").Int()),
		OutputTokens: int(gjson.GetBytes(body, "usage.output_tokens").Int()),
		TotalTokens:  int(gjson.GetBytes(body, "usage.total_tokens").Int()),
	}
	return resp, nil
}
