package transformers

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/plexus-labs/plexus/unified"
)

// Embeddings handles the OpenAI embeddings dialect. The body is carried
// opaquely; only the model field is read and rewritten.
type Embeddings struct{}

// NewEmbeddings creates the embeddings transformer.
func NewEmbeddings() *Embeddings { return &Embeddings{} }

func (*Embeddings) APIType() unified.APIType { return unified.APIEmbeddings }

func (*Embeddings) Endpoint(*unified.Request) string { return "/embeddings" }

func (*Embeddings) ParseRequest(body []byte) (*unified.Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("parse embeddings request: invalid JSON")
	}
	req := &unified.Request{
		Model:           gjson.GetBytes(body, "model").String(),
		IncomingAPIType: unified.APIEmbeddings,
		OriginalBody:    body,
	}
	if !gjson.GetBytes(body, "input").Exists() {
		return nil, fmt.Errorf("embeddings request missing input")
	}
	return req, nil
}

// TransformRequest rewrites the model field on the original body.
func (*Embeddings) TransformRequest(req *unified.Request) ([]byte, error) {
	if len(req.OriginalBody) == 0 {
		return nil, fmt.Errorf("embeddings request has no original body")
	}
	return sjson.SetBytes(req.OriginalBody, "model", req.Model)
}

// RenderResponse is unsupported; embeddings responses are served pass-through.
func (*Embeddings) RenderResponse(*unified.Response) ([]byte, error) {
	return nil, fmt.Errorf("embeddings responses are pass-through only")
}

// TransformResponse extracts usage; the vector payload is never rewritten.
func (*Embeddings) TransformResponse(body []byte, req *unified.Request) (*unified.Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("parse embeddings response: invalid JSON")
	}
	resp := &unified.Response{
		Model:        gjson.GetBytes(body, "model").String(),
		FinishReason: unified.FinishStop,
	}
	if resp.Model == "" && req != nil {
		resp.Model = req.Model
	}
	resp.Usage = unified.Usage{
		InputTokens: int(gjson.GetBytes(body, "usage.prompt_tokens").Int()),
		TotalTokens: int(gjson.GetBytes(body, "usage.total_tokens").Int()),
	}
	return resp, nil
}
