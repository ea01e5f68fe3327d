package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// Gemini embeds through the Gemini API.
type Gemini struct {
	client *genai.Client
}

// NewGemini creates a Gemini backend. The API key comes from configuration,
// never from ambient environment inspection here.
func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}
	return &Gemini{client: client}, nil
}

func (*Gemini) Provider() string { return "gemini" }

// Embed embeds texts in one API call. The response carries one embedding
// per input content, in input order.
func (g *Gemini) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	resp, err := g.client.Models.EmbedContent(ctx, model, contents, nil)
	if err != nil {
		return nil, g.classify(err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, &Error{
			Kind:     KindBackendUnavailable,
			Provider: g.Provider(),
			Err:      fmt.Errorf("got %d embeddings for %d inputs", len(resp.Embeddings), len(texts)),
		}
	}

	vectors := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, &Error{
				Kind:     KindBackendUnavailable,
				Provider: g.Provider(),
				Err:      fmt.Errorf("empty embedding at index %d", i),
			}
		}
		vectors[i] = e.Values
	}
	return vectors, nil
}

func (g *Gemini) classify(err error) *Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return &Error{Kind: KindRateLimited, Provider: g.Provider(), Err: err}
		case apiErr.Code >= 400 && apiErr.Code < 500:
			return &Error{Kind: KindInvalidInput, Provider: g.Provider(), Err: err}
		}
	}
	return &Error{Kind: KindBackendUnavailable, Provider: g.Provider(), Err: err}
}
