package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// OpenAI embeds through any OpenAI-compatible /embeddings endpoint, which
// also covers local servers (Ollama, vLLM, LM Studio).
type OpenAI struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAI creates an OpenAI-compatible backend. httpClient may be nil.
func NewOpenAI(baseURL, apiKey string, httpClient *http.Client) *OpenAI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httpClient,
	}
}

func (*OpenAI) Provider() string { return "openai" }

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (o *OpenAI) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(openAIEmbedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, &Error{Kind: KindInvalidInput, Provider: o.Provider(), Err: err}
	}

	respBody, err := o.post(ctx, o.baseURL+"/embeddings", body)
	if err != nil {
		return nil, err
	}

	var resp openAIEmbedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &Error{
			Kind:     KindBackendUnavailable,
			Provider: o.Provider(),
			Err:      fmt.Errorf("decoding response: %w", err),
		}
	}
	if len(resp.Data) != len(texts) {
		return nil, &Error{
			Kind:     KindBackendUnavailable,
			Provider: o.Provider(),
			Err:      fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts)),
		}
	}

	// Responses are usually ordered, but the index field is authoritative.
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, &Error{
				Kind:     KindBackendUnavailable,
				Provider: o.Provider(),
				Err:      fmt.Errorf("embedding index %d out of range", d.Index),
			}
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// post sends the request and maps HTTP failures onto the error taxonomy.
func (o *OpenAI) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindInvalidInput, Provider: o.Provider(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindBackendUnavailable, Provider: o.Provider(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &Error{Kind: KindBackendUnavailable, Provider: o.Provider(), Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return respBody, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{
			Kind:       KindRateLimited,
			Provider:   o.Provider(),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        httpError(resp.StatusCode, respBody),
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &Error{
			Kind:     KindInvalidInput,
			Provider: o.Provider(),
			Err:      httpError(resp.StatusCode, respBody),
		}
	default:
		return nil, &Error{
			Kind:     KindBackendUnavailable,
			Provider: o.Provider(),
			Err:      httpError(resp.StatusCode, respBody),
		}
	}
}

func httpError(status int, body []byte) error {
	msg := string(body)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return fmt.Errorf("HTTP %d: %s", status, msg)
}

// parseRetryAfter handles the delay-seconds form of the header. The
// HTTP-date form is rare on embedding APIs and falls back to 0 (unknown).
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
