package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/recibo-labs/recibo/pkg/errs"
	"github.com/recibo-labs/recibo/pkg/schema"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterClient calls the OpenRouter chat-completions API with
// image_url data URIs. It is the fallback extraction provider.
type OpenRouterClient struct {
	apiKey  string
	model   string
	baseURL string
	httpc   *http.Client
}

// NewOpenRouterClient creates an OpenRouter client for the given model.
func NewOpenRouterClient(apiKey, model string) *OpenRouterClient {
	return &OpenRouterClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: openRouterBaseURL,
		httpc:   &http.Client{},
	}
}

// WithBaseURL overrides the API endpoint. Test hook.
func (c *OpenRouterClient) WithBaseURL(url string) *OpenRouterClient {
	c.baseURL = url
	return c
}

// Provider returns the provider tag for envelopes and metrics.
func (c *OpenRouterClient) Provider() schema.Provider {
	return schema.ProviderOpenRouter
}

type orContentPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *orImageURL `json:"image_url,omitempty"`
}

type orImageURL struct {
	URL string `json:"url"`
}

type orMessage struct {
	Role    string          `json:"role"`
	Content []orContentPart `json:"content"`
}

type orRequest struct {
	Model          string        `json:"model"`
	Messages       []orMessage   `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *orRespFormat `json:"response_format,omitempty"`
}

type orRespFormat struct {
	Type string `json:"type"`
}

type orResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Extract posts the prompt and page images as one user message.
// OpenRouter has no cross-provider schema constraint, so the response
// schema only opts the call into JSON mode.
func (c *OpenRouterClient) Extract(ctx context.Context, images [][]byte, prompt string, responseSchema json.RawMessage) (*Response, error) {
	content := []orContentPart{{Type: "text", Text: prompt}}
	for _, img := range images {
		content = append(content, orContentPart{
			Type: "image_url",
			ImageURL: &orImageURL{
				URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
			},
		})
	}

	reqBody := orRequest{
		Model:       c.model,
		Messages:    []orMessage{{Role: "user", Content: content}},
		Temperature: 0,
	}
	if responseSchema != nil {
		reqBody.ResponseFormat = &orRespFormat{Type: "json_object"}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("llm: openrouter: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("llm: openrouter: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errs.New(errs.KindTransient, fmt.Errorf("llm: openrouter: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	latency := time.Since(start)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.KindTransient, fmt.Errorf("llm: openrouter: read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("openrouter", resp.StatusCode, body)
	}

	var or orResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return nil, fmt.Errorf("llm: openrouter: decode response: %w", err)
	}
	if len(or.Choices) == 0 {
		return nil, fmt.Errorf("llm: openrouter: empty choices in response")
	}

	return &Response{
		Text: or.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  or.Usage.PromptTokens,
			OutputTokens: or.Usage.CompletionTokens,
		},
		Latency: latency,
	}, nil
}
