// Package llm wraps the OpenAI-compatible chat API used by both the
// data-extraction stage (C6, vision) and the CRA-rules categorization
// stage (C7, text). See SPEC_FULL.md §4.6–4.7.
package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/craexpense/receipt-processor/internal/ratelimit"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultTimeout = 30 * time.Second
)

// Default models for the two stages. Both are overridable via config so a
// self-hosted or alternate OpenAI-compatible provider can be swapped in
// without touching the stage code.
const (
	ModelExtraction    = "gpt-4o"
	ModelCategorization = "gpt-4o-mini"
)

// Client handles communication with an OpenAI-compatible API.
type Client struct {
	client       openai.Client
	visionClient openai.Client // carries extra transport headers some gateways require for multimodal calls
	defaultModel string
}

// visionHeaderTransport wraps an http.RoundTripper to add the header some
// OpenAI-compatible gateways require to route a request through a
// vision-capable backend.
type visionHeaderTransport struct {
	header string
	value  string
	base   http.RoundTripper
}

func (t *visionHeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.header != "" {
		req.Header.Set(t.header, t.value)
	}
	if t.base != nil {
		return t.base.RoundTrip(req)
	}
	return http.DefaultTransport.RoundTrip(req)
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	baseURL       string
	timeout       time.Duration
	defaultModel  string
	visionHeader  string
	visionHeaderV string
	limiter       *ratelimit.Limiter
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) ClientOption {
	return func(cfg *clientConfig) { cfg.baseURL = url }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) { cfg.timeout = timeout }
}

// WithDefaultModel sets the default model used when a call doesn't specify
// one explicitly.
func WithDefaultModel(model string) ClientOption {
	return func(cfg *clientConfig) { cfg.defaultModel = model }
}

// WithVisionHeader sets an extra header injected only on vision requests,
// for gateways that gate multimodal routing behind a header.
func WithVisionHeader(name, value string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.visionHeader = name
		cfg.visionHeaderV = value
	}
}

// WithRateLimiter admits every outbound request (text and vision) through
// limiter before it reaches the provider, enforcing C3's RPM/RPD caps. A
// nil limiter (the default) leaves the client unthrottled.
func WithRateLimiter(limiter *ratelimit.Limiter) ClientOption {
	return func(cfg *clientConfig) { cfg.limiter = limiter }
}

// NewClient creates a new OpenAI-compatible client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	cfg := &clientConfig{
		baseURL:      DefaultBaseURL,
		timeout:      DefaultTimeout,
		defaultModel: ModelCategorization,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(cfg.baseURL),
		option.WithHTTPClient(&http.Client{
			Timeout:   cfg.timeout,
			Transport: &ratelimit.Transport{Limiter: cfg.limiter, Base: http.DefaultTransport},
		}),
		option.WithHeader("X-Title", "Receipt Processing Core"),
	}

	visionHTTPClient := &http.Client{
		Timeout: cfg.timeout,
		Transport: &ratelimit.Transport{
			Limiter: cfg.limiter,
			Base: &visionHeaderTransport{
				header: cfg.visionHeader,
				value:  cfg.visionHeaderV,
				base:   http.DefaultTransport,
			},
		},
	}
	visionClientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(cfg.baseURL),
		option.WithHTTPClient(visionHTTPClient),
		option.WithHeader("X-Title", "Receipt Processing Core"),
	}

	return &Client{
		client:       openai.NewClient(clientOpts...),
		visionClient: openai.NewClient(visionClientOpts...),
		defaultModel: cfg.defaultModel,
	}
}

// ChatText sends a text-only chat completion request.
func (c *Client) ChatText(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	if model == "" {
		model = c.defaultModel
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    messages,
		MaxTokens:   param.NewOpt[int64](4096),
		Temperature: param.NewOpt[float64](0.1),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatWithImage sends a multimodal request carrying a single image,
// base64-encoded as a data URL per the OpenAI vision content-part format.
func (c *Client) ChatWithImage(ctx context.Context, model, systemPrompt, userPrompt string, imageData []byte, mimeType string) (string, error) {
	if model == "" {
		model = c.defaultModel
	}

	b64 := base64.StdEncoding.EncodeToString(imageData)
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, b64)

	var messages []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}

	contentParts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(userPrompt),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: dataURL,
		}),
	}
	messages = append(messages, openai.UserMessage(contentParts))

	resp, err := c.visionClient.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    messages,
		MaxTokens:   param.NewOpt[int64](4096),
		Temperature: param.NewOpt[float64](0.1),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// ExtractJSON pulls a JSON object or array out of an LLM response,
// stripping fenced markdown code blocks when present.
func ExtractJSON(response string) string {
	if start := strings.Index(response, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if nl := strings.Index(response[start:], "\n"); nl != -1 {
			start += nl + 1
		}
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	response = strings.TrimSpace(response)
	if (strings.HasPrefix(response, "{") && strings.HasSuffix(response, "}")) ||
		(strings.HasPrefix(response, "[") && strings.HasSuffix(response, "]")) {
		return response
	}
	return response
}
