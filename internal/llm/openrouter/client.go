// Package openrouter implements intake.Completer on the OpenRouter
// chat-completions API.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/ticketsmith/internal/intake"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	appTitle       = "Syncro Ticket Creator"
)

// recommendedModels are listed ahead of the rest of the catalog.
var recommendedModels = []string{
	"anthropic/claude-3-haiku",
	"anthropic/claude-3.5-sonnet",
	"openai/gpt-4o",
	"openai/gpt-4o-mini",
	"openai/gpt-4-turbo",
}

// Client implements intake.Completer and intake.ModelLister for OpenRouter.
type Client struct {
	apiKey     string
	baseURL    string
	referer    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root (tests, proxies).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithReferer sets the HTTP-Referer attribution header, usually the public
// URL of the panel.
func WithReferer(ref string) Option {
	return func(c *Client) { c.referer = ref }
}

// New creates an OpenRouter client for apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout:   120 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// Complete sends the prompt as a single user message and returns the first
// choice's content.
func (c *Client) Complete(ctx context.Context, req *intake.CompletionRequest) (*intake.CompletionResponse, error) {
	payload := chatRequest{
		Model:       req.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Title", appTitle)
	if c.referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.referer)
	}

	respBody, status, err := c.send(httpReq)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("openrouter api error %d: %s", status, gjson.GetBytes(respBody, "error.message").String())
	}
	return parseCompletion(respBody)
}

// parseCompletion reads choices[0].message.content. A body without it does
// not have the expected shape.
func parseCompletion(body []byte) (*intake.CompletionResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: response is not JSON", intake.ErrShapeMismatch)
	}
	msg := gjson.GetBytes(body, "choices.0.message")
	if !msg.Exists() {
		return nil, fmt.Errorf("%w: no choices in response", intake.ErrShapeMismatch)
	}
	usage := gjson.GetBytes(body, "usage")
	return &intake.CompletionResponse{
		Content: strings.TrimSpace(msg.Get("content").String()),
		Model:   gjson.GetBytes(body, "model").String(),
		Usage: intake.Usage{
			InputTokens:  int(usage.Get("prompt_tokens").Int()),
			OutputTokens: int(usage.Get("completion_tokens").Int()),
		},
	}, nil
}

// ListModels fetches the public model catalog.
func (c *Client) ListModels(ctx context.Context) ([]intake.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	body, status, err := c.send(httpReq)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("openrouter models returned %d", status)
	}
	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, fmt.Errorf("%w: models response has no data list", intake.ErrShapeMismatch)
	}

	var out []intake.ModelInfo
	for _, m := range data.Array() {
		id := m.Get("id").String()
		if id == "" {
			continue
		}
		out = append(out, intake.ModelInfo{
			ID:          id,
			Name:        m.Get("name").String(),
			Recommended: slices.Contains(recommendedModels, id),
		})
	}
	sortModels(out)
	return out, nil
}

// sortModels orders recommended models first, then each group by name.
func sortModels(models []intake.ModelInfo) {
	label := func(m intake.ModelInfo) string {
		if m.Name != "" {
			return strings.ToLower(m.Name)
		}
		return strings.ToLower(m.ID)
	}
	slices.SortStableFunc(models, func(a, b intake.ModelInfo) int {
		if a.Recommended != b.Recommended {
			if a.Recommended {
				return -1
			}
			return 1
		}
		return strings.Compare(label(a), label(b))
	})
}

func (c *Client) send(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: base url is from trusted config
	if err != nil {
		return nil, 0, fmt.Errorf("openrouter request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
