// Package claude implements intake.Completer on the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/ticketsmith/internal/intake"
)

// DefaultModel is used when a request names no model.
const DefaultModel = "claude-3-5-haiku-latest"

// Client implements intake.Completer and intake.ModelLister for Claude.
type Client struct {
	sdk anthropic.Client
}

// Option configures a Client.
type Option func(*config)

type config struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// WithBaseURL points the client at another API root (tests, proxies).
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithMaxRetries sets how often the SDK retries failed requests.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// New creates a Claude client for apiKey.
func New(apiKey string, opts ...Option) *Client {
	cfg := config{
		httpClient: &http.Client{
			Timeout:   120 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxRetries: 2,
	}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(cfg.httpClient),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	return &Client{sdk: anthropic.NewClient(reqOpts...)}
}

// Complete sends the prompt as a single user message.
func (c *Client) Complete(ctx context.Context, req *intake.CompletionRequest) (*intake.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("claude api error %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("claude request: %w", err)
	}
	return fromSDKMessage(msg)
}

// fromSDKMessage joins the text blocks of msg. A reply without text does not
// have the expected shape.
func fromSDKMessage(msg *anthropic.Message) (*intake.CompletionResponse, error) {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("%w: no text content (stop_reason %q)", intake.ErrShapeMismatch, msg.StopReason)
	}
	return &intake.CompletionResponse{
		Content: b.String(),
		Model:   string(msg.Model),
		Usage: intake.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// ListModels returns the models the key can use.
func (c *Client) ListModels(ctx context.Context) ([]intake.ModelInfo, error) {
	pager := c.sdk.Models.ListAutoPaging(ctx, anthropic.ModelListParams{})
	var out []intake.ModelInfo
	for pager.Next() {
		m := pager.Current()
		out = append(out, intake.ModelInfo{ID: m.ID, Name: m.DisplayName})
	}
	if err := pager.Err(); err != nil {
		return out, fmt.Errorf("list claude models: %w", err)
	}
	return out, nil
}
