package intake

import "context"

// Completer is the interface for any completion backend.
type Completer interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest is a single-prompt completion call.
type CompletionRequest struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// CompletionResponse carries the first message's text. Content is empty when
// the service answered without a message.
type CompletionResponse struct {
	Content string
	Model   string
	Usage   Usage
}

// Usage is the backend-reported token accounting, when available.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ModelInfo describes one model the backend offers.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Recommended bool   `json:"recommended,omitempty"`
}

// ModelLister is implemented by backends that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}
