package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
	apiURL           = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
)

// GenerateRequest is one call to the generation provider. Turns must
// start with the system turn produced by the context builder.
type GenerateRequest struct {
	Model string
	Turns []Turn
}

// GenerateResult carries the generated text and its telemetry.
type GenerateResult struct {
	Text  string
	Model string
	Usage Usage
}

// Generator is the external generation provider consumed by the agent
// pipeline. Implementations must be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// Assistant is a Generator backed by the Claude Messages API.
type Assistant struct {
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

// NewAssistant creates an assistant with the given defaults. The
// request timeout is enforced through the context passed to Generate.
func NewAssistant(apiKey, modelName string, maxTokens int) *Assistant {
	if modelName == "" {
		modelName = defaultModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Assistant{
		apiKey:    apiKey,
		model:     modelName,
		maxTokens: maxTokens,
		client:    &http.Client{},
	}
}

// Generate sends the turn sequence to the Claude Messages API and
// returns the reply text with its token and latency telemetry.
func (a *Assistant) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = a.model
	}

	system, messages := splitTurns(req.Turns)
	reqBody := apiRequest{
		Model:     modelName,
		MaxTokens: a.maxTokens,
		System:    system,
		Messages:  messages,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, apiURL, bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling Claude API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	var text string
	for _, block := range result.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &GenerateResult{
		Text:  text,
		Model: result.Model,
		Usage: Usage{
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
			CachedTokens: result.Usage.CacheReadInputTokens,
			Latency:      latency,
		},
	}, nil
}

// splitTurns separates the leading system turn from the alternating
// user/assistant turns the Messages API expects.
func splitTurns(turns []Turn) (string, []apiMessage) {
	var system string
	messages := make([]apiMessage, 0, len(turns))

	for _, t := range turns {
		if t.Role == RoleSystem {
			system = t.Content
			continue
		}
		messages = append(messages, apiMessage{
			Role: string(t.Role),
			Content: []apiContentBlock{
				{Type: "text", Text: t.Content},
			},
		})
	}

	return system, messages
}

// --- Claude API types ---

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []apiContentBlock `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
	Usage      apiUsage          `json:"usage"`
}

type apiUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
