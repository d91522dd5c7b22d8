package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	defaultOpenRouterEndpoint = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel    = "openai/gpt-3.5-turbo"
	openRouterCompletionsPath = "/chat/completions"
)

// OpenRouterClient routes operations to third-party models through the
// OpenRouter API. OpenRouter bills on its own account, so declared platform
// credits are always zero.
type OpenRouterClient struct {
	httpClient *http.Client
	endpoint   string

	mu     sync.Mutex
	apiKey string
}

// OpenRouterOption configures an OpenRouterClient.
type OpenRouterOption func(*OpenRouterClient)

// WithOpenRouterHTTPClient overrides the transport, mainly for tests.
func WithOpenRouterHTTPClient(httpClient *http.Client) OpenRouterOption {
	return func(client *OpenRouterClient) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// NewOpenRouterClient wires a routing client. An empty endpoint selects the
// public API.
func NewOpenRouterClient(endpoint string, apiKey string, options ...OpenRouterOption) *OpenRouterClient {
	if endpoint == "" {
		endpoint = defaultOpenRouterEndpoint
	}
	client := &OpenRouterClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		endpoint:   endpoint,
		apiKey:     apiKey,
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// Name identifies the provider.
func (client *OpenRouterClient) Name() string {
	return ChoiceOpenRouter.String()
}

// SetAPIKey replaces the routing key. Safe between calls only.
func (client *OpenRouterClient) SetAPIKey(apiKey string) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.apiKey = apiKey
}

// Models lists the routable model identifiers the suite exposes.
func (client *OpenRouterClient) Models() []string {
	return []string{
		"anthropic/claude-3-opus",
		"openai/gpt-4",
		"openai/gpt-3.5-turbo",
		"meta-llama/llama-2-70b-chat",
	}
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterRequest struct {
	Model    string              `json:"model"`
	Messages []openRouterMessage `json:"messages"`
}

type openRouterResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message openRouterMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Execute routes one request to the selected third-party model.
func (client *OpenRouterClient) Execute(ctx context.Context, request Request) (Result, error) {
	model := request.Model
	if model == "" {
		model = defaultOpenRouterModel
	}
	body, err := json.Marshal(openRouterRequest{
		Model: model,
		Messages: []openRouterMessage{
			{Role: "user", Content: request.Payload},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode request: %v", ErrRequestFailed, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.endpoint+openRouterCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrRequestFailed, err)
	}
	client.mu.Lock()
	apiKey := client.apiKey
	client.mu.Unlock()
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+apiKey)

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return Result{}, mapTransportError(err)
	}
	defer func() { _ = httpResponse.Body.Close() }()
	if httpResponse.StatusCode >= http.StatusInternalServerError {
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, httpResponse.StatusCode)
	}
	if httpResponse.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: status %d", ErrRequestFailed, httpResponse.StatusCode)
	}
	payload, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read response: %v", ErrRequestFailed, err)
	}
	var response openRouterResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrRequestFailed, err)
	}
	if response.Error != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrRequestFailed, response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: empty choices", ErrRequestFailed)
	}
	return Result{
		Payload:     response.Choices[0].Message.Content,
		CreditsUsed: DeclareCredits(0),
		RequestID:   response.ID,
	}, nil
}
