package backend

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
	defaultOllamaHost  = "http://localhost:11434"
	defaultOllamaModel = "llama2"
	ollamaGeneratePath = "/api/generate"
	ollamaTagsPath     = "/api/tags"
)

// OllamaClient runs operations on a local Ollama daemon. Local models never
// consume platform credits.
type OllamaClient struct {
	httpClient   *http.Client
	host         string
	defaultModel string
}

// OllamaOption configures an OllamaClient.
type OllamaOption func(*OllamaClient)

// WithOllamaHTTPClient overrides the transport, mainly for tests.
func WithOllamaHTTPClient(httpClient *http.Client) OllamaOption {
	return func(client *OllamaClient) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithOllamaModel overrides the model used when a request names none.
func WithOllamaModel(model string) OllamaOption {
	return func(client *OllamaClient) {
		if model != "" {
			client.defaultModel = model
		}
	}
}

// NewOllamaClient wires a local inference client. An empty host selects the
// standard local daemon address.
func NewOllamaClient(host string, options ...OllamaOption) *OllamaClient {
	if host == "" {
		host = defaultOllamaHost
	}
	client := &OllamaClient{
		httpClient:   &http.Client{Timeout: 5 * time.Minute},
		host:         host,
		defaultModel: defaultOllamaModel,
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// Name identifies the provider.
func (client *OllamaClient) Name() string {
	return ChoiceOllamaLocal.String()
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Available reports whether the local daemon answers.
func (client *OllamaClient) Available(ctx context.Context) bool {
	_, err := client.InstalledModels(ctx)
	return err == nil
}

// InstalledModels lists the models the local daemon has pulled.
func (client *OllamaClient) InstalledModels(ctx context.Context) ([]string, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, client.host+ollamaTagsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrRequestFailed, err)
	}
	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer func() { _ = httpResponse.Body.Close() }()
	if httpResponse.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, httpResponse.StatusCode)
	}
	var tags ollamaTagsResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrRequestFailed, err)
	}
	models := make([]string, 0, len(tags.Models))
	for _, model := range tags.Models {
		models = append(models, model.Name)
	}
	return models, nil
}

// Execute generates locally. An unreachable daemon fails before any work
// starts, so the dispatcher releases the reservation untouched.
func (client *OllamaClient) Execute(ctx context.Context, request Request) (Result, error) {
	model := request.Model
	if model == "" {
		model = client.defaultModel
	}
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  model,
		Prompt: request.Payload,
		Stream: false,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode request: %v", ErrRequestFailed, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.host+ollamaGeneratePath, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrRequestFailed, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return Result{}, mapTransportError(err)
	}
	defer func() { _ = httpResponse.Body.Close() }()
	if httpResponse.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, httpResponse.StatusCode)
	}
	payload, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read response: %v", ErrRequestFailed, err)
	}
	var response ollamaGenerateResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrRequestFailed, err)
	}
	return Result{
		Payload:     response.Response,
		CreditsUsed: DeclareCredits(0),
		RequestID:   fmt.Sprintf("ollama-%s-%d", model, time.Now().UnixNano()),
	}, nil
}
