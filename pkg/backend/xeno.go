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
	defaultXenoEndpoint  = "https://api.xeno-labs.com"
	defaultXenoUserAgent = "XenoSuite/1.0"
	xenoExecutePath      = "/v1/ai/execute"
	xenoWalletPath       = "/v1/wallet"
)

// XenoClient calls the metered Xeno Labs cloud API. The only provider whose
// declared credits usage is non-zero in practice.
type XenoClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	userAgent  string

	mu        sync.Mutex
	authToken string
}

// XenoOption configures a XenoClient.
type XenoOption func(*XenoClient)

// WithXenoHTTPClient overrides the transport, mainly for tests.
func WithXenoHTTPClient(httpClient *http.Client) XenoOption {
	return func(client *XenoClient) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithXenoUserAgent overrides the reported user agent.
func WithXenoUserAgent(userAgent string) XenoOption {
	return func(client *XenoClient) {
		if userAgent != "" {
			client.userAgent = userAgent
		}
	}
}

// NewXenoClient wires a cloud client. An empty endpoint selects the platform
// default.
func NewXenoClient(endpoint string, apiKey string, options ...XenoOption) *XenoClient {
	if endpoint == "" {
		endpoint = defaultXenoEndpoint
	}
	client := &XenoClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		endpoint:   endpoint,
		apiKey:     apiKey,
		userAgent:  defaultXenoUserAgent,
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// Name identifies the provider.
func (client *XenoClient) Name() string {
	return ChoiceXenoCloud.String()
}

// SetAuthToken installs the session token minted at login. Safe to call
// between requests; in-flight calls keep the token they started with.
func (client *XenoClient) SetAuthToken(token string) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.authToken = token
}

type xenoExecuteRequest struct {
	Operation string `json:"operation"`
	Payload   string `json:"payload"`
	Model     string `json:"model,omitempty"`
	AuthToken string `json:"auth_token"`
}

type xenoExecuteResponse struct {
	Success     bool   `json:"success"`
	Result      string `json:"result"`
	Error       string `json:"error"`
	CreditsUsed *int64 `json:"credits_used"`
	RequestID   string `json:"request_id"`
}

// Execute runs one metered operation against the cloud API.
func (client *XenoClient) Execute(ctx context.Context, request Request) (Result, error) {
	client.mu.Lock()
	token := client.authToken
	client.mu.Unlock()

	body, err := json.Marshal(xenoExecuteRequest{
		Operation: request.Operation,
		Payload:   request.Payload,
		Model:     request.Model,
		AuthToken: token,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode request: %v", ErrRequestFailed, err)
	}

	var response xenoExecuteResponse
	if err := client.postJSON(ctx, xenoExecutePath, body, &response); err != nil {
		return Result{}, err
	}
	if !response.Success {
		return Result{}, fmt.Errorf("%w: %s", ErrRequestFailed, response.Error)
	}
	return Result{
		Payload:     response.Result,
		CreditsUsed: response.CreditsUsed,
		RequestID:   response.RequestID,
	}, nil
}

type xenoWalletResponse struct {
	AvailableCredits int64  `json:"available_credits"`
	UsedCredits      int64  `json:"used_credits"`
	WalletID         string `json:"wallet_id"`
	LastUpdated      string `json:"last_updated"`
}

// WalletSnapshot is the authoritative balance reported by the cloud API.
type WalletSnapshot struct {
	AvailableCredits int64
	UsedCredits      int64
	WalletID         string
}

// FetchWallet queries the authoritative wallet for reconciliation.
func (client *XenoClient) FetchWallet(ctx context.Context) (WalletSnapshot, error) {
	client.mu.Lock()
	token := client.authToken
	client.mu.Unlock()

	body, err := json.Marshal(map[string]string{"auth_token": token})
	if err != nil {
		return WalletSnapshot{}, fmt.Errorf("%w: encode request: %v", ErrRequestFailed, err)
	}
	var response xenoWalletResponse
	if err := client.postJSON(ctx, xenoWalletPath, body, &response); err != nil {
		return WalletSnapshot{}, err
	}
	return WalletSnapshot{
		AvailableCredits: response.AvailableCredits,
		UsedCredits:      response.UsedCredits,
		WalletID:         response.WalletID,
	}, nil
}

func (client *XenoClient) postJSON(ctx context.Context, path string, body []byte, out interface{}) error {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrRequestFailed, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", client.userAgent)
	httpRequest.Header.Set("X-Api-Key", client.apiKey)

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return mapTransportError(err)
	}
	defer func() { _ = httpResponse.Body.Close() }()

	if httpResponse.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrUnavailable, httpResponse.StatusCode)
	}
	if httpResponse.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrRequestFailed, httpResponse.StatusCode)
	}
	payload, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrRequestFailed, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRequestFailed, err)
	}
	return nil
}
