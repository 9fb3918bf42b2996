package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/upb/ai-execution-gateway/services"
	"github.com/upb/ai-execution-gateway/services/providers"
)

const (
	DefaultBaseURL    = "https://api.anthropic.com"
	DefaultAPIVersion = "2023-06-01"
	DefaultMaxTokens  = 1024

	// statusOverloaded is returned by the Messages API when it sheds load
	statusOverloaded = 529
)

// Adapter implements providers.Adapter for the Anthropic Messages API
type Adapter struct {
	apiKey     string
	apiVersion string
	baseURL    string
	headers    map[string]string
	descriptor providers.ProviderDescriptor
	client     providers.HTTPClient
}

// NewAdapter creates a new Anthropic adapter
func NewAdapter(config providers.ProviderConfig, desc providers.ProviderDescriptor) *Adapter {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Adapter{
		apiKey:     config.APIKey,
		apiVersion: DefaultAPIVersion,
		baseURL:    strings.TrimRight(baseURL, "/"),
		headers:    config.Headers,
		descriptor: desc,
		client:     client,
	}
}

// Builder returns an AdapterBuilder bound to config
func Builder(config providers.ProviderConfig) providers.AdapterBuilder {
	return func(desc providers.ProviderDescriptor) (providers.Adapter, error) {
		if config.APIKey == "" {
			return nil, fmt.Errorf("anthropic: api key is required")
		}
		return NewAdapter(config, desc), nil
	}
}

// Name returns the provider id
func (a *Adapter) Name() string {
	return a.descriptor.ID
}

// Validate checks the request against the descriptor
func (a *Adapter) Validate(req *providers.ExecutionRequest) error {
	return providers.ValidateAgainst(a.descriptor, req)
}

// Execute sends one Messages API call
func (a *Adapter) Execute(ctx context.Context, req *providers.ExecutionRequest) (*providers.Completion, error) {
	apiReq := messagesRequest{
		Model:       req.Model,
		MaxTokens:   providers.MaxTokensOrDefault(a.descriptor, req, DefaultMaxTokens),
		System:      req.SystemPrompt,
		Temperature: req.Temperature,
		Messages: []message{
			{Role: "user", Content: req.Prompt},
		},
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, services.InvalidRequest(a.Name(), "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, services.InvalidRequest(a.Name(), "failed to create request", err)
	}
	a.setHeaders(httpReq)

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransportError(a.Name(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	latency := time.Since(start)
	if err != nil {
		return nil, providers.ClassifyTransportError(a.Name(), err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, a.parseAPIError(resp, body)
	}

	var apiResp messagesResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, providers.MalformedResponse(a.Name(), err)
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &providers.Completion{
		Output:       content.String(),
		FinishReason: apiResp.StopReason,
		InputTokens:  apiResp.Usage.InputTokens,
		OutputTokens: apiResp.Usage.OutputTokens,
		Latency:      latency,
	}, nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", a.apiVersion)
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
}

// parseAPIError maps an Anthropic error body onto the failure taxonomy.
// The error type takes precedence over the status code when present.
func (a *Adapter) parseAPIError(resp *http.Response, body []byte) error {
	var errResp errorResponse
	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	retryAfter := resp.Header.Get("Retry-After")

	var failure *services.ExecutionFailure
	switch errResp.Error.Type {
	case "rate_limit_error":
		failure = services.ProviderThrottled(a.Name(), message, providers.ParseRetryAfter(retryAfter, time.Now()), nil)
	case "authentication_error", "permission_error":
		failure = services.AuthenticationFailed(a.Name(), message, nil)
	case "overloaded_error", "api_error":
		failure = services.ProviderUnavailable(a.Name(), message, nil)
	case "invalid_request_error", "not_found_error", "request_too_large":
		failure = services.InvalidRequest(a.Name(), message, nil)
	default:
		if resp.StatusCode == statusOverloaded {
			failure = services.ProviderUnavailable(a.Name(), message, nil)
		} else {
			return providers.ClassifyStatus(a.Name(), resp.StatusCode, retryAfter, message)
		}
	}

	failure.WithDetail("status_code", resp.StatusCode)
	if errResp.Error.Type != "" {
		failure.WithDetail("error_type", errResp.Error.Type)
	}
	return failure
}

// Internal API types

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Role       string `json:"role"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
