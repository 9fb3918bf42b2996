package openai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
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
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultMaxTokens = 1024
)

// OpenAIAdapter implements the Adapter interface for OpenAI
type OpenAIAdapter struct {
	config     providers.ProviderConfig
	descriptor providers.ProviderDescriptor
	httpClient providers.HTTPClient
}

// NewOpenAIAdapter creates a new OpenAI adapter
func NewOpenAIAdapter(config providers.ProviderConfig, desc providers.ProviderDescriptor) *OpenAIAdapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	httpClient := config.HTTPClient
	if httpClient == nil {
		// The gateway owns the deadline through the request context
		httpClient = &http.Client{}
	}

	return &OpenAIAdapter{
		config:     config,
		descriptor: desc,
		httpClient: httpClient,
	}
}

// Builder returns an AdapterBuilder bound to config
func Builder(config providers.ProviderConfig) providers.AdapterBuilder {
	return func(desc providers.ProviderDescriptor) (providers.Adapter, error) {
		if config.APIKey == "" {
			return nil, fmt.Errorf("openai: api key is required")
		}
		return NewOpenAIAdapter(config, desc), nil
	}
}

// Name returns the provider name
func (a *OpenAIAdapter) Name() string {
	return a.descriptor.ID
}

// Validate checks the request against the descriptor
func (a *OpenAIAdapter) Validate(req *providers.ExecutionRequest) error {
	return providers.ValidateAgainst(a.descriptor, req)
}

// Execute performs a single chat completion call
func (a *OpenAIAdapter) Execute(ctx context.Context, req *providers.ExecutionRequest) (*providers.Completion, error) {
	openaiReq := a.buildOpenAIRequest(req)

	reqBody, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, services.InvalidRequest(a.Name(), "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, services.InvalidRequest(a.Name(), "failed to create request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	if a.config.OrgID != "" {
		httpReq.Header.Set("OpenAI-Organization", a.config.OrgID)
	}
	for k, v := range a.config.Headers {
		httpReq.Header.Set(k, v)
	}

	startTime := time.Now()
	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransportError(a.Name(), err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	latency := time.Since(startTime)
	if err != nil {
		return nil, providers.ClassifyTransportError(a.Name(), err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, a.handleErrorResponse(httpResp, respBody)
	}

	var openaiResp OpenAIChatResponse
	if err := json.Unmarshal(respBody, &openaiResp); err != nil {
		return nil, providers.MalformedResponse(a.Name(), err)
	}
	if len(openaiResp.Choices) == 0 {
		return nil, providers.MalformedResponse(a.Name(), fmt.Errorf("response has no choices"))
	}

	choice := openaiResp.Choices[0]
	return &providers.Completion{
		Output:       choice.Message.Content,
		FinishReason: choice.FinishReason,
		InputTokens:  openaiResp.Usage.PromptTokens,
		OutputTokens: openaiResp.Usage.CompletionTokens,
		Latency:      latency,
	}, nil
}

// endUserID is the opaque end-user tag sent upstream. Caller ids can embed
// client addresses, so only a digest leaves the gateway.
func endUserID(callerID string) string {
	sum := sha256.Sum256([]byte(callerID))
	return hex.EncodeToString(sum[:16])
}

// buildOpenAIRequest converts the normalized request to OpenAI format
func (a *OpenAIAdapter) buildOpenAIRequest(req *providers.ExecutionRequest) *OpenAIChatRequest {
	messages := make([]OpenAIMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, OpenAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, OpenAIMessage{Role: "user", Content: req.Prompt})

	maxTokens := providers.MaxTokensOrDefault(a.descriptor, req, defaultMaxTokens)

	openaiReq := &OpenAIChatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   &maxTokens,
		Temperature: req.Temperature,
	}
	if req.CallerID != "" {
		user := endUserID(req.CallerID)
		openaiReq.User = &user
	}

	return openaiReq
}

// handleErrorResponse maps OpenAI error responses onto the failure taxonomy
func (a *OpenAIAdapter) handleErrorResponse(httpResp *http.Response, body []byte) error {
	message := string(body)
	var errResp OpenAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	failure := providers.ClassifyStatus(a.Name(), httpResp.StatusCode, httpResp.Header.Get("Retry-After"), message)
	if errResp.Error.Type != "" {
		failure.WithDetail("error_type", errResp.Error.Type)
	}
	if errResp.Error.Code != "" {
		failure.WithDetail("error_code", errResp.Error.Code)
	}

	return failure
}

// OpenAI-specific request/response types

type OpenAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	User        *string         `json:"user,omitempty"`
}

type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
}

type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAIErrorResponse struct {
	Error OpenAIError `json:"error"`
}

type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}
