package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/upb/ai-execution-gateway/services"
	"github.com/upb/ai-execution-gateway/services/providers"
)

const (
	DefaultBaseURL    = "https://generativelanguage.googleapis.com"
	DefaultAPIVersion = "v1beta"
	DefaultMaxTokens  = 1024
)

// Adapter implements providers.Adapter for the Gemini generateContent API.
type Adapter struct {
	apiKey     string
	baseURL    string
	apiVersion string
	descriptor providers.ProviderDescriptor
	client     providers.HTTPClient
}

// NewAdapter creates a new Gemini adapter.
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
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: DefaultAPIVersion,
		descriptor: desc,
		client:     client,
	}
}

// Builder returns an AdapterBuilder bound to config.
func Builder(config providers.ProviderConfig) providers.AdapterBuilder {
	return func(desc providers.ProviderDescriptor) (providers.Adapter, error) {
		if config.APIKey == "" {
			return nil, fmt.Errorf("gemini: api key is required")
		}
		return NewAdapter(config, desc), nil
	}
}

// Name returns the provider id.
func (a *Adapter) Name() string {
	return a.descriptor.ID
}

// Validate checks the request against the descriptor.
func (a *Adapter) Validate(req *providers.ExecutionRequest) error {
	return providers.ValidateAgainst(a.descriptor, req)
}

// Execute sends one generateContent call.
func (a *Adapter) Execute(ctx context.Context, req *providers.ExecutionRequest) (*providers.Completion, error) {
	reqBody, err := json.Marshal(a.buildAPIRequest(req))
	if err != nil {
		return nil, services.InvalidRequest(a.Name(), "failed to marshal request", err)
	}

	endpoint := fmt.Sprintf("%s/%s/models/%s:generateContent", a.baseURL, a.apiVersion, url.PathEscape(req.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, services.InvalidRequest(a.Name(), "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// Header auth keeps the key out of URLs that end up in logs
	httpReq.Header.Set("x-goog-api-key", a.apiKey)

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

	var apiResp generateResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, providers.MalformedResponse(a.Name(), err)
	}

	if len(apiResp.Candidates) == 0 {
		if apiResp.PromptFeedback != nil && apiResp.PromptFeedback.BlockReason != "" {
			return nil, services.InvalidRequest(a.Name(), "prompt blocked: "+apiResp.PromptFeedback.BlockReason, nil)
		}
		return nil, providers.MalformedResponse(a.Name(), fmt.Errorf("response has no candidates"))
	}

	candidate := apiResp.Candidates[0]
	var content strings.Builder
	for _, part := range candidate.Content.Parts {
		content.WriteString(part.Text)
	}

	completion := &providers.Completion{
		Output:       content.String(),
		FinishReason: mapFinishReason(candidate.FinishReason),
		Latency:      latency,
	}
	if apiResp.UsageMetadata != nil {
		completion.InputTokens = apiResp.UsageMetadata.PromptTokenCount
		completion.OutputTokens = apiResp.UsageMetadata.CandidatesTokenCount
	}

	return completion, nil
}

func (a *Adapter) buildAPIRequest(req *providers.ExecutionRequest) generateRequest {
	apiReq := generateRequest{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: req.Prompt}}},
		},
		GenerationConfig: generationConfig{
			MaxOutputTokens: providers.MaxTokensOrDefault(a.descriptor, req, DefaultMaxTokens),
			Temperature:     req.Temperature,
		},
	}

	if req.SystemPrompt != "" {
		apiReq.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}

	return apiReq
}

// retryInfoType tags the error detail that carries the server's retry hint.
const retryInfoType = "type.googleapis.com/google.rpc.RetryInfo"

// parseAPIError maps a Gemini error body onto the failure taxonomy.
func (a *Adapter) parseAPIError(resp *http.Response, body []byte) error {
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
			Details []struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	var failure *services.ExecutionFailure
	switch errResp.Error.Status {
	case "RESOURCE_EXHAUSTED":
		retryAfter := providers.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		if retryAfter == 0 {
			for _, d := range errResp.Error.Details {
				if d.Type != retryInfoType {
					continue
				}
				if delay, err := time.ParseDuration(d.RetryDelay); err == nil && delay > 0 {
					retryAfter = delay
				}
			}
		}
		failure = services.ProviderThrottled(a.Name(), message, retryAfter, nil)
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		failure = services.AuthenticationFailed(a.Name(), message, nil)
	case "UNAVAILABLE", "INTERNAL", "DEADLINE_EXCEEDED":
		failure = services.ProviderUnavailable(a.Name(), message, nil)
	default:
		return providers.ClassifyStatus(a.Name(), resp.StatusCode, resp.Header.Get("Retry-After"), message).
			WithDetail("error_status", errResp.Error.Status)
	}

	return failure.
		WithDetail("status_code", resp.StatusCode).
		WithDetail("error_status", errResp.Error.Status)
}

// mapFinishReason maps Gemini finish reasons to standard reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "OTHER":
		return "other"
	default:
		return strings.ToLower(reason)
	}
}

// Internal API types

type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type generateResponse struct {
	Candidates     []candidate    `json:"candidates,omitempty"`
	UsageMetadata  *usageMetadata `json:"usageMetadata,omitempty"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
	Index        int     `json:"index"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}
