package providers

import (
	"strings"
)

const (
	// MinTemperature and MaxTemperature bound the accepted sampling temperature
	MinTemperature = 0.0
	MaxTemperature = 2.0
)

// ValidateAgainst checks a request against a provider descriptor: the model is
// known, the prompt is non-empty and the sampling parameters are in range.
// Adapters call it from Validate and may add provider-specific checks.
func ValidateAgainst(desc ProviderDescriptor, req *ExecutionRequest) error {
	if req == nil {
		return invalid(desc.ID, "request is required")
	}

	pricing, ok := desc.Pricing(req.Model)
	if !ok {
		return invalid(desc.ID, "model %q is not supported by provider %q", req.Model, desc.ID)
	}

	if strings.TrimSpace(req.Prompt) == "" {
		return invalid(desc.ID, "prompt cannot be empty")
	}

	if req.Temperature != nil {
		t := *req.Temperature
		if t < MinTemperature || t > MaxTemperature {
			return invalid(desc.ID, "temperature must be between %.1f and %.1f, got %v", MinTemperature, MaxTemperature, t)
		}
	}

	if req.MaxTokens < 0 {
		return invalid(desc.ID, "max_tokens cannot be negative")
	}
	if pricing.MaxOutputTokens > 0 && req.MaxTokens > pricing.MaxOutputTokens {
		return invalid(desc.ID, "max_tokens %d exceeds the model limit of %d", req.MaxTokens, pricing.MaxOutputTokens)
	}

	return nil
}

// MaxTokensOrDefault returns the requested max tokens, falling back to def
// (bounded by the model limit) when the request leaves it unset
func MaxTokensOrDefault(desc ProviderDescriptor, req *ExecutionRequest, def int) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if pricing, ok := desc.Pricing(req.Model); ok && pricing.MaxOutputTokens > 0 && pricing.MaxOutputTokens < def {
		return pricing.MaxOutputTokens
	}
	return def
}
