package config

import (
	"fmt"
	"os"

	"github.com/upb/ai-execution-gateway/services/providers"
	"gopkg.in/yaml.v3"
)

// catalogFile is the YAML layout of a provider catalog. Prices are per token.
type catalogFile struct {
	Providers []providers.ProviderDescriptor `yaml:"providers"`
}

const defaultCatalogYAML = `
providers:
  - id: openai
    name: OpenAI
    timeout: 60s
    models:
      gpt-4o-mini:
        input_price: 0.00000015
        output_price: 0.0000006
        max_output_tokens: 16384
      gpt-4o:
        input_price: 0.0000025
        output_price: 0.00001
        max_output_tokens: 16384
  - id: anthropic
    name: Anthropic
    timeout: 60s
    models:
      claude-3-5-haiku-20241022:
        input_price: 0.0000008
        output_price: 0.000004
        max_output_tokens: 8192
      claude-3-5-sonnet-20241022:
        input_price: 0.000003
        output_price: 0.000015
        max_output_tokens: 8192
  - id: gemini
    name: Google Gemini
    timeout: 60s
    models:
      gemini-1.5-flash:
        input_price: 0.000000075
        output_price: 0.0000003
        max_output_tokens: 8192
      gemini-1.5-pro:
        input_price: 0.00000125
        output_price: 0.000005
        max_output_tokens: 8192
  - id: bedrock
    name: AWS Bedrock
    timeout: 90s
    models:
      "anthropic.claude-3-haiku-20240307-v1:0":
        input_price: 0.00000025
        output_price: 0.00000125
        max_output_tokens: 4096
      amazon.titan-text-express-v1:
        input_price: 0.0000002
        output_price: 0.0000006
        max_output_tokens: 8192
`

// DefaultCatalog returns the built-in provider catalog
func DefaultCatalog() []providers.ProviderDescriptor {
	catalog, err := ParseCatalog([]byte(defaultCatalogYAML))
	if err != nil {
		panic(fmt.Sprintf("invalid built-in provider catalog: %v", err))
	}
	return catalog
}

// ParseCatalog decodes a YAML provider catalog
func ParseCatalog(data []byte) ([]providers.ProviderDescriptor, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}

	seen := make(map[string]bool, len(file.Providers))
	for i, desc := range file.Providers {
		if desc.ID == "" {
			return nil, fmt.Errorf("provider catalog entry %d has no id", i)
		}
		if seen[desc.ID] {
			return nil, fmt.Errorf("provider %s is listed twice in the catalog", desc.ID)
		}
		seen[desc.ID] = true
		if len(desc.Models) == 0 {
			return nil, fmt.Errorf("provider %s declares no models", desc.ID)
		}
	}

	return file.Providers, nil
}

// loadCatalog reads the catalog at path, or the built-in one when path is empty
func loadCatalog(path string) ([]providers.ProviderDescriptor, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}
