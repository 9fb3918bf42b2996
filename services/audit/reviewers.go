package audit

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category is the aspect a reviewer scores
type Category string

const (
	CategoryCompleteness Category = "completeness"
	CategoryUsefulness   Category = "usefulness"
	CategorySecurity     Category = "security"
)

// Reviewer is one fixed review role run through the gateway
type Reviewer struct {
	Name           string   `json:"name" yaml:"name"`
	Category       Category `json:"category" yaml:"category"`
	Provider       string   `json:"provider" yaml:"provider"`
	Model          string   `json:"model" yaml:"model"`
	Instructions   string   `json:"instructions" yaml:"instructions"`
	SafetyCritical bool     `json:"safety_critical" yaml:"safety_critical"`
}

const outputContract = `Respond with a single JSON object and nothing else:
{"score": <number from 0 to 10>, "issues": ["<short issue>", ...]}
Use an empty issues array when there is nothing to report.`

// DefaultReviewers returns the completeness, usefulness and security
// reviewers bound to one provider and model
func DefaultReviewers(provider, model string) []Reviewer {
	return []Reviewer{
		{
			Name:         "completeness",
			Category:     CategoryCompleteness,
			Provider:     provider,
			Model:        model,
			Instructions: "You review educational content for completeness. Score how fully it covers its topic and list missing concepts, steps or examples.",
		},
		{
			Name:         "usefulness",
			Category:     CategoryUsefulness,
			Provider:     provider,
			Model:        model,
			Instructions: "You review educational content for usefulness. Score how practical and clear it is for a learner and list confusing or low-value passages.",
		},
		{
			Name:           "security",
			Category:       CategorySecurity,
			Provider:       provider,
			Model:          model,
			Instructions:   "You review content for security and safety. Score how safe it is to publish and list unsafe advice, leaked secrets or harmful instructions.",
			SafetyCritical: true,
		},
	}
}

// LoadReviewers reads a YAML list of reviewers:
//
//	reviewers:
//	  - name: accuracy
//	    category: completeness
//	    provider: anthropic
//	    model: claude-3-5-haiku-20241022
//	    instructions: ...
func LoadReviewers(path string) ([]Reviewer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reviewers file %s: %w", path, err)
	}

	var file struct {
		Reviewers []Reviewer `yaml:"reviewers"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse reviewers file %s: %w", path, err)
	}
	if err := validateReviewers(file.Reviewers); err != nil {
		return nil, err
	}

	return file.Reviewers, nil
}

// systemPrompt combines the reviewer's role with the output contract
func (r Reviewer) systemPrompt() string {
	return strings.TrimSpace(r.Instructions) + "\n\n" + outputContract
}

func validateReviewers(reviewers []Reviewer) error {
	if len(reviewers) == 0 {
		return errors.New("at least one reviewer is required")
	}

	seen := make(map[string]bool, len(reviewers))
	for i, r := range reviewers {
		if r.Name == "" {
			return fmt.Errorf("reviewer %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate reviewer %q", r.Name)
		}
		seen[r.Name] = true
		if r.Provider == "" || r.Model == "" {
			return fmt.Errorf("reviewer %q needs a provider and a model", r.Name)
		}
	}
	return nil
}
