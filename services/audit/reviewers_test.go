package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultReviewers(t *testing.T) {
	reviewers := DefaultReviewers("openai", "gpt-4o-mini")
	require.Len(t, reviewers, 3)

	for _, r := range reviewers {
		assert.Equal(t, "openai", r.Provider)
		assert.Equal(t, "gpt-4o-mini", r.Model)
		assert.Equal(t, r.Category == CategorySecurity, r.SafetyCritical, r.Name)
		assert.Contains(t, r.systemPrompt(), `"issues"`)
	}
	assert.NoError(t, validateReviewers(reviewers))
}

func TestLoadReviewers(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "reviewers.yaml")
	require.NoError(t, os.WriteFile(valid, []byte(`
reviewers:
  - name: accuracy
    category: completeness
    provider: anthropic
    model: claude-3-5-haiku-20241022
    instructions: Check every claim.
  - name: safety
    category: security
    provider: openai
    model: gpt-4o-mini
    instructions: Flag unsafe advice.
    safety_critical: true
`), 0o600))

	reviewers, err := LoadReviewers(valid)
	require.NoError(t, err)
	require.Len(t, reviewers, 2)
	assert.Equal(t, "accuracy", reviewers[0].Name)
	assert.Equal(t, CategoryCompleteness, reviewers[0].Category)
	assert.False(t, reviewers[0].SafetyCritical)
	assert.True(t, reviewers[1].SafetyCritical)

	duplicate := filepath.Join(dir, "duplicate.yaml")
	require.NoError(t, os.WriteFile(duplicate, []byte(`
reviewers:
  - {name: a, provider: p1, model: m1}
  - {name: a, provider: p1, model: m1}
`), 0o600))
	_, err = LoadReviewers(duplicate)
	assert.ErrorContains(t, err, "duplicate reviewer")

	_, err = LoadReviewers(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
