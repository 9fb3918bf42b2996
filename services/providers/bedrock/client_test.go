package bedrock

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/ai-execution-gateway/services"
	"github.com/upb/ai-execution-gateway/services/providers"
)

// isolateAWSConfig keeps the developer's shared AWS files and profile out of the test
func isolateAWSConfig(t *testing.T) {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")
}

func TestNewClient_SingleAttemptPerExecute(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		errorType      string
		retryAfter     string
		check          func(error) bool
		wantRetryAfter time.Duration
	}{
		{
			name:           "throttled",
			status:         http.StatusTooManyRequests,
			errorType:      "ThrottlingException",
			retryAfter:     "7",
			check:          services.IsProviderThrottled,
			wantRetryAfter: 7 * time.Second,
		},
		{
			name:      "throttled without hint",
			status:    http.StatusTooManyRequests,
			errorType: "ThrottlingException",
			check:     services.IsProviderThrottled,
		},
		{
			name:      "service unavailable",
			status:    http.StatusServiceUnavailable,
			errorType: "ServiceUnavailableException",
			check:     services.IsProviderUnavailable,
		},
		{
			name:      "internal server error",
			status:    http.StatusInternalServerError,
			errorType: "InternalServerException",
			check:     services.IsProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateAWSConfig(t)

			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Amzn-ErrorType", tt.errorType)
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				fmt.Fprintf(w, `{"message":"%s from upstream"}`, tt.errorType)
			}))
			defer server.Close()

			client, err := NewClient(context.Background(), providers.ProviderConfig{
				Region:    "us-east-1",
				AccessKey: "AKIDEXAMPLE",
				SecretKey: "secret",
				BaseURL:   server.URL,
			})
			require.NoError(t, err)
			adapter := NewAdapter(client, "us-east-1", testDescriptor())

			_, err = adapter.Execute(context.Background(), &providers.ExecutionRequest{
				Model:  claudeModel,
				Prompt: "Hello",
			})
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected failure: %v", err)
			assert.Equal(t, int32(1), attempts.Load())
			assert.Equal(t, tt.wantRetryAfter, services.GetRetryAfter(err))
		})
	}
}

func TestNewClient_EndpointOverride(t *testing.T) {
	isolateAWSConfig(t)

	paths := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":[{"type":"text","text":"Hi!"}],"stop_reason":"end_turn","usage":{"input_tokens":9,"output_tokens":3}}`)
	}))
	defer server.Close()

	client, err := NewClient(context.Background(), providers.ProviderConfig{
		Region:    "us-east-1",
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		BaseURL:   server.URL,
	})
	require.NoError(t, err)

	completion, err := NewAdapter(client, "us-east-1", testDescriptor()).Execute(context.Background(), &providers.ExecutionRequest{
		Model:  claudeModel,
		Prompt: "Hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi!", completion.Output)
	assert.Equal(t, 12, completion.InputTokens+completion.OutputTokens)
	assert.Contains(t, <-paths, "/invoke")
}
