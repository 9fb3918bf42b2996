package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/upb/ai-execution-gateway/services"
	"github.com/upb/ai-execution-gateway/services/providers"
)

const (
	DefaultRegion    = "us-east-1"
	DefaultMaxTokens = 1024

	anthropicVersion = "bedrock-2023-05-31"
)

// InvokeModelAPI is the subset of *bedrockruntime.Client used by the adapter
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Adapter implements providers.Adapter for AWS Bedrock using AWS SDK v2.
// Requests are signed with SigV4 by the SDK.
type Adapter struct {
	client     InvokeModelAPI
	region     string
	descriptor providers.ProviderDescriptor
}

// NewAdapter creates a Bedrock adapter around an existing client
func NewAdapter(client InvokeModelAPI, region string, desc providers.ProviderDescriptor) *Adapter {
	return &Adapter{
		client:     client,
		region:     region,
		descriptor: desc,
	}
}

// NewClient loads the AWS configuration for region. Static credentials are
// used when both keys are set, otherwise the default credential chain.
// The client never retries; a BaseURL overrides the service endpoint.
func NewClient(ctx context.Context, cfg providers.ProviderConfig) (*bedrockruntime.Client, error) {
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", region, err)
	}

	return bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		o.Retryer = aws.NopRetryer{}
		if cfg.BaseURL != "" {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		}
	}), nil
}

// Builder returns an AdapterBuilder that creates the SDK client on build
func Builder(cfg providers.ProviderConfig) providers.AdapterBuilder {
	return func(desc providers.ProviderDescriptor) (providers.Adapter, error) {
		if cfg.Region == "" {
			return nil, fmt.Errorf("bedrock: region is required")
		}
		client, err := NewClient(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		return NewAdapter(client, cfg.Region, desc), nil
	}
}

// Name returns the provider id
func (a *Adapter) Name() string {
	return a.descriptor.ID
}

// Validate checks the request against the descriptor and that the model
// belongs to a family the adapter can encode
func (a *Adapter) Validate(req *providers.ExecutionRequest) error {
	if err := providers.ValidateAgainst(a.descriptor, req); err != nil {
		return err
	}
	if detectModelFamily(req.Model) == "" {
		return services.InvalidRequest(a.Name(), fmt.Sprintf("model %q is not in a supported Bedrock model family", req.Model), nil)
	}
	return nil
}

// Execute invokes the model once
func (a *Adapter) Execute(ctx context.Context, req *providers.ExecutionRequest) (*providers.Completion, error) {
	family := detectModelFamily(req.Model)
	requestBody, err := a.buildRequestBody(family, req)
	if err != nil {
		return nil, err
	}

	requestJSON, err := json.Marshal(requestBody)
	if err != nil {
		return nil, services.InvalidRequest(a.Name(), "failed to marshal request", err)
	}

	start := time.Now()
	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	latency := time.Since(start)
	if err != nil {
		return nil, a.classifyError(err)
	}

	completion, err := parseResponseBody(family, output.Body)
	if err != nil {
		return nil, providers.MalformedResponse(a.Name(), err)
	}
	completion.Latency = latency

	return completion, nil
}

// buildRequestBody builds the request body based on model family
func (a *Adapter) buildRequestBody(family string, req *providers.ExecutionRequest) (map[string]interface{}, error) {
	maxTokens := providers.MaxTokensOrDefault(a.descriptor, req, DefaultMaxTokens)

	switch family {
	case "anthropic":
		body := map[string]interface{}{
			"anthropic_version": anthropicVersion,
			"max_tokens":        maxTokens,
			"messages": []map[string]string{
				{"role": "user", "content": req.Prompt},
			},
		}
		if req.SystemPrompt != "" {
			body["system"] = req.SystemPrompt
		}
		if req.Temperature != nil {
			body["temperature"] = *req.Temperature
		}
		return body, nil
	case "amazon":
		textConfig := map[string]interface{}{
			"maxTokenCount": maxTokens,
		}
		if req.Temperature != nil {
			textConfig["temperature"] = *req.Temperature
		}
		return map[string]interface{}{
			"inputText":            joinPrompt(req),
			"textGenerationConfig": textConfig,
		}, nil
	case "meta":
		body := map[string]interface{}{
			"prompt":      joinPrompt(req),
			"max_gen_len": maxTokens,
		}
		if req.Temperature != nil {
			body["temperature"] = *req.Temperature
		}
		return body, nil
	default:
		return nil, services.InvalidRequest(a.Name(), fmt.Sprintf("unsupported model family for %q", req.Model), nil)
	}
}

func joinPrompt(req *providers.ExecutionRequest) string {
	if req.SystemPrompt == "" {
		return req.Prompt
	}
	return req.SystemPrompt + "\n\n" + req.Prompt
}

// parseResponseBody parses the response body based on model family
func parseResponseBody(family string, body []byte) (*providers.Completion, error) {
	switch family {
	case "anthropic":
		var resp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		var content strings.Builder
		for _, block := range resp.Content {
			content.WriteString(block.Text)
		}
		return &providers.Completion{
			Output:       content.String(),
			FinishReason: resp.StopReason,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}, nil
	case "amazon":
		var resp struct {
			InputTextTokenCount int `json:"inputTextTokenCount"`
			Results             []struct {
				OutputText       string `json:"outputText"`
				TokenCount       int    `json:"tokenCount"`
				CompletionReason string `json:"completionReason"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if len(resp.Results) == 0 {
			return nil, errors.New("response has no results")
		}
		return &providers.Completion{
			Output:       resp.Results[0].OutputText,
			FinishReason: strings.ToLower(resp.Results[0].CompletionReason),
			InputTokens:  resp.InputTextTokenCount,
			OutputTokens: resp.Results[0].TokenCount,
		}, nil
	case "meta":
		var resp struct {
			Generation       string `json:"generation"`
			PromptTokenCount int    `json:"prompt_token_count"`
			GenTokenCount    int    `json:"generation_token_count"`
			StopReason       string `json:"stop_reason"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return &providers.Completion{
			Output:       resp.Generation,
			FinishReason: resp.StopReason,
			InputTokens:  resp.PromptTokenCount,
			OutputTokens: resp.GenTokenCount,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family: %s", family)
	}
}

// classifyError maps SDK errors onto the failure taxonomy by AWS error code
func (a *Adapter) classifyError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return providers.ClassifyTransportError(a.Name(), err)
	}

	message := apiErr.ErrorMessage()
	if message == "" {
		message = apiErr.ErrorCode()
	}

	var failure *services.ExecutionFailure
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "ServiceQuotaExceededException", "TooManyRequestsException":
		failure = services.ProviderThrottled(a.Name(), message, retryAfter(err), err)
	case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException",
		"InvalidSignatureException", "IncompleteSignature", "MissingAuthenticationToken":
		failure = services.AuthenticationFailed(a.Name(), message, err)
	case "ValidationException", "ResourceNotFoundException":
		failure = services.InvalidRequest(a.Name(), message, err)
	default:
		// ModelTimeoutException, ModelNotReadyException, ServiceUnavailableException,
		// InternalServerException and anything unrecognised
		failure = services.ProviderUnavailable(a.Name(), message, err)
	}

	return failure.
		WithDetail("error_code", apiErr.ErrorCode()).
		WithDetail("region", a.region)
}

// retryAfter reads a Retry-After hint from the HTTP response behind an SDK
// error. Bedrock rarely sends one, so zero is the common result.
func retryAfter(err error) time.Duration {
	var respErr *awshttp.ResponseError
	if !errors.As(err, &respErr) || respErr.Response == nil || respErr.Response.Response == nil {
		return 0
	}
	return providers.ParseRetryAfter(respErr.Response.Header.Get("Retry-After"), time.Now())
}

// inferenceProfilePrefixes are the known AWS Bedrock inference profile prefixes.
var inferenceProfilePrefixes = []string{"eu", "us", "apac", "global"}

// supportedFamilies are the model families the adapter can encode.
var supportedFamilies = []string{"anthropic", "amazon", "meta"}

// detectModelFamily returns the model family of a Bedrock model id such as
// anthropic.claude-3-5-sonnet-20240620-v1:0 or us.meta.llama3-70b-instruct-v1:0
func detectModelFamily(modelID string) string {
	segments := strings.Split(modelID, ".")
	if len(segments) < 2 {
		return ""
	}

	family := segments[0]
	for _, prefix := range inferenceProfilePrefixes {
		if family == prefix {
			if len(segments) < 3 {
				return ""
			}
			family = segments[1]
			break
		}
	}

	for _, supported := range supportedFamilies {
		if family == supported {
			return family
		}
	}
	return ""
}
