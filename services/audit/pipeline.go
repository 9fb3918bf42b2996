package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/upb/ai-execution-gateway/services"
	"github.com/upb/ai-execution-gateway/services/providers"
	"go.uber.org/zap"
)

// Mode selects how reviewer scores are combined
type Mode string

const (
	// ModeMean averages completed scores; a completed safety-critical
	// reviewer caps the result at its own score
	ModeMean Mode = "mean"

	// ModeLowestWins takes the lowest completed score
	ModeLowestWins Mode = "lowest_wins"
)

const (
	MinScore = 0.0
	MaxScore = 10.0

	DefaultReviewerTimeout = 60 * time.Second
	DefaultMaxTokens       = 512
)

// ErrNoCompletedReviews is returned when every reviewer failed
var ErrNoCompletedReviews = errors.New("no reviewer completed")

// Executor runs one generation request; the gateway satisfies it
type Executor interface {
	Execute(ctx context.Context, req *providers.ExecutionRequest) (*providers.ExecutionResult, error)
}

// Config holds configuration for the Pipeline
type Config struct {
	Reviewers       []Reviewer
	Mode            Mode
	ReviewerTimeout time.Duration
	MaxTokens       int
}

// ReviewRequest is the content to review and who pays for it
type ReviewRequest struct {
	CallerID  string         `json:"caller_id"`
	Tier      providers.Tier `json:"tier"`
	Content   string         `json:"content"`
	RequestID string         `json:"request_id,omitempty"`
}

// Review is one reviewer's outcome
type Review struct {
	Reviewer  string        `json:"reviewer"`
	Category  Category      `json:"category"`
	Completed bool          `json:"completed"`
	Score     float64       `json:"score"`
	Issues    []string      `json:"issues,omitempty"`
	Error     string        `json:"error,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Cost      float64       `json:"cost"`
	Latency   time.Duration `json:"latency"`
}

// Verdict aggregates the completed reviews
type Verdict struct {
	Score           float64  `json:"score"`
	Issues          []string `json:"issues"`
	Mode            Mode     `json:"mode"`
	Reviews         []Review `json:"reviews"`
	Partial         bool     `json:"partial"`
	FailedReviewers []string `json:"failed_reviewers,omitempty"`
	Cost            float64  `json:"cost"`
}

// Pipeline runs every reviewer concurrently through the executor and
// aggregates their scores
type Pipeline struct {
	executor  Executor
	reviewers []Reviewer
	mode      Mode
	timeout   time.Duration
	maxTokens int
	logger    *zap.Logger
}

// NewPipeline creates a review pipeline
func NewPipeline(executor Executor, config Config, logger *zap.Logger) (*Pipeline, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if err := validateReviewers(config.Reviewers); err != nil {
		return nil, err
	}

	mode := config.Mode
	switch mode {
	case "":
		mode = ModeMean
	case ModeMean, ModeLowestWins:
	default:
		return nil, fmt.Errorf("unknown aggregation mode %q", mode)
	}

	timeout := config.ReviewerTimeout
	if timeout <= 0 {
		timeout = DefaultReviewerTimeout
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	reviewers := make([]Reviewer, len(config.Reviewers))
	copy(reviewers, config.Reviewers)

	return &Pipeline{
		executor:  executor,
		reviewers: reviewers,
		mode:      mode,
		timeout:   timeout,
		maxTokens: maxTokens,
		logger:    logger,
	}, nil
}

// Reviewers returns the configured reviewers
func (p *Pipeline) Reviewers() []Reviewer {
	reviewers := make([]Reviewer, len(p.reviewers))
	copy(reviewers, p.reviewers)
	return reviewers
}

// Review runs all reviewers against the content. One reviewer failing or
// timing out yields a partial verdict; all of them failing is an error
// wrapping ErrNoCompletedReviews and the first reviewer failure.
func (p *Pipeline) Review(ctx context.Context, req ReviewRequest) (*Verdict, error) {
	if strings.TrimSpace(req.CallerID) == "" {
		return nil, services.InvalidRequest("", "caller id is required", nil)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, services.InvalidRequest("", "content cannot be empty", nil)
	}

	reviews := make([]Review, len(p.reviewers))
	errs := make([]error, len(p.reviewers))

	var wg sync.WaitGroup
	for i, reviewer := range p.reviewers {
		wg.Add(1)
		go func(i int, reviewer Reviewer) {
			defer wg.Done()
			reviews[i], errs[i] = p.runReviewer(ctx, reviewer, req)
		}(i, reviewer)
	}
	wg.Wait()

	verdict := &Verdict{Mode: p.mode, Reviews: reviews}
	var firstErr error
	for i, review := range reviews {
		verdict.Cost += review.Cost
		if review.Completed {
			continue
		}
		verdict.FailedReviewers = append(verdict.FailedReviewers, review.Reviewer)
		if firstErr == nil {
			firstErr = errs[i]
		}
		p.logger.Warn("reviewer did not complete",
			zap.String("reviewer", review.Reviewer),
			zap.String("caller_id", req.CallerID),
			zap.Error(errs[i]))
	}

	if len(verdict.FailedReviewers) == len(reviews) {
		return nil, fmt.Errorf("%w (%s): %w", ErrNoCompletedReviews, strings.Join(verdict.FailedReviewers, ", "), firstErr)
	}

	verdict.Partial = len(verdict.FailedReviewers) > 0
	verdict.Score, verdict.Issues = aggregate(p.mode, p.reviewers, reviews)

	p.logger.Info("review completed",
		zap.String("caller_id", req.CallerID),
		zap.Float64("score", verdict.Score),
		zap.Int("issues", len(verdict.Issues)),
		zap.Bool("partial", verdict.Partial),
		zap.Strings("failed_reviewers", verdict.FailedReviewers))

	return verdict, nil
}

// runReviewer executes one reviewer under the per-reviewer timeout and
// stops waiting when it expires
func (p *Pipeline) runReviewer(ctx context.Context, reviewer Reviewer, req ReviewRequest) (Review, error) {
	review := Review{Reviewer: reviewer.Name, Category: reviewer.Category}

	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	execReq := &providers.ExecutionRequest{
		CallerID:     req.CallerID,
		Tier:         req.Tier,
		ProviderID:   reviewer.Provider,
		Model:        reviewer.Model,
		Prompt:       "Review the following content.\n\n---\n" + req.Content + "\n---",
		SystemPrompt: reviewer.systemPrompt(),
		Temperature:  float64Ptr(0),
		MaxTokens:    p.maxTokens,
	}
	if req.RequestID != "" {
		execReq.RequestID = req.RequestID + ":" + reviewer.Name
	}

	type outcome struct {
		result *providers.ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := p.executor.Execute(rctx, execReq)
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-rctx.Done():
		out.err = services.ProviderUnavailable(reviewer.Provider, fmt.Sprintf("reviewer %s timed out", reviewer.Name), rctx.Err())
	}

	if out.err != nil {
		review.Error = out.err.Error()
		return review, out.err
	}

	review.RequestID = out.result.RequestID
	review.Cost = out.result.Cost
	review.Latency = out.result.Latency

	score, issues, err := parseReviewOutput(out.result.Output)
	if err != nil {
		err = fmt.Errorf("reviewer %s: %w", reviewer.Name, err)
		review.Error = err.Error()
		return review, err
	}

	review.Completed = true
	review.Score = score
	review.Issues = issues
	return review, nil
}

type reviewOutput struct {
	Score  *float64 `json:"score"`
	Issues []string `json:"issues"`
}

// parseReviewOutput extracts {"score", "issues"} from model output, which
// may wrap the object in prose or a code fence
func parseReviewOutput(output string) (float64, []string, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return 0, nil, errors.New("output contains no JSON object")
	}

	var parsed reviewOutput
	if err := json.Unmarshal([]byte(output[start:end+1]), &parsed); err != nil {
		return 0, nil, fmt.Errorf("unparsable review output: %w", err)
	}
	if parsed.Score == nil {
		return 0, nil, errors.New("review output has no score")
	}

	score := *parsed.Score
	if math.IsNaN(score) || score < MinScore || score > MaxScore {
		return 0, nil, fmt.Errorf("score %v outside [%v, %v]", score, MinScore, MaxScore)
	}

	return score, parsed.Issues, nil
}

// aggregate combines completed reviews into one score and the sorted,
// de-duplicated union of issues
func aggregate(mode Mode, reviewers []Reviewer, reviews []Review) (float64, []string) {
	var sum float64
	var count int
	lowest := math.Inf(1)
	safetyCap := math.Inf(1)
	seen := make(map[string]bool)
	issues := []string{}

	for i, review := range reviews {
		if !review.Completed {
			continue
		}
		sum += review.Score
		count++
		lowest = math.Min(lowest, review.Score)
		if reviewers[i].SafetyCritical {
			safetyCap = math.Min(safetyCap, review.Score)
		}
		for _, issue := range review.Issues {
			issue = strings.TrimSpace(issue)
			if issue == "" || seen[issue] {
				continue
			}
			seen[issue] = true
			issues = append(issues, issue)
		}
	}
	sort.Strings(issues)

	var score float64
	switch mode {
	case ModeLowestWins:
		score = lowest
	default:
		score = math.Min(sum/float64(count), safetyCap)
	}

	return math.Round(score*100) / 100, issues
}

func float64Ptr(v float64) *float64 {
	return &v
}
