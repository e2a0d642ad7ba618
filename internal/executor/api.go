package executor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dirigent-dev/dirigent/pkg/models"
)

// APIConfig configures an APIExecutor.
type APIConfig struct {
	// Model is the Claude model to use; empty selects a default.
	Model string
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseBedrock routes calls through AWS Bedrock instead of the direct API.
	UseBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g. "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// RequestsPerSecond rate limits API calls; <= 0 disables limiting.
	RequestsPerSecond float64
	// MaxTokens caps the response size per call; <= 0 selects a default.
	MaxTokens int64
	// Logger receives per-attempt logging; nil means no logging.
	Logger *zap.Logger
}

// APIExecutor runs tasks as direct Anthropic API calls. The task's
// payload key "prompt" (falling back to the description) becomes the
// user message; the text response becomes the result.
type APIExecutor struct {
	client    anthropic.Client
	model     anthropic.Model
	limiter   *rate.Limiter
	maxTokens int64
	tracker   *TokenTracker
	logger    *zap.Logger
}

// NewAPIExecutor creates an APIExecutor.
func NewAPIExecutor(cfg APIConfig) (*APIExecutor, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseBedrock {
		model = translateModelForBedrock(model)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &APIExecutor{
		client:    anthropic.NewClient(opts...),
		model:     model,
		limiter:   limiter,
		maxTokens: maxTokens,
		tracker:   NewTokenTracker(),
		logger:    logger,
	}, nil
}

// translateModelForBedrock converts standard Anthropic model names to
// Bedrock cross-region inference profile format: us.anthropic.{model}-v1:0.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219:  "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}

	// Might already be Bedrock format or a custom model.
	return model
}

// Model returns the configured model name.
func (e *APIExecutor) Model() anthropic.Model {
	return e.model
}

// Tracker returns the token tracker for this executor.
func (e *APIExecutor) Tracker() *TokenTracker {
	return e.tracker
}

// Execute implements Executor.
func (e *APIExecutor) Execute(ctx context.Context, task *models.Task, agent *models.Agent) (*Result, error) {
	prompt := taskPrompt(task)
	if prompt == "" {
		return nil, &models.TaskError{TaskID: task.ID, Op: "execute", Reason: "task has no prompt or description"}
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	system := fmt.Sprintf("You are agent %s working as part of a coordinated multi-agent system. "+
		"Complete the assigned task and reply with the result only.", agent.ID)

	start := time.Now()
	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("API call failed: %w", err)
	}

	e.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	e.logger.Debug("API attempt finished",
		zap.String("task", task.ID),
		zap.String("agent", agent.ID),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens))

	var result strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			result.WriteString(variant.Text)
		}
	}

	return &Result{
		Output:    result.String(),
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
		Duration:  time.Since(start),
	}, nil
}

// taskPrompt derives the user message for a task: the payload key
// "prompt" when present, otherwise the description.
func taskPrompt(task *models.Task) string {
	if raw, ok := task.Payload["prompt"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			return s
		}
	}
	return task.Description
}

// Verify APIExecutor implements Executor at compile time.
var _ Executor = (*APIExecutor)(nil)

// TokenTracker tracks token usage across API calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Reset clears all tracked token usage.
func (t *TokenTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok = 0
	t.outputTok = 0
	t.calls = 0
}

// Cost estimates the cost in USD based on current Claude pricing.
// This uses approximate pricing and should be updated as pricing changes.
func (t *TokenTracker) Cost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Sonnet pricing: $3/1M input, $15/1M output (approximate)
	inputCost := float64(t.inputTok) / 1_000_000 * 3.0
	outputCost := float64(t.outputTok) / 1_000_000 * 15.0
	return inputCost + outputCost
}
