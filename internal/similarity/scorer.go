// Package similarity scores keyword, ad and landing-page agreement with an
// OpenAI-compatible LLM router, and resolves the stage texts those scores need.
package similarity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/JakeFAU/flowlens/internal/flow"
	"github.com/JakeFAU/flowlens/internal/metrics"
	"github.com/JakeFAU/flowlens/internal/policy/ratelimit"
)

// Router defaults.
const (
	DefaultBaseURL = "https://go.fastrouter.ai/api/v1"
	DefaultModel   = "anthropic/claude-sonnet-4-20250514"
	limiterKey     = "similarity"
)

var jsonObject = regexp.MustCompile(`(?s)\{[^}]+\}`)

// Config controls the scoring client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Scorer implements flow.Scorer.
type Scorer struct {
	client  completer
	cfg     Config
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewScorer builds a Scorer. Without an API key every call returns flow.ErrUnavailable.
func NewScorer(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Scorer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scorer{cfg: cfg, limiter: limiter, logger: logger}
	if cfg.APIKey != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
		s.client = openai.NewClientWithConfig(clientCfg)
	}
	logger.Info("similarity scorer initialized",
		zap.String("base_url", cfg.BaseURL),
		zap.String("model", cfg.Model),
		zap.Bool("enabled", s.client != nil),
	)
	return s
}

// Score asks the router to judge left against right for kind.
func (s *Scorer) Score(ctx context.Context, kind flow.PairKind, left, right string) (flow.Score, error) {
	if s.client == nil {
		return flow.Score{}, fmt.Errorf("similarity api key not configured: %w", flow.ErrUnavailable)
	}
	content, err := prompt(kind, left, right)
	if err != nil {
		return flow.Score{}, err
	}
	if err := s.limiter.Wait(ctx, limiterKey); err != nil {
		return flow.Score{}, err
	}

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		Messages:    []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: content}},
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		metrics.ObserveExternalCall("similarity", callOutcome(err), time.Since(start))
		return flow.Score{}, fmt.Errorf("%w: similarity %s: %w", flow.ErrExternalAPI, kind, err)
	}
	if len(resp.Choices) == 0 {
		metrics.ObserveExternalCall("similarity", "empty", time.Since(start))
		return flow.Score{}, fmt.Errorf("similarity %s: no choices: %w", kind, flow.ErrExternalAPI)
	}
	score, err := ParseScore(resp.Choices[0].Message.Content)
	if err != nil {
		metrics.ObserveExternalCall("similarity", "unparsable", time.Since(start))
		return flow.Score{}, fmt.Errorf("similarity %s: %w", kind, err)
	}
	metrics.ObserveExternalCall("similarity", "ok", time.Since(start))
	s.logger.Debug("pair scored",
		zap.String("kind", string(kind)),
		zap.Float64("final_score", score.Final),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return score, nil
}

func callOutcome(err error) string {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		return strconv.Itoa(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		return strconv.Itoa(reqErr.HTTPStatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// ParseScore pulls the first flat JSON object out of a model reply.
// "final_score" wins over "score"; a missing band is derived from the score.
func ParseScore(content string) (flow.Score, error) {
	match := jsonObject.FindString(content)
	if match == "" {
		return flow.Score{}, fmt.Errorf("no json in response %q: %w", truncate(content, 200), flow.ErrExternalAPI)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(match), &raw); err != nil {
		return flow.Score{}, fmt.Errorf("decode score json: %w: %w", flow.ErrExternalAPI, err)
	}
	final, ok := number(raw["final_score"])
	if !ok {
		final, _ = number(raw["score"])
	}
	score := flow.Score{
		Final:  clamp(final),
		Band:   strings.ToLower(text(raw["band"])),
		Reason: text(raw["reason"]),
		Intent: text(raw["intent"]),
	}
	score.KeywordMatch, _ = number(raw["keyword_match"])
	score.TopicMatch, _ = number(raw["topic_match"])
	score.IntentMatch, _ = number(raw["intent_match"])
	score.BrandMatch, _ = number(raw["brand_match"])
	score.PromiseMatch, _ = number(raw["promise_match"])
	score.UtilityMatch, _ = number(raw["utility_match"])
	if score.Band == "" {
		score.Band = flow.Band(score.Final)
	}
	return score, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func text(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
