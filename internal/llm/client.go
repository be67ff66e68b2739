// Package llm talks to the vision-capable inference service. It owns request
// identity, response caching, in-flight sharing, retries with a circuit
// breaker and per-attempt cost reporting.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/smartscope/backend/internal/extraction"
	"github.com/smartscope/backend/internal/metrics"
	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/circuitbreaker"
	"github.com/smartscope/backend/pkg/logger"
	"github.com/smartscope/backend/pkg/retry"
	"github.com/smartscope/backend/pkg/utils"
)

// ChatCompleter is the slice of the OpenAI client the engine needs.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Cache stores parsed responses by request identifier.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// AttemptCost describes one attempt that reached the service.
type AttemptCost struct {
	OrgID            string
	RequestID        string
	Attempt          int
	Model            string
	PromptTokens     int
	CompletionTokens int
	Success          bool
}

// CostRecorder persists attempt costs. Implemented by the cost tracker.
type CostRecorder interface {
	RecordAttempt(ctx context.Context, a AttemptCost) error
}

type Image struct {
	Data    []byte
	Quality float64
}

type AnalyzeRequest struct {
	OrgID     string
	RequestID string
	// Key is the deterministic request identifier, see Key.
	Key      string
	Kind     models.ResultKind
	Category models.Category
	Context  string
	Images   []Image
	// Text is the extracted body of a quote document.
	Text string
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ParsedResponse is a reply that yielded a JSON object.
type ParsedResponse struct {
	Data     map[string]any `json:"data"`
	Raw      string         `json:"raw"`
	Model    string         `json:"model"`
	Usage    Usage          `json:"usage"`
	Latency  time.Duration  `json:"latency"`
	Attempts int            `json:"attempts"`
	Cached   bool           `json:"-"`
}

type Options struct {
	Model              string
	Temperature        float32
	MaxTokens          int
	Timeout            time.Duration
	PromptVersion      string
	MaxImages          int
	MaxContextChars    int
	ImageTokenEstimate int
	CacheTTL           time.Duration
	// CacheName labels cache metrics.
	CacheName string
	Retry     retry.Config
	Breaker   circuitbreaker.Config
}

type Client struct {
	api     ChatCompleter
	opts    Options
	cache   Cache
	costs   CostRecorder
	breaker *circuitbreaker.CircuitBreaker
	group   singleflight.Group
}

// NewOpenAI builds the OpenAI-compatible API client. A non-empty baseURL
// points it at a proxy or another compatible provider.
func NewOpenAI(apiKey, baseURL string, httpClient *http.Client) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(cfg)
}

// NewClient wires the inference client. cache and costs may be nil.
func NewClient(api ChatCompleter, opts Options, cache Cache, costs CostRecorder) *Client {
	if opts.Model == "" {
		opts.Model = openai.GPT4o
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.PromptVersion == "" {
		opts.PromptVersion = "v1"
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = 8
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = 2000
	}
	if opts.ImageTokenEstimate <= 0 {
		opts.ImageTokenEstimate = 765
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if opts.CacheName == "" {
		opts.CacheName = "inference"
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = logger.GetLogger()
	}
	opts.Retry.Retryable = retryable

	bcfg := opts.Breaker
	// Only transient service errors trip the circuit. Per-attempt timeouts
	// classify as transient; a cancelled or expired job context is not
	// counted either way.
	bcfg.IsFailure = func(err error) bool { return errors.Is(err, ErrServiceTransient) }
	if bcfg.Logger == nil {
		bcfg.Logger = logger.GetLogger()
	}
	userHook := bcfg.OnStateChange
	bcfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.CircuitState.WithLabelValues(name).Set(float64(to))
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	logger.Info("Inference client initialized",
		zap.String("model", opts.Model),
		zap.String("prompt_version", opts.PromptVersion),
		zap.Bool("cache", cache != nil),
	)

	return &Client{
		api:     api,
		opts:    opts,
		cache:   cache,
		costs:   costs,
		breaker: circuitbreaker.NewCircuitBreaker("inference", bcfg),
	}
}

func (c *Client) Model() string { return c.opts.Model }

func (c *Client) PromptVersion() string { return c.opts.PromptVersion }

func (c *Client) MaxImages() int { return c.opts.MaxImages }

// BreakerState reports the circuit state for readiness checks.
func (c *Client) BreakerState() circuitbreaker.State { return c.breaker.State() }

// Key is the deterministic request identifier: subject, ordered media refs,
// category and prompt version. extra carries content hashes for document
// sources.
func Key(subjectID string, mediaRefs []string, category models.Category, promptVersion string, extra ...string) string {
	parts := make([]string, 0, len(mediaRefs)+len(extra)+4)
	parts = append(parts, subjectID, fmt.Sprint(len(mediaRefs)))
	parts = append(parts, mediaRefs...)
	parts = append(parts, string(category), promptVersion)
	parts = append(parts, extra...)
	return utils.HashParts(parts...)
}

// Analyze returns the parsed reply for req. Identical requests within the
// cache TTL are served from cache; concurrent identical requests share one
// call.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (*ParsedResponse, error) {
	if len(req.Images) == 0 && strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: nothing to analyse", ErrNonRetryable)
	}
	if len(req.Images) > c.opts.MaxImages {
		logger.Warn("Too many images, keeping the first ones",
			zap.String("request_id", req.RequestID),
			zap.Int("images", len(req.Images)),
			zap.Int("max_images", c.opts.MaxImages),
		)
		req.Images = req.Images[:c.opts.MaxImages]
	}
	req.Context = utils.Truncate(req.Context, c.opts.MaxContextChars)

	cacheKey := "inference:" + req.OrgID + ":" + c.opts.PromptVersion + ":" + req.Key
	if req.Key != "" {
		if cached, ok := c.fromCache(ctx, cacheKey); ok {
			return cached, nil
		}
	}

	for tries := 0; ; tries++ {
		ch := c.group.DoChan(cacheKey, func() (any, error) {
			resp, err := c.infer(ctx, req)
			if err == nil && req.Key != "" && c.cache != nil {
				if cerr := c.cache.Set(context.WithoutCancel(ctx), cacheKey, resp, c.opts.CacheTTL); cerr != nil {
					logger.Warn("Failed to cache inference response", zap.String("request_id", req.RequestID), zap.Error(cerr))
				}
			}
			return resp, err
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				// The caller that led the shared call went away. Ours is
				// still alive, so lead a fresh one.
				if res.Shared && errors.Is(res.Err, context.Canceled) && ctx.Err() == nil && tries < 2 {
					continue
				}
				return nil, res.Err
			}
			resp := *res.Val.(*ParsedResponse)
			return &resp, nil
		}
	}
}

func (c *Client) fromCache(ctx context.Context, key string) (*ParsedResponse, bool) {
	if c.cache == nil {
		return nil, false
	}
	var resp ParsedResponse
	ok, err := c.cache.Get(ctx, key, &resp)
	if err != nil {
		logger.Warn("Inference cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues(c.opts.CacheName).Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues(c.opts.CacheName).Inc()
	resp.Cached = true
	return &resp, true
}

func (c *Client) infer(ctx context.Context, req AnalyzeRequest) (*ParsedResponse, error) {
	chatReq := c.buildRequest(req)
	estimate := c.estimatePromptTokens(chatReq, len(req.Images))
	start := time.Now()

	var lastRaw string
	var lastAttempt int
	resp, err := retry.DoWithResult(ctx, c.opts.Retry, func(attempt int) (*ParsedResponse, error) {
		lastAttempt = attempt
		var out openai.ChatCompletionResponse
		called := false
		attemptStart := time.Now()

		err := c.breaker.Execute(ctx, func() error {
			called = true
			actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
			r, err := c.api.CreateChatCompletion(actx, chatReq)
			if err != nil {
				return classify(ctx, err)
			}
			out = r
			return nil
		})
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrServiceDegraded, err)
		}

		var parsed *ParsedResponse
		if err == nil {
			parsed, err = c.parse(out, attempt)
			if err != nil {
				lastRaw = parsed.Raw
				parsed = nil
			}
		}

		if called && !errors.Is(err, context.Canceled) {
			c.recordAttempt(ctx, req, attempt, out.Usage, estimate, err)
			metrics.InferenceAttempts.WithLabelValues(c.opts.Model, outcomeLabel(err)).Inc()
			metrics.InferenceLatency.WithLabelValues(c.opts.Model).Observe(time.Since(attemptStart).Seconds())
		}
		if err != nil {
			logger.Debug("Inference attempt failed",
				zap.String("request_id", req.RequestID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return parsed, err
	})

	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			var malformed *MalformedResponseError
			if errors.As(err, &malformed) {
				malformed.Raw = lastRaw
				malformed.Attempts = lastAttempt
			}
		}
		logger.Warn("Inference failed",
			zap.String("request_id", req.RequestID),
			zap.String("model", c.opts.Model),
			zap.Error(err),
		)
		return nil, err
	}

	resp.Latency = time.Since(start)
	logger.Info("Inference completed",
		zap.String("request_id", req.RequestID),
		zap.String("model", resp.Model),
		zap.Int("attempts", resp.Attempts),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("latency", resp.Latency),
	)
	return resp, nil
}

// parse always returns a non-nil response carrying the raw content so that
// a malformed reply can be reported.
func (c *Client) parse(out openai.ChatCompletionResponse, attempt int) (*ParsedResponse, error) {
	resp := &ParsedResponse{
		Model:    out.Model,
		Attempts: attempt,
		Usage: Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}
	if resp.Model == "" {
		resp.Model = c.opts.Model
	}
	if len(out.Choices) == 0 {
		return resp, &MalformedResponseError{Attempts: attempt, Err: errors.New("no choices in reply")}
	}
	resp.Raw = out.Choices[0].Message.Content
	data, err := extraction.ExtractJSONObject(resp.Raw)
	if err != nil {
		return resp, &MalformedResponseError{Raw: resp.Raw, Attempts: attempt, Err: err}
	}
	resp.Data = data
	return resp, nil
}

func (c *Client) recordAttempt(ctx context.Context, req AnalyzeRequest, attempt int, usage openai.Usage, estimate int, err error) {
	prompt, completion := usage.PromptTokens, usage.CompletionTokens
	if prompt == 0 && completion == 0 {
		prompt = estimate
	}
	metrics.LLMTokensUsed.WithLabelValues(c.opts.Model, "prompt").Add(float64(prompt))
	metrics.LLMTokensUsed.WithLabelValues(c.opts.Model, "completion").Add(float64(completion))

	if c.costs == nil {
		return
	}
	entry := AttemptCost{
		OrgID:            req.OrgID,
		RequestID:        req.RequestID,
		Attempt:          attempt,
		Model:            c.opts.Model,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		Success:          err == nil,
	}
	if cerr := c.costs.RecordAttempt(context.WithoutCancel(ctx), entry); cerr != nil {
		logger.Error("Failed to record inference cost",
			zap.String("request_id", req.RequestID),
			zap.Int("attempt", attempt),
			zap.Error(cerr),
		)
	}
}

// estimatePromptTokens approximates usage for attempts that returned none:
// four characters per token plus a flat figure per image.
func (c *Client) estimatePromptTokens(req openai.ChatCompletionRequest, images int) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
		for _, part := range m.MultiContent {
			chars += len(part.Text)
		}
	}
	return chars/4 + images*c.opts.ImageTokenEstimate
}

func (c *Client) buildRequest(req AnalyzeRequest) openai.ChatCompletionRequest {
	parts := []openai.ChatMessagePart{{
		Type: openai.ChatMessagePartTypeText,
		Text: buildUserPrompt(req),
	}}
	for _, img := range req.Images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img.Data),
				Detail: openai.ImageURLDetailHigh,
			},
		})
	}

	return openai.ChatCompletionRequest{
		Model:       c.opts.Model,
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req.Kind)},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
}
