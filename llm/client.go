// Package llm serves the generate capability from any OpenAI-compatible
// chat completions endpoint (llama.cpp server, vLLM, Ollama's /v1).
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/talkie-voice-lab/internal/logging"
	"github.com/talkie-voice-lab/internal/module"
)

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

const (
	defaultBaseURL   = "http://127.0.0.1:8000/v1"
	defaultMaxTokens = 512
	defaultTokenCap  = 4000
)

type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	// MaxTokens caps num_predict from callers.
	MaxTokens  int
	Timeout    time.Duration
	MaxRetries int
}

// ConfigFromEnv reads OPENAI_BASE_URL, OPENAI_API_KEY, OPENAI_MODEL,
// OPENAI_FALLBACK_MODEL and LLM_MAX_TOKENS.
func ConfigFromEnv() Config {
	cfg := Config{
		BaseURL:       os.Getenv("OPENAI_BASE_URL"),
		APIKey:        os.Getenv("OPENAI_API_KEY"),
		Model:         os.Getenv("OPENAI_MODEL"),
		FallbackModel: os.Getenv("OPENAI_FALLBACK_MODEL"),
		Timeout:       20 * time.Second,
	}
	if mt, err := strconv.Atoi(os.Getenv("LLM_MAX_TOKENS")); err == nil && mt > 0 {
		cfg.MaxTokens = mt
	}
	return cfg
}

type Client struct {
	oai openai.Client
	cfg Config
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "local"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultTokenCap
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	key := cfg.APIKey
	if key == "" {
		// local servers ignore the key but the SDK insists on one
		key = "sk-local"
	}
	// retries belong to the module client; one SDK retry covers dropped connections
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	oai := openai.NewClient(
		option.WithAPIKey(key),
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(retries),
	)
	return &Client{oai: oai, cfg: cfg}
}

// Handlers exposes the generate capability for a local module endpoint.
func (c *Client) Handlers() module.Handlers {
	return module.Handlers{
		module.OpGenerate: module.Typed(c.Generate),
		module.OpHealth: module.Typed(func(context.Context, struct{}) (module.HealthResponse, error) {
			return module.HealthResponse{Status: "ok", Ready: true, Module: "llm"}, nil
		}),
	}
}

// Generate runs one chat completion. A transient failure on the primary
// model is retried once on the fallback model.
func (c *Client) Generate(ctx context.Context, req module.GenerateRequest) (module.GenerateResponse, error) {
	if strings.TrimSpace(req.User) == "" {
		return module.GenerateResponse{}, &module.Error{Kind: module.KindBadRequest, Message: "empty prompt"}
	}
	text, err := c.complete(ctx, c.cfg.Model, req)
	if err != nil && errors.Is(err, ErrTransient) && c.cfg.FallbackModel != "" && c.cfg.FallbackModel != c.cfg.Model {
		logging.Warnw("llm primary model failed, trying fallback", "model", c.cfg.Model, "fallback", c.cfg.FallbackModel, "err", err)
		text, err = c.complete(ctx, c.cfg.FallbackModel, req)
	}
	if err != nil {
		return module.GenerateResponse{}, classify(err)
	}
	return module.GenerateResponse{Text: strings.TrimSpace(text)}, nil
}

func (c *Client) complete(ctx context.Context, model string, req module.GenerateRequest) (string, error) {
	system := req.System
	if req.Format == "json" {
		system = strings.TrimSpace(system + "\nRespond with a single JSON object and nothing else.")
	}
	var msgs []openai.ChatCompletionMessageParamUnion
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	msgs = append(msgs, openai.UserMessage(req.User))

	maxTokens := req.Options.NumPredict
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if maxTokens > c.cfg.MaxTokens {
		maxTokens = c.cfg.MaxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(req.Options.Temperature),
	}

	start := time.Now()
	resp, err := c.oai.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests {
				return "", fmt.Errorf("%w: status %d", ErrTransient, apiErr.StatusCode)
			}
			return "", fmt.Errorf("%w: status %d: %v", ErrPermanent, apiErr.StatusCode, apiErr)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrPermanent)
	}
	logging.Debugw("llm completion", "model", model, "duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)
	return resp.Choices[0].Message.Content, nil
}

// classify maps completion failures onto the capability taxonomy.
func classify(err error) error {
	kind := module.KindLocalFault
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = module.KindTimeout
	case errors.Is(err, ErrTransient):
		kind = module.KindServiceUnavailable
	case errors.Is(err, ErrPermanent) && strings.Contains(err.Error(), "status 401"):
		kind = module.KindAuthenticationFailed
	case errors.Is(err, ErrPermanent):
		kind = module.KindInvalidResponse
	}
	return &module.Error{Kind: kind, Message: err.Error(), Err: err}
}
