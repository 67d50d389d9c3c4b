package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"himcore/internal/domain"
	"himcore/internal/synthesis"
)

// Client is an OpenAI-compatible chat completions client implementing
// domain.Synthesizer. It also understands Ollama's native /api/chat answer.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
	maxRetries  int
}

// Config configures the OpenAI-compatible client.
type Config struct {
	BaseURL string
	// APIKeyEnv names the environment variable holding the key. A local
	// Ollama needs none, so an empty key is allowed.
	APIKeyEnv   string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
	MaxRetries  int
}

// NewClient creates a new client using the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	var key string
	if cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "qwen2.5:7b"
	}
	if strings.Contains(cfg.BaseURL, "api.openai.com") && key == "" {
		return nil, fmt.Errorf("missing API key in env %s", cfg.APIKeyEnv)
	}
	t := cfg.Timeout
	if t == 0 {
		t = 30 * time.Second
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      key,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{Timeout: t},
		maxRetries:  cfg.MaxRetries,
	}, nil
}

// Name returns the identifier of this synthesizer implementation.
func (c *Client) Name() string { return "openai:" + c.model }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Synthesize asks the model to answer question from chunks. Every failure
// wraps domain.ErrDependencyUnavailable.
func (c *Client) Synthesize(ctx context.Context, question string, chunks []domain.ContextChunk) (string, error) {
	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: synthesis.SystemPrompt},
			{Role: "user", Content: synthesis.UserPrompt(question, chunks)},
		},
		"temperature": c.temperature,
		"max_tokens":  c.maxTokens,
		"stream":      false,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	url := c.baseURL + "/chat/completions"
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, lastDelay(lastErr, attempt-1)); err != nil {
				return "", fmt.Errorf("%w: %v", domain.ErrDependencyUnavailable, err)
			}
		}
		text, err := c.post(ctx, url, data)
		if err == nil {
			return text, nil
		}
		lastErr = err
		var re *retryable
		if !errors.As(err, &re) || ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("%w: %v", domain.ErrDependencyUnavailable, lastErr)
}

// retryable marks transport failures, 429 and 5xx answers.
type retryable struct {
	err   error
	after time.Duration
}

func (r *retryable) Error() string { return r.err.Error() }
func (r *retryable) Unwrap() error { return r.err }

func (c *Client) post(ctx context.Context, url string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", &retryable{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		r := &retryable{err: fmt.Errorf("chat completions failed: %s", resp.Status)}
		// Respect Retry-After if provided
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			r.after = time.Duration(secs) * time.Second
		}
		return "", r
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat completions failed: %s", resp.Status)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &retryable{err: err}
	}
	return decodeAnswer(payload)
}

// decodeAnswer accepts the OpenAI shape first, then Ollama's native ones.
func decodeAnswer(payload []byte) (string, error) {
	var openaiOut struct {
		Choices []struct {
			Message message `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(payload, &openaiOut); err == nil {
		if len(openaiOut.Choices) > 0 && strings.TrimSpace(openaiOut.Choices[0].Message.Content) != "" {
			return strings.TrimSpace(openaiOut.Choices[0].Message.Content), nil
		}
	}
	var ollamaOut struct {
		Message  message `json:"message"`
		Response string  `json:"response"`
	}
	if err := json.Unmarshal(payload, &ollamaOut); err == nil {
		if s := strings.TrimSpace(ollamaOut.Message.Content); s != "" {
			return s, nil
		}
		if s := strings.TrimSpace(ollamaOut.Response); s != "" {
			return s, nil
		}
	}
	return "", errors.New("no answer returned")
}

func lastDelay(err error, attempt int) time.Duration {
	var re *retryable
	if errors.As(err, &re) && re.after > 0 {
		return re.after
	}
	return retryDelay(attempt)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := 200 * time.Millisecond
	// exponential backoff capped at 5s
	d := base << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
