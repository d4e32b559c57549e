// Package repair houses the LLM collaborators of a run: step repair
// with heuristic fallbacks, full and incremental planning, and subgoal
// verification. Everything speaks JSON over a plain prompt; responses
// are parsed defensively and validated by the callers.
package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
)

// Prompt size ceilings. The runtime already bounds the DOM snapshot,
// but the client clips again in case a caller passes raw HTML.
const (
	maxHTMLChars = 200_000
	maxTaskChars = 8_000
)

// Client wraps a langchaingo model with retries, a soft backoff, and an
// optional fallback model, returning parsed JSON only.
type Client struct {
	model       llms.Model
	fallback    llms.Model
	temperature float64
	retries     int
	backoff     time.Duration
	log         zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithFallbackModel sets a second model tried after the primary has
// exhausted its retries.
func WithFallbackModel(m llms.Model) ClientOption {
	return func(c *Client) { c.fallback = m }
}

// WithTemperature overrides the default sampling temperature.
func WithTemperature(t float64) ClientOption {
	return func(c *Client) { c.temperature = t }
}

// WithRetries sets the number of extra attempts against the primary.
func WithRetries(n int) ClientOption {
	return func(c *Client) { c.retries = n }
}

// WithBackoff sets the base delay between retry attempts. Non-positive
// values keep the default.
func WithBackoff(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient builds a client around a model. Defaults: temperature 0.15,
// two retries, 700ms base backoff.
func NewClient(model llms.Model, opts ...ClientOption) *Client {
	c := &Client{
		model:       model,
		temperature: 0.15,
		retries:     2,
		backoff:     700 * time.Millisecond,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateJSON prompts the model and returns the first JSON container
// in the reply.
func (c *Client) GenerateJSON(ctx context.Context, prompt string) (any, error) {
	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	obj, ok := ExtractFirstJSON(raw)
	if !ok {
		return nil, errors.New("no JSON in model output")
	}
	return obj, nil
}

// GenerateText prompts the model and returns the raw reply.
func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, prompt)
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	if c.model == nil {
		return "", errors.New("no model configured")
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		out, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt,
			llms.WithTemperature(c.temperature))
		if err == nil && out != "" {
			return out, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = errors.New("empty model output")
		}
		c.log.Debug().Err(lastErr).Int("attempt", attempt).Msg("llm call failed")
		if attempt < c.retries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt+1)):
			}
		}
	}

	if c.fallback != nil {
		out, err := llms.GenerateFromSinglePrompt(ctx, c.fallback, prompt,
			llms.WithTemperature(c.temperature))
		if err == nil && out != "" {
			return out, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	return "", fmt.Errorf("llm failed: %w", lastErr)
}

// clip bounds a prompt section.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
