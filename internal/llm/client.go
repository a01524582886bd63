// Package llm provides the language-model oracle used to synthesize routine
// source code.
package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"metricsmith/internal/logging"
)

// ErrEmptyResponse indicates the model returned no usable text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Client is the oracle interface. Implementations must be safe for
// concurrent use.
type Client interface {
	// Complete sends a prompt and returns the model's text response.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSystem sends a prompt with a system instruction.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GeminiClient implements Client against the Gemini API, with a cheaper
// fallback model tried when the primary fails.
type GeminiClient struct {
	client        *genai.Client
	model         string
	fallbackModel string
}

// NewGeminiClient creates a Gemini-backed oracle. fallbackModel may be empty
// to disable the fallback attempt.
func NewGeminiClient(ctx context.Context, apiKey, model, fallbackModel string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("no API key configured for the oracle")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		client:        client,
		model:         model,
		fallbackModel: fallbackModel,
	}, nil
}

func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	text, err := c.generate(ctx, c.model, systemPrompt, userPrompt)
	if err == nil {
		return text, nil
	}
	if c.fallbackModel == "" || ctx.Err() != nil {
		return "", err
	}

	logging.Synth("Primary model %s failed (%v), trying fallback %s", c.model, err, c.fallbackModel)
	text, fbErr := c.generate(ctx, c.fallbackModel, systemPrompt, userPrompt)
	if fbErr != nil {
		return "", fmt.Errorf("primary model failed (%v), fallback failed: %w", err, fbErr)
	}
	return text, nil
}

func (c *GeminiClient) generate(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	var config *genai.GenerateContentConfig
	if systemPrompt != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}

	timer := logging.StartTimer(logging.CategorySynth, fmt.Sprintf("generate with %s", model))
	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(userPrompt), config)
	timer.Stop()
	if err != nil {
		return "", fmt.Errorf("generation with %s failed: %w", model, err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w (model %s)", ErrEmptyResponse, model)
	}
	return text, nil
}
