// Package llm wraps the text-generation provider used by the website pipeline.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"generation-tracker/internal/vendor"
)

// Client is the subset of LLM behavior the worker needs.
type Client interface {
	// GenerateJSON returns a JSON document for prompt, stripped of markdown fences.
	GenerateJSON(ctx context.Context, prompt string) (string, error)
	// Stream generates text for prompt and calls onChunk with each fragment as it arrives.
	Stream(ctx context.Context, prompt string, onChunk func(string) error) (string, error)
	Close() error
}

// GeminiClient implements Client for Google Gemini.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiClient{client: client, model: model}, nil
}

func (c *GeminiClient) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(0.2)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", generationError(err)
	}
	text, err := extractText(resp)
	if err != nil {
		return "", err
	}
	return CleanJSONBlock(text), nil
}

func (c *GeminiClient) Stream(ctx context.Context, prompt string, onChunk func(string) error) (string, error) {
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(0.7)

	var sb strings.Builder
	iter := model.GenerateContentStream(ctx, genai.Text(prompt))
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return sb.String(), generationError(err)
		}
		chunk, err := extractText(resp)
		if err != nil {
			continue
		}
		sb.WriteString(chunk)
		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				return sb.String(), err
			}
		}
	}
	if sb.Len() == 0 {
		return "", &vendor.Error{Vendor: "gemini", Message: "the model returned no content", Permanent: true}
	}
	return sb.String(), nil
}

func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func generationError(err error) error {
	return &vendor.Error{Vendor: "gemini", Message: "content generation failed", Permanent: true, Err: err}
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}
	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}

// CleanJSONBlock removes markdown code fences around JSON.
func CleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// CleanHTMLBlock removes markdown code fences around generated HTML.
func CleanHTMLBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```html")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
