package classifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ErrQuotaExceeded marks an upstream billing/quota refusal (HTTP 402).
var ErrQuotaExceeded = errors.New("llm quota exceeded")

// Oracle produces a completion for a classification prompt. The model is a
// best-effort oracle; callers must survive any failure.
type Oracle interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// AnthropicOracle implements Oracle with the Anthropic Messages API.
type AnthropicOracle struct {
	client anthropic.Client
	model  anthropic.Model
}

const systemPrompt = `You classify manufacturer PDF documents. Respond with a single JSON object:
{"document_type": "<one of: Product Data Sheet, Specification Sheet, Submittal Sheet, Technical Data Sheet, Installation Manual, Operation & Maintenance, Engineering Diagram, Marketing, Unknown>", "confidence": <0.0-1.0>}
No prose, no markdown fences.`

// NewAnthropicOracle builds the production oracle.
func NewAnthropicOracle(apiKey, model string) *AnthropicOracle {
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicOracle{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Complete sends one user turn and returns the raw completion text.
func (o *AnthropicOracle) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     o.model,
		MaxTokens: 256,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusPaymentRequired {
			return "", fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		return "", fmt.Errorf("anthropic call: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("empty completion")
	}
	return b.String(), nil
}

// buildPrompt assembles the short classification prompt from the filename
// and the first page of extracted text (which may be empty).
func buildPrompt(filename, sourceURL, firstPageText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Filename: %s\nSource URL: %s\n", filename, sourceURL)
	if firstPageText != "" {
		fmt.Fprintf(&b, "First page text:\n%s\n", firstPageText)
	} else {
		b.WriteString("First page text: (extraction failed; classify on the filename alone)\n")
	}
	return b.String()
}
