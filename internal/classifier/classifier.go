// Package classifier decides document types for discovered PDFs via an LLM
// with a filename-heuristic fallback.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/absnate/docharvester/internal/harvest"
)

// jsonEnvelope locates the first JSON object in a completion, resisting
// jailbreak noise and markdown fences around it.
var jsonEnvelope = regexp.MustCompile(`\{[^{}]*"document_type"[^{}]*\}`)

const minConfidence = 0.5

// Config controls the decision pipeline.
type Config struct {
	Timeout time.Duration
}

// Classifier implements harvest.Classifier.
type Classifier struct {
	oracle Oracle
	cfg    Config
	logger *zap.Logger
}

// New builds a Classifier. oracle may be nil to run heuristic-only.
func New(oracle Oracle, cfg Config, logger *zap.Logger) *Classifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{oracle: oracle, cfg: cfg, logger: logger}
}

type verdictPayload struct {
	DocumentType string  `json:"document_type"`
	Confidence   float64 `json:"confidence"`
}

// Classify runs the LLM with a hard timeout and falls back to the filename
// heuristic when the model fails, returns garbage, or is not confident.
func (c *Classifier) Classify(ctx context.Context, filename, sourceURL, firstPageText string) (harvest.Classification, error) {
	if c.oracle == nil {
		return ClassifyByFilename(filename, sourceURL), nil
	}

	llmCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	raw, err := c.oracle.Complete(llmCtx, buildPrompt(filename, sourceURL, firstPageText))
	if err != nil {
		if ctx.Err() != nil {
			return harvest.Classification{}, fmt.Errorf("classify cancelled: %w", ctx.Err())
		}
		if errors.Is(err, ErrQuotaExceeded) {
			c.logger.Warn("llm quota exceeded, using filename heuristic", zap.String("filename", filename))
		} else {
			c.logger.Warn("llm call failed, using filename heuristic",
				zap.String("filename", filename), zap.Error(err))
		}
		return ClassifyByFilename(filename, sourceURL), nil
	}

	verdict, ok := parseVerdict(raw)
	if !ok {
		c.logger.Warn("llm returned malformed verdict, using filename heuristic",
			zap.String("filename", filename))
		return ClassifyByFilename(filename, sourceURL), nil
	}
	if verdict.Confidence < minConfidence {
		c.logger.Debug("llm confidence below threshold, using filename heuristic",
			zap.String("filename", filename), zap.Float64("confidence", verdict.Confidence))
		return ClassifyByFilename(filename, sourceURL), nil
	}

	docType := canonicalDocType(verdict.DocumentType)
	return harvest.Classification{
		DocumentType: docType,
		IsTechnical:  harvest.IsUploadable(docType),
		Confidence:   verdict.Confidence,
		Reason:       fmt.Sprintf("llm classification (confidence %.2f)", verdict.Confidence),
	}, nil
}

// parseVerdict regex-extracts and validates the JSON envelope.
func parseVerdict(raw string) (verdictPayload, bool) {
	match := jsonEnvelope.FindString(raw)
	if match == "" {
		return verdictPayload{}, false
	}
	var verdict verdictPayload
	if err := json.Unmarshal([]byte(match), &verdict); err != nil {
		return verdictPayload{}, false
	}
	if verdict.DocumentType == "" || verdict.Confidence < 0 || verdict.Confidence > 1 {
		return verdictPayload{}, false
	}
	if canonicalDocType(verdict.DocumentType) == harvest.DocTypeUnknown &&
		!strings.EqualFold(verdict.DocumentType, harvest.DocTypeUnknown) {
		return verdictPayload{}, false
	}
	return verdict, true
}

// canonicalDocType maps a model label onto the vocabulary, tolerating case
// drift. Labels outside the vocabulary collapse to Unknown.
func canonicalDocType(label string) string {
	label = strings.TrimSpace(label)
	for _, t := range harvest.DocumentTypes() {
		if strings.EqualFold(label, t) {
			return t
		}
	}
	return harvest.DocTypeUnknown
}
