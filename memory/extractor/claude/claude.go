// Package claude provides an LLM-backed extractor on the Anthropic API.
// It replaces the default keyword extractor when real distillation of
// conversation transcripts is wanted.
package claude

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/m-mizutani/goerr/v2"

	"github.com/recallkit/recall-go-sdk/memory"
)

const defaultModel = "claude-sonnet-4-20250514"

// nothingMarker is what the model answers when the conversation contains
// nothing worth remembering.
const nothingMarker = "NONE"

const systemPrompt = `You extract durable facts from conversation transcripts.
Given a transcript and a list of topics, return only the content worth
remembering long-term: concrete facts, preferences, goals, or procedures
that match the topics. Return the extracted content as plain text with no
preamble. If nothing in the transcript matches the topics, return exactly
` + nothingMarker + `.`

// Extractor distills transcripts through the Anthropic API.
type Extractor struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
	logger    *slog.Logger
}

// Option configures the extractor.
type Option func(*Extractor)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(e *Extractor) { e.model = anthropic.Model(model) }
}

// WithMaxTokens bounds the extraction response size.
func WithMaxTokens(n int64) Option {
	return func(e *Extractor) { e.maxTokens = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// New creates an extractor with the given Anthropic client.
func New(client *anthropic.Client, opts ...Option) *Extractor {
	e := &Extractor{
		client:    client,
		model:     defaultModel,
		maxTokens: 1024,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract asks the model for the memorable content of the conversation.
// Returns "" when the model found nothing matching the topics.
func (e *Extractor) Extract(ctx context.Context, conversation string, topics []string) (string, error) {
	if strings.TrimSpace(conversation) == "" {
		return "", nil
	}
	if len(topics) == 0 {
		topics = memory.DefaultTopics
	}

	prompt := fmt.Sprintf("Topics:\n- %s\n\nTranscript:\n%s",
		strings.Join(topics, "\n- "), conversation)

	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", goerr.Wrap(err, "extraction request")
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	extracted := strings.TrimSpace(strings.Join(parts, "\n"))

	if extracted == "" || extracted == nothingMarker {
		e.logger.Debug("extraction found nothing memorable")
		return "", nil
	}
	return extracted, nil
}
