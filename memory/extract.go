package memory

import (
	"context"
	"strings"
)

// KeywordExtractor is the default Extractor: it keeps the whole
// conversation when any topic appears in it, case-insensitively, and
// drops it otherwise. It is deliberately simple; swap in an LLM-backed
// extractor for real distillation.
type KeywordExtractor struct{}

// Extract returns the conversation unchanged when it mentions any topic.
func (KeywordExtractor) Extract(_ context.Context, conversation string, topics []string) (string, error) {
	lower := strings.ToLower(conversation)
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(topic)) {
			return conversation, nil
		}
	}
	return "", nil
}

// DefaultSimilarity treats two contents as duplicates when they are equal
// after lowercasing and whitespace normalization.
func DefaultSimilarity(a, b string) bool {
	return normalizeContent(a) == normalizeContent(b)
}

func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
