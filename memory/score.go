package memory

import (
	"math"
	"strings"
	"time"

	"github.com/recallkit/recall-go-sdk/core"
)

// Keywords whose presence raises assessed importance. Each matching
// keyword adds 0.2, saturating at 1.0.
var importanceKeywords = []string{
	"important", "critical", "essential", "key", "must",
	"name", "birthday", "preference", "allergy", "requirement",
}

// Phrases that mark content as process knowledge rather than fact.
var proceduralPhrases = []string{
	"how to", "steps to", "process", "procedure", "method",
	"algorithm", "way to", "technique",
}

// Importance assesses content on heuristics: a 0.5 base raised by
// importance keywords, averaged with a length factor that saturates at
// 500 characters. The result is always within [0, 1].
func Importance(content string) float64 {
	lower := strings.ToLower(content)

	score := 0.5
	for _, kw := range importanceKeywords {
		if strings.Contains(lower, kw) {
			score = math.Min(1.0, score+0.2)
		}
	}

	lengthFactor := math.Min(1.0, float64(len(content))/500)
	return core.Clamp01((score + lengthFactor) / 2)
}

// Classify labels content as procedural when it reads like instructions,
// declarative otherwise.
func Classify(content string) core.MemoryType {
	lower := strings.ToLower(content)
	for _, phrase := range proceduralPhrases {
		if strings.Contains(lower, phrase) {
			return core.Procedural
		}
	}
	return core.Declarative
}

// recencyScore decays with age on a 24-hour half-life curve: 1.0 when
// brand new, 0.5 at one day old.
func recencyScore(now, createdAt time.Time) float64 {
	ageHours := now.Sub(createdAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return core.Clamp01(1.0 / (1.0 + ageHours/24.0))
}

// blendedScore ranks a retrieval candidate by importance, relevance, and
// recency at fixed 0.4/0.4/0.2 weights.
func blendedScore(m *core.Memory, relevance float64, now time.Time) float64 {
	return 0.4*m.Importance + 0.4*relevance + 0.2*recencyScore(now, m.CreatedAt)
}

// neutralRelevance is used for candidates whose backend gave no score.
const neutralRelevance = 0.5
