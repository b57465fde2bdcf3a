package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/recallkit/recall-go-sdk/core"
)

func TestImportanceBase(t *testing.T) {
	// No keywords, one char: (0.5 + 1/500) / 2.
	assert.InDelta(t, 0.251, Importance("x"), 0.001)
}

func TestImportanceKeywordsRaiseScore(t *testing.T) {
	plain := Importance("the weather was mild today")
	keyed := Importance("my birthday is an important date")
	assert.Greater(t, keyed, plain)
}

func TestImportanceSaturates(t *testing.T) {
	// Every keyword present and content longer than 500 chars.
	content := strings.Join(importanceKeywords, " ") + strings.Repeat(" filler", 100)
	got := Importance(content)
	assert.InDelta(t, 1.0, got, 0.001)
	assert.LessOrEqual(t, got, 1.0)
}

func TestImportanceAlwaysInRange(t *testing.T) {
	for _, content := range []string{
		"",
		"a",
		strings.Repeat("important critical essential ", 50),
	} {
		got := Importance(content)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		content string
		want    core.MemoryType
	}{
		{"The user's birthday is March 3rd", core.Declarative},
		{"How to reset the router: unplug it for ten seconds", core.Procedural},
		{"The steps to deploy are documented in the runbook", core.Procedural},
		{"Their preferred technique is sous vide", core.Procedural},
		{"Alice lives in London", core.Declarative},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.content), tc.content)
	}
}

func TestRecencyScore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.InDelta(t, 1.0, recencyScore(now, now), 0.001)
	assert.InDelta(t, 0.5, recencyScore(now, now.Add(-24*time.Hour)), 0.001)
	assert.InDelta(t, 1.0/3.0, recencyScore(now, now.Add(-48*time.Hour)), 0.001)

	// Future timestamps clamp to fresh, old ones stay positive.
	assert.InDelta(t, 1.0, recencyScore(now, now.Add(time.Hour)), 0.001)
	assert.Greater(t, recencyScore(now, now.AddDate(-1, 0, 0)), 0.0)
}

func TestBlendedScoreWeights(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := &core.Memory{Importance: 1.0, CreatedAt: now}

	// 0.4*1.0 + 0.4*0.5 + 0.2*1.0
	assert.InDelta(t, 0.8, blendedScore(mem, 0.5, now), 0.001)
}

func TestBlendedScoreOrdersByRelevance(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := &core.Memory{Importance: 0.5, CreatedAt: now}

	high := blendedScore(mem, 0.9, now)
	mid := blendedScore(mem, 0.5, now)
	low := blendedScore(mem, 0.1, now)
	assert.Greater(t, high, mid)
	assert.Greater(t, mid, low)
}
