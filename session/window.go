package session

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/pkoukk/tiktoken-go"

	"github.com/recallkit/recall-go-sdk/core"
)

// Estimator approximates the token cost of a piece of text.
type Estimator interface {
	Estimate(text string) int
}

// CharEstimator is the default estimator: one token per four characters.
// This is a fixed approximation, not real tokenization; downstream budgets
// are calibrated against it, so it must stay stable.
type CharEstimator struct{}

func (CharEstimator) Estimate(text string) int {
	return len(text) / 4
}

// TiktokenEstimator counts tokens with a real BPE encoding. Optional
// alternative for callers that want budgets in actual model tokens.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the cl100k_base encoding.
func NewTiktokenEstimator() (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, goerr.Wrap(err, "load tiktoken encoding")
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (e *TiktokenEstimator) Estimate(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

// estimateMessages returns the estimated token count of the given messages
// as a whole.
func estimateMessages(est Estimator, msgs []core.Message) int {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
	}
	return est.Estimate(b.String())
}

// truncateHistory enforces the token budget after an append.
//
// Policy: system messages are always retained in full. Among non-system
// messages, the most recent suffix that fits within
// maxTokens - systemTokens is kept; older messages are dropped whole. The
// retained messages keep their original chronological order. When only one
// non-system message exists it is never dropped, even if oversized.
func truncateHistory(history []core.Message, maxTokens int, est Estimator) []core.Message {
	if estimateMessages(est, history) <= maxTokens {
		return history
	}

	var system, nonSystem []core.Message
	for _, m := range history {
		if m.Role == core.RoleSystem {
			system = append(system, m)
		} else {
			nonSystem = append(nonSystem, m)
		}
	}
	if len(nonSystem) <= 1 {
		return history
	}

	budget := maxTokens - estimateMessages(est, system)

	// Walk from the most recent backwards, accumulating whole messages.
	keep := make(map[string]bool, len(nonSystem))
	used := 0
	for i := len(nonSystem) - 1; i >= 0; i-- {
		cost := est.Estimate(nonSystem[i].Content)
		if used+cost > budget {
			break
		}
		used += cost
		keep[nonSystem[i].ID] = true
	}

	out := make([]core.Message, 0, len(system)+len(keep))
	for _, m := range history {
		if m.Role == core.RoleSystem || keep[m.ID] {
			out = append(out, m)
		}
	}
	return out
}
