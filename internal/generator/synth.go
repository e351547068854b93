package generator

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/evalpipe/internal/llm"
)

const systemPrompt = `You are a test case generation expert for a Magic: The Gathering AI assistant. Analyze failed test cases and generate NEW test cases that would catch similar failure patterns.

Return JSON with:
{
  "testCases": [
    {
      "name": "Descriptive test name",
      "type": "chat" or "deck_analysis",
      "input": {
        "userMessage": "User's question or input",
        "format": "Commander" (or other format),
        "deckText": "decklist" (if deck_analysis),
        "commander": "Commander name" (if applicable),
        "colors": ["R", "G"] (if applicable)
      },
      "expectedChecks": {
        "shouldContain": ["keyword1", "keyword2"],
        "shouldNotContain": ["bad_keyword"],
        "minLength": 100,
        "shouldMentionCard": ["Card Name"]
      },
      "tags": ["tag1", "tag2", "category"]
    }
  ]
}

Generate %d diverse test cases that would catch similar issues to the failures shown.`

const userPrefix = "Analyze these test failures and generate new test cases that would catch similar issues:\n\n"

// LLMSynthesizer asks a chat model for proposals in one JSON call.
type LLMSynthesizer struct {
	llm       llm.Completer
	maxTokens int
}

func NewLLMSynthesizer(c llm.Completer, maxTokens int) *LLMSynthesizer {
	return &LLMSynthesizer{llm: c, maxTokens: maxTokens}
}

func (s *LLMSynthesizer) Synthesize(ctx context.Context, digest string, count int) ([]Proposal, error) {
	var out struct {
		TestCases []Proposal `json:"testCases"`
	}
	if err := s.llm.CompleteJSON(ctx, fmt.Sprintf(systemPrompt, count), userPrefix+digest, s.maxTokens, &out); err != nil {
		return nil, err
	}
	return out.TestCases, nil
}
