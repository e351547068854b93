package router

// #region imports
import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// #endregion

// #region constants

const (
	MiniModel         = "gpt-4o-mini"
	MiniCeilingTight  = 128
	MiniCeilingNormal = 192

	maxRulesQuestionLen = 120
	maxOneLinerLen      = 80
	minOffTopicLen      = 12
)

// #endregion

// #region patterns

var deckAnalysisPatterns = compileAll(
	`\b(analyze|analysis|improve|upgrade|optimize|review)\s+(my\s+|this\s+)?(deck|list)\b`,
	`\b(what'?s? wrong|what is wrong)\s+(with\s+)?(my\s+)?(deck|list)\b`,
	`\bsuggest\s+(swap|card|upgrade)s?\b`,
	`\bbudget\s+swap|swap\s+suggestions\b`,
	`\b(how can i|what should i)\s+(improve|upgrade|fix)\b`,
	`\b(deck|list)\s+(analysis|improvement|suggestions)\b`,
)

var simpleRulesPatterns = compileAll(
	`\bwhat\s+is\s+(ward|trample|haste|vigilance|first strike|double strike|lifelink|menace|reach|deathtouch|hexproof|flash|indestructible)\b`,
	`\bwhat\s+does\s+(trample|ward|haste|vigilance|lifelink|menace|reach|deathtouch|hexproof|flash|indestructible)\s+do\b`,
	`\b(commander|ward)\s+tax\b`,
	`\bwhat\s+is\s+(the\s+)?command\s+zone\b`,
	`\bwhat\s+is\s+(the\s+)?stack\b`,
	`\bwhat\s+is\s+priority\b`,
	`\bwhat\s+is\s+cmc\b`,
	`\bwhat\s+does\s+cmc\s+mean\b`,
	`\bwhat\s+is\s+mana\s+value\b`,
	`\bwhat\s+is\s+color\s+identity\b`,
	`\bwhat\s+is\s+colorless\s+mana\b`,
	`\bwhat\s+is\s+convoke\b`,
	`\bwhat\s+is\s+flashback\b`,
	`\bwhat\s+is\s+equip\b`,
)

var longAnswerPatterns = compileAll(
	`\b(analyze|analysis|improve|suggest|recommend|optimize|upgrade|what.*wrong|what to change)\b`,
	`\b(how can i|what should i|help me (with|improve)|review my deck)\b`,
	`\b(synergy|strategy|game plan|curve|mana base)\b`,
)

var complexKeywords = regexp.MustCompile(`(?i)\b(analyze|improve|suggest|optimize|synergy|strategy|combo|engine)\b`)

// scopeKeywords mark a message as in-domain. A message with none of them and
// no FAQ match is treated as off-topic.
var scopeKeywords = []string{
	"mtg", "magic", "commander", "edh", "deck", "card", "mana", "planeswalker",
	"creature", "sorcery", "instant", "artifact", "enchantment", "land",
	"trample", "flying", "lifelink", "vigilance", "first strike", "double strike", "hexproof", "ward", "sol ring",
	"format", "brew", "list", "swap", "ramp", "draw", "removal", "combo", "synergy", "suggest", "improve",
	"[[", "banned", "legal", "cedh", "wotc", "scryfall", "tcg", "edhrec",
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// #endregion

// #region predicates

// IsDeckAnalysisRequest reports whether text asks for analysis or improvement
// of a deck, which cannot be answered without one.
func IsDeckAnalysisRequest(text string) bool {
	return anyMatch(deckAnalysisPatterns, strings.ToLower(strings.TrimSpace(text)))
}

// IsSimpleRulesOrTerm reports whether text is a short rules or glossary question.
func IsSimpleRulesOrTerm(text string) bool {
	q := strings.ToLower(strings.TrimSpace(text))
	if utf8.RuneCountInString(q) > maxRulesQuestionLen {
		return false
	}
	return anyMatch(simpleRulesPatterns, q)
}

// IsLongAnswerRequest reports whether text asks for something that needs a long answer.
func IsLongAnswerRequest(text string) bool {
	return anyMatch(longAnswerPatterns, strings.ToLower(strings.TrimSpace(text)))
}

func hasNoScopeKeyword(lower string) bool {
	if utf8.RuneCountInString(lower) < minOffTopicLen {
		return false
	}
	for _, kw := range scopeKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}
	return true
}

// #endregion

// #region rules

var rules = []Rule{
	{
		Name:    "empty_input",
		Match:   func(in Input) bool { return in.Trimmed == "" },
		Outcome: Decision{Mode: ModeNoLLM, Reason: "empty_input", Handler: HandlerNeedMoreInfo},
	},
	{
		Name:    "needs_deck_no_context",
		Match:   func(in Input) bool { return !in.HasDeckContext && IsDeckAnalysisRequest(in.Lower) },
		Outcome: Decision{Mode: ModeNoLLM, Reason: "needs_deck_no_context", Handler: HandlerNeedMoreInfo},
	},
	{
		Name:  "simple_rules_or_term",
		Match: func(in Input) bool { return !in.HasDeckContext && IsSimpleRulesOrTerm(in.Lower) },
		Outcome: Decision{
			Mode: ModeMiniOnly, Reason: "simple_rules_or_term",
			Model: MiniModel, MaxTokens: MiniCeilingTight,
		},
	},
	{
		Name:    "static_faq_match",
		Match:   func(in Input) bool { return FAQAnswer(in.Lower) != "" },
		Outcome: Decision{Mode: ModeNoLLM, Reason: "static_faq_match", Handler: HandlerStaticFAQ},
	},
	{
		Name:    "off_topic",
		Match:   func(in Input) bool { return hasNoScopeKeyword(in.Lower) },
		Outcome: Decision{Mode: ModeNoLLM, Reason: "off_topic", Handler: HandlerOffTopic},
	},
	{
		Name: "near_budget_cap",
		Match: func(in Input) bool {
			return in.NearBudgetCap && !deckAndComplex(in)
		},
		Outcome: Decision{
			Mode: ModeMiniOnly, Reason: "near_budget_cap",
			Model: MiniModel, MaxTokens: MiniCeilingNormal,
		},
	},
	{
		Name:    "deck_context_complex_or_long",
		Match:   deckAndComplex,
		Outcome: Decision{Mode: ModeFullLLM, Reason: "deck_context_complex_or_long"},
	},
	{
		Name: "simple_one_liner_no_deck",
		Match: func(in Input) bool {
			return !in.HasDeckContext &&
				utf8.RuneCountInString(in.Trimmed) <= maxOneLinerLen &&
				!IsDeckAnalysisRequest(in.Lower) &&
				!complexKeywords.MatchString(in.Lower)
		},
		Outcome: Decision{
			Mode: ModeMiniOnly, Reason: "simple_one_liner_no_deck",
			Model: MiniModel, MaxTokens: MiniCeilingNormal,
		},
	},
	{
		Name:    "default",
		Match:   func(Input) bool { return true },
		Outcome: Decision{Mode: ModeFullLLM, Reason: "default"},
	},
}

func deckAndComplex(in Input) bool {
	return in.HasDeckContext && (IsDeckAnalysisRequest(in.Lower) || IsLongAnswerRequest(in.Lower))
}

// Rules returns a copy of the ordered rule table.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// #endregion

// #region decide

// Decide classifies a request into an execution tier. Rules are evaluated in
// declaration order and the first match wins. No I/O, no model call.
func Decide(req Request) Decision {
	d, _ := Explain(req)
	return d
}

// Explain is Decide plus the name of the rule that fired.
func Explain(req Request) (Decision, string) {
	trimmed := strings.TrimSpace(req.Text)
	in := Input{
		Request: req,
		Trimmed: trimmed,
		Lower:   strings.ToLower(trimmed),
	}
	for _, r := range rules {
		if r.Match(in) {
			return r.Outcome, r.Name
		}
	}
	// unreachable: the last rule always matches
	return Decision{Mode: ModeFullLLM, Reason: "default"}, "default"
}

// #endregion
