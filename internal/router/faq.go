package router

import "regexp"

// #region faq

type faqEntry struct {
	patterns []*regexp.Regexp
	answer   string
}

var faqEntries = []faqEntry{
	{
		patterns: compileAll(`\bbudget\s+swap\b.*\b(do|work|mean)\b`, `\bwhat\s+(does|is)\s+(the\s+)?budget\s+swap\b`),
		answer:   "Budget Swap suggests cheaper replacements for expensive cards in a linked deck while keeping the deck's role coverage.",
	},
	{
		patterns: compileAll(`\bpaste\s+(a\s+|my\s+)?deck\s*list\b`),
		answer:   "Open the deck builder, choose Import, and paste one card per line (for example \"1 Sol Ring\").",
	},
	{
		patterns: compileAll(`\blink\s+(a\s+|my\s+)?deck\b.*\bchat\b`, `\blink\s+(a\s+|my\s+)?deck\s+to\b`),
		answer:   "Use the deck picker above the chat box to attach one of your saved decks to the conversation.",
	},
	{
		patterns: compileAll(`\b(is|are)\s+(it|this|the app)\s+free\b`, `\bhow\s+much\s+does\s+(pro|premium)\s+cost\b`),
		answer:   "The core tools are free; Pro raises usage limits and unlocks deck-wide analysis history.",
	},
}

// FAQAnswer returns the canned answer for an app FAQ question, or "".
func FAQAnswer(text string) string {
	for _, e := range faqEntries {
		if anyMatch(e.patterns, text) {
			return e.answer
		}
	}
	return ""
}

// #endregion
