package troupe

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Token counting backs the context-budget checks in history assembly.
// The cl100k_base encoding is loaded once; when it is unavailable (offline
// environments) counting falls back to a fast estimate.

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// CountTokens returns the token count of s under cl100k_base, or an
// estimate when the encoding is unavailable.
func CountTokens(s string) int {
	if e := encoding(); e != nil {
		return len(e.Encode(s, nil, nil))
	}
	return estimateTokens(s)
}

// estimateTokens approximates the token count as max(runes/4, words).
// English prose runs ~4 chars per token; the word count catches
// whitespace-heavy input where runes/4 undercounts.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	byRunes := utf8.RuneCountInString(s) / 4
	byWords := len(strings.Fields(s))
	if byWords > byRunes {
		return byWords
	}
	return byRunes
}

// messageTokens counts one message including a small per-message framing
// overhead and any tool call payloads.
func messageTokens(m ChatMessage) int {
	n := 4 + CountTokens(m.Content)
	for _, tc := range m.ToolCalls {
		n += CountTokens(tc.Name) + CountTokens(string(tc.Args))
	}
	return n
}

// messagesTokens counts an assembled message list.
func messagesTokens(msgs []ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += messageTokens(m)
	}
	return total
}
