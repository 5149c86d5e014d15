package duo

import "strings"

// EstimateTokens approximates the token count of text by whitespace-split
// word count, floored at 1. Local backends each have their own tokenizer,
// so this is a budget heuristic, not an exact count.
func EstimateTokens(text string) int {
	n := len(strings.Fields(text))
	if n < 1 {
		return 1
	}
	return n
}

// TranscriptTokens sums the estimated tokens of all messages.
func TranscriptTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	return total
}

// TruncateTranscript drops oldest messages until the transcript fits the
// token budget. Messages are never split: the newest message survives even
// when it alone exceeds the budget, so a turn always has some context.
func TruncateTranscript(msgs []Message, budget int) []Message {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}
	total := TranscriptTokens(msgs)
	start := 0
	for start < len(msgs)-1 && total > budget {
		total -= EstimateTokens(msgs[start].Content)
		start++
	}
	return msgs[start:]
}
