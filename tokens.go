package main

// Rough token estimate: one token per this many characters.
const tokensPerCharEstimate = 4

// EstimateTokens estimates the token count of a text. OpenRouter models
// tokenize differently, so this is deliberately a coarse chars/4
// estimate; it only gates the history-summarization decision.
func EstimateTokens(text string) int {
	return len(text) / tokensPerCharEstimate
}

// CountMessagesTokens estimates tokens for an API message list,
// including per-message role/format overhead.
func CountMessagesTokens(messages []OpenRouterMessage) int {
	total := 0
	for _, message := range messages {
		total += EstimateTokens(message.Content)
		total += 4
	}
	return total + 5
}

// ShouldSummarizeHistory reports whether a conversation's history has
// outgrown the token budget and older exchanges should be summarized
// before prompting the council.
func ShouldSummarizeHistory(messages []Message, maxTokens int) bool {
	total := 0
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			total += EstimateTokens(msg.Content)
		case "assistant":
			if msg.Stage3 != nil {
				total += EstimateTokens(msg.Stage3.Response)
			}
		}
		if total >= maxTokens {
			return true
		}
	}
	return false
}
