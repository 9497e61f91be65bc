package main

import "time"

// TokenUsage reports token counts as returned by the OpenRouter API.
// Absent when the API did not report usage for a call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Stage1Response represents a single model's response in Stage 1.
// Response and Err are mutually exclusive: a failed model carries its
// terminal error as data so the orchestrator can branch on it instead
// of unwinding.
type Stage1Response struct {
	Model    string      `json:"model"`
	Response string      `json:"response,omitempty"`
	Usage    *TokenUsage `json:"usage,omitempty"`
	Err      string      `json:"error,omitempty"`
}

// OK reports whether the model produced a usable response.
func (r Stage1Response) OK() bool {
	return r.Err == "" && r.Response != ""
}

// Stage2Ranking represents a model's ranking of the anonymized responses.
type Stage2Ranking struct {
	Model         string      `json:"model"`
	Ranking       string      `json:"ranking"`
	ParsedRanking []string    `json:"parsed_ranking"`
	Usage         *TokenUsage `json:"usage,omitempty"`
}

// Stage3Response represents the chairman's final synthesis.
type Stage3Response struct {
	Model    string      `json:"model"`
	Response string      `json:"response"`
	Usage    *TokenUsage `json:"usage,omitempty"`
}

// AggregateRanking is the consensus position of one model across all
// peer rankings. Recomputed each turn; never authoritative state.
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// Metadata contains the ephemeral per-turn information returned to the
// caller but never persisted: label mappings and aggregate rankings can
// be regenerated from the stored rankings at any time.
type Metadata struct {
	LabelToModel      map[string]string  `json:"label_to_model,omitempty"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings,omitempty"`
	QuickMode         bool               `json:"quick_mode,omitempty"`
	LightMode         bool               `json:"light_mode,omitempty"`
	ModelsUsed        []string           `json:"models_used,omitempty"`
	Chairman          string             `json:"chairman,omitempty"`
	Degraded          bool               `json:"degraded,omitempty"`
}

// TurnResult is the delivery projection of one council turn: everything
// the caller sees, including the ephemeral Metadata. The storage
// projection is built by Message() and excludes it.
type TurnResult struct {
	Stage1   []Stage1Response `json:"stage1"`
	Stage2   []Stage2Ranking  `json:"stage2"`
	Stage3   Stage3Response   `json:"stage3"`
	Metadata Metadata         `json:"metadata"`
}

// Message converts the turn into its persisted form.
func (t *TurnResult) Message() Message {
	stage3 := t.Stage3
	return Message{
		Role:   "assistant",
		Stage1: t.Stage1,
		Stage2: t.Stage2,
		Stage3: &stage3,
	}
}

// Message represents a single message in a conversation.
type Message struct {
	Role    string           `json:"role"`
	Content string           `json:"content,omitempty"`
	Stage1  []Stage1Response `json:"stage1,omitempty"`
	Stage2  []Stage2Ranking  `json:"stage2,omitempty"`
	Stage3  *Stage3Response  `json:"stage3,omitempty"`
}

// Conversation represents a full conversation with all messages.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
}

// ConversationMetadata represents conversation list metadata.
type ConversationMetadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
}

// Stage event types, emitted in fixed order as each stage settles.
const (
	EventStage1Start    = "stage1_start"
	EventStage1Complete = "stage1_complete"
	EventStage2Start    = "stage2_start"
	EventStage2Complete = "stage2_complete"
	EventStage3Start    = "stage3_start"
	EventStage3Complete = "stage3_complete"
	EventLightModeStart = "light_mode_start"
	EventStage2Skipped  = "stage2_skipped"
	EventTitleComplete  = "title_complete"
	EventComplete       = "complete"
	EventError          = "error"
)

// Stage event statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// StageEvent is one entry in the ordered event stream a turn produces.
// The orchestrator guarantees emission order and exactly-once emission
// per stage; how events reach a client (SSE, polling) is the caller's
// concern.
type StageEvent struct {
	Type     string `json:"type"`
	Status   string `json:"status,omitempty"`
	Data     any    `json:"data,omitempty"`
	Metadata any    `json:"metadata,omitempty"`
	Message  string `json:"message,omitempty"`
}

// OpenRouterMessage represents a message for the OpenRouter API.
type OpenRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenRouterRequest represents a request to the OpenRouter API.
type OpenRouterRequest struct {
	Model    string              `json:"model"`
	Messages []OpenRouterMessage `json:"messages"`
}

// ModelReply is one model's answer as returned by the transport.
type ModelReply struct {
	Content          string      `json:"content"`
	Usage            *TokenUsage `json:"usage,omitempty"`
	ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
}

// openRouterAPIResponse mirrors the wire shape of a chat completion.
type openRouterAPIResponse struct {
	Choices []struct {
		Message struct {
			Content          string      `json:"content"`
			ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage *TokenUsage `json:"usage,omitempty"`
}

// SendMessageRequest represents a request to send a message. LightMode
// takes precedence over QuickMode when both are set.
type SendMessageRequest struct {
	Content   string `json:"content" binding:"required"`
	QuickMode bool   `json:"quick_mode"`
	LightMode bool   `json:"light_mode"`
}

// SendMessageResponse represents the response after sending a message.
type SendMessageResponse struct {
	Stage1   []Stage1Response `json:"stage1"`
	Stage2   []Stage2Ranking  `json:"stage2"`
	Stage3   Stage3Response   `json:"stage3"`
	Metadata Metadata         `json:"metadata"`
}
