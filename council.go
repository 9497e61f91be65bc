package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// ErrNoCouncilResponses is the one fatal pipeline condition: every
// council model failed in Stage 1, so there is nothing to rank or
// synthesize.
var ErrNoCouncilResponses = errors.New("all council models failed to respond")

// Council runs the 3-stage deliberation pipeline. All working data
// (label map, accumulated responses, degraded flag) is scoped to a
// single Run call; a Council instance itself is stateless and safe to
// reuse across turns.
type Council struct {
	cfg    *Config
	client *OpenRouterClient
	sink   func(StageEvent)
}

// NewCouncil creates a council over the given transport. The sink
// receives stage events in order, exactly once per stage, as each stage
// fully settles; a nil sink discards them.
func NewCouncil(cfg *Config, client *OpenRouterClient, sink func(StageEvent)) *Council {
	if sink == nil {
		sink = func(StageEvent) {}
	}
	return &Council{cfg: cfg, client: client, sink: sink}
}

func (c *Council) emit(ev StageEvent) {
	c.sink(ev)
}

// withInstructions prepends the configured custom instructions, if any.
func (c *Council) withInstructions(prompt string) string {
	if c.cfg.CustomInstructions == "" {
		return prompt
	}
	return c.cfg.CustomInstructions + "\n\n" + prompt
}

// Stage1CollectResponses collects individual responses from all council
// models in parallel. Every configured model yields a Stage1Response:
// failures carry their terminal error as data rather than aborting the
// turn. Returns results in configured model order so label assignment
// downstream is reproducible.
func (c *Council) Stage1CollectResponses(ctx context.Context, userQuery string, history []Message) []Stage1Response {
	return c.collectResponses(ctx, c.cfg.CouncilModels, userQuery, history)
}

func (c *Council) collectResponses(ctx context.Context, models []string, userQuery string, history []Message) []Stage1Response {
	fullQuery := userQuery
	if historyContext := c.historyContext(ctx, history); historyContext != "" {
		fullQuery = historyContext + userQuery
	}

	messages := []OpenRouterMessage{
		{Role: "user", Content: c.withInstructions(fullQuery)},
	}

	results := c.client.QueryModelsParallel(ctx, models, messages)

	stage1Results := make([]Stage1Response, 0, len(models))
	for _, model := range models {
		result := results[model]
		if result.Err != nil {
			stage1Results = append(stage1Results, Stage1Response{
				Model: model,
				Err:   result.Err.Error(),
			})
			continue
		}
		stage1Results = append(stage1Results, Stage1Response{
			Model:    model,
			Response: result.Reply.Content,
			Usage:    result.Reply.Usage,
		})
	}

	return stage1Results
}

// buildRankingPrompt builds the Stage-2 prompt for one ranker. The
// responses block lists the anonymized candidates; when rank_self is
// disabled the ranker's own response is left out of its block. Rankers
// of a follow-up question get the same conversation context the
// Stage-1 answers were written against.
func (c *Council) buildRankingPrompt(userQuery string, stage1Results []Stage1Response, labels *LabelMap, ranker string, history []Message) string {
	var responsesText strings.Builder
	for _, result := range stage1Results {
		if !result.OK() {
			continue
		}
		if !c.cfg.RankSelf && result.Model == ranker {
			continue
		}
		label, ok := labels.Reverse(result.Model)
		if !ok {
			continue
		}
		responsesText.WriteString(fmt.Sprintf("%s:\n%s\n\n", label, result.Response))
	}

	contextSection := ""
	if historyContext := formatConversationHistory(history, c.cfg.MaxHistoryExchanges); historyContext != "" {
		contextSection = fmt.Sprintf("Context from previous conversation:\n%s\n\n", historyContext)
	}

	return contextSection + fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, userQuery, responsesText.String())
}

// Stage2CollectRankings asks each successful Stage-1 model to rank the
// anonymized responses. Rankers that fail are simply absent from the
// result; parse failures yield an empty ordering. Neither is fatal.
func (c *Council) Stage2CollectRankings(ctx context.Context, userQuery string, stage1Results []Stage1Response, history []Message) ([]Stage2Ranking, *LabelMap) {
	labels := BuildLabelMap(stage1Results)

	var rankers []string
	for _, result := range stage1Results {
		if result.OK() {
			rankers = append(rankers, result.Model)
		}
	}

	g := new(errgroup.Group)
	replies := make([]*ModelReply, len(rankers))
	for i, model := range rankers {
		i, model := i, model
		prompt := c.buildRankingPrompt(userQuery, stage1Results, labels, model, history)
		g.Go(func() error {
			reply, err := c.client.QueryModel(ctx, model, []OpenRouterMessage{
				{Role: "user", Content: c.withInstructions(prompt)},
			})
			if err != nil {
				log.Error("ranking query failed", "model", model, "error", err)
				return nil
			}
			replies[i] = reply
			return nil
		})
	}
	_ = g.Wait()

	var stage2Results []Stage2Ranking
	for i, model := range rankers {
		reply := replies[i]
		if reply == nil {
			continue
		}
		parsed := ParseRanking(reply.Content)
		if parsed.Source == RankingEmpty {
			log.Warn("ranking text yielded no labels", "model", model)
		}
		stage2Results = append(stage2Results, Stage2Ranking{
			Model:         model,
			Ranking:       reply.Content,
			ParsedRanking: parsed.Labels,
			Usage:         reply.Usage,
		})
	}

	return stage2Results, labels
}

// Stage3SynthesizeFinal synthesizes the final response using the
// chairman model, with full Stage 1+2 context. Unlike the rankers, the
// chairman sees real model identities and the aggregate ranking
// summary.
func (c *Council) Stage3SynthesizeFinal(ctx context.Context, userQuery string, stage1Results []Stage1Response, stage2Results []Stage2Ranking, aggregate []AggregateRanking, history []Message) (*Stage3Response, error) {
	var stage1Text strings.Builder
	for _, result := range stage1Results {
		if !result.OK() {
			continue
		}
		stage1Text.WriteString(fmt.Sprintf("Model: %s\nResponse: %s\n\n", result.Model, result.Response))
	}

	var stage2Text strings.Builder
	for _, result := range stage2Results {
		stage2Text.WriteString(fmt.Sprintf("Model: %s\nRanking: %s\n\n", result.Model, result.Ranking))
	}

	var aggregateText strings.Builder
	for i, entry := range aggregate {
		aggregateText.WriteString(fmt.Sprintf("%d. %s (average rank %.2f across %d rankings)\n", i+1, entry.Model, entry.AverageRank, entry.RankingsCount))
	}

	contextSection := ""
	if historyContext := formatConversationHistory(history, c.cfg.MaxHistoryExchanges); historyContext != "" {
		contextSection = fmt.Sprintf("Previous Conversation Context:\n%s\n\n", historyContext)
	}

	chairmanPrompt := fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

%sOriginal Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s

AGGREGATE RANKING (consensus across peers, best first):
%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`, contextSection, userQuery, stage1Text.String(), stage2Text.String(), aggregateText.String())

	return c.queryChairman(ctx, c.cfg.ChairmanModel, chairmanPrompt)
}

// stage3SynthesizeQuick is the reduced synthesis path used in quick
// mode and for degraded turns: Stage-1 texts only, no ranking context.
func (c *Council) stage3SynthesizeQuick(ctx context.Context, userQuery string, stage1Results []Stage1Response, history []Message) (*Stage3Response, error) {
	var stage1Text strings.Builder
	for _, result := range stage1Results {
		if !result.OK() {
			continue
		}
		stage1Text.WriteString(fmt.Sprintf("Model: %s\nResponse: %s\n\n", result.Model, result.Response))
	}

	contextSection := ""
	if historyContext := formatConversationHistory(history, c.cfg.MaxHistoryExchanges); historyContext != "" {
		contextSection = fmt.Sprintf("Previous Conversation Context:\n%s\n\n", historyContext)
	}

	chairmanPrompt := fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question.

%sOriginal Question: %s

Model Responses:
%s

Your task as Chairman is to synthesize all of these responses into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their unique insights
- Areas of agreement across models
- Any contradictions or different perspectives

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`, contextSection, userQuery, stage1Text.String())

	return c.queryChairman(ctx, c.cfg.ChairmanModel, chairmanPrompt)
}

// stage3SynthesizeLight is the light-mode synthesis: a fast chairman
// combines the light slate's responses with a shorter prompt.
func (c *Council) stage3SynthesizeLight(ctx context.Context, userQuery string, stage1Results []Stage1Response, history []Message) (*Stage3Response, error) {
	var stage1Text strings.Builder
	for _, result := range stage1Results {
		if !result.OK() {
			continue
		}
		stage1Text.WriteString(fmt.Sprintf("Model: %s\nResponse: %s\n\n", result.Model, result.Response))
	}

	contextSection := ""
	if historyContext := formatConversationHistory(history, c.cfg.MaxHistoryExchanges); historyContext != "" {
		contextSection = fmt.Sprintf("Previous Conversation Context:\n%s\n\n", historyContext)
	}

	chairmanPrompt := fmt.Sprintf(`You are synthesizing responses from multiple AI models into a single clear answer.

%sQuestion: %s

Model Responses:
%s

Provide a concise, accurate answer combining the best insights from all responses:`, contextSection, userQuery, stage1Text.String())

	return c.queryChairman(ctx, c.cfg.LightChairmanModel, chairmanPrompt)
}

func (c *Council) queryChairman(ctx context.Context, model, prompt string) (*Stage3Response, error) {
	reply, err := c.client.QueryModel(ctx, model, []OpenRouterMessage{
		{Role: "user", Content: c.withInstructions(prompt)},
	})
	if err != nil {
		return nil, fmt.Errorf("chairman model query failed: %w", err)
	}

	return &Stage3Response{
		Model:    model,
		Response: reply.Content,
		Usage:    reply.Usage,
	}, nil
}

// RunFull runs the complete 3-stage council process, emitting stage
// events as each stage settles. The only fatal outcome is zero Stage-1
// successes; Stage-2 problems degrade the turn instead.
func (c *Council) RunFull(ctx context.Context, userQuery string, history []Message) (*TurnResult, error) {
	return c.run(ctx, userQuery, history, false)
}

// RunQuick runs the 2-stage variant: Stage 2 is skipped entirely and
// the chairman synthesizes directly from Stage-1 responses.
func (c *Council) RunQuick(ctx context.Context, userQuery string, history []Message) (*TurnResult, error) {
	return c.run(ctx, userQuery, history, true)
}

// RunLight runs the cheap variant for simple queries: the light model
// slate answers Stage 1, Stage 2 is skipped, and the light chairman
// synthesizes with a shorter prompt.
func (c *Council) RunLight(ctx context.Context, userQuery string, history []Message) (*TurnResult, error) {
	c.emit(StageEvent{Type: EventLightModeStart})
	stage1Results := c.collectResponses(ctx, c.cfg.LightCouncilModels, userQuery, history)

	succeeded := 0
	for _, r := range stage1Results {
		if r.OK() {
			succeeded++
		}
	}
	if succeeded == 0 {
		c.emit(StageEvent{Type: EventError, Status: StatusFailed, Message: ErrNoCouncilResponses.Error()})
		return nil, ErrNoCouncilResponses
	}

	stage1Status := StatusOK
	if succeeded < len(c.cfg.LightCouncilModels) {
		stage1Status = StatusDegraded
	}
	c.emit(StageEvent{Type: EventStage1Complete, Status: stage1Status, Data: stage1Results})
	c.emit(StageEvent{Type: EventStage2Skipped, Metadata: Metadata{LightMode: true}})

	stage3, err := c.stage3SynthesizeLight(ctx, userQuery, stage1Results, history)
	if err != nil {
		c.emit(StageEvent{Type: EventError, Status: StatusFailed, Message: err.Error()})
		return nil, err
	}

	metadata := Metadata{
		LightMode:  true,
		ModelsUsed: c.cfg.LightCouncilModels,
		Chairman:   c.cfg.LightChairmanModel,
	}
	c.emit(StageEvent{Type: EventStage3Complete, Status: StatusOK, Data: stage3, Metadata: metadata})

	return &TurnResult{
		Stage1:   stage1Results,
		Stage2:   []Stage2Ranking{},
		Stage3:   *stage3,
		Metadata: metadata,
	}, nil
}

func (c *Council) run(ctx context.Context, userQuery string, history []Message, quick bool) (*TurnResult, error) {
	// Stage 1: parallel independent responses.
	c.emit(StageEvent{Type: EventStage1Start})
	stage1Results := c.Stage1CollectResponses(ctx, userQuery, history)

	succeeded := 0
	for _, r := range stage1Results {
		if r.OK() {
			succeeded++
		}
	}
	if succeeded == 0 {
		c.emit(StageEvent{Type: EventError, Status: StatusFailed, Message: ErrNoCouncilResponses.Error()})
		return nil, ErrNoCouncilResponses
	}

	stage1Status := StatusOK
	if succeeded < len(c.cfg.CouncilModels) {
		stage1Status = StatusDegraded
	}
	c.emit(StageEvent{Type: EventStage1Complete, Status: stage1Status, Data: stage1Results})

	// Stage 2: anonymized peer ranking, skipped in quick mode. A turn
	// is degraded when it reaches the chairman without any usable
	// ranking; once set the flag is never cleared.
	var (
		stage2Results []Stage2Ranking
		aggregate     []AggregateRanking
		labels        *LabelMap
		degraded      bool
	)
	if !quick {
		c.emit(StageEvent{Type: EventStage2Start})
		stage2Results, labels = c.Stage2CollectRankings(ctx, userQuery, stage1Results, history)

		parsedCount := 0
		for _, r := range stage2Results {
			if len(r.ParsedRanking) > 0 {
				parsedCount++
			}
		}
		degraded = parsedCount == 0
		if degraded {
			log.Warn("stage 2 produced no usable rankings, turn degraded",
				"rankers", succeeded, "rankings", len(stage2Results))
		}

		aggregate = CalculateAggregateRankings(stage2Results, labels, c.cfg.CouncilModels)

		stage2Status := StatusOK
		if degraded {
			stage2Status = StatusDegraded
		}
		c.emit(StageEvent{
			Type:   EventStage2Complete,
			Status: stage2Status,
			Data:   stage2Results,
			Metadata: Metadata{
				LabelToModel:      labels.LabelToModel(),
				AggregateRankings: aggregate,
				Degraded:          degraded,
			},
		})
	}

	// Stage 3: chairman synthesis. Degraded and quick turns use the
	// reduced prompt built from Stage-1 texts only.
	c.emit(StageEvent{Type: EventStage3Start})
	var (
		stage3 *Stage3Response
		err    error
	)
	if quick || degraded {
		stage3, err = c.stage3SynthesizeQuick(ctx, userQuery, stage1Results, history)
	} else {
		stage3, err = c.Stage3SynthesizeFinal(ctx, userQuery, stage1Results, stage2Results, aggregate, history)
	}
	if err != nil {
		c.emit(StageEvent{Type: EventError, Status: StatusFailed, Message: err.Error()})
		return nil, err
	}

	stage3Status := StatusOK
	if degraded {
		stage3Status = StatusDegraded
	}
	c.emit(StageEvent{Type: EventStage3Complete, Status: stage3Status, Data: stage3})

	metadata := Metadata{
		QuickMode: quick,
		Degraded:  degraded,
	}
	if labels != nil {
		metadata.LabelToModel = labels.LabelToModel()
		metadata.AggregateRankings = aggregate
	}

	if stage2Results == nil {
		stage2Results = []Stage2Ranking{}
	}
	return &TurnResult{
		Stage1:   stage1Results,
		Stage2:   stage2Results,
		Stage3:   *stage3,
		Metadata: metadata,
	}, nil
}

// GenerateConversationTitle generates a short title for a conversation
// using the configured fast title model. Callers bound the wait so a
// slow or failed title never delays the answer itself.
func (c *Council) GenerateConversationTitle(ctx context.Context, userQuery string) (string, error) {
	titlePrompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TitleGenTimeout)
	defer cancel()

	reply, err := c.client.QueryModel(ctx, c.cfg.TitleModel, []OpenRouterMessage{
		{Role: "user", Content: titlePrompt},
	})
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.TrimSpace(reply.Content)
	title = strings.Trim(title, "\"'")
	// Truncate on rune boundaries: a byte slice could split a multi-byte
	// character in a user-visible string.
	if runes := []rune(title); len(runes) > 50 {
		title = string(runes[:47]) + "..."
	}

	return title, nil
}

// formatConversationHistory formats the last maxExchanges exchanges for
// inclusion in prompts. Long council answers are truncated to save
// tokens.
func formatConversationHistory(messages []Message, maxExchanges int) string {
	if len(messages) == 0 {
		return ""
	}

	recent := messages
	if keep := maxExchanges * 2; len(recent) > keep {
		recent = recent[len(recent)-keep:]
	}

	var historyParts []string
	for _, msg := range recent {
		switch msg.Role {
		case "user":
			historyParts = append(historyParts, "User: "+msg.Content)
		case "assistant":
			if msg.Stage3 == nil {
				continue
			}
			response := msg.Stage3.Response
			if len(response) > 1000 {
				response = response[:1000] + "..."
			}
			if response != "" {
				historyParts = append(historyParts, "Council: "+response)
			}
		}
	}

	if len(historyParts) == 0 {
		return ""
	}

	return "[Previous conversation]\n" + strings.Join(historyParts, "\n\n") + "\n\n[Current question]\n"
}

// historyContext formats history for Stage 1, summarizing older
// exchanges once the conversation outgrows the exchange threshold or
// the token budget.
func (c *Council) historyContext(ctx context.Context, messages []Message) string {
	if len(messages) == 0 {
		return ""
	}

	numExchanges := len(messages) / 2
	if numExchanges <= c.cfg.SummarizationThreshold &&
		!ShouldSummarizeHistory(messages, c.cfg.HistoryTokenBudget) {
		return formatConversationHistory(messages, c.cfg.MaxHistoryExchanges)
	}

	recentCount := c.cfg.RecentExchangesToKeep * 2
	var older, recent []Message
	if recentCount < len(messages) {
		older = messages[:len(messages)-recentCount]
		recent = messages[len(messages)-recentCount:]
	} else {
		recent = messages
	}

	summary := ""
	if len(older) > 0 {
		summary = c.summarizeConversation(ctx, older)
	}

	var historyParts []string
	for _, msg := range recent {
		switch msg.Role {
		case "user":
			historyParts = append(historyParts, "User: "+msg.Content)
		case "assistant":
			if msg.Stage3 == nil {
				continue
			}
			response := msg.Stage3.Response
			if len(response) > 1000 {
				response = response[:1000] + "..."
			}
			if response != "" {
				historyParts = append(historyParts, "Council: "+response)
			}
		}
	}

	contextParts := []string{"[Previous conversation]"}
	if summary != "" {
		contextParts = append(contextParts, "[Summary of earlier discussion]\n"+summary)
	}
	if len(historyParts) > 0 {
		contextParts = append(contextParts, "[Recent exchanges]\n"+strings.Join(historyParts, "\n\n"))
	}
	contextParts = append(contextParts, "[Current question]")

	return strings.Join(contextParts, "\n\n") + "\n"
}

// summarizeConversation condenses older exchanges with the fast summary
// model. Falls back to a generic line on failure; the summary is
// best-effort context, never a hard dependency.
func (c *Council) summarizeConversation(ctx context.Context, messages []Message) string {
	var conversationText []string
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			conversationText = append(conversationText, "User: "+msg.Content)
		case "assistant":
			if msg.Stage3 == nil {
				continue
			}
			response := msg.Stage3.Response
			if len(response) > 500 {
				response = response[:500] + "..."
			}
			if response != "" {
				conversationText = append(conversationText, "Council: "+response)
			}
		}
	}
	if len(conversationText) == 0 {
		return ""
	}

	summaryPrompt := fmt.Sprintf(`Summarize the following conversation in 2-3 concise sentences.
Focus on the main topics discussed and any important conclusions or decisions.

Conversation:
%s

Summary:`, strings.Join(conversationText, "\n"))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TitleGenTimeout)
	defer cancel()

	reply, err := c.client.QueryModel(ctx, c.cfg.SummaryModel, []OpenRouterMessage{
		{Role: "user", Content: summaryPrompt},
	})
	if err != nil {
		log.Warn("history summarization failed, using fallback", "error", err)
		return "Previous discussion covered multiple topics."
	}

	return strings.TrimSpace(reply.Content)
}
