package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestHelper provides utilities for tests
type TestHelper struct {
	t       *testing.T
	tempDir string
}

// NewTestHelper creates a new test helper
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// CreateTempDir creates a temporary directory for testing
func (h *TestHelper) CreateTempDir() string {
	tempDir, err := os.MkdirTemp("", "llm-council-test-*")
	if err != nil {
		h.t.Fatalf("Failed to create temp dir: %v", err)
	}
	h.tempDir = tempDir
	return tempDir
}

// Cleanup removes the temporary directory
func (h *TestHelper) Cleanup() {
	if h.tempDir != "" {
		os.RemoveAll(h.tempDir)
	}
}

// AssertEqual checks if two values are equal
func (h *TestHelper) AssertEqual(got, want interface{}, message string) {
	if got != want {
		h.t.Errorf("%s: got %v, want %v", message, got, want)
	}
}

// AssertNoError checks if an error is nil
func (h *TestHelper) AssertNoError(err error, message string) {
	if err != nil {
		h.t.Errorf("%s: unexpected error: %v", message, err)
	}
}

// AssertError checks if an error is not nil
func (h *TestHelper) AssertError(err error, message string) {
	if err == nil {
		h.t.Errorf("%s: expected error, got nil", message)
	}
}

// testRetryConfig returns retry tuning fast enough for tests
func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     20 * time.Millisecond,
	}
}

// testClient builds a client against a mock server with zero jitter
func testClient(serverURL string) *OpenRouterClient {
	return NewOpenRouterClient(ClientConfig{
		APIKey:         "test-key",
		BaseURL:        serverURL,
		RequestTimeout: 5 * time.Second,
		Retry:          testRetryConfig(),
		Jitter:         func() float64 { return 0 },
	})
}

// testConfig builds a full config wired to a mock server and a temp
// data dir
func testConfig(t *testing.T, serverURL string) *Config {
	cfg := DefaultConfig()
	cfg.OpenRouterAPIKey = "test-key"
	cfg.OpenRouterAPIURL = serverURL
	cfg.CouncilModels = []string{"test/alpha", "test/beta", "test/gamma"}
	cfg.ChairmanModel = "test/chairman"
	cfg.TitleModel = "test/title"
	cfg.SummaryModel = "test/title"
	cfg.LightCouncilModels = []string{"test/light-one", "test/light-two"}
	cfg.LightChairmanModel = "test/light-chairman"
	cfg.Retry = testRetryConfig()
	cfg.ModelQueryTimeout = 5 * time.Second
	cfg.TitleGenTimeout = 2 * time.Second
	cfg.TitleWaitBound = 2 * time.Second
	cfg.DataDir = t.TempDir()
	return cfg
}

// completionJSON writes a successful chat-completion response
func completionJSON(w http.ResponseWriter, content string) {
	resp := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{"content": content}},
		},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": 20,
			"total_tokens":      30,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// decodeCompletionRequest reads the model and last prompt out of a
// request body
func decodeCompletionRequest(t *testing.T, r *http.Request) (model, prompt string) {
	var req OpenRouterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("Failed to decode request body: %v", err)
		return "", ""
	}
	if len(req.Messages) == 0 {
		return req.Model, ""
	}
	return req.Model, req.Messages[len(req.Messages)-1].Content
}

// MockOpenRouterServer creates a mock OpenRouter server whose replies
// are decided per request by respond. A status of 0 (or 200) means
// "reply with content and 200"; any other status is written as an
// error body.
func MockOpenRouterServer(t *testing.T, respond func(model, prompt string) (content string, status int)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Errorf("Missing Authorization header")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}

		model, prompt := decodeCompletionRequest(t, r)
		content, status := respond(model, prompt)
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":"mock failure"}`))
			return
		}
		completionJSON(w, content)
	}))
}

// statusSequenceHandler replays a fixed status sequence (0 meaning
// success with content), then keeps succeeding. It counts requests.
type statusSequenceHandler struct {
	mu       sync.Mutex
	statuses []int
	content  string
	requests int
}

func (h *statusSequenceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	i := h.requests
	h.requests++
	h.mu.Unlock()

	if i < len(h.statuses) && h.statuses[i] != 0 {
		w.WriteHeader(h.statuses[i])
		w.Write([]byte(`{"error":"mock failure"}`))
		return
	}
	completionJSON(w, h.content)
}

func (h *statusSequenceHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests
}

// isRankingPrompt reports whether a prompt is the Stage-2 ranking
// prompt rather than a Stage-1 question or chairman synthesis.
func isRankingPrompt(prompt string) bool {
	return strings.Contains(prompt, "FINAL RANKING") && strings.Contains(prompt, "anonymized")
}

// isChairmanPrompt reports whether a prompt is a Stage-3 synthesis
// prompt.
func isChairmanPrompt(prompt string) bool {
	return strings.Contains(prompt, "You are the Chairman")
}

// isLightChairmanPrompt reports whether a prompt is the light-mode
// synthesis prompt.
func isLightChairmanPrompt(prompt string) bool {
	return strings.Contains(prompt, "You are synthesizing responses from multiple AI models")
}

// SampleConversation creates a sample conversation for testing
func SampleConversation(id string) *Conversation {
	return &Conversation{
		ID:        id,
		CreatedAt: testTime(),
		Title:     "Test Conversation",
		Messages: []Message{
			{
				Role:    "user",
				Content: "What is Go?",
			},
			{
				Role: "assistant",
				Stage1: []Stage1Response{
					{Model: "test/model1", Response: "Go is a programming language."},
					{Model: "test/model2", Response: "Go is developed by Google."},
				},
				Stage2: []Stage2Ranking{
					{
						Model:         "test/model1",
						Ranking:       "FINAL RANKING:\n1. Response B\n2. Response A",
						ParsedRanking: []string{"Response B", "Response A"},
					},
				},
				Stage3: &Stage3Response{
					Model:    "test/chairman",
					Response: "Go is a programming language developed by Google.",
				},
			},
		},
	}
}

// testTime returns a fixed time for testing
func testTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}
