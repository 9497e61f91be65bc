package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestQueryModel tests QueryModel with a mock server
func TestQueryModel(t *testing.T) {
	t.Run("successful query", func(t *testing.T) {
		server := MockOpenRouterServer(t, func(model, prompt string) (string, int) {
			if model != "test/model" {
				t.Errorf("model = %q, want test/model", model)
			}
			return "Test response content", 0
		})
		defer server.Close()

		client := testClient(server.URL)
		reply, err := client.QueryModel(context.Background(), "test/model", []OpenRouterMessage{
			{Role: "user", Content: "Test question"},
		})

		if err != nil {
			t.Fatalf("QueryModel failed: %v", err)
		}
		if reply.Content != "Test response content" {
			t.Errorf("Content = %q, want 'Test response content'", reply.Content)
		}
		if reply.Usage == nil || reply.Usage.TotalTokens != 30 {
			t.Errorf("Usage = %+v, want total 30", reply.Usage)
		}
	})

	t.Run("empty model rejected", func(t *testing.T) {
		client := testClient("http://unused")
		_, err := client.QueryModel(context.Background(), "", []OpenRouterMessage{{Role: "user", Content: "x"}})
		if err == nil {
			t.Error("Expected error for empty model, got nil")
		}
	})

	t.Run("empty messages rejected", func(t *testing.T) {
		client := testClient("http://unused")
		_, err := client.QueryModel(context.Background(), "test/model", nil)
		if err == nil {
			t.Error("Expected error for empty messages, got nil")
		}
	})

	t.Run("invalid JSON response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("{ invalid json }"))
		}))
		defer server.Close()

		client := testClient(server.URL)
		_, err := client.QueryModel(context.Background(), "test/model", []OpenRouterMessage{{Role: "user", Content: "x"}})
		if err == nil {
			t.Error("Expected error for invalid JSON, got nil")
		}
	})

	t.Run("empty choices in response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"choices":[]}`))
		}))
		defer server.Close()

		client := testClient(server.URL)
		_, err := client.QueryModel(context.Background(), "test/model", []OpenRouterMessage{{Role: "user", Content: "x"}})
		if err == nil {
			t.Error("Expected error for empty choices, got nil")
		}
	})
}

// TestQueryModelRetry tests the retry policy against scripted status
// sequences
func TestQueryModelRetry(t *testing.T) {
	t.Run("429 then success", func(t *testing.T) {
		handler := &statusSequenceHandler{statuses: []int{429}, content: "recovered"}
		server := httptest.NewServer(handler)
		defer server.Close()

		client := testClient(server.URL)
		start := time.Now()
		reply, err := client.QueryModel(context.Background(), "test/model", []OpenRouterMessage{{Role: "user", Content: "x"}})
		elapsed := time.Since(start)

		if err != nil {
			t.Fatalf("QueryModel failed: %v", err)
		}
		if reply.Content != "recovered" {
			t.Errorf("Content = %q, want 'recovered'", reply.Content)
		}
		if handler.count() != 2 {
			t.Errorf("requests = %d, want 2", handler.count())
		}
		// Exactly one backoff wait: initial delay 1ms with zero jitter,
		// well under the 20ms max
		if elapsed < 1*time.Millisecond {
			t.Errorf("elapsed %v, expected at least one backoff wait", elapsed)
		}
	})

	t.Run("retries each retryable status once", func(t *testing.T) {
		for _, status := range []int{408, 429, 500, 502, 503, 504} {
			handler := &statusSequenceHandler{statuses: []int{status}, content: "ok"}
			server := httptest.NewServer(handler)

			client := testClient(server.URL)
			_, err := client.QueryModel(context.Background(), "test/model", []OpenRouterMessage{{Role: "user", Content: "x"}})
			server.Close()

			if err != nil {
				t.Errorf("status %d: expected recovery, got %v", status, err)
			}
			if handler.count() != 2 {
				t.Errorf("status %d: requests = %d, want 2", status, handler.count())
			}
		}
	})

	t.Run("non-retryable fails immediately", func(t *testing.T) {
		handler := &statusSequenceHandler{statuses: []int{401, 0}, content: "never"}
		server := httptest.NewServer(handler)
		defer server.Close()

		client := testClient(server.URL)
		_, err := client.QueryModel(context.Background(), "test/model", []OpenRouterMessage{{Role: "user", Content: "x"}})

		if err == nil {
			t.Fatal("Expected error for 401, got nil")
		}
		if handler.count() != 1 {
			t.Errorf("requests = %d, want 1 (no retry budget spent)", handler.count())
		}
	})

	t.Run("budget exhaustion", func(t *testing.T) {
		handler := &statusSequenceHandler{statuses: []int{503, 503, 503, 503, 503}, content: "never"}
		server := httptest.NewServer(handler)
		defer server.Close()

		client := testClient(server.URL)
		_, err := client.QueryModel(context.Background(), "test/model", []OpenRouterMessage{{Role: "user", Content: "x"}})

		if err == nil {
			t.Fatal("Expected error after exhausting retries, got nil")
		}
		// MaxRetries=3 means 4 attempts total
		if handler.count() != 4 {
			t.Errorf("requests = %d, want 4", handler.count())
		}
	})
}

// TestAPIErrorRetryable tests status classification
func TestAPIErrorRetryable(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{408, true},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
	}

	for _, tt := range tests {
		err := &APIError{StatusCode: tt.status}
		if got := err.Retryable(); got != tt.retryable {
			t.Errorf("Retryable(%d) = %v, want %v", tt.status, got, tt.retryable)
		}
	}
}

// TestBackoffDelay tests the backoff curve with zero jitter
func TestBackoffDelay(t *testing.T) {
	client := NewOpenRouterClient(ClientConfig{
		BaseURL: "http://unused",
		Retry: RetryConfig{
			MaxRetries:   5,
			InitialDelay: 1 * time.Second,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
		},
		Jitter: func() float64 { return 0 },
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second}, // capped
		{4, 5 * time.Second}, // capped
	}

	for _, tt := range tests {
		if got := client.backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// TestBackoffJitterBounds tests the jitter stays within one second
func TestBackoffJitterBounds(t *testing.T) {
	client := NewOpenRouterClient(ClientConfig{
		BaseURL: "http://unused",
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: 1 * time.Second,
			Multiplier:   2.0,
			MaxDelay:     time.Hour,
		},
		Jitter: func() float64 { return 0.999 },
	})

	got := client.backoffDelay(0)
	if got < 1*time.Second || got >= 2*time.Second {
		t.Errorf("backoffDelay(0) = %v, want within [1s, 2s)", got)
	}
}

// TestQueryModelsParallel tests fan-out with partial failure
func TestQueryModelsParallel(t *testing.T) {
	server := MockOpenRouterServer(t, func(model, prompt string) (string, int) {
		if model == "test/broken" {
			return "", 400
		}
		return "answer from " + model, 0
	})
	defer server.Close()

	client := testClient(server.URL)
	models := []string{"test/alpha", "test/broken", "test/beta"}
	results := client.QueryModelsParallel(context.Background(), models, []OpenRouterMessage{{Role: "user", Content: "q"}})

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3 (every model settles)", len(results))
	}
	if results["test/alpha"].Err != nil || results["test/alpha"].Reply.Content != "answer from test/alpha" {
		t.Errorf("alpha = %+v, want success", results["test/alpha"])
	}
	if results["test/broken"].Err == nil {
		t.Error("broken model should carry a terminal error")
	}
	if results["test/beta"].Err != nil {
		t.Errorf("beta failed: %v", results["test/beta"].Err)
	}
}
