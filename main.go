package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Server wires the council pipeline to the HTTP API. Everything it
// holds is constructed once at startup; per-turn state lives inside
// each request's Council run.
type Server struct {
	cfg     *Config
	client  *OpenRouterClient
	store   *ConversationStore
	pages   *PageCache
	limiter *ipRateLimiter
}

// NewServer builds a server from configuration.
func NewServer(cfg *Config) *Server {
	return &Server{
		cfg: cfg,
		client: NewOpenRouterClient(ClientConfig{
			APIKey:         cfg.OpenRouterAPIKey,
			BaseURL:        cfg.OpenRouterAPIURL,
			RequestTimeout: cfg.ModelQueryTimeout,
			Retry:          cfg.Retry,
		}),
		store:   NewConversationStore(cfg.DataDir),
		pages:   NewPageCache(cfg.PageCacheTTL),
		limiter: newIPRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
	}
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatal("failed to load configuration", "error", err)
	}

	server := NewServer(cfg)
	router := server.Router()

	log.Info("starting LLM Council backend", "port", 8001)
	if err := router.Run(":8001"); err != nil {
		log.Fatal("failed to start server", "error", err)
	}
}

// Router builds the gin engine with all middleware and routes.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()

	// Request size limit middleware
	maxBody := s.cfg.MaxRequestBodySize
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	allowedOrigins := s.cfg.CORSAllowedOrigins
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			// In production, use environment-configured origins
			if len(allowedOrigins) > 0 && allowedOrigins[0] != "" {
				for _, allowedOrigin := range allowedOrigins {
					if origin == allowedOrigin {
						return true
					}
				}
				return false
			}
			// In development, allow any localhost/127.0.0.1 origin
			return len(origin) > 0 && (len(origin) >= 16 && origin[:16] == "http://localhost" ||
				len(origin) >= 14 && origin[:14] == "http://127.0.0")
		},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	router.GET("/", s.healthCheck)
	router.GET("/api/conversations", s.listConversationsHandler)
	router.POST("/api/conversations", s.createConversationHandler)
	router.GET("/api/conversations/:id", s.getConversationHandler)
	router.POST("/api/conversations/:id/message", s.rateLimit(), s.sendMessageHandler)
	router.POST("/api/conversations/:id/message/stream", s.rateLimit(), s.sendMessageStreamHandler)
	router.POST("/api/fetch-url", s.fetchURLHandler)

	return router
}

// ipRateLimiter keeps one token bucket per client IP for the message
// endpoints.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPRateLimiter(perMinute, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// rateLimit rejects clients that exceed the per-IP message budget.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// healthCheck returns a simple health check response.
// GET / - Returns service status information.
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "LLM Council API",
	})
}

// listConversationsHandler lists all conversations with metadata only.
// GET /api/conversations - Returns array of conversation metadata sorted by date.
func (s *Server) listConversationsHandler(c *gin.Context) {
	conversations, err := s.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// createConversationHandler creates a new conversation.
// POST /api/conversations - Generates a new UUID and creates an empty conversation.
func (s *Server) createConversationHandler(c *gin.Context) {
	conversationID := uuid.New().String()

	conversation, err := s.store.Create(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// getConversationHandler gets a specific conversation by ID.
// GET /api/conversations/:id - Returns full conversation including all messages.
func (s *Server) getConversationHandler(c *gin.Context) {
	conversationID := c.Param("id")

	conversation, err := s.store.Get(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}

	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// generateTitleAsync kicks off background title generation for the
// first message of a conversation. The returned channel settles with
// the title (or closes empty on failure); callers bound their wait on
// it so the answer is never delayed by a slow title.
func (s *Server) generateTitleAsync(ctx context.Context, conversationID, content string) chan string {
	titleChan := make(chan string, 1)
	council := NewCouncil(s.cfg, s.client, nil)
	go func() {
		defer close(titleChan)
		title, err := council.GenerateConversationTitle(ctx, content)
		if err != nil {
			log.Warn("failed to generate title", "conversation", conversationID, "error", err)
			title = "New Conversation"
		}
		if err := s.store.UpdateTitle(conversationID, title); err != nil {
			log.Warn("failed to save title", "conversation", conversationID, "error", err)
			return
		}
		titleChan <- title
	}()
	return titleChan
}

// runCouncilTurn runs the pipeline for one user message and persists
// the result. Light mode wins over quick mode when a request sets both.
// A persistence failure is logged but does not fail the
// already-computed answer.
func (s *Server) runCouncilTurn(ctx context.Context, conversationID string, req SendMessageRequest, history []Message, sink func(StageEvent)) (*TurnResult, error) {
	council := NewCouncil(s.cfg, s.client, sink)

	var (
		turn *TurnResult
		err  error
	)
	switch {
	case req.LightMode:
		turn, err = council.RunLight(ctx, req.Content, history)
	case req.QuickMode || s.cfg.QuickMode:
		turn, err = council.RunQuick(ctx, req.Content, history)
	default:
		turn, err = council.RunFull(ctx, req.Content, history)
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.AddTurn(conversationID, turn); err != nil {
		log.Error("failed to persist turn, answer delivered but not recorded",
			"conversation", conversationID, "error", err)
	}

	return turn, nil
}

// sendMessageHandler sends a message and runs the 3-stage council process.
// POST /api/conversations/:id/message - Runs full council and returns all stages at once.
// Use sendMessageStreamHandler for the SSE streaming version.
func (s *Server) sendMessageHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	conversation, err := s.store.Get(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	history := conversation.Messages
	isFirstMessage := len(history) == 0

	if err := s.store.AddUserMessage(conversationID, request.Content); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to add user message: %v", err),
		})
		return
	}

	if isFirstMessage {
		s.generateTitleAsync(context.Background(), conversationID, request.Content)
	}

	turn, err := s.runCouncilTurn(c.Request.Context(), conversationID, request, history, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Council process failed: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, SendMessageResponse{
		Stage1:   turn.Stage1,
		Stage2:   turn.Stage2,
		Stage3:   turn.Stage3,
		Metadata: turn.Metadata,
	})
}

// sendMessageStreamHandler sends a message and streams the 3-stage council process via SSE.
// POST /api/conversations/:id/message/stream - Streams progress events as each stage completes.
// Events: stage1_start, stage1_complete, stage2_start, stage2_complete, stage3_start,
// stage3_complete, title_complete, complete, error. Light-mode turns emit
// light_mode_start, stage1_complete, stage2_skipped, stage3_complete instead.
func (s *Server) sendMessageStreamHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	conversation, err := s.store.Get(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	history := conversation.Messages
	isFirstMessage := len(history) == 0

	if err := s.store.AddUserMessage(conversationID, request.Content); err != nil {
		sendSSEError(c, fmt.Sprintf("Failed to add user message: %v", err))
		return
	}

	var titleChan chan string
	if isFirstMessage {
		titleChan = s.generateTitleAsync(context.Background(), conversationID, request.Content)
	}

	// The orchestrator emits events in order from this goroutine, so
	// writing them straight to the response is safe.
	sink := func(ev StageEvent) {
		sendSSEEvent(c, ev)
	}

	if _, err := s.runCouncilTurn(c.Request.Context(), conversationID, request, history, sink); err != nil {
		// The failure event has already been emitted by the orchestrator.
		log.Error("council turn failed", "conversation", conversationID, "error", err)
		return
	}

	// Bounded wait for the title: its failure or slowness never blocks
	// delivery of the answer.
	if titleChan != nil {
		select {
		case title, ok := <-titleChan:
			if ok && title != "" {
				sendSSEEvent(c, StageEvent{Type: EventTitleComplete, Data: gin.H{"title": title}})
			}
		case <-time.After(s.cfg.TitleWaitBound):
			log.Warn("title generation exceeded wait bound", "conversation", conversationID)
		}
	}

	sendSSEEvent(c, StageEvent{Type: EventComplete})
}

// sendSSEEvent sends a Server-Sent Event.
// Marshals data to JSON and writes as SSE format with "data: " prefix.
func sendSSEEvent(c *gin.Context, event StageEvent) {
	jsonData, err := json.Marshal(event)
	if err != nil {
		log.Error("failed to marshal SSE event", "error", err)
		return
	}
	c.Writer.WriteString(fmt.Sprintf("data: %s\n\n", string(jsonData)))
	c.Writer.Flush()
}

// sendSSEError sends an error event via SSE.
func sendSSEError(c *gin.Context, message string) {
	sendSSEEvent(c, StageEvent{Type: EventError, Status: StatusFailed, Message: message})
}

// fetchURLHandler fetches and extracts content from a given URL so it
// can be included in a question. Responses are cached by URL.
// POST /api/fetch-url - Body: {"url": "https://..."}
func (s *Server) fetchURLHandler(c *gin.Context) {
	var request struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	if content, ok := s.pages.Get(request.URL); ok {
		c.JSON(http.StatusOK, gin.H{"content": content, "cached": true})
		return
	}

	content, err := FetchURLContent(c.Request.Context(), request.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to fetch URL content: %v", err),
		})
		return
	}
	s.pages.Set(request.URL, content)

	c.JSON(http.StatusOK, gin.H{"content": content, "cached": false})
}
