package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// HTTP timeout for a single page fetch
	fetchTimeout = 30 * time.Second

	// Cap on extracted text so a huge page can't blow up a prompt
	maxFetchedContent = 20000

	fetchUserAgent = "LLM-Council-Fetcher/1.0"
)

// FetchURLContent fetches a web page and extracts its readable text so
// it can be folded into a council question. Markup, scripts and styles
// are stripped and whitespace is collapsed.
func FetchURLContent(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	client := &http.Client{Timeout: fetchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code %d fetching %s", resp.StatusCode, url)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, noscript, iframe, svg").Remove()

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}

	// Collapse all runs of whitespace into single spaces
	content := strings.Join(strings.Fields(body.Text()), " ")
	if len(content) > maxFetchedContent {
		content = content[:maxFetchedContent] + "..."
	}

	return content, nil
}

// PageCache is a thread-safe TTL cache of fetched page content, keyed
// by URL, so repeated questions about the same page don't re-fetch it.
type PageCache struct {
	mu      sync.RWMutex
	entries map[string]pageEntry
	ttl     time.Duration
}

type pageEntry struct {
	content   string
	fetchedAt time.Time
}

// NewPageCache creates a page cache with the specified TTL.
func NewPageCache(ttl time.Duration) *PageCache {
	return &PageCache{
		entries: make(map[string]pageEntry),
		ttl:     ttl,
	}
}

// Get retrieves cached content for a URL if present and not expired.
func (c *PageCache) Get(url string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[url]
	if !ok {
		return "", false
	}
	if time.Since(entry.fetchedAt) > c.ttl {
		return "", false
	}
	return entry.content, true
}

// Set stores content for a URL.
func (c *PageCache) Set(url, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[url] = pageEntry{content: content, fetchedAt: time.Now()}
}

// Clear empties the cache.
func (c *PageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]pageEntry)
}

// Len returns the number of cached pages, expired or not.
func (c *PageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
