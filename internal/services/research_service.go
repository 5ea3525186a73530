package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"courier/internal/execution"

	cache "github.com/patrickmn/go-cache"
)

// ResearchConfig tunes the research step
type ResearchConfig struct {
	SearXNGURL    string
	MaxSources    int // pages fetched per query
	MaxPageChars  int
	MaxConcurrent int
	CacheTTL      time.Duration
}

// ResearchService gathers background for failed tasks from a SearXNG
// instance and the pages it returns.
type ResearchService struct {
	config     ResearchConfig
	httpClient *http.Client
	fetcher    *pageFetcher
	cache      *cache.Cache
}

// searchResult is one SearXNG JSON result
type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// NewResearchService creates a research service
func NewResearchService(cfg ResearchConfig) *ResearchService {
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = 3
	}
	if cfg.MaxPageChars <= 0 {
		cfg.MaxPageChars = 2000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	cfg.SearXNGURL = strings.TrimSuffix(cfg.SearXNGURL, "/")

	return &ResearchService{
		config:     cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		fetcher:    newPageFetcher(cfg.MaxConcurrent),
		cache:      cache.New(cfg.CacheTTL, 10*time.Minute),
	}
}

// Research searches for query, reads the top pages and condenses them
func (s *ResearchService) Research(ctx context.Context, query string) (*execution.ResearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("research query is empty")
	}
	if s.config.SearXNGURL == "" {
		return nil, fmt.Errorf("research is not configured")
	}

	if cached, found := s.cache.Get(query); found {
		log.Printf("🔎 [RESEARCH] Cache hit for: %s", truncate(query, 60))
		return cached.(*execution.ResearchResult), nil
	}

	results, err := s.search(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no search results for: %s", truncate(query, 60))
	}
	if len(results) > s.config.MaxSources {
		results = results[:s.config.MaxSources]
	}

	pages := s.fetchAll(ctx, results)

	research := &execution.ResearchResult{}
	var summary strings.Builder
	for i, r := range results {
		research.Sources = append(research.Sources, r.URL)
		if snippet := strings.TrimSpace(r.Content); snippet != "" {
			research.Learnings = append(research.Learnings, snippet)
		}

		fmt.Fprintf(&summary, "[%d] %s (%s)\n", i+1, r.Title, r.URL)
		if pages[i] != "" {
			summary.WriteString(pages[i])
		} else {
			summary.WriteString(r.Content)
		}
		summary.WriteString("\n\n")
	}
	research.Summary = strings.TrimSpace(summary.String())

	s.cache.Set(query, research, cache.DefaultExpiration)
	log.Printf("🔎 [RESEARCH] %d sources for: %s", len(research.Sources), truncate(query, 60))
	return research, nil
}

// fetchAll reads result pages concurrently; failures leave an empty slot
func (s *ResearchService) fetchAll(ctx context.Context, results []searchResult) []string {
	pages := make([]string, len(results))
	var wg sync.WaitGroup
	for i, r := range results {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			content, err := s.fetcher.Fetch(ctx, target, s.config.MaxPageChars)
			if err != nil {
				log.Printf("⚠️  [RESEARCH] Skipping %s: %v", target, err)
				return
			}
			pages[i] = content
		}(i, r.URL)
	}
	wg.Wait()
	return pages
}

func (s *ResearchService) search(ctx context.Context, query string) ([]searchResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("safesearch", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.SearXNGURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("User-Agent", researchUserAgent)
	req.Header.Set("Accept", "application/json")
	// SearXNG bot detection only trusts forwarded local addresses
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	req.Header.Set("X-Real-IP", "127.0.0.1")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var payload struct {
		Results []searchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	filtered := payload.Results[:0]
	for _, r := range payload.Results {
		if r.URL != "" {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
