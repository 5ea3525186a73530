package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/markusmobius/go-trafilatura"
	cache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"
)

const (
	researchUserAgent   = "Courier-Research/1.0 (+https://github.com/courier/courier)"
	researchMaxBodySize = 5 * 1024 * 1024 // 5MB
)

// pageFetcher downloads and extracts readable text from web pages while
// honoring robots.txt and per-domain crawl delays.
type pageFetcher struct {
	httpClient    *http.Client
	robots        *cache.Cache // domain -> *robotstxt.RobotsData
	globalLimiter *rate.Limiter
	domainLimits  sync.Map // domain -> *rate.Limiter
	semaphore     chan struct{}
}

func newPageFetcher(maxConcurrent int) *pageFetcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &pageFetcher{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   20 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (max 5)")
				}
				return validatePublicURL(req.URL)
			},
		},
		robots:        cache.New(24*time.Hour, time.Hour), // Cache robots.txt for 24 hours
		globalLimiter: rate.NewLimiter(rate.Limit(5), 10),
		semaphore:     make(chan struct{}, maxConcurrent),
	}
}

// Fetch returns the main text of a page, truncated to maxChars
func (f *pageFetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if err := validatePublicURL(parsed); err != nil {
		return "", err
	}

	allowed, crawlDelay := f.canFetch(ctx, parsed)
	if !allowed {
		return "", fmt.Errorf("access blocked by robots.txt for: %s", rawURL)
	}

	if err := f.globalLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit error: %w", err)
	}
	if err := f.domainLimiter(parsed.Host, crawlDelay).Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit error: %w", err)
	}

	select {
	case f.semaphore <- struct{}{}:
		defer func() { <-f.semaphore }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", researchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error %d fetching %s", resp.StatusCode, rawURL)
	}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") &&
		!strings.Contains(contentType, "application/xhtml+xml") {
		return "", fmt.Errorf("unsupported content type: %s", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, researchMaxBodySize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) > researchMaxBodySize {
		return "", fmt.Errorf("response body too large (max %d bytes)", researchMaxBodySize)
	}

	var content string
	if strings.Contains(contentType, "text/plain") {
		content = string(body)
	} else {
		result, err := trafilatura.Extract(bytes.NewReader(body), trafilatura.Options{OriginalURL: parsed})
		if err != nil {
			return "", fmt.Errorf("failed to extract content: %w", err)
		}
		if result == nil || strings.TrimSpace(result.ContentText) == "" {
			return "", fmt.Errorf("no content extracted from page")
		}
		content = result.ContentText
	}

	content = strings.TrimSpace(content)
	if maxChars > 0 && len(content) > maxChars {
		content = content[:maxChars] + "..."
	}
	return content, nil
}

// canFetch checks robots.txt; fetch or parse failures allow with a 1s delay
func (f *pageFetcher) canFetch(ctx context.Context, target *url.URL) (bool, time.Duration) {
	domain := target.Scheme + "://" + target.Host

	var robots *robotstxt.RobotsData
	if cached, found := f.robots.Get(domain); found {
		robots = cached.(*robotstxt.RobotsData)
	} else {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, domain+"/robots.txt", nil)
		if err != nil {
			return true, time.Second
		}
		req.Header.Set("User-Agent", researchUserAgent)

		resp, err := f.httpClient.Do(req)
		if err != nil {
			return true, time.Second
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
		if err != nil {
			return true, time.Second
		}
		// FromStatusAndBytes treats 4xx as allow-all and 5xx as disallow-all
		robots, err = robotstxt.FromStatusAndBytes(resp.StatusCode, body)
		if err != nil {
			return true, time.Second
		}
		f.robots.Set(domain, robots, cache.DefaultExpiration)
	}

	group := robots.FindGroup(researchUserAgent)
	delay := time.Second
	if group.CrawlDelay > 0 {
		delay = group.CrawlDelay
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
	}
	return group.Test(target.Path), delay
}

func (f *pageFetcher) domainLimiter(domain string, crawlDelay time.Duration) *rate.Limiter {
	if limiter, ok := f.domainLimits.Load(domain); ok {
		return limiter.(*rate.Limiter)
	}

	perSecond := 1.0 / crawlDelay.Seconds()
	if perSecond > 5.0 {
		perSecond = 5.0
	}
	if perSecond < 0.2 {
		perSecond = 0.2
	}

	actual, _ := f.domainLimits.LoadOrStore(domain, rate.NewLimiter(rate.Limit(perSecond), 1))
	return actual.(*rate.Limiter)
}

// validatePublicURL rejects non-HTTP schemes and local or private hosts
func validatePublicURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("only HTTP/HTTPS URLs are supported, got: %s", u.Scheme)
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return fmt.Errorf("localhost URLs are not allowed")
	}
	if ip := net.ParseIP(hostname); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("private IP addresses are not allowed")
		}
	}
	return nil
}
