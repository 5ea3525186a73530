package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"courier/internal/execution"
	"courier/internal/models"

	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const brainTokenKey = "token"

// BrainClientConfig configures the executor client
type BrainClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Stream  bool
}

// BrainClient runs task attempts against the agent executor service
type BrainClient struct {
	baseURL    string
	apiKey     string
	stream     bool
	httpClient *http.Client
	logger     *logrus.Logger
	tokens     *cache.Cache
}

// agentRunRequest is the body of both run endpoints
type agentRunRequest struct {
	Prompt         string `json:"prompt"`
	UserID         string `json:"userId"`
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// agentRunResponse is the run-sync response
type agentRunResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Response       string `json:"response"`
		ConversationID string `json:"conversationId"`
		TokensIn       int    `json:"tokensIn"`
		TokensOut      int    `json:"tokensOut"`
	} `json:"data"`
	Error string `json:"error"`
}

// agentStreamEvent is one SSE data line from the streaming endpoint
type agentStreamEvent struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
	Error          string `json:"error"`
}

// NewBrainClient creates an executor client
func NewBrainClient(cfg BrainClientConfig) *BrainClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	c := &BrainClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		stream:     cfg.Stream,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		tokens:     cache.New(50*time.Minute, 10*time.Minute),
	}
	c.logger.WithFields(logrus.Fields{"baseURL": c.baseURL, "stream": c.stream}).Info("Executor client initialized")
	return c
}

// Execute sends one attempt to the executor
func (c *BrainClient) Execute(ctx context.Context, task *models.Task, hints map[string]interface{}) (*models.ExecutionResult, error) {
	start := time.Now()
	body := agentRunRequest{
		Prompt:         ComposePrompt(task.Input, hints),
		UserID:         task.UserID,
		SessionID:      hintString(hints, models.HintSessionID),
		ConversationID: hintString(hints, models.HintConversationID),
	}
	if body.SessionID == "" {
		body.SessionID = task.ID
	}

	logEntry := c.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"user_id": task.UserID,
		"attempt": hints[models.HintAttempt],
	})

	var (
		result *models.ExecutionResult
		err    error
	)
	if sink := execution.ChunkSinkFrom(ctx); c.stream && sink != nil {
		result, err = c.runStream(ctx, body, sink)
	} else {
		result, err = c.runSync(ctx, body)
	}
	if err != nil {
		logEntry.WithError(err).Warn("Executor attempt failed")
		return nil, err
	}

	result.Duration = time.Since(start)
	if result.TokensIn == 0 {
		result.TokensIn = estimateTokens(body.Prompt)
	}
	if s, ok := result.Output.(string); ok && result.TokensOut == 0 {
		result.TokensOut = estimateTokens(s)
	}
	logEntry.WithFields(logrus.Fields{
		"success":     result.Success,
		"duration_ms": result.Duration.Milliseconds(),
	}).Info("Executor attempt finished")
	return result, nil
}

// Health checks that the executor answers
func (c *BrainClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("executor unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *BrainClient) runSync(ctx context.Context, body agentRunRequest) (*models.ExecutionResult, error) {
	resp, err := c.post(ctx, "/api/agent/run-sync", body, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded agentRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &execution.ExecutorError{
			Category: execution.ErrorCategoryPermanent,
			Message:  fmt.Sprintf("failed to decode executor response: %v", err),
			Cause:    err,
		}
	}

	if !decoded.Success {
		msg := decoded.Error
		if msg == "" {
			msg = "executor reported failure"
		}
		return &models.ExecutionResult{Success: false, Error: msg, SessionID: decoded.Data.ConversationID}, nil
	}
	return &models.ExecutionResult{
		Success:   true,
		Output:    decoded.Data.Response,
		SessionID: decoded.Data.ConversationID,
		TokensIn:  decoded.Data.TokensIn,
		TokensOut: decoded.Data.TokensOut,
	}, nil
}

func (c *BrainClient) runStream(ctx context.Context, body agentRunRequest, sink execution.ChunkSink) (*models.ExecutionResult, error) {
	resp, err := c.post(ctx, "/api/agent/run", body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		output         strings.Builder
		conversationID string
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var event agentStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			c.logger.WithError(err).Debug("Skipping malformed stream event")
			continue
		}
		if event.Error != "" {
			return &models.ExecutionResult{Success: false, Error: event.Error, SessionID: conversationID}, nil
		}
		if event.ConversationID != "" {
			conversationID = event.ConversationID
		}
		if event.Content != "" {
			output.WriteString(event.Content)
			sink(event.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, execution.ClassifyError(err)
	}

	return &models.ExecutionResult{
		Success:   true,
		Output:    output.String(),
		SessionID: conversationID,
	}, nil
}

// post sends body as JSON and returns the response when it is 2xx
func (c *BrainClient) post(ctx context.Context, path string, body interface{}, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	if c.apiKey != "" {
		token, err := c.token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, execution.ClassifyError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Delete(brainTokenKey)
		}
		return nil, execution.ClassifyHTTPError(resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// token exchanges the API key for a bearer token, cached until near expiry
func (c *BrainClient) token(ctx context.Context) (string, error) {
	if cached, found := c.tokens.Get(brainTokenKey); found {
		return cached.(string), nil
	}

	payload, _ := json.Marshal(map[string]string{"apiKey": c.apiKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/token", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", execution.ClassifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", execution.ClassifyHTTPError(resp.StatusCode, string(respBody))
	}

	var decoded struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil || decoded.Data.Token == "" {
		return "", &execution.ExecutorError{
			Category: execution.ErrorCategoryPermanent,
			Message:  "executor token exchange returned no token",
			Cause:    err,
		}
	}

	c.tokens.Set(brainTokenKey, decoded.Data.Token, cache.DefaultExpiration)
	return decoded.Data.Token, nil
}

// ComposePrompt appends retry feedback, research and learnings to input
func ComposePrompt(input string, hints map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(input)

	if diffs := hintStrings(hints, models.HintRetry); len(diffs) > 0 {
		b.WriteString("\n\nYour previous answer was rejected for these reasons:\n")
		for _, d := range diffs {
			b.WriteString("- " + d + "\n")
		}
		b.WriteString("Please correct them in this attempt.")
	}
	if research := hintString(hints, models.HintResearch); research != "" {
		b.WriteString("\n\nBackground research:\n")
		b.WriteString(research)
	}
	if learnings := hintStrings(hints, models.HintLearnings); len(learnings) > 0 {
		b.WriteString("\n\nRelevant findings:\n")
		for _, l := range learnings {
			b.WriteString("- " + l + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func hintString(hints map[string]interface{}, key string) string {
	if s, ok := hints[key].(string); ok {
		return s
	}
	return ""
}

func hintStrings(hints map[string]interface{}, key string) []string {
	switch v := hints[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// estimateTokens approximates 4 characters per token
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
