package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/execution"
	"courier/internal/models"
)

type fakeBrain struct {
	tokenCalls int32
	runStatus  int32
	lastBody   atomic.Value
}

func (b *fakeBrain) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.tokenCalls, 1)
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["apiKey"] != "secret-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"success":true,"data":{"token":"tok-123"}}`)
	})
	mux.HandleFunc("/api/agent/run-sync", func(w http.ResponseWriter, r *http.Request) {
		if status := atomic.LoadInt32(&b.runStatus); status != 0 {
			w.WriteHeader(int(status))
			fmt.Fprint(w, "upstream trouble")
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body agentRunRequest
		json.NewDecoder(r.Body).Decode(&body)
		b.lastBody.Store(body)

		if strings.Contains(body.Prompt, "refuse") {
			fmt.Fprint(w, `{"success":false,"error":"model refused"}`)
			return
		}
		fmt.Fprint(w, `{"success":true,"data":{"response":"hello world","conversationId":"conv-9","tokensIn":12,"tokensOut":2}}`)
	})
	mux.HandleFunc("/api/agent/run", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\":\"hel\",\"conversationId\":\"conv-s\"}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"content\":\"lo\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"content\":\"ignored\"}\n\n")
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func setupBrain(t *testing.T, stream bool) (*BrainClient, *fakeBrain) {
	t.Helper()
	fake := &fakeBrain{}
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	client := NewBrainClient(BrainClientConfig{
		BaseURL: server.URL + "/",
		APIKey:  "secret-key",
		Timeout: 5 * time.Second,
		Stream:  stream,
	})
	return client, fake
}

func brainTask() *models.Task {
	return &models.Task{ID: "task-1", UserID: "user-1", Type: "chat", Input: "say hello"}
}

func TestBrainClient_RunSync(t *testing.T) {
	client, fake := setupBrain(t, false)
	hints := map[string]interface{}{models.HintSessionID: "sess-1", models.HintAttempt: 1}

	result, err := client.Execute(context.Background(), brainTask(), hints)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Success || result.Output != "hello world" {
		t.Errorf("Unexpected result: %+v", result)
	}
	if result.SessionID != "conv-9" || result.TokensIn != 12 || result.TokensOut != 2 {
		t.Errorf("Unexpected session or tokens: %+v", result)
	}

	body := fake.lastBody.Load().(agentRunRequest)
	if body.SessionID != "sess-1" || body.UserID != "user-1" {
		t.Errorf("Unexpected request body: %+v", body)
	}

	if _, err := client.Execute(context.Background(), brainTask(), hints); err != nil {
		t.Fatalf("Second execute failed: %v", err)
	}
	if calls := atomic.LoadInt32(&fake.tokenCalls); calls != 1 {
		t.Errorf("Expected the token to be cached, got %d exchanges", calls)
	}
}

func TestBrainClient_SessionFallsBackToTaskID(t *testing.T) {
	client, fake := setupBrain(t, false)
	if _, err := client.Execute(context.Background(), brainTask(), map[string]interface{}{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if body := fake.lastBody.Load().(agentRunRequest); body.SessionID != "task-1" {
		t.Errorf("Expected task id as session, got %q", body.SessionID)
	}
}

func TestBrainClient_ReportedFailure(t *testing.T) {
	client, _ := setupBrain(t, false)
	task := brainTask()
	task.Input = "please refuse"

	result, err := client.Execute(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("A reported failure is not a transport error: %v", err)
	}
	if result.Success || result.Error != "model refused" {
		t.Errorf("Expected the executor's error, got %+v", result)
	}
}

func TestBrainClient_HTTPErrorsAreClassified(t *testing.T) {
	tests := []struct {
		status   int32
		category execution.ErrorCategory
	}{
		{http.StatusServiceUnavailable, execution.ErrorCategoryTransient},
		{http.StatusTooManyRequests, execution.ErrorCategoryTransient},
		{http.StatusBadRequest, execution.ErrorCategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			client, fake := setupBrain(t, false)
			atomic.StoreInt32(&fake.runStatus, tt.status)

			_, err := client.Execute(context.Background(), brainTask(), nil)
			var execErr *execution.ExecutorError
			if !errors.As(err, &execErr) {
				t.Fatalf("Expected an ExecutorError, got %v", err)
			}
			if execErr.Category != tt.category {
				t.Errorf("Category = %s, want %s", execErr.Category, tt.category)
			}
		})
	}
}

func TestBrainClient_UnauthorizedDropsCachedToken(t *testing.T) {
	client, fake := setupBrain(t, false)
	ctx := context.Background()

	if _, err := client.Execute(ctx, brainTask(), nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	atomic.StoreInt32(&fake.runStatus, http.StatusUnauthorized)
	if _, err := client.Execute(ctx, brainTask(), nil); err == nil {
		t.Fatal("Expected an error for 401")
	}

	atomic.StoreInt32(&fake.runStatus, 0)
	if _, err := client.Execute(ctx, brainTask(), nil); err != nil {
		t.Fatalf("Execute after re-auth failed: %v", err)
	}
	if calls := atomic.LoadInt32(&fake.tokenCalls); calls != 2 {
		t.Errorf("Expected a second token exchange after 401, got %d", calls)
	}
}

func TestBrainClient_StreamsToSink(t *testing.T) {
	client, _ := setupBrain(t, true)

	var chunks []string
	ctx := execution.WithChunkSink(context.Background(), func(content string) {
		chunks = append(chunks, content)
	})

	result, err := client.Execute(ctx, brainTask(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Output != "hello" || result.SessionID != "conv-s" {
		t.Errorf("Unexpected stream result: %+v", result)
	}
	if strings.Join(chunks, "|") != "hel|lo" {
		t.Errorf("Unexpected chunks %v", chunks)
	}
	if result.TokensIn == 0 || result.TokensOut == 0 {
		t.Error("Token counts should be estimated when the stream reports none")
	}
}

func TestBrainClient_StreamDisabledUsesSync(t *testing.T) {
	client, _ := setupBrain(t, false)
	called := false
	ctx := execution.WithChunkSink(context.Background(), func(string) { called = true })

	result, err := client.Execute(ctx, brainTask(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if called || result.Output != "hello world" {
		t.Errorf("Expected the sync endpoint, got %+v (sink called %v)", result, called)
	}
}

func TestBrainClient_Health(t *testing.T) {
	client, _ := setupBrain(t, false)
	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Expected healthy executor: %v", err)
	}

	down := NewBrainClient(BrainClientConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	if err := down.Health(context.Background()); err == nil {
		t.Error("Expected an error for an unreachable executor")
	}
}

func TestComposePrompt(t *testing.T) {
	if got := ComposePrompt("question", nil); got != "question" {
		t.Errorf("Expected the bare input, got %q", got)
	}

	got := ComposePrompt("question", map[string]interface{}{
		models.HintRetry:     []string{"too short"},
		models.HintResearch:  "[1] Source\nfacts",
		models.HintLearnings: []interface{}{"fact one", 7},
	})
	for _, want := range []string{"question", "- too short", "Background research:\n[1] Source", "- fact one"} {
		if !strings.Contains(got, want) {
			t.Errorf("Prompt missing %q:\n%s", want, got)
		}
	}
	if strings.HasSuffix(got, "\n") {
		t.Error("Prompt should not end with a newline")
	}
}
