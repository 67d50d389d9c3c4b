package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"himcore/internal/domain"
)

var chunks = []domain.ContextChunk{{Label: "지침", DocType: domain.DocTypeKDRGGuideline, Text: "폐렴은 J18"}}

func newClient(t *testing.T, url string, retries int) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: url, Model: "test-model", Timeout: time.Second, MaxRetries: retries})
	require.NoError(t, err)
	return c
}

func TestClient_SynthesizeOpenAIShape(t *testing.T) {
	t.Setenv("TEST_SYNTH_KEY", "k-123")
	var got struct {
		Model    string    `json:"model"`
		Messages []message `json:"messages"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  J18.9 입니다. "}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/", APIKeyEnv: "TEST_SYNTH_KEY", Model: "test-model"})
	require.NoError(t, err)
	answer, err := c.Synthesize(context.Background(), "폐렴 코드?", chunks)
	require.NoError(t, err)
	assert.Equal(t, "J18.9 입니다.", answer)
	assert.Equal(t, "Bearer k-123", auth)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "[출처 1: 지침]")
}

func TestClient_SynthesizeOllamaShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"ollama answer"},"done":true}`))
	}))
	defer srv.Close()

	answer, err := newClient(t, srv.URL, 0).Synthesize(context.Background(), "q", chunks)
	require.NoError(t, err)
	assert.Equal(t, "ollama answer", answer)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	answer, err := newClient(t, srv.URL, 2).Synthesize(context.Background(), "q", chunks)
	require.NoError(t, err)
	assert.Equal(t, "ok", answer)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, 3).Synthesize(context.Background(), "q", chunks)
	assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_EmptyAnswerIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, 0).Synthesize(context.Background(), "q", chunks)
	assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
}

func TestClient_HonorsContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := newClient(t, srv.URL, 3).Synthesize(ctx, "q", chunks)
	assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewClient_RequiresKeyForHostedOpenAI(t *testing.T) {
	t.Setenv("EMPTY_KEY_FOR_TEST", "")
	_, err := NewClient(Config{BaseURL: "https://api.openai.com/v1", APIKeyEnv: "EMPTY_KEY_FOR_TEST"})
	assert.Error(t, err)
}

func TestRetryDelay_Capped(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, retryDelay(0))
	assert.Equal(t, 400*time.Millisecond, retryDelay(1))
	assert.Equal(t, 5*time.Second, retryDelay(10))
}
