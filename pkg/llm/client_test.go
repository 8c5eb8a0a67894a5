package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EnodAI/EnodAI/pkg/config"
	"github.com/EnodAI/EnodAI/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	return NewClient(config.OllamaConfig{
		Host:           u.Hostname(),
		Port:           u.Port(),
		Model:          "llama2",
		MaxConcurrent:  2,
		RequestTimeout: 5 * time.Second,
	}), srv
}

func sampleAlert() models.AlertPayload {
	return models.AlertPayload{
		Labels: map[string]string{
			"alertname": "RedisMemoryHigh",
			"severity":  "critical",
			"instance":  "cache-01",
		},
		Annotations: map[string]string{"description": "memory at 95%"},
	}
}

func ollamaReply(t *testing.T, w http.ResponseWriter, inner string) {
	t.Helper()
	_ = json.NewEncoder(w).Encode(map[string]string{"response": inner})
}

func TestAnalyze_Success(t *testing.T) {
	var gotReq struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
		Stream bool   `json:"stream"`
	}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		ollamaReply(t, w, `{"root_cause": {"problem": "memory pressure"}}`)
	})

	analysis := client.Analyze(context.Background(), sampleAlert(), models.ReasonFirstOccurrence)

	assert.NotContains(t, analysis, "error")
	rootCause, ok := analysis["root_cause"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "memory pressure", rootCause["problem"])

	assert.Equal(t, "llama2", gotReq.Model)
	assert.False(t, gotReq.Stream)
	assert.Contains(t, gotReq.Prompt, "RedisMemoryHigh")
}

func TestAnalyze_NonJSONAnswerKeepsRawText(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		ollamaReply(t, w, "The root cause appears to be memory pressure.")
	})

	analysis := client.Analyze(context.Background(), sampleAlert(), models.ReasonFirstOccurrence)

	assert.Equal(t, "Failed to parse JSON", analysis["error"])
	assert.Equal(t, "The root cause appears to be memory pressure.", analysis["raw_analysis"])
}

func TestAnalyze_BackendError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	analysis := client.Analyze(context.Background(), sampleAlert(), models.ReasonFirstOccurrence)
	assert.Contains(t, analysis["error"], "status 500")
}

func TestAnalyze_ConnectionRefused(t *testing.T) {
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	analysis := client.Analyze(context.Background(), sampleAlert(), models.ReasonFirstOccurrence)
	assert.Contains(t, analysis, "error")
}

func TestAnalyze_CancelledWhileQueued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		ollamaReply(t, w, `{}`)
	})

	analysis := client.Analyze(ctx, sampleAlert(), models.ReasonFirstOccurrence)
	assert.Contains(t, analysis, "error")
}

func TestAnalyze_ConcurrencyBounded(t *testing.T) {
	var inFlight, peak atomic.Int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		ollamaReply(t, w, `{}`)
	})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Analyze(context.Background(), sampleAlert(), models.ReasonFirstOccurrence)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
}
