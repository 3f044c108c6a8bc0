package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_CompleteWithSystem(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": req.Model,
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": `{"action":"HOLD"}`}},
			},
			"usage": map[string]int{"prompt_tokens": 120, "completion_tokens": 18, "total_tokens": 138},
		})
	})

	c := NewClient(ClientConfig{Endpoint: srv.URL, APIKey: "test-key", Model: "gpt-4o-mini"})
	content, usage, err := c.CompleteWithSystem(context.Background(), "you are a trader", "decide")

	require.NoError(t, err)
	assert.Equal(t, `{"action":"HOLD"}`, content)
	assert.Equal(t, 120, usage.PromptTokens)
	assert.Equal(t, 18, usage.CompletionTokens)
}

func TestClient_APIErrorSurfaced(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "rate limit exceeded", "type": "rate_limit"},
		})
	})

	c := NewClient(ClientConfig{Endpoint: srv.URL})
	_, _, err := c.CompleteWithSystem(context.Background(), "s", "u")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestClient_Timeout(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	c := NewClient(ClientConfig{Endpoint: srv.URL, Timeout: 20 * time.Millisecond})
	_, _, err := c.CompleteWithSystem(context.Background(), "s", "u")
	require.Error(t, err)
}

func TestParseJSONResponse(t *testing.T) {
	type decision struct {
		Action     string  `json:"action"`
		Confidence float64 `json:"confidence"`
	}

	tests := []struct {
		name    string
		content string
	}{
		{"bare json", `{"action":"BUY","confidence":0.8}`},
		{"json fence", "```json\n{\"action\":\"BUY\",\"confidence\":0.8}\n```"},
		{"anonymous fence", "```\n{\"action\":\"BUY\",\"confidence\":0.8}\n```"},
		{"fence with prose", "Here you go:\n```json\n{\"action\":\"BUY\",\"confidence\":0.8}\n```"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d decision
			require.NoError(t, ParseJSONResponse(tt.content, &d))
			assert.Equal(t, "BUY", d.Action)
			assert.Equal(t, 0.8, d.Confidence)
		})
	}

	var d decision
	assert.Error(t, ParseJSONResponse("I think you should buy", &d))
}

func TestTracker_AccumulatesAndBudgets(t *testing.T) {
	tr := NewTracker()

	tr.Record("gpt-4o-mini", 1, Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}, false)
	tr.Record("gpt-4o-mini", 1, Usage{PromptTokens: 500_000, CompletionTokens: 0}, true)

	totals := tr.ModelTotals()["gpt-4o-mini"]
	assert.Equal(t, 2, totals.Calls)
	assert.Equal(t, int64(1_500_000), totals.InputTokens)
	assert.Equal(t, 1, totals.CachedHits)
	// 0.15 + 0.60 + 0.075
	assert.InDelta(t, 0.825, totals.CostUSD, 1e-9)

	cycle, ok := tr.CycleTotals(1)
	require.True(t, ok)
	assert.Equal(t, 2, cycle.Calls)

	assert.False(t, tr.OverBudget(1.0))
	assert.True(t, tr.OverBudget(0.5))
	assert.False(t, tr.OverBudget(0), "zero budget never throttles")
}

func TestTracker_FailedCallRecordsZeroTokens(t *testing.T) {
	tr := NewTracker()

	tr.Record("gpt-4o-mini", 7, Usage{}, false)

	cycle, ok := tr.CycleTotals(7)
	require.True(t, ok)
	assert.Equal(t, 1, cycle.Calls)
	assert.Zero(t, cycle.InputTokens)
	assert.Zero(t, cycle.CostUSD)
}

func TestTracker_DailyWindowRolls(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	tr.dayStart = now.Truncate(24 * time.Hour)

	tr.Record("gpt-4o", 1, Usage{PromptTokens: 1_000_000}, false)
	assert.True(t, tr.OverBudget(2.0))

	now = now.Add(2 * time.Hour) // past midnight
	assert.False(t, tr.OverBudget(2.0))
	assert.Zero(t, tr.DailySpend())
}
