package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func completionsHandler(t *testing.T, handle func(w http.ResponseWriter, body string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		handle(w, string(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCompleteReturnsFirstChoice(t *testing.T) {
	var gotBody string
	srv := completionsHandler(t, func(w http.ResponseWriter, body string) {
		gotBody = body
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  the reply  "}}]}`))
	})

	client := NewOpenAIClient(Config{APIKey: "test", BaseURL: srv.URL, Model: "test-model"})
	reply, err := client.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hello"},
	})
	require.NoError(t, err)
	require.Equal(t, "the reply", reply)

	require.Equal(t, "test-model", gjson.Get(gotBody, "model").String())
	require.Equal(t, "system", gjson.Get(gotBody, "messages.0.role").String())
	require.Equal(t, "user", gjson.Get(gotBody, "messages.1.role").String())
	require.Equal(t, "hello", gjson.Get(gotBody, "messages.1.content").String())
}

func TestCompleteEmptyChoicesFails(t *testing.T) {
	srv := completionsHandler(t, func(w http.ResponseWriter, _ string) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","choices":[]}`))
	})

	client := NewOpenAIClient(Config{APIKey: "test", BaseURL: srv.URL, Model: "test-model"})
	_, err := client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.ErrorIs(t, err, ErrCompletionFailed)
}

func TestCompleteUpstreamRejectionFails(t *testing.T) {
	srv := completionsHandler(t, func(w http.ResponseWriter, _ string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request"}}`))
	})

	client := NewOpenAIClient(Config{APIKey: "test", BaseURL: srv.URL, Model: "test-model"})
	_, err := client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.ErrorIs(t, err, ErrCompletionFailed)
}

func TestCompleteTimesOut(t *testing.T) {
	srv := completionsHandler(t, func(w http.ResponseWriter, _ string) {
		time.Sleep(2 * time.Second)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})

	client := NewOpenAIClient(Config{APIKey: "test", BaseURL: srv.URL, Model: "test-model", Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.ErrorIs(t, err, ErrCompletionTimeout)
	require.Less(t, time.Since(start), time.Second)
}
