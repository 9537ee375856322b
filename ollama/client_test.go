package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTagsServer(t *testing.T, models []string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			hits.Add(1)
			list := make([]map[string]string, 0, len(models))
			for _, m := range models {
				list = append(list, map[string]string{"name": m})
			}
			json.NewEncoder(w).Encode(map[string]any{"models": list})
		case "/api/version":
			json.NewEncoder(w).Encode(map[string]string{"version": "0.5.7"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestListModelsCachesCatalog(t *testing.T) {
	srv, hits := newTagsServer(t, []string{"llama3.1:latest", "mistral:7b"})
	c := NewClient(srv.URL, time.Second)

	ctx := context.Background()
	first, err := c.ListModels(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"llama3.1:latest", "mistral:7b"}, first)

	_, err = c.ListModels(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load(), "second call is served from cache")
}

func TestValidateStartupModel(t *testing.T) {
	srv, _ := newTagsServer(t, []string{"llama3.1:latest"})
	c := NewClient(srv.URL, time.Second)
	ctx := context.Background()

	require.NoError(t, c.ValidateStartupModel(ctx, "llama3.1:latest"))
	// Tag-less names match the :latest entry.
	require.NoError(t, c.ValidateStartupModel(ctx, "llama3.1"))

	err := c.ValidateStartupModel(ctx, "nonexistent")
	require.ErrorIs(t, err, ErrModelNotFound)
	require.Contains(t, err.Error(), "llama3.1:latest", "error carries the catalog")
}

func TestValidateFailureInvalidatesCache(t *testing.T) {
	srv, hits := newTagsServer(t, []string{"llama3.1:latest"})
	c := NewClient(srv.URL, time.Second)
	ctx := context.Background()

	require.Error(t, c.ValidateStartupModel(ctx, "missing"))
	_, err := c.ListModels(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, hits.Load(), "cache was invalidated after the failed validation")
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "llama3.1", req.Model)
		require.False(t, req.Stream)
		require.InDelta(t, 0.8, req.Options.Temperature, 0.001)
		require.InDelta(t, 0.9, req.Options.TopP, 0.001)
		require.Contains(t, req.Prompt, "[viewer1]: hello there")
		json.NewEncoder(w).Encode(map[string]string{"response": "  hey chat!\n"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	out, err := c.GenerateSpontaneous(context.Background(), "llama3.1",
		[]ContextLine{{DisplayName: "viewer1", Content: "hello there"}}, 500)
	require.NoError(t, err)
	require.Equal(t, "hey chat!", out)
}

func TestGenerateUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.GenerateSpontaneous(context.Background(), "llama3.1", nil, 500)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestGenerateInvalidOnEmptyCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"response": "   \n  "})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.GenerateResponse(context.Background(), "llama3.1", nil, "viewer", "hi bot", 500)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestGenerateTimeoutMapsToUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 50*time.Millisecond)
	_, err := c.GenerateSpontaneous(context.Background(), "llama3.1", nil, 500)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestIsAvailable(t *testing.T) {
	srv, _ := newTagsServer(t, nil)
	c := NewClient(srv.URL, time.Second)
	require.True(t, c.IsAvailable(context.Background()))

	down := NewClient("http://127.0.0.1:1", time.Second)
	require.False(t, down.IsAvailable(context.Background()))
}

func TestVersion(t *testing.T) {
	srv, _ := newTagsServer(t, nil)
	c := NewClient(srv.URL, time.Second)
	require.Equal(t, "0.5.7", c.Version(context.Background()))
}

func TestResponsePromptIncludesUser(t *testing.T) {
	p := ResponsePrompt([]ContextLine{{DisplayName: "a", Content: "b"}}, "viewer", "hi bot", 500)
	require.Contains(t, p, `"viewer"`)
	require.Contains(t, p, `"hi bot"`)
	require.Contains(t, p, "[a]: b")
}
