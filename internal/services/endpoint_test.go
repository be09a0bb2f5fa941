package services_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/MegaGrindStone/wall-ai/internal/models"
	"github.com/MegaGrindStone/wall-ai/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointStream(t *testing.T) {
	var gotBody map[string]any
	var gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat", r.URL.Path)
		gotContentType = r.Header.Get("Content-Type")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"Hi"}}`+"\n")
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"!"},"done":true}`+"\n")
	}))
	defer srv.Close()

	ep := services.NewEndpoint(srv.URL+"/api/chat", discardLogger())
	require.Equal(t, srv.URL+"/api/chat", ep.URL())

	system, _ := models.NewMessage(models.RoleSystem, "Be brief.")
	user, _ := models.NewMessage(models.RoleUser, "Hello")

	body, err := ep.Stream(context.Background(), "llama3.1:8b", []models.Message{system, user})
	require.NoError(t, err)
	defer body.Close()

	got, err := services.NewReducer(true, discardLogger()).Reduce(context.Background(), body, nil)
	require.NoError(t, err)
	require.Equal(t, "Hi!", got)

	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, map[string]any{
		"model": "llama3.1:8b",
		"messages": []any{
			map[string]any{"role": "system", "content": "Be brief."},
			map[string]any{"role": "user", "content": "Hello"},
		},
	}, gotBody)
}

func TestEndpointStatusError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{
			name:    "error field",
			status:  http.StatusNotFound,
			body:    `{"error":"model \"nope\" not found, try pulling it first"}`,
			wantErr: `unexpected status 404 Not Found: model "nope" not found, try pulling it first`,
		},
		{
			name:    "plain body",
			status:  http.StatusBadGateway,
			body:    "upstream down",
			wantErr: "unexpected status 502 Bad Gateway",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			ep := services.NewEndpoint(srv.URL, discardLogger())
			_, err := ep.Stream(context.Background(), "nope", nil)
			require.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestEndpointUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := services.NewEndpoint(url, discardLogger()).Stream(context.Background(), "m", nil)
	require.ErrorContains(t, err, "error sending request")
}

func TestOllamaModelsAndHeartbeat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"models":[{"name":"qwen2.5:7b","model":"qwen2.5:7b"},{"name":"llama3.1:8b","model":"llama3.1:8b"}]}`)
		case "/":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL+"/api/chat", discardLogger())
	require.NoError(t, err)
	require.Equal(t, srv.URL, o.Host())

	names, err := o.Models(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"llama3.1:8b", "qwen2.5:7b"}, names)

	require.NoError(t, o.Heartbeat(context.Background()))
}

func TestNewOllamaInvalidURL(t *testing.T) {
	_, err := services.NewOllama("localhost", discardLogger())
	require.Error(t, err)

	_, err = services.NewOllama("http://%zz", discardLogger())
	require.Error(t, err)
}

func TestBoltDBSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	db, err := services.NewBoltDB(path)
	require.NoError(t, err)

	_, err = db.Settings(context.Background())
	require.ErrorIs(t, err, services.ErrNoSettings)

	want := models.Settings{Model: "llama3.1:8b", SystemPrompt: "Responda em poucas palavras."}
	require.NoError(t, db.SaveSettings(context.Background(), want))
	require.NoError(t, db.Close())

	db, err = services.NewBoltDB(path)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Settings(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)
}
