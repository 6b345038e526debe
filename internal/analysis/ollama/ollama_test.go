package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/prodlens/internal/analysis"
)

func writeImage(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	path := filepath.Join(t.TempDir(), "artifact.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))
	return path
}

func testRequest(t *testing.T) analysis.Request {
	return analysis.Request{Instruction: "what is this?", ImagePaths: []string{writeImage(t)}}
}

func TestRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "moondream", req.Model)
		assert.Equal(t, "be an analyst", req.System)
		assert.Equal(t, "what is this?", req.Prompt)
		assert.Len(t, req.Images, 1)
		assert.False(t, req.Stream)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": "A stainless steel kettle.", "done": true}`))
	}))
	defer server.Close()

	c := New(server.URL+"/", "moondream", analysis.Prompts{System: "be an analyst"})
	text, err := c.Run(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "A stainless steel kettle.", text)
}

func TestRunErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := New(server.URL, "missing", analysis.Prompts{}).Run(context.Background(), testRequest(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestRunEmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": "", "done": true}`))
	}))
	defer server.Close()

	text, err := New(server.URL, "moondream", analysis.Prompts{}).Run(context.Background(), testRequest(t))
	require.Error(t, err)
	assert.Empty(t, text)
	assert.Contains(t, err.Error(), "no text")
}

func TestRunNetworkError(t *testing.T) {
	_, err := New("http://localhost:99999", "moondream", analysis.Prompts{}).Run(context.Background(), testRequest(t))
	assert.Error(t, err)
}

func TestRunMissingImage(t *testing.T) {
	req := analysis.Request{Instruction: "x", ImagePaths: []string{filepath.Join(t.TempDir(), "gone.png")}}
	_, err := New("http://localhost:11434", "moondream", analysis.Prompts{}).Run(context.Background(), req)
	assert.Error(t, err)
}

func TestRunStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		lines := []string{
			`{"response":"A ","done":false}`,
			`{"response":"kettle","done":false}`,
			`{"response":".","done":false}`,
			`{"response":"","done":true}`,
		}
		_, _ = w.Write([]byte(strings.Join(lines, "\n") + "\n"))
	}))
	defer server.Close()

	ch, err := New(server.URL, "moondream", analysis.Prompts{}).RunStream(context.Background(), testRequest(t))
	require.NoError(t, err)

	var texts []string
	for c := range ch {
		require.NoError(t, c.Err)
		texts = append(texts, c.Text)
	}
	assert.Equal(t, []string{"A ", "kettle", "."}, texts)
}

func TestRunStreamErrorLine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{\"response\":\"A \"}\n{\"error\":\"out of memory\"}\n"))
	}))
	defer server.Close()

	ch, err := New(server.URL, "moondream", analysis.Prompts{}).RunStream(context.Background(), testRequest(t))
	require.NoError(t, err)

	var chunks []analysis.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "A ", chunks[0].Text)
	assert.ErrorContains(t, chunks[1].Err, "out of memory")
}

func TestRunStreamErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := New(server.URL, "moondream", analysis.Prompts{}).RunStream(context.Background(), testRequest(t))
	assert.Error(t, err)
}
