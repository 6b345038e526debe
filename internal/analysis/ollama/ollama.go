package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vbonduro/prodlens/internal/analysis"
)

type Client struct {
	host    string
	model   string
	prompts analysis.Prompts
	client  *http.Client
}

func New(host, model string, prompts analysis.Prompts) *Client {
	return &Client{
		host:    strings.TrimRight(host, "/"),
		model:   model,
		prompts: prompts,
		client:  &http.Client{},
	}
}

type generateRequest struct {
	Model  string   `json:"model"`
	System string   `json:"system,omitempty"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

// generateChunk is one NDJSON line of /api/generate output. Non-streaming
// calls return a single chunk with Done set.
type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

func (c *Client) newRequest(ctx context.Context, req analysis.Request, stream bool) (*http.Request, error) {
	images, err := analysis.LoadImages(req.ImagePaths)
	if err != nil {
		return nil, err
	}
	encoded := make([]string, len(images))
	for i, img := range images {
		encoded[i] = base64.StdEncoding.EncodeToString(img.Data)
	}

	payload, err := json.Marshal(generateRequest{
		Model:  c.model,
		System: c.prompts.System,
		Prompt: c.prompts.UserText(req.Instruction),
		Images: encoded,
		Stream: stream,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (c *Client) do(httpReq *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (c *Client) Run(ctx context.Context, req analysis.Request) (string, error) {
	httpReq, err := c.newRequest(ctx, req, false)
	if err != nil {
		return "", err
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Error("failed to close ollama response body", "error", err)
		}
	}()

	var out generateChunk
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama error: %s", out.Error)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", fmt.Errorf("ollama returned no text")
	}
	return out.Response, nil
}

// RunStream implements analysis.StreamClient. Ollama streams one JSON object
// per line; each non-empty response fragment becomes a chunk.
func (c *Client) RunStream(ctx context.Context, req analysis.Request) (<-chan analysis.Chunk, error) {
	httpReq, err := c.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	ch := make(chan analysis.Chunk, 16)
	go func() {
		defer close(ch)
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Error("failed to close ollama stream body", "error", err)
			}
		}()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk generateChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				analysis.Send(ctx, ch, analysis.Chunk{Err: fmt.Errorf("malformed ollama stream line: %w", err)})
				return
			}
			if chunk.Error != "" {
				analysis.Send(ctx, ch, analysis.Chunk{Err: fmt.Errorf("ollama error: %s", chunk.Error)})
				return
			}
			if chunk.Response != "" && !analysis.Send(ctx, ch, analysis.Chunk{Text: chunk.Response}) {
				return
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			analysis.Send(ctx, ch, analysis.Chunk{Err: fmt.Errorf("read ollama stream: %w", err)})
		}
	}()

	return ch, nil
}
