// Package gemini runs analyses on Google Gemini, offering the model a web
// search tool when a searcher is configured.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/vbonduro/prodlens/internal/analysis"
	"github.com/vbonduro/prodlens/internal/search"
)

const (
	searchToolName = "web_search"
	// maxToolRounds bounds how many times the model may call the search tool
	// before it must answer.
	maxToolRounds = 4
)

// chat is the slice of genai.ChatSession the client drives.
type chat interface {
	send(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
	stream(ctx context.Context, parts ...genai.Part) responseIterator
}

type responseIterator interface {
	Next() (*genai.GenerateContentResponse, error)
}

type sessionChat struct{ cs *genai.ChatSession }

func (s sessionChat) send(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	return s.cs.SendMessage(ctx, parts...)
}

func (s sessionChat) stream(ctx context.Context, parts ...genai.Part) responseIterator {
	return s.cs.SendMessageStream(ctx, parts...)
}

type Client struct {
	genai    *genai.Client
	model    string
	prompts  analysis.Prompts
	searcher search.Searcher
	logger   *slog.Logger
	newChat  func() chat
}

// New creates the genai client once; every analysis starts a fresh chat on
// it. searcher may be nil, in which case no tool is offered.
func New(ctx context.Context, apiKey, model string, prompts analysis.Prompts, searcher search.Searcher, logger *slog.Logger) (*Client, error) {
	gc, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	c := &Client{
		genai:    gc,
		model:    model,
		prompts:  prompts,
		searcher: searcher,
		logger:   logger,
	}
	c.newChat = c.startChat
	return c, nil
}

func (c *Client) Close() error {
	return c.genai.Close()
}

func (c *Client) startChat() chat {
	m := c.genai.GenerativeModel(c.model)
	if c.prompts.System != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(c.prompts.System)}}
	}
	if c.searcher != nil {
		m.Tools = []*genai.Tool{searchTool()}
	}
	return sessionChat{cs: m.StartChat()}
}

func searchTool() *genai.Tool {
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name:        searchToolName,
			Description: "Search the web for current product information such as prices, reviews, specifications and availability.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"query": {
						Type:        genai.TypeString,
						Description: "The search query.",
					},
				},
				Required: []string{"query"},
			},
		}},
	}
}

func (c *Client) firstParts(req analysis.Request) ([]genai.Part, error) {
	images, err := analysis.LoadImages(req.ImagePaths)
	if err != nil {
		return nil, err
	}
	parts := make([]genai.Part, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, genai.Blob{MIMEType: img.MIMEType, Data: img.Data})
	}
	return append(parts, genai.Text(c.prompts.UserText(req.Instruction))), nil
}

func (c *Client) Run(ctx context.Context, req analysis.Request) (string, error) {
	parts, err := c.firstParts(req)
	if err != nil {
		return "", err
	}

	session := c.newChat()
	var b strings.Builder
	for round := 0; round <= maxToolRounds; round++ {
		resp, err := session.send(ctx, parts...)
		if err != nil {
			return "", fmt.Errorf("failed to generate content: %w", err)
		}
		text, calls := splitResponse(resp)
		b.WriteString(text)
		if len(calls) == 0 {
			if b.Len() == 0 {
				return "", errors.New("gemini returned no text")
			}
			return b.String(), nil
		}
		parts = c.callTools(ctx, calls)
	}
	return "", fmt.Errorf("gemini kept calling tools after %d rounds", maxToolRounds)
}

// RunStream implements analysis.StreamClient. Text parts are forwarded as
// they arrive; tool calls are resolved between streamed rounds.
func (c *Client) RunStream(ctx context.Context, req analysis.Request) (<-chan analysis.Chunk, error) {
	parts, err := c.firstParts(req)
	if err != nil {
		return nil, err
	}

	session := c.newChat()
	ch := make(chan analysis.Chunk, 16)
	go func() {
		defer close(ch)
		for round := 0; round <= maxToolRounds; round++ {
			calls, err := c.streamRound(ctx, session, parts, ch)
			if err != nil {
				if ctx.Err() == nil {
					analysis.Send(ctx, ch, analysis.Chunk{Err: err})
				}
				return
			}
			if len(calls) == 0 {
				return
			}
			parts = c.callTools(ctx, calls)
		}
		analysis.Send(ctx, ch, analysis.Chunk{Err: fmt.Errorf("gemini kept calling tools after %d rounds", maxToolRounds)})
	}()
	return ch, nil
}

func (c *Client) streamRound(ctx context.Context, session chat, parts []genai.Part, ch chan<- analysis.Chunk) ([]genai.FunctionCall, error) {
	it := session.stream(ctx, parts...)
	var calls []genai.FunctionCall
	for {
		resp, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return calls, nil
		}
		if err != nil {
			return nil, fmt.Errorf("gemini stream: %w", err)
		}
		text, more := splitResponse(resp)
		calls = append(calls, more...)
		if text != "" && !analysis.Send(ctx, ch, analysis.Chunk{Text: text}) {
			return nil, ctx.Err()
		}
	}
}

// splitResponse separates the text of the first candidate from any function
// calls it requests.
func splitResponse(resp *genai.GenerateContentResponse) (string, []genai.FunctionCall) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	var b strings.Builder
	var calls []genai.FunctionCall
	for _, p := range resp.Candidates[0].Content.Parts {
		switch v := p.(type) {
		case genai.Text:
			b.WriteString(string(v))
		case genai.FunctionCall:
			calls = append(calls, v)
		case *genai.FunctionCall:
			calls = append(calls, *v)
		}
	}
	return b.String(), calls
}

// callTools executes each requested call and returns the function responses
// to send back. Failures are reported to the model rather than aborting the
// analysis.
func (c *Client) callTools(ctx context.Context, calls []genai.FunctionCall) []genai.Part {
	parts := make([]genai.Part, 0, len(calls))
	for _, call := range calls {
		parts = append(parts, genai.FunctionResponse{
			Name:     call.Name,
			Response: c.callTool(ctx, call),
		})
	}
	return parts
}

func (c *Client) callTool(ctx context.Context, call genai.FunctionCall) map[string]any {
	if call.Name != searchToolName || c.searcher == nil {
		return map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}
	}
	query, _ := call.Args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return map[string]any{"error": "query is required"}
	}

	c.logger.Info("web search requested", "query", query)
	res, err := c.searcher.Search(ctx, query)
	if err != nil {
		c.logger.Warn("web search failed", "query", query, "error", err)
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{
		"query":   query,
		"results": res.Summary(),
	}
}
