package claude

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"

	"github.com/vbonduro/prodlens/internal/analysis"
)

// maxTokens leaves room for a multi-section product write-up.
const maxTokens = 2048

type Client struct {
	client  *anthropic.Client
	model   string
	prompts analysis.Prompts
}

type Option func(*options)

type options struct {
	baseURL string
}

// WithBaseURL points the client at a different Messages API host.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

func New(apiKey, model string, prompts analysis.Prompts, opts ...Option) *Client {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var clientOpts []anthropic.ClientOption
	if o.baseURL != "" {
		clientOpts = append(clientOpts, anthropic.WithBaseURL(o.baseURL))
	}
	return &Client{
		client:  anthropic.NewClient(apiKey, clientOpts...),
		model:   model,
		prompts: prompts,
	}
}

// buildRequest loads the artifacts and assembles a single user message with
// the images ahead of the text.
func (c *Client) buildRequest(req analysis.Request) (anthropic.MessagesRequest, error) {
	images, err := analysis.LoadImages(req.ImagePaths)
	if err != nil {
		return anthropic.MessagesRequest{}, err
	}

	content := make([]anthropic.MessageContent, 0, len(images)+1)
	for _, img := range images {
		content = append(content, anthropic.NewImageMessageContent(
			anthropic.NewMessageContentSource(
				anthropic.MessagesContentSourceTypeBase64,
				normaliseMIME(img.MIMEType),
				base64.StdEncoding.EncodeToString(img.Data),
			),
		))
	}
	content = append(content, anthropic.NewTextMessageContent(c.prompts.UserText(req.Instruction)))

	return anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		System:    c.prompts.System,
		MaxTokens: maxTokens,
		Messages: []anthropic.Message{{
			Role:    anthropic.RoleUser,
			Content: content,
		}},
	}, nil
}

func (c *Client) Run(ctx context.Context, req analysis.Request) (string, error) {
	msgReq, err := c.buildRequest(req)
	if err != nil {
		return "", err
	}

	resp, err := c.client.CreateMessages(ctx, msgReq)
	if err != nil {
		return "", fmt.Errorf("failed to call claude: %w", err)
	}

	var b strings.Builder
	for _, blk := range resp.Content {
		if blk.Type == anthropic.MessagesContentTypeText {
			b.WriteString(blk.GetText())
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("claude returned no text content")
	}
	return b.String(), nil
}

// RunStream implements analysis.StreamClient. Text deltas are forwarded as
// chunks while the streaming call runs in the background.
func (c *Client) RunStream(ctx context.Context, req analysis.Request) (<-chan analysis.Chunk, error) {
	msgReq, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan analysis.Chunk, 16)
	go func() {
		defer close(ch)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		_, err := c.client.CreateMessagesStream(ctx, anthropic.MessagesStreamRequest{
			MessagesRequest: msgReq,
			OnContentBlockDelta: func(data anthropic.MessagesEventContentBlockDeltaData) {
				text := data.Delta.GetText()
				if text == "" {
					return
				}
				if !analysis.Send(ctx, ch, analysis.Chunk{Text: text}) {
					cancel()
				}
			},
		})
		if err != nil && ctx.Err() == nil {
			analysis.Send(ctx, ch, analysis.Chunk{Err: fmt.Errorf("claude stream: %w", err)})
		}
	}()

	return ch, nil
}

// normaliseMIME maps detected MIME types to the values the Messages API
// accepts. Anything else is sent as jpeg.
func normaliseMIME(mimeType string) string {
	switch mimeType {
	case "image/png", "image/gif", "image/webp":
		return mimeType
	default:
		return "image/jpeg"
	}
}
