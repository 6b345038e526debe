package stub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/vbonduro/prodlens/internal/analysis"
)

// Client is a deterministic, no-network backend for CI and local runs.
// The same instruction and image bytes always produce the same text.
type Client struct {
	// delay is inserted between streamed words.
	delay time.Duration
}

func New(delay time.Duration) *Client { return &Client{delay: delay} }

func (c *Client) Run(ctx context.Context, req analysis.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	images, err := analysis.LoadImages(req.ImagePaths)
	if err != nil {
		return "", err
	}
	return render(req.Instruction, images), nil
}

// RunStream delivers the Run output word by word.
func (c *Client) RunStream(ctx context.Context, req analysis.Request) (<-chan analysis.Chunk, error) {
	text, err := c.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan analysis.Chunk)
	go func() {
		defer close(ch)
		words := strings.SplitAfter(text, " ")
		for i, w := range words {
			if i > 0 && c.delay > 0 {
				select {
				case <-time.After(c.delay):
				case <-ctx.Done():
					return
				}
			}
			if !analysis.Send(ctx, ch, analysis.Chunk{Text: w}) {
				return
			}
		}
	}()
	return ch, nil
}

func render(instruction string, images []analysis.Image) string {
	h := sha256.New()
	h.Write([]byte(instruction))
	total := 0
	for _, img := range images {
		h.Write(img.Data)
		total += len(img.Data)
	}
	short := hex.EncodeToString(h.Sum(nil)[:8])

	var b strings.Builder
	fmt.Fprintf(&b, "## Stub analysis (%s)\n\n", short)
	fmt.Fprintf(&b, "Request: %s\n\n", truncate(strings.TrimSpace(instruction), 120))
	fmt.Fprintf(&b, "Received %d image(s), %d bytes, type %s.", len(images), total, images[0].MIMEType)
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
