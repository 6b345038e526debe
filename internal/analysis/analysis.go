// Package analysis defines the contract between the orchestrator and the
// multimodal model backends.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// Request is one analysis call: the user's instruction and the artifact files
// to attach.
type Request struct {
	Instruction string
	ImagePaths  []string
}

// Validate reports whether r can be sent to a backend.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Instruction) == "" {
		return errors.New("instruction is empty")
	}
	if len(r.ImagePaths) == 0 {
		return errors.New("no images attached")
	}
	return nil
}

// Client runs an analysis and returns the complete response text.
type Client interface {
	Run(ctx context.Context, req Request) (string, error)
}

// StreamClient is an optional extension of Client that delivers the response
// incrementally.
type StreamClient interface {
	Client
	// RunStream sends chunks in order on the returned channel and closes it
	// when the response is complete or ctx is cancelled. All image paths are
	// read before RunStream returns. A mid-stream failure is delivered as a
	// final Chunk with Err set.
	RunStream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Chunk is either a piece of response text or a terminal error.
type Chunk struct {
	Text string
	Err  error
}

// Image is an attached image loaded into memory.
type Image struct {
	Data     []byte
	MIMEType string
}

// LoadImages reads every path and detects its MIME type from the content.
// Returned errors name the image by position; the path is only logged.
func LoadImages(paths []string) ([]Image, error) {
	images := make([]Image, 0, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			slog.Error("failed to read attached image", "path", p, "error", err)
			var pathErr *fs.PathError
			if errors.As(err, &pathErr) {
				err = pathErr.Err
			}
			return nil, fmt.Errorf("failed to read image %d: %w", i+1, err)
		}
		mimeType := http.DetectContentType(data)
		if !strings.HasPrefix(mimeType, "image/") {
			slog.Error("attached file is not an image", "path", p, "mime_type", mimeType)
			return nil, fmt.Errorf("attached file %d is not an image (%s)", i+1, mimeType)
		}
		images = append(images, Image{Data: data, MIMEType: mimeType})
	}
	return images, nil
}

// Send delivers c on ch unless ctx is done first. It reports whether the
// chunk was delivered.
func Send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
