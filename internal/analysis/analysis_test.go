package analysis

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, dir string) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	path := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))
	return path
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"valid", Request{Instruction: "what is this", ImagePaths: []string{"/tmp/a.png"}}, false},
		{"blank instruction", Request{Instruction: "  \n", ImagePaths: []string{"/tmp/a.png"}}, true},
		{"no images", Request{Instruction: "what is this"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadImages(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir)

	images, err := LoadImages([]string{path})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "image/png", images[0].MIMEType)
	assert.NotEmpty(t, images[0].Data)
}

func TestLoadImagesMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadImages([]string{filepath.Join(dir, "gone.png")})
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, "failed to read image 1: no such file or directory", err.Error())
	assert.NotContains(t, err.Error(), dir)
}

func TestLoadImagesRejectsNonImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.png")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0600))

	_, err := LoadImages([]string{writePNG(t, t.TempDir()), path})
	assert.ErrorContains(t, err, "attached file 2 is not an image")
	assert.NotContains(t, err.Error(), dir)
}

func TestSendStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan Chunk)
	assert.False(t, Send(ctx, ch, Chunk{Text: "x"}))

	buffered := make(chan Chunk, 1)
	assert.True(t, Send(context.Background(), buffered, Chunk{Text: "y"}))
	assert.Equal(t, "y", (<-buffered).Text)
}
