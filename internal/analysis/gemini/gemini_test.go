package gemini

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"

	"github.com/vbonduro/prodlens/internal/analysis"
	"github.com/vbonduro/prodlens/internal/search"
)

// fakeChat replays scripted rounds. Each round is a list of responses; send
// returns them merged and stream yields them one at a time.
type fakeChat struct {
	rounds [][]*genai.GenerateContentResponse
	sent   [][]genai.Part
	err    error
}

func (f *fakeChat) next(parts []genai.Part) []*genai.GenerateContentResponse {
	f.sent = append(f.sent, parts)
	if len(f.rounds) == 0 {
		return nil
	}
	r := f.rounds[0]
	f.rounds = f.rounds[1:]
	return r
}

func (f *fakeChat) send(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	var merged []genai.Part
	for _, r := range f.next(parts) {
		merged = append(merged, r.Candidates[0].Content.Parts...)
	}
	return respond(merged...), nil
}

func (f *fakeChat) stream(_ context.Context, parts ...genai.Part) responseIterator {
	return &fakeIterator{resps: f.next(parts), err: f.err}
}

type fakeIterator struct {
	resps []*genai.GenerateContentResponse
	err   error
}

func (it *fakeIterator) Next() (*genai.GenerateContentResponse, error) {
	if it.err != nil {
		return nil, it.err
	}
	if len(it.resps) == 0 {
		return nil, iterator.Done
	}
	r := it.resps[0]
	it.resps = it.resps[1:]
	return r, nil
}

func respond(parts ...genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: "model", Parts: parts}}},
	}
}

func searchCall(q string) *genai.GenerateContentResponse {
	return respond(genai.FunctionCall{Name: searchToolName, Args: map[string]any{"query": q}})
}

type fakeSearcher struct {
	queries []string
	err     error
}

func (s *fakeSearcher) Search(_ context.Context, q string) (*search.Results, error) {
	s.queries = append(s.queries, q)
	if s.err != nil {
		return nil, s.err
	}
	return &search.Results{Answer: "About $129.", Hits: []search.Hit{{Title: "Shop", URL: "https://shop.example", Content: "X1 $129"}}}, nil
}

func newTestClient(t *testing.T, fc *fakeChat, s search.Searcher) *Client {
	t.Helper()
	c := &Client{
		model:    "gemini-2.0-flash-exp",
		prompts:  analysis.Prompts{System: "analyst"},
		searcher: s,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	c.newChat = func() chat { return fc }
	return c
}

func testRequest(t *testing.T) analysis.Request {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	path := filepath.Join(t.TempDir(), "artifact.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))
	return analysis.Request{Instruction: "How much does this cost?", ImagePaths: []string{path}}
}

func TestRunWithoutTools(t *testing.T) {
	fc := &fakeChat{rounds: [][]*genai.GenerateContentResponse{{respond(genai.Text("A blender."))}}}
	c := newTestClient(t, fc, nil)

	text, err := c.Run(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "A blender.", text)

	require.Len(t, fc.sent, 1)
	require.Len(t, fc.sent[0], 2)
	blob, ok := fc.sent[0][0].(genai.Blob)
	require.True(t, ok)
	assert.Equal(t, "image/png", blob.MIMEType)
	assert.Equal(t, genai.Text("How much does this cost?"), fc.sent[0][1])
}

func TestRunResolvesSearchCalls(t *testing.T) {
	fc := &fakeChat{rounds: [][]*genai.GenerateContentResponse{
		{searchCall("blender x1 price")},
		{respond(genai.Text("It sells for about $129."))},
	}}
	s := &fakeSearcher{}
	c := newTestClient(t, fc, s)

	text, err := c.Run(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "It sells for about $129.", text)
	assert.Equal(t, []string{"blender x1 price"}, s.queries)

	require.Len(t, fc.sent, 2)
	fr, ok := fc.sent[1][0].(genai.FunctionResponse)
	require.True(t, ok)
	assert.Equal(t, searchToolName, fr.Name)
	assert.Contains(t, fr.Response["results"], "X1 $129")
}

func TestRunReportsSearchFailureToModel(t *testing.T) {
	fc := &fakeChat{rounds: [][]*genai.GenerateContentResponse{
		{searchCall("blender")},
		{respond(genai.Text("I could not search, but this is a blender."))},
	}}
	c := newTestClient(t, fc, &fakeSearcher{err: errors.New("quota exceeded")})

	text, err := c.Run(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.Contains(t, text, "blender")

	fr := fc.sent[1][0].(genai.FunctionResponse)
	assert.Equal(t, "quota exceeded", fr.Response["error"])
}

func TestRunStopsAfterMaxToolRounds(t *testing.T) {
	var rounds [][]*genai.GenerateContentResponse
	for i := 0; i <= maxToolRounds; i++ {
		rounds = append(rounds, []*genai.GenerateContentResponse{searchCall("again")})
	}
	c := newTestClient(t, &fakeChat{rounds: rounds}, &fakeSearcher{})

	_, err := c.Run(context.Background(), testRequest(t))
	assert.ErrorContains(t, err, "kept calling tools")
}

func TestRunUpstreamError(t *testing.T) {
	c := newTestClient(t, &fakeChat{err: errors.New("googleapi: Error 403")}, nil)
	_, err := c.Run(context.Background(), testRequest(t))
	assert.ErrorContains(t, err, "403")
}

func TestRunEmptyResponse(t *testing.T) {
	c := newTestClient(t, &fakeChat{rounds: [][]*genai.GenerateContentResponse{{respond()}}}, nil)
	_, err := c.Run(context.Background(), testRequest(t))
	assert.Error(t, err)
}

func TestRunStream(t *testing.T) {
	fc := &fakeChat{rounds: [][]*genai.GenerateContentResponse{
		{respond(genai.Text("Let me check. ")), searchCall("blender x1")},
		{respond(genai.Text("About ")), respond(genai.Text("$129."))},
	}}
	s := &fakeSearcher{}
	c := newTestClient(t, fc, s)

	ch, err := c.RunStream(context.Background(), testRequest(t))
	require.NoError(t, err)

	var texts []string
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		texts = append(texts, chunk.Text)
	}
	assert.Equal(t, []string{"Let me check. ", "About ", "$129."}, texts)
	assert.Equal(t, []string{"blender x1"}, s.queries)
}

func TestRunStreamError(t *testing.T) {
	c := newTestClient(t, &fakeChat{err: errors.New("stream broke")}, nil)

	ch, err := c.RunStream(context.Background(), testRequest(t))
	require.NoError(t, err)

	var chunks []analysis.Chunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 1)
	assert.ErrorContains(t, chunks[0].Err, "stream broke")
}

func TestRunStreamMissingImage(t *testing.T) {
	c := newTestClient(t, &fakeChat{}, nil)
	_, err := c.RunStream(context.Background(), analysis.Request{Instruction: "x", ImagePaths: []string{"/nonexistent.png"}})
	assert.Error(t, err)
}

func TestCallToolUnknown(t *testing.T) {
	c := newTestClient(t, &fakeChat{}, &fakeSearcher{})
	resp := c.callTool(context.Background(), genai.FunctionCall{Name: "delete_everything"})
	assert.True(t, strings.Contains(resp["error"].(string), "unknown tool"))

	resp = c.callTool(context.Background(), genai.FunctionCall{Name: searchToolName, Args: map[string]any{}})
	assert.Equal(t, "query is required", resp["error"])
}

func TestSearchToolDeclaration(t *testing.T) {
	tool := searchTool()
	require.Len(t, tool.FunctionDeclarations, 1)
	decl := tool.FunctionDeclarations[0]
	assert.Equal(t, searchToolName, decl.Name)
	assert.Equal(t, genai.TypeObject, decl.Parameters.Type)
	assert.Equal(t, []string{"query"}, decl.Parameters.Required)
	assert.Equal(t, genai.TypeString, decl.Parameters.Properties["query"].Type)
}
