package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vbonduro/prodlens/internal/analysis"
	"github.com/vbonduro/prodlens/internal/apperrors"
	"github.com/vbonduro/prodlens/internal/intake"
	"github.com/vbonduro/prodlens/internal/metrics"
)

const (
	modeSync   = "sync"
	modeStream = "stream"
)

// errEmptyResponse is the cause reported when a client finishes without any
// text.
var errEmptyResponse = errors.New("the model returned an empty response")

// imageIntake is the subset of intake.Intake that AnalyzeService requires.
type imageIntake interface {
	Decode(ctx context.Context, src intake.Source) (*intake.Decoded, error)
	Materialize(ctx context.Context, d *intake.Decoded) (*intake.Artifact, error)
}

type Options struct {
	// DisplayWidth is the exact width of preview images.
	DisplayWidth int
	// AnalysisTimeout bounds each call to the analysis client.
	AnalysisTimeout time.Duration
}

type AnalyzeService struct {
	intake imageIntake
	client analysis.Client
	opts   Options
	logger *slog.Logger
}

func NewAnalyzeService(in imageIntake, client analysis.Client, opts Options, logger *slog.Logger) *AnalyzeService {
	return &AnalyzeService{
		intake: in,
		client: client,
		opts:   opts,
		logger: logger,
	}
}

// Result is a completed synchronous analysis.
type Result struct {
	// Preview is the PNG display copy of the analyzed image.
	Preview []byte
	Text    string
}

// Stream is an analysis whose text is still being produced. Chunks is closed
// after the last chunk; by then the artifact has been released. The caller
// must either drain Chunks or cancel the context passed to AnalyzeStream.
type Stream struct {
	Preview []byte
	Chunks  <-chan analysis.Chunk
}

// prepared is an image that has been decoded, previewed and materialized.
type prepared struct {
	id       string
	preview  []byte
	artifact *intake.Artifact
}

func validate(src intake.Source, instruction string) error {
	if strings.TrimSpace(instruction) == "" {
		return apperrors.NewValidationError("Please enter an analysis request", nil)
	}
	if src == nil {
		return apperrors.NewValidationError("Please upload a product image", nil)
	}
	return nil
}

// prepare runs intake for one request. On success the caller owns the
// returned artifact.
func (s *AnalyzeService) prepare(ctx context.Context, src intake.Source, instruction string) (*prepared, error) {
	if err := validate(src, instruction); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	s.logger.Info("analysis started", "analysis_id", id, "source", intake.Kind(src))

	decoded, err := s.intake.Decode(ctx, src)
	if err != nil {
		return nil, apperrors.NewInputFailure(err)
	}
	s.logger.Debug("image decoded", "analysis_id", id, "format", decoded.Format(),
		"width", decoded.Width(), "height", decoded.Height())

	preview, err := intake.MakeDisplayCopy(decoded, s.opts.DisplayWidth)
	if err != nil {
		return nil, err
	}

	artifact, err := s.intake.Materialize(ctx, decoded)
	if err != nil {
		return nil, err
	}
	return &prepared{id: id, preview: preview, artifact: artifact}, nil
}

func (s *AnalyzeService) release(p *prepared) {
	if err := p.artifact.Release(); err != nil {
		s.logger.Warn("artifact leaked", "analysis_id", p.id, "path", p.artifact.Path(), "error", err)
	}
}

func (s *AnalyzeService) request(p *prepared, instruction string) analysis.Request {
	return analysis.Request{Instruction: instruction, ImagePaths: []string{p.artifact.Path()}}
}

// Analyze runs a complete analysis and returns the full text. The artifact is
// deleted before Analyze returns on every path.
func (s *AnalyzeService) Analyze(ctx context.Context, src intake.Source, instruction string) (_ *Result, err error) {
	start := time.Now()
	defer func() { observe(modeSync, start, err) }()

	p, err := s.prepare(ctx, src, instruction)
	if err != nil {
		return nil, err
	}
	defer s.release(p)

	ctx, cancel := context.WithTimeout(ctx, s.opts.AnalysisTimeout)
	defer cancel()

	text, err := s.client.Run(ctx, s.request(p, instruction))
	if err != nil {
		s.logger.Error("analysis failed", "analysis_id", p.id, "error", err)
		return nil, apperrors.NewUpstreamFailure(s.upstreamCause(ctx, err))
	}
	if strings.TrimSpace(text) == "" {
		s.logger.Error("analysis failed", "analysis_id", p.id, "error", errEmptyResponse)
		return nil, apperrors.NewUpstreamFailure(errEmptyResponse)
	}

	s.logger.Info("analysis complete", "analysis_id", p.id, "chars", len(text),
		"duration_ms", time.Since(start).Milliseconds())
	return &Result{Preview: p.preview, Text: text}, nil
}

// AnalyzeStream starts an analysis and returns its text as an ordered chunk
// stream. Clients without streaming support deliver the whole text as one
// chunk. A failure after the stream has started, including a stream that ends
// without any text, arrives as a final chunk carrying an UpstreamFailure.
func (s *AnalyzeService) AnalyzeStream(ctx context.Context, src intake.Source, instruction string) (*Stream, error) {
	start := time.Now()

	p, err := s.prepare(ctx, src, instruction)
	if err != nil {
		observe(modeStream, start, err)
		return nil, err
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, s.opts.AnalysisTimeout)

	var upstream <-chan analysis.Chunk
	if sc, ok := s.client.(analysis.StreamClient); ok {
		upstream, err = sc.RunStream(ctx, s.request(p, instruction))
	} else {
		upstream = s.runAsStream(ctx, s.request(p, instruction))
	}
	if err != nil {
		cancel()
		s.release(p)
		s.logger.Error("analysis stream failed to start", "analysis_id", p.id, "error", err)
		err = apperrors.NewUpstreamFailure(s.upstreamCause(ctx, err))
		observe(modeStream, start, err)
		return nil, err
	}

	out := make(chan analysis.Chunk)
	go func() {
		var streamErr error
		chunks := 0
		gotText := false
		defer close(out)
		defer cancel()
		defer func() {
			s.release(p)
			observe(modeStream, start, streamErr)
			s.logger.Info("analysis stream finished", "analysis_id", p.id, "chunks", chunks,
				"duration_ms", time.Since(start).Milliseconds(), "error", streamErr)
		}()

		for {
			select {
			case c, ok := <-upstream:
				if !ok {
					if !gotText {
						streamErr = apperrors.NewUpstreamFailure(errEmptyResponse)
						analysis.Send(parent, out, analysis.Chunk{Err: streamErr})
					}
					return
				}
				if c.Err != nil {
					streamErr = apperrors.NewUpstreamFailure(s.upstreamCause(ctx, c.Err))
					analysis.Send(parent, out, analysis.Chunk{Err: streamErr})
					return
				}
				if !analysis.Send(ctx, out, c) {
					streamErr = s.abandoned(parent, ctx, out)
					return
				}
				chunks++
				if strings.TrimSpace(c.Text) != "" {
					gotText = true
				}
				metrics.StreamChunksTotal.Inc()
			case <-ctx.Done():
				streamErr = s.abandoned(parent, ctx, out)
				return
			}
		}
	}()

	return &Stream{Preview: p.preview, Chunks: out}, nil
}

// abandoned handles a stream whose context ended early. A caller that went
// away gets nothing; an expired analysis deadline is reported as a failure.
func (s *AnalyzeService) abandoned(parent, ctx context.Context, out chan<- analysis.Chunk) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	err := apperrors.NewUpstreamFailure(s.upstreamCause(ctx, ctx.Err()))
	analysis.Send(parent, out, analysis.Chunk{Err: err})
	return err
}

// runAsStream adapts a non-streaming client to a single-chunk stream.
func (s *AnalyzeService) runAsStream(ctx context.Context, req analysis.Request) <-chan analysis.Chunk {
	ch := make(chan analysis.Chunk, 1)
	go func() {
		defer close(ch)
		text, err := s.client.Run(ctx, req)
		if err != nil {
			ch <- analysis.Chunk{Err: err}
			return
		}
		ch <- analysis.Chunk{Text: text}
	}()
	return ch
}

// Preview decodes src and returns only its display copy. Nothing is written
// to disk.
func (s *AnalyzeService) Preview(ctx context.Context, src intake.Source) ([]byte, error) {
	if src == nil {
		return nil, apperrors.NewValidationError("Please upload a product image", nil)
	}
	decoded, err := s.intake.Decode(ctx, src)
	if err != nil {
		return nil, apperrors.NewInputFailure(err)
	}
	return intake.MakeDisplayCopy(decoded, s.opts.DisplayWidth)
}

// upstreamCause rewrites a bare deadline error into a readable timeout.
func (s *AnalyzeService) upstreamCause(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("no response within %s: %w", s.opts.AnalysisTimeout, err)
	}
	return err
}

func observe(mode string, start time.Time, err error) {
	result := resultLabel(err)
	metrics.AnalyzeTotal.WithLabelValues(mode, result).Inc()
	metrics.AnalyzeDurationSeconds.WithLabelValues(mode, result).Observe(time.Since(start).Seconds())
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return string(appErr.Type)
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "error"
}
