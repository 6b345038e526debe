package web

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/vbonduro/prodlens/internal/apperrors"
	"github.com/vbonduro/prodlens/internal/intake"
)

// formOverhead is the allowance for non-file multipart fields.
const formOverhead = 1 << 20

// analyzeForm is the parsed analysis request.
type analyzeForm struct {
	instruction string
	source      intake.Source
}

// parseAnalyzeForm reads the instruction and exactly one image source from a
// multipart (or urlencoded, for URL-only requests) form. A form with no
// source yields a nil source so the service reports the missing image.
func (s *Server) parseAnalyzeForm(w http.ResponseWriter, r *http.Request) (*analyzeForm, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+formOverhead)

	if err := r.ParseMultipartForm(formOverhead); err != nil {
		if !errors.Is(err, http.ErrNotMultipart) {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, apperrors.NewInvalidImageError(
					fmt.Sprintf("The image is larger than the %d MB limit", s.opts.MaxUploadBytes>>20), err)
			}
			return nil, apperrors.NewValidationError("The form could not be read", err)
		}
		if err := r.ParseForm(); err != nil {
			return nil, apperrors.NewValidationError("The form could not be read", err)
		}
	}
	if r.MultipartForm != nil {
		defer func() {
			if err := r.MultipartForm.RemoveAll(); err != nil {
				s.logger.Error("failed to remove multipart temp files", "error", err)
			}
		}()
	}

	var sources []intake.Source

	data, header, err := s.readFormFile(r, "image")
	if err != nil {
		return nil, err
	}
	if header != nil {
		sources = append(sources, intake.UploadedBytes{Data: data, Extension: filepath.Ext(header.Filename)})
	}

	data, header, err = s.readFormFile(r, "capture")
	if err != nil {
		return nil, err
	}
	if header != nil {
		sources = append(sources, intake.CapturedFrame{Data: data})
	}

	if u := strings.TrimSpace(r.FormValue("image_url")); u != "" {
		sources = append(sources, intake.RemoteURL{URL: u})
	}

	form := &analyzeForm{instruction: r.FormValue("instruction")}
	switch len(sources) {
	case 0:
	case 1:
		form.source = sources[0]
	default:
		return nil, apperrors.NewValidationError("Please provide only one image: a file, a camera photo or a URL", nil)
	}
	return form, nil
}

// readFormFile returns the contents of an optional file field. A nil header
// means the field was absent.
func (s *Server) readFormFile(r *http.Request, field string) ([]byte, *multipart.FileHeader, error) {
	if r.MultipartForm == nil {
		return nil, nil, nil
	}
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, apperrors.NewValidationError("The uploaded file could not be read", err)
	}
	defer closeWithLog(file, "upload file", s.logger)

	if header.Size > s.opts.MaxUploadBytes {
		return nil, nil, apperrors.NewInvalidImageError(
			fmt.Sprintf("The image is larger than the %d MB limit", s.opts.MaxUploadBytes>>20),
			fmt.Errorf("%s is %d bytes", field, header.Size))
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, apperrors.NewValidationError("The uploaded file could not be read", err)
	}
	return data, header, nil
}

type analyzeResponse struct {
	Preview  string `json:"preview"`
	Analysis string `json:"analysis"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	form, err := s.parseAnalyzeForm(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.service.Analyze(r.Context(), form.source, form.instruction)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, analyzeResponse{
		Preview:  pngDataURL(res.Preview),
		Analysis: res.Text,
	}, s.logger)
}

// handleAnalyzeStream responds with an SSE stream. The first event is
// "preview" carrying the display copy, then one unnamed event per text chunk
// ({"text":"..."}), and finally either "done" or "error" ({"error":"..."}).
// The request context is passed through so a client that disconnects stops
// the analysis and releases its artifact.
func (s *Server) handleAnalyzeStream(w http.ResponseWriter, r *http.Request) {
	form, err := s.parseAnalyzeForm(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	stream, err := s.service.AnalyzeStream(r.Context(), form.source, form.instruction)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := newSSEWriter(w)
	if err := sse.event("preview", map[string]string{"image": pngDataURL(stream.Preview)}); err != nil {
		s.logger.Warn("write preview event failed", "error", err)
		return
	}

	for chunk := range stream.Chunks {
		if chunk.Err != nil {
			s.logger.Error("analysis stream failed", "error", chunk.Err)
			if err := sse.event("error", map[string]string{"error": apperrors.UserMessage(chunk.Err)}); err != nil {
				s.logger.Warn("write error event failed", "error", err)
			}
			return
		}
		if err := sse.event("", map[string]string{"text": chunk.Text}); err != nil {
			// Returning cancels the request context, which stops the analysis.
			s.logger.Warn("write chunk failed", "error", err)
			return
		}
	}

	if err := sse.event("done", struct{}{}); err != nil {
		s.logger.Warn("write done event failed", "error", err)
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	form, err := s.parseAnalyzeForm(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	preview, err := s.service.Preview(r.Context(), form.source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(preview); err != nil {
		s.logger.Warn("write preview failed", "error", err)
	}
}

// writeError logs err in full and sends only its user message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.GetStatusCode(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request failed",
		"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": apperrors.UserMessage(err)}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write json response failed", "error", err)
	}
}

func pngDataURL(data []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}

// sseWriter writes server-sent events and flushes after each one.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: f}
}

func (e *sseWriter) event(name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var b strings.Builder
	if name != "" {
		b.WriteString("event: " + name + "\n")
	}
	b.WriteString("data: ")
	b.Write(payload)
	b.WriteString("\n\n")
	if _, err := io.WriteString(e.w, b.String()); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// closeWithLog closes c and logs any error, using label to identify the resource.
func closeWithLog(c io.Closer, label string, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close resource", "label", label, "error", err)
	}
}
