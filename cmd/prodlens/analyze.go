package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vbonduro/prodlens/internal/apperrors"
	"github.com/vbonduro/prodlens/internal/intake"
	"github.com/vbonduro/prodlens/internal/service"
)

type analyzeFlags struct {
	instruction string
	image       string
	url         string
	stream      bool
	previewOut  string
}

func newAnalyzeCmd() *cobra.Command {
	var f analyzeFlags

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze one product image from the command line",
		Example: `  # Ask about a local photo, streaming the answer
  prodlens analyze -i "Compare this product's price with competitors" --image kettle.jpg --stream

  # Analyze an image by URL and keep the preview
  prodlens analyze -i "What brand is this?" --url https://example.com/p.png --preview-out preview.png`,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := f.source()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), "text")
			if err != nil {
				return err
			}
			defer a.close()

			if err := runAnalyze(cmd, a.service, f, src); err != nil {
				return errors.New(apperrors.UserMessage(err))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&f.instruction, "instruction", "i", "", "What to ask about the product")
	cmd.Flags().StringVar(&f.image, "image", "", "Path to a .jpg, .jpeg or .png file")
	cmd.Flags().StringVar(&f.url, "url", "", "URL of an image to fetch")
	cmd.Flags().BoolVar(&f.stream, "stream", false, "Print the analysis as it is produced")
	cmd.Flags().StringVar(&f.previewOut, "preview-out", "", "Write the PNG display copy to this path")
	cmd.MarkFlagsMutuallyExclusive("image", "url")
	cmd.MarkFlagsOneRequired("image", "url")

	return cmd
}

func (f analyzeFlags) source() (intake.Source, error) {
	if f.url != "" {
		return intake.RemoteURL{URL: f.url}, nil
	}
	data, err := os.ReadFile(f.image)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return intake.UploadedBytes{Data: data, Extension: filepath.Ext(f.image)}, nil
}

func runAnalyze(cmd *cobra.Command, svc *service.AnalyzeService, f analyzeFlags, src intake.Source) error {
	out := cmd.OutOrStdout()
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if !f.stream {
		res, err := svc.Analyze(ctx, src, f.instruction)
		if err != nil {
			return err
		}
		if err := writePreview(f.previewOut, res.Preview); err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, res.Text)
		return err
	}

	stream, err := svc.AnalyzeStream(ctx, src, f.instruction)
	if err != nil {
		return err
	}
	// On an early return, stop the analysis and wait until the artifact has
	// been released.
	defer func() {
		cancel()
		for range stream.Chunks {
		}
	}()

	if err := writePreview(f.previewOut, stream.Preview); err != nil {
		return err
	}
	for chunk := range stream.Chunks {
		if chunk.Err != nil {
			_, _ = fmt.Fprintln(out)
			return chunk.Err
		}
		if _, err := io.WriteString(out, chunk.Text); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(out)
	return err
}

func writePreview(path string, data []byte) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write preview: %w", err)
	}
	return nil
}
