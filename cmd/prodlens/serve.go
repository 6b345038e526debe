package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/vbonduro/prodlens/internal/metrics"
	"github.com/vbonduro/prodlens/internal/web"
	"github.com/vbonduro/prodlens/internal/web/templates"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web interface",
		Long: `Starts the Product Image Analyzer web interface.

Users enter a question, provide one image (file upload, URL or camera
capture) and receive a streamed analysis alongside a preview of the image.`,
		Example: `  # Start on the address from LISTEN_ADDR (default :8080)
  prodlens serve

  # Start on a custom address
  prodlens serve --addr 127.0.0.1:3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.close()

			if addr == "" {
				addr = a.cfg.ListenAddr
			}

			metrics.Register()
			server := web.NewServer(a.service, templates.FS, web.Options{
				MaxUploadBytes: a.cfg.MaxImageBytes,
				DisplayWidth:   a.cfg.DisplayWidth,
				WriteTimeout:   a.cfg.AnalysisTimeout + a.cfg.FetchTimeout + 30*time.Second,
			}, a.logger)

			if err := server.ListenAndServe(cmd.Context(), addr); err != nil {
				a.logger.Error("server error", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Address to listen on (overrides LISTEN_ADDR)")

	return cmd
}
