package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prodlens",
		Short: "Analyze product images with a multimodal model and web search",
		Long: `prodlens identifies products in photos and answers questions about them,
such as price comparisons, using a multimodal model that can search the web.

Configuration is read from the environment and from a .env file in the
working directory. MODEL_API_KEY and SEARCH_API_KEY hold the credentials.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAnalyzeCmd())

	return cmd
}
