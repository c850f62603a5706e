package main

import (
	"log/slog"
	"os"

	"github.com/kisan-ai/kcc-assistant/pkg/config"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the kcc command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kcc",
		Short:         "Kisan Call Centre query assistant",
		Long:          "Answers agricultural questions from the KCC corpus, falling back to web search and the language model.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", os.Getenv("KCC_CONFIG"), "path to config file")

	root.AddCommand(newAskCmd(), newIndexCmd())
	return root
}

// loadConfig reads configuration and builds a logger that writes to the
// command's stderr so answers on stdout stay clean.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cfg.Log.NewLogger(cmd.ErrOrStderr()), nil
}
