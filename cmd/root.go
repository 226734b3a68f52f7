package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"openai-emulator/internal/logging"
)

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "openai-emulator",
		Short:         "OpenAI-compatible chat completion mock with exact token counts and controllable pacing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error (overrides config).")
	cmd.PersistentFlags().String("log-format", "", "Log format: text|json (overrides config).")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLoadTestCmd())
	cmd.AddCommand(newTokensCmd())

	return cmd
}

// setupLogger installs the process logger. Flag values win over the
// supplied defaults.
func setupLogger(cmd *cobra.Command, level, format string) error {
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		format = v
	}

	logger, err := logging.New(os.Stderr, level, format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}
