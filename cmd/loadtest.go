package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"openai-emulator/internal/loadgen"
)

func newLoadTestCmd() *cobra.Command {
	var cfg loadgen.Config

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Run a mixed chat workload against a running emulator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogger(cmd, "warn", ""); err != nil {
				return err
			}

			runner, err := loadgen.New(cfg)
			if err != nil {
				return err
			}

			report := runner.Run(cmd.Context())
			report.Print(cmd.OutOrStdout())

			if requests, failures := report.Totals(); requests > 0 && failures == requests {
				return fmt.Errorf("all %d requests failed", requests)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.BaseURL, "url", "http://127.0.0.1:3000", "Emulator base URL.")
	cmd.Flags().IntVar(&cfg.Workers, "workers", 10, "Number of concurrent simulated users.")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", 30*time.Second, "How long to run; 0 relies on --requests.")
	cmd.Flags().IntVar(&cfg.Requests, "requests", 0, "Stop after this many requests; 0 means no cap.")
	cmd.Flags().DurationVar(&cfg.ThinkMin, "think-min", time.Second, "Minimum pause between a user's requests.")
	cmd.Flags().DurationVar(&cfg.ThinkMax, "think-max", 3*time.Second, "Maximum pause between a user's requests.")
	cmd.Flags().Uint64Var(&cfg.Seed, "seed", uint64(time.Now().UnixNano()), "Seed for the workload mix.")

	return cmd
}
