package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"openai-emulator/internal/config"
	"openai-emulator/internal/tokenizer"
)

func newTokensCmd() *cobra.Command {
	var (
		encoding string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "tokens [text]",
		Short: "Count tokens in the given text, or stdin when no text is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogger(cmd, "warn", ""); err != nil {
				return err
			}

			text := strings.Join(args, " ")
			if len(args) == 0 {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(data)
			}

			tok := buildTokenizer(config.TokenizerConfig{Encoding: encoding, Disabled: disabled})
			fmt.Fprintf(cmd.OutOrStdout(), "encoding: %s\nmode: %s\ntokens: %d\n", tok.Name(), tok.Mode(), tok.Count(text))
			return nil
		},
	}

	cmd.Flags().StringVar(&encoding, "encoding", tokenizer.DefaultEncoding, "BPE encoding name.")
	cmd.Flags().BoolVar(&disabled, "estimate", false, "Skip the BPE encoder and use the character estimate.")

	return cmd
}
