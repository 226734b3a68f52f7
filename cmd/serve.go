package cmd

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"openai-emulator/internal/catalog"
	"openai-emulator/internal/config"
	"openai-emulator/internal/engine"
	"openai-emulator/internal/models"
	"openai-emulator/internal/server"
	"openai-emulator/internal/synth"
	"openai-emulator/internal/tokenizer"
)

func newServeCmd() *cobra.Command {
	var (
		cfgPath      string
		overridePort int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("port") {
				if overridePort <= 0 || overridePort > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
				}
				cfg.Server.Port = overridePort
			}

			if err := setupLogger(cmd, cfg.Logging.Level, cfg.Logging.Format); err != nil {
				return err
			}

			tok := buildTokenizer(cfg.Tokenizer)

			cat, err := buildCatalog(cfg.Models)
			if err != nil {
				return err
			}

			eng := engine.New(synth.New(tok, synth.Random()))

			srv, err := server.New(cfg, eng, cat)
			if err != nil {
				return err
			}

			mode := string(tok.Mode())
			if tok.Exact() {
				mode = fmt.Sprintf("%s %s", tok.Name(), mode)
			}
			return srv.Run(cmd.Context(), mode)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "Path to YAML configuration file (optional).")
	cmd.Flags().IntVar(&overridePort, "port", 0, "Override server port from configuration.")

	return cmd
}

func buildTokenizer(cfg config.TokenizerConfig) *tokenizer.Tokenizer {
	if cfg.Disabled {
		return tokenizer.Fallback()
	}
	return tokenizer.New(cfg.Encoding)
}

func buildCatalog(entries []config.ModelConfig) (*catalog.Catalog, error) {
	if len(entries) == 0 {
		return catalog.Default(), nil
	}
	return catalog.New(lo.Map(entries, func(m config.ModelConfig, _ int) models.ModelDescriptor {
		return models.ModelDescriptor{ID: m.ID, OwnedBy: m.OwnedBy}
	}))
}
