package cli

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/realworldbuilder/momentary/internal/config"
)

func newEnv() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Print the resolved server configuration as JSON",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.DefaultServerConfigFromEnv()
			cfg.Generation.APIKey = redact(cfg.Generation.APIKey)
			cfg.Transcribe.APIKey = redact(cfg.Transcribe.APIKey)

			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to marshal config")
			}
			fmt.Println(string(out))
		},
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "[redacted]"
}
