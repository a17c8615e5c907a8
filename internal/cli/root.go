package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/realworldbuilder/momentary/internal/config"
)

func New() *cobra.Command {
	root := &cobra.Command{
		Use:   "momentaryd",
		Short: "Two-node timed activity session daemon",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogger(config.DefaultServerConfigFromEnv().Logger)
		},
	}

	root.AddCommand(
		newServer(),
		newEnv(),
	)
	return root
}

func Execute() {
	if err := New().Execute(); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func configureLogger(cfg config.Logger) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.PrettyPrintConsole {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}
