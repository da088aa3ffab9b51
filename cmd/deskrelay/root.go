package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"deskrelay/internal/config"
	"deskrelay/internal/logging"
)

const viperKeyAnnotation = "deskrelay_config_key"

// app is the state shared by every subcommand. cfg and log are filled in by
// the root command's PersistentPreRunE.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log zerolog.Logger
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:          "deskrelay",
		Short:        "Relay agent commands to remote desktop clients",
		Long:         "deskrelay runs the relay bridge that desktop apps connect to, the public proxy in front of it, and a client for driving a connected desktop.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("home", "", "data directory (default ~/.deskrelay)")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flags.String("log-format", "console", "log format: console or json")
	bindFlag(flags, "home", config.KeyHome)
	bindFlag(flags, "log-level", config.KeyLogLevel)
	bindFlag(flags, "log-format", config.KeyLogFormat)

	rootCmd.AddCommand(
		newBridgeCmd(a),
		newProxyCmd(a),
		newDesktopCmd(a),
		newTokenCmd(a),
	)
	return rootCmd
}

// bindFlag marks a flag as the command-line source of a config key. Only the
// flags of the command being run are bound, so two commands may feed the
// same key.
func bindFlag(flags *pflag.FlagSet, name string, key string) {
	if err := flags.SetAnnotation(name, viperKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("annotate flag %s: %v", name, err))
	}
}

func (a *app) load(cmd *cobra.Command) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		for _, key := range f.Annotations[viperKeyAnnotation] {
			if err := a.v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger
	if cfg.ControlTokenIsNew {
		a.log.Info().Str("settings_file", cfg.SettingsFile).Msg("control token generated")
	}
	if cfg.ControlTokenWeak {
		a.log.Warn().Str("source", cfg.ControlTokenSource).Msg("control token is weak, use at least 16 random characters")
	}
	return nil
}
