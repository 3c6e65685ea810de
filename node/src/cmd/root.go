package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/config"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/shared"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cloudledger",
	Short: "A ledger node that closes transaction sets into hashed ledgers",
	Long: `cloudledger applies transaction sets against an entry store, records the
net change of every closed ledger as a meta stream, archives it and serves
it to inspectors and replicating followers.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cloudledger:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to a JSON config file")
	pf.String("data-dir", "", "Directory holding the store, WAL, snapshots and history")
	pf.String("backend", "", "Entry store backend (memory or sqlite)")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("log-format", "", "Log format (json or console)")

	rootCmd.AddCommand(startNodeCmd, closeCmd, metaCmd, replayCmd)
}

// loadConfig reads the config file, applies the flags the user set and
// builds the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"data-dir":   &cfg.DataDir,
		"backend":    &cfg.StoreBackend,
		"log-level":  &cfg.LogLevel,
		"log-format": &cfg.LogFormat,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}

	logger, err := shared.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}
