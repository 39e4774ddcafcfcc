// Command rdreadctl is a thin demo CLI wiring the coordinator against an
// in-memory fake replica set, useful for smoke-testing the opendir,
// divergence-probe and readdir path without a real clustered filesystem.
// Every fake replica is up and answers, so no failover happens in the demo.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clusterfs/rdread/cfg"
	"github.com/clusterfs/rdread/internal/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "rdreadctl",
	Short: "Exercise the replicated directory-read coordinator against an in-memory replica set",
	RunE: func(cmd *cobra.Command, args []string) error {
		var mountConfig cfg.Config
		if err := viper.Unmarshal(&mountConfig); err != nil {
			return fmt.Errorf("unmarshal config: %w", err)
		}

		level := logger.LevelInfo
		switch strings.ToUpper(mountConfig.Logging.Severity) {
		case "TRACE":
			level = logger.LevelTrace
		case "DEBUG":
			level = logger.LevelDebug
		case "WARNING":
			level = logger.LevelWarning
		case "ERROR":
			level = logger.LevelError
		}

		logger.Init(logger.Config{
			Format:    mountConfig.Logging.Format,
			FilePath:  mountConfig.Logging.FilePath,
			Level:     level,
			MaxSizeMB: mountConfig.Logging.MaxSizeMb,
		})

		return runDemo(mountConfig)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file.")

	if err := cfg.BindFlags(rootCmd.Flags()); err != nil {
		fmt.Fprintln(os.Stderr, "bind flags:", err)
		os.Exit(1)
	}

	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				fmt.Fprintln(os.Stderr, "read config:", err)
				os.Exit(1)
			}
		}
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
