package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ossyrian/rifxsave/internal/config"
	"github.com/ossyrian/rifxsave/internal/logging"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "rifxsave",
	Short:         "Inspect and rebuild RIFX container archives",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().String("save-dir", "$HOME/.local/share/rifxsave/saves", "directory holding save entries")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-output-dir", "", "directory to write log files (if set, logs are written to both stdout and file)")

	viper.BindPFlag("save_dir", rootCmd.PersistentFlags().Lookup("save-dir"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_output_dir", rootCmd.PersistentFlags().Lookup("log-output-dir"))

	rootCmd.AddCommand(newInspectCmd(), newRebuildCmd(), newSavesCmd())
}

// initConfig reads in config file and environment variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "rifxsave"))
		}
		viper.AddConfigPath("/etc/rifxsave")
		viper.SetConfigName("config")
		viper.SetConfigType("toml")
	}

	viper.SetEnvPrefix("RIFXSAVE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig decodes the merged flags, environment and config file and sets
// up logging.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg := &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.SaveDir = os.ExpandEnv(cfg.SaveDir)

	logger, logFile, err := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogOutputDir)
	if err != nil {
		return nil, nil, fmt.Errorf("could not set up logging: %w", err)
	}
	if logFile != "" {
		fmt.Fprintf(os.Stderr, "Logging to file: %s\n", logFile)
	}
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
