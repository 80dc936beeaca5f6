package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/autoupdate/internal/config"
	"github.com/breeze-rmm/autoupdate/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:           "breeze-updater",
	Short:         "Breeze software updater",
	Long:          `breeze-updater checks an update source for newer software, downloads and verifies it, and launches the installers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Breeze Updater v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/breeze/updater.yaml)")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

// exitError carries a process exit code for outcomes that are not usage
// errors, such as a partially failed install.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

// loadConfig reads and validates the config. Fatal validation errors abort.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyConfig(cfg *config.Config) error {
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		return fmt.Errorf("invalid config: %w", errors.Join(result.Fatals...))
	}
	return initLogging(cfg)
}

var logFile *logging.RotatingWriter

func initLogging(cfg *config.Config) error {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logFile = rw
		out = logging.TeeWriter(os.Stderr, rw)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return nil
}

func closeLogging() {
	if logFile != nil {
		logFile.Close()
	}
}
