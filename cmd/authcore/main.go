// Command authcore runs and administers the authcore session service.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/internal/logging"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "authcore",
	Short: "Session and authentication core for users, service agents and admins",
	Long: `authcore issues and validates server-side sessions, rotates refresh
tokens, enforces CSRF and rate limits, and runs the admin second factor.
Configuration comes from the environment, optionally seeded from a .env file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return authcore.LoadEnvFile(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "KEY=VALUE file loaded before reading the environment")
}

// loadConfig reads and validates the environment configuration.
func loadConfig() (authcore.Config, error) {
	cfg, err := authcore.LoadConfigFromEnv(os.LookupEnv)
	if err != nil {
		return authcore.Config{}, err
	}
	return cfg, cfg.Validate()
}

func newLogger() (*zap.Logger, error) {
	return logging.New(logging.ConfigFromEnv())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
