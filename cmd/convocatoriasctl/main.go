package main

import (
	"os"

	"github.com/spf13/cobra"

	"convocatorias/internal/config"
	"convocatorias/internal/llm"
	"convocatorias/internal/logging"
)

var (
	configPath string
	cfg        config.Config

	// newGateway is swapped in tests.
	newGateway = llm.FromConfig
)

var rootCmd = &cobra.Command{
	Use:           "convocatoriasctl",
	Short:         "Operator tooling for the convocatorias backend",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logging.Setup(cfg.Log.Level, true)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CP_CONFIG"), "path to a yaml config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
