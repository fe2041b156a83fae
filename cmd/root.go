package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"civiclake/internal/config"
	"civiclake/pkg/models"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "civiclake",
	Short: "Incremental dimensional updates over public disclosure records",
	Long: `CivicLake maintains slowly-changing dimension tables over congressional
disclosure feeds: it detects new filings past the stored watermarks,
versions changed entities, gates the outputs on quality thresholds, and
only then advances the watermarks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Errors print once, here.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.civiclake/config.yaml)")

	// Accept underscore spellings for flags documented with dashes.
	rootCmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
}

func initConfig() {
	if cfgFile != "" {
		os.Setenv(config.EnvConfig, cfgFile)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(config.Dir())
	viper.SetEnvPrefix("CIVICLAKE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Missing config is fine; setup creates it.
	_ = viper.ReadInConfig()
}

// loadConfig reads the config file and layers CIVICLAKE_* environment
// overrides on top, so a one-off run can repoint a backend or keystore
// without editing the file.
func loadConfig() (*models.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if v := viper.GetString("storage.backend"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := viper.GetString("storage.endpoint"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := viper.GetString("storage.bucket"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := viper.GetString("storage.local_path"); v != "" {
		cfg.Storage.LocalPath = v
	}
	if v := viper.GetString("keystore.path"); v != "" {
		cfg.Keystore.Path = v
	}
	if v := viper.GetString("metrics.pushgateway_url"); v != "" {
		cfg.Metrics.PushgatewayURL = v
	}
	if v := viper.GetInt("pipeline.max_concurrency"); v > 0 {
		cfg.Pipeline.MaxConcurrency = v
	}
	if v := viper.GetString("pipeline.timeout"); v != "" {
		cfg.Pipeline.Timeout = v
	}
	return cfg, nil
}
