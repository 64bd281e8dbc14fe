// Command paddock runs the offline-first sync engine for the paddock farm
// management client: a local SQLite entity cache, a durable mutation queue,
// and the scheduler/reconciler pair that replays queued writes against the
// remote API.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "paddock",
	Short: "Offline-first sync engine for the paddock farm client",
	Long: `paddock keeps a local SQLite cache of farm entities usable offline and
reconciles locally queued mutations with the remote API once connectivity
returns. Local edits are never silently discarded: a pending row always wins
over pulled server data until its queued mutation is confirmed.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default paddock.yaml)")
	rootCmd.PersistentFlags().String("db", "", "path to the local database (default .paddock/paddock.db)")
	rootCmd.PersistentFlags().String("api", "", "remote API base URL")

	_ = viper.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("api.base_url", rootCmd.PersistentFlags().Lookup("api"))
}

// initConfig loads paddock.yaml plus PADDOCK_* environment overrides.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("paddock")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.paddock")
	}

	viper.SetEnvPrefix("PADDOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("db.path", ".paddock/paddock.db")
	viper.SetDefault("api.base_url", "http://localhost:8000")
	viper.SetDefault("api.timeout", "15s")
	viper.SetDefault("dashboard.port", 8391)
	viper.SetDefault("sync.initial_delay", "2s")
	viper.SetDefault("sync.heartbeat", "15s")
	viper.SetDefault("sync.staleness_ceiling", "30s")
	viper.SetDefault("pull.interval", "1m")
	viper.SetDefault("pull.farmer_id", "")
	viper.SetDefault("log.file", ".paddock/paddock.log")

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults and env cover everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		}
	}
}
