package cmd

import (
	"github.com/Iron-Ham/picoord/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// loadDotEnv reads PI_* variables from a .env file in the working directory.
// Variables already set in the environment win.
var loadDotEnv = godotenv.Load

var rootCmd = &cobra.Command{
	Use:   "picoord",
	Short: "Cross-process capacity coordination for concurrent LLM agents",
	Long: `picoord lets independent agent processes on one machine share LLM
capacity through a coordination directory: a lease pool with hard maxima,
an adaptive per provider and model concurrency limit learned from rate-limit
errors, a heartbeat registry dividing a global budget among live instances,
and exclusive task ownership with crash recovery.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/picoord/config.yaml)")
	rootCmd.PersistentFlags().StringP("dir", "d", "", "coordination directory (default is ./"+config.DefaultDir+")")
	rootCmd.PersistentFlags().String("session", "", "session id combined with the pid to form the instance id")
	rootCmd.PersistentFlags().String("tier", "", "provider tier: low, standard, high, max")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("session_id", rootCmd.PersistentFlags().Lookup("session"))
	_ = viper.BindPFlag("provider_tier", rootCmd.PersistentFlags().Lookup("tier"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	// PI_TOTAL_MAX_LLM for total_max_llm, PI_RATE_REDUCTION_FACTOR for
	// rate.reduction_factor
	_ = loadDotEnv()
	config.BindEnv()

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
