package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/conductor/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Multi-agent development workflow orchestrator",
	Long: `Conductor turns a requirements document into a backlog of epics and
stories, then drives coder, tester and security agents through that backlog
in parallel until every story is done.

Runs are persisted in the project directory and can be resumed after a
crash. A run can be watched in the terminal or driven over HTTP with
"conductor serve".`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/conductor/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/conductor")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CONDUCTOR")
	// CONDUCTOR_WORKFLOW_PARALLEL_CODERS sets workflow.parallel_coders
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file is fine; defaults apply.
	_ = viper.ReadInConfig()
}
