package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "runctl",
	Short: "Runctl is a command line tool for dispatching scripts through runplane",
	Long: `runctl is the command-line interface for the runplane remote script dispatcher.

A runplane script is split into sections. Each section names the nodes it
runs on; the controller announces the section, pushes it to every node that
answers, streams their output back and merges the environment they export
into the next section.

Common workflows:

  Run a script and follow its output:
    runctl run deploy.sh

  Run it in the background and check on it later:
    runctl run deploy.sh --detach
    runctl status <session-id>

  Follow, feed or stop a running session:
    runctl attach <session-id>
    runctl input <session-id> "yes"
    runctl stop <session-id> --reason "wrong branch"

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    RUNPLANE_URL      API endpoint (default: http://localhost:6161)
    RUNPLANE_TOKEN    API key for authentication`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".runctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".runctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "RUNPLANE_VARNAME"
	viper.SetEnvPrefix("RUNPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newClient builds an API client from the url and token settings.
func newClient() (*Client, error) {
	token := viper.GetString("token")
	if token == "" {
		return nil, errors.New("API token not found. Please set it using the --token flag or the RUNPLANE_TOKEN environment variable")
	}
	return NewClient(viper.GetString("url"), token), nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.runctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "runplane controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API key for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
