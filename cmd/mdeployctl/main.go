package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set by the build.
var Version = "dev"

var (
	cfgFile    string
	baseURL    string
	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "mdeployctl",
	Short: "metaldeployd command-line interface",
	Long: `mdeployctl talks to a metaldeployd daemon: enroll nodes, start
deploys, inspect node state and tear nodes down.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/metaldeployd/cli.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", "", "metaldeployd API URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output raw JSON")

	_ = viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.AddCommand(
		newEnrollCmd(),
		newShowCmd(),
		newListCmd(),
		newDeployCmd(),
		newTearDownCmd(),
		newVersionCmd(),
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("cli")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME/.config/metaldeployd")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("MDEPLOY")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	if baseURL == "" {
		baseURL = viper.GetString("url")
		if baseURL == "" {
			baseURL = "http://127.0.0.1:6385"
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func checkError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
