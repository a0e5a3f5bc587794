package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ocricci/nodedebug/internal/logging"
)

const (
	defaultHost         = "127.0.0.1"
	defaultPort         = 5858
	defaultTimeout      = 5
	defaultMetricsAddr  = ""
)

// rootCmd is the nodedebug CLI root, in the teacher's style of a single
// package-level *cobra.Command wired up via init().
var rootCmd = &cobra.Command{
	Use:   "nodedebug",
	Short: "attach to or launch a Node.js inspector debug target",
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("host", defaultHost, "debug target host")
	rootCmd.PersistentFlags().Int("port", defaultPort, "debug target port")
	rootCmd.PersistentFlags().Int("timeout", defaultTimeout, "connect timeout, in seconds")
	rootCmd.PersistentFlags().String("metrics-addr", defaultMetricsAddr, "if set, serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().Bool("verbose", false, "use the debug-level development logger even when NODEDEBUG_ENV=production")

	viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("metrics-addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	viper.SetEnvPrefix("nodedebug")
	viper.AutomaticEnv()
	if viper.GetBool("verbose") {
		os.Setenv("NODEDEBUG_ENV", "development")
	}
	logging.Init()
}

// Execute runs the root command, printing fatal errors in the teacher's
// red-on-failure convention before exiting non-zero.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("nodedebug: %v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
