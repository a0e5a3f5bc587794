package main

import (
	"fmt"
	"net"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ocricci/nodedebug/engine"
	"github.com/ocricci/nodedebug/internal/logging"
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "attach to an already-running Node.js --debug target",
	Run: func(cmd *cobra.Command, args []string) {
		host := viper.GetString("host")
		port := viper.GetInt("port")
		timeout := time.Duration(viper.GetInt("timeout")) * time.Second

		color.Cyan("nodedebug: dialing %s:%d", host, port)
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), timeout)
		if err != nil {
			color.Red("nodedebug: dial failed: %v", err)
			return
		}

		metrics := engine.NewMetrics()
		serveMetrics(viper.GetString("metrics-addr"), metrics, logging.L())

		session := engine.NewSession(logging.Named("session"), metrics)
		session.Events().Subscribe(renderEvent)
		session.Connect(conn, true, nil)

		color.Green("nodedebug: attached, waiting for the session to end")
		session.Wait()
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
}
