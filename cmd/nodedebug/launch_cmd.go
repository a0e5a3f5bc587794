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

var launchCmd = &cobra.Command{
	Use:   "launch <script> [-- interpreter-args...]",
	Short: "launch a Node.js script with --debug-brk and attach",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		host := viper.GetString("host")
		port := viper.GetInt("port")
		timeout := time.Duration(viper.GetInt("timeout")) * time.Second

		process, err := engine.Launch(engine.LaunchConfig{
			Script: args[0],
			Args:   args[1:],
			Port:   port,
		}, logging.Named("launch"))
		if err != nil {
			color.Red("nodedebug: launch failed: %v", err)
			return
		}

		color.Cyan("nodedebug: waiting for %s:%d to accept connections", host, port)
		addr := fmt.Sprintf("%s:%d", host, port)
		var conn net.Conn
		deadline := time.Now().Add(timeout)
		for {
			conn, err = net.Dial("tcp", addr)
			if err == nil {
				break
			}
			if time.Now().After(deadline) {
				color.Red("nodedebug: giving up dialing %s: %v", addr, err)
				process.Kill()
				return
			}
			time.Sleep(100 * time.Millisecond)
		}

		metrics := engine.NewMetrics()
		serveMetrics(viper.GetString("metrics-addr"), metrics, logging.L())

		session := engine.NewSession(logging.Named("session"), metrics)
		session.Events().Subscribe(renderEvent)
		session.Connect(conn, false, process)

		color.Green("nodedebug: attached to launched process, waiting for it to exit")
		session.Wait()
	},
}

func init() {
	rootCmd.AddCommand(launchCmd)
}
