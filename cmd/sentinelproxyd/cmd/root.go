// Package cmd provides the CLI commands for sentinelproxyd.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentinelproxy/sentinelproxy/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sentinelproxyd",
	Short: "SentinelProxy - policy-aware forwarding HTTP/HTTPS proxy",
	Long: `sentinelproxyd accepts client HTTP and CONNECT traffic, evaluates each
connection against a layered blocklist policy, forwards or tunnels allowed
traffic, and emits telemetry to a persistent store and a live event bus.

Configuration is loaded from sentinelproxy.yaml in the current directory,
$HOME/.sentinelproxy/, or /etc/sentinelproxy/. Environment variables override
config values with the SENTINELPROXY_ prefix (e.g. SENTINELPROXY_PROXY_PORT),
and the historical PROXY_PORT/DNS_SERVERS/DNS_TIMEOUT names are also honored.

Commands:
  serve       Start the proxy server
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sentinelproxy.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
