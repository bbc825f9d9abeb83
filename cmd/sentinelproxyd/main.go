// Command sentinelproxyd runs the forwarding proxy.
package main

import "github.com/sentinelproxy/sentinelproxy/cmd/sentinelproxyd/cmd"

func main() {
	cmd.Execute()
}
