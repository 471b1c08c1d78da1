// sentinelctl operates a running sentinelgate gateway.
package main

import "github.com/mbd888/sentinelgate/internal/cli"

func main() {
	cli.Execute()
}
