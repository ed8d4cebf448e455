// See cli package.
package main

import (
	"github.com/mtth/verdon/cli"
	"github.com/mtth/verdon/daemon"
)

func init() {
	cli.AddSubcommand(daemon.DaemonCmd)
	cli.AddSubcommand(daemon.ConfigcheckCmd)
	cli.AddSubcommand(daemon.VersionCmd)
}

func main() {
	cli.Run()
}
