package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func main() {
	ctl := newApp()
	if err := ctl.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	ctl := cli.NewApp()
	ctl.Name = "statectl"
	ctl.Usage = "inspect and drive a rollup state store"
	ctl.Flags = globalFlags
	ctl.Commands = []cli.Command{
		genesisCommand,
		infoCommand,
		getCommand,
		proveCommand,
		applyCommand,
		pruneCommand,
		verifyCommand,
	}
	return ctl
}
