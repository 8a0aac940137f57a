package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()

	app.Name = "pagerbridge"
	app.Usage = "Relay messages and commands to a BLE pager bridge"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{flgDB, flgLog, flgDebug, flgAdapter, flgBackend}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "Run the HTTP and websocket API",
			Flags:  []cli.Flag{flgAddr},
			Action: cmdServe,
		},
		{
			Name:      "send",
			Usage:     "Write text to the pager without reading the status reply",
			ArgsUsage: "<text>",
			Flags:     []cli.Flag{flgSender, flgTimeout},
			Action:    cmdSend,
		},
		{
			Name:      "command",
			Aliases:   []string{"cmd"},
			Usage:     "Send a command and print the status reply",
			ArgsUsage: "<command...>",
			Flags:     []cli.Flag{flgTimeout},
			Action:    cmdCommand,
		},
		{
			Name:      "txpower",
			Usage:     "Set the pager transmit power in dBm",
			ArgsUsage: "<dbm>",
			Flags:     []cli.Flag{flgTimeout},
			Action:    cmdTxPower,
		},
		{
			Name:   "devices",
			Usage:  "List bonded devices",
			Action: cmdDevices,
		},
		{
			Name:   "config",
			Usage:  "Show the bridge configuration",
			Action: cmdConfigShow,
			Subcommands: []cli.Command{
				{
					Name:   "set",
					Usage:  "Update the bridge configuration",
					Flags:  []cli.Flag{flgName, flgDevice, flgService, flgRx, flgSource, flgForwarding, flgIndicator},
					Action: cmdConfigSet,
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
