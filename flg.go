package main

import (
	"time"

	"github.com/urfave/cli"
)

var (
	flgDB      = cli.StringFlag{Name: "db", Value: "/var/pagerbridge/bridge.db", Usage: "SQLite database path"}
	flgLog     = cli.StringFlag{Name: "log", Usage: "Also write JSON logs to this file"}
	flgDebug   = cli.BoolFlag{Name: "debug", Usage: "Enable debug logging"}
	flgAdapter = cli.StringFlag{Name: "adapter", Value: "hci0", Usage: "Local bluetooth adapter"}
	flgBackend = cli.StringFlag{Name: "backend", Value: "bluez", Usage: "GATT backend: bluez or tinygo"}

	flgAddr    = cli.StringFlag{Name: "addr, a", Value: ":8080", Usage: "HTTP listen address"}
	flgTimeout = cli.DurationFlag{Name: "tmo, t", Value: time.Minute, Usage: "Timeout for the command"}
	flgSender  = cli.StringFlag{Name: "sender, s", Usage: "Format the text as a SEND line from this sender"}

	flgName       = cli.StringFlag{Name: "name, n", Usage: "Pager device name"}
	flgDevice     = cli.StringFlag{Name: "device, d", Usage: "Pager device address"}
	flgService    = cli.StringFlag{Name: "service", Usage: "Service UUID"}
	flgRx         = cli.StringFlag{Name: "rx", Usage: "RX characteristic UUID"}
	flgSource     = cli.StringFlag{Name: "source", Usage: "Forwarded notification source package"}
	flgForwarding = cli.StringFlag{Name: "forwarding", Usage: "Enable forwarding (true/false)"}
	flgIndicator  = cli.StringFlag{Name: "indicator", Usage: "Show the forwarded message indicator (true/false)"}
)
