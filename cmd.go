package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/bluetooth"
	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/server"
	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/store"
	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/utils"
)

// env holds what every command needs. manager is nil for commands that only
// touch the store.
type env struct {
	logger  *zap.Logger
	store   *store.Store
	manager *bluetooth.Manager
}

func setup(c *cli.Context, withBridge bool) (*env, error) {
	logger, err := utils.NewLogger(c.GlobalString("log"), c.GlobalBool("debug"))
	if err != nil {
		return nil, err
	}

	dbPath := c.GlobalString("db")
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Warn("Could not create database directory", zap.String("dir", dir), zap.Error(err))
		}
	}
	st, err := store.OpenStore(dbPath, logger)
	if err != nil {
		return nil, err
	}
	e := &env{logger: logger, store: st}
	if !withBridge {
		return e, nil
	}

	platform, err := newPlatform(c.GlobalString("backend"), c.GlobalString("adapter"), logger)
	if err != nil {
		return nil, multierr.Append(err, st.Close())
	}
	e.manager = bluetooth.NewManager(platform, st, st, logger)
	if err := e.manager.Start(); err != nil {
		return nil, multierr.Append(err, st.Close())
	}
	return e, nil
}

func newPlatform(backend, adapter string, logger *zap.Logger) (*bluetooth.BluezPlatform, error) {
	var opts []bluetooth.BluezOption
	switch backend {
	case "", "bluez":
	case "tinygo":
		opts = append(opts, bluetooth.WithConnector(bluetooth.NewTinygoConnector(adapter, logger)))
	default:
		return nil, errors.Errorf("unknown backend %q (want bluez or tinygo)", backend)
	}
	return bluetooth.NewBluezPlatform(adapter, logger, opts...)
}

func (e *env) Close() error {
	if e.manager != nil {
		e.manager.Stop()
	}
	err := e.store.Close()
	_ = e.logger.Sync()
	return err
}

func cmdServe(c *cli.Context) (err error) {
	e, err := setup(c, true)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.Close()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := utils.NewWebSocketHub(e.logger)
	srv := server.NewServer(e.manager, e.store, hub, e.logger)
	b := srv.Broadcaster()
	e.manager.SetCommandCallback(b.BroadcastCommandResult)
	e.manager.SetForwardCallback(b.BroadcastForwardResult)
	e.store.OnAppend(b.BroadcastLog)

	return srv.ListenAndServe(ctx, c.String("addr"))
}

func waitOutcome(ch <-chan bluetooth.Outcome, tmo time.Duration) (bluetooth.Outcome, error) {
	select {
	case o := <-ch:
		return o, nil
	case <-time.After(tmo):
		return bluetooth.Outcome{}, errors.Errorf("no result after %s", tmo)
	}
}

func report(o bluetooth.Outcome) error {
	if o.StatusReply != "" {
		fmt.Printf("Status char: %s\n", o.StatusReply)
	}
	if !o.Succeeded {
		return cli.NewExitError(o.Message, 1)
	}
	fmt.Println(o.Message)
	return nil
}

func cmdSend(c *cli.Context) (err error) {
	text := strings.Join(c.Args(), " ")
	if strings.TrimSpace(text) == "" {
		return cli.NewExitError("Text is empty", 2)
	}
	if sender := c.String("sender"); sender != "" {
		text = bluetooth.FormatOutbound(sender, text)
	} else if text, err = bluetooth.NormalizePayload(text); err != nil {
		return cli.NewExitError("Text is empty", 2)
	}

	e, err := setup(c, true)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.Close()) }()

	ch := make(chan bluetooth.Outcome, 1)
	if !e.manager.Client().SendTransaction([]byte(text), false, func(o bluetooth.Outcome) { ch <- o }) {
		return cli.NewExitError("Failed to start BLE transaction", 1)
	}
	o, err := waitOutcome(ch, c.Duration("tmo"))
	if err != nil {
		return err
	}
	return report(o)
}

func cmdCommand(c *cli.Context) (err error) {
	command := strings.Join(c.Args(), " ")

	e, err := setup(c, true)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.Close()) }()

	ch := make(chan bluetooth.Outcome, 1)
	if err := e.manager.SendCommand(command, func(o bluetooth.Outcome) { ch <- o }); err != nil {
		return err
	}
	o, err := waitOutcome(ch, c.Duration("tmo"))
	if err != nil {
		return err
	}
	return report(o)
}

func cmdTxPower(c *cli.Context) (err error) {
	raw := strings.TrimSpace(c.Args().First())
	if raw == "" {
		return cli.NewExitError("Custom TX power is empty", 2)
	}
	dbm, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return cli.NewExitError("Custom TX power must be a whole number", 2)
	}
	if !bluetooth.ValidTxPower(dbm) {
		parts := make([]string, len(bluetooth.SupportedTxPowers))
		for i, p := range bluetooth.SupportedTxPowers {
			parts[i] = strconv.Itoa(p)
		}
		return cli.NewExitError(fmt.Sprintf("Unsupported TX power %d dBm. Use: %s", dbm, strings.Join(parts, ", ")), 2)
	}

	e, err := setup(c, true)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.Close()) }()

	if err := e.store.SetTxPower(dbm); err != nil {
		return err
	}
	ch := make(chan bluetooth.Outcome, 1)
	if err := e.manager.SetTxPower(dbm, func(o bluetooth.Outcome) { ch <- o }); err != nil {
		return err
	}
	o, err := waitOutcome(ch, c.Duration("tmo"))
	if err != nil {
		return err
	}
	return report(o)
}

func cmdDevices(c *cli.Context) (err error) {
	e, err := setup(c, true)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.Close()) }()

	devices, err := e.manager.BondedDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No bonded BLE devices found")
		return nil
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "Unknown"
		}
		fmt.Printf("%-24s %s\n", name, d.Address)
	}
	return nil
}

func cmdConfigShow(c *cli.Context) (err error) {
	e, err := setup(c, false)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.Close()) }()

	cfg, err := e.store.Config()
	if err != nil {
		return err
	}
	return printJSON(cfg)
}

func cmdConfigSet(c *cli.Context) (err error) {
	e, err := setup(c, false)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.Close()) }()

	cfg, err := e.store.Config()
	if err != nil {
		return err
	}
	if c.IsSet("name") {
		cfg.DeviceName = c.String("name")
	}
	if c.IsSet("device") {
		cfg.DeviceAddress = c.String("device")
	}
	if c.IsSet("service") {
		cfg.ServiceUUID = c.String("service")
	}
	if c.IsSet("rx") {
		cfg.RxUUID = c.String("rx")
	}
	if c.IsSet("source") {
		cfg.SourcePackage = c.String("source")
	}
	for flag, dst := range map[string]*bool{"forwarding": &cfg.ForwardingEnabled, "indicator": &cfg.OngoingIndicator} {
		if !c.IsSet(flag) {
			continue
		}
		v, perr := strconv.ParseBool(c.String(flag))
		if perr != nil {
			return cli.NewExitError(fmt.Sprintf("--%s must be true or false", flag), 2)
		}
		*dst = v
	}

	saved, err := e.store.SaveConfig(cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	return printJSON(saved)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
