// ringd keeps the connection to the ring alive and feeds its status to
// presentation clients.
package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli"

	"github.com/lumaring/ring"
	"github.com/lumaring/ring/bluez"
	"github.com/lumaring/ring/config"
	"github.com/lumaring/ring/manager"
	"github.com/lumaring/ring/permission"
	"github.com/lumaring/ring/server"
	"github.com/lumaring/ring/store"
)

func main() {
	app := cli.NewApp()
	app.Name = "ringd"
	app.Usage = "connection daemon for the Luma ring"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file",
		},
		cli.StringFlag{
			Name:  "device, d",
			Usage: "ring address, overrides the config file",
		},
		cli.StringFlag{
			Name:  "adapter",
			Usage: "bluetooth controller, overrides the config file",
		},
		cli.StringFlag{
			Name:  "listen",
			Usage: "status feed listen address, overrides the config file",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "trace, debug, info, warn or error",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		ring.GetLogger().Errorf("ringd: %v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return err
	}
	if v := c.String("device"); v != "" {
		cfg.Device.Address = v
	}
	if v := c.String("adapter"); v != "" {
		cfg.Adapter = v
	}
	if v := c.String("listen"); v != "" {
		cfg.Listen = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	ring.SetLogLevel(cfg.LogLevel)
	log := ring.GetLogger().ChildLogger(map[string]interface{}{"component": "ringd"})

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0700); err != nil {
		return err
	}

	radio, err := bluez.New(cfg.Adapter, bluez.GattUUIDs{
		Service:   cfg.GATT.ServiceUUID,
		WriteChar: cfg.GATT.WriteCharUUID,
		ReadChar:  cfg.GATT.ReadCharUUID,
	})
	if err != nil {
		return err
	}
	defer radio.Close()

	devices := store.New(cfg.StorePath)
	m := manager.New(radio, devices,
		manager.WithConnectTimeout(cfg.Timeouts.Connect),
		manager.WithPairTimeout(cfg.Timeouts.Pair),
		manager.WithScanTimeout(cfg.Timeouts.Scan),
		manager.WithPreferredMTU(cfg.GATT.PreferredMTU),
		manager.WithCapabilities(cfg.Permissions.APILevel, permission.NewSet(cfg.Permissions.Granted...)),
	)

	m.Subscribe(func(st ring.State) {
		log.Infof("connection state: %s", st)
	})
	m.Start()

	// The persisted record seeds reconnection via Start; the configured
	// address only matters before a first successful connection.
	if _, seeded, _ := devices.Load(); !seeded && cfg.Device.Address != "" {
		go func() {
			if err := m.RequestConnect(ring.NewAddr(cfg.Device.Address)); err != nil {
				log.Warnf("connect to %s: %v", cfg.Device.Address, err)
			}
		}()
	}

	srv := server.New(m, cfg.Listen)
	go func() {
		if err := srv.Run(); err != nil {
			log.Errorf("status feed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %s, shutting down", sig)

	srv.Close()
	m.Shutdown()
	return nil
}
