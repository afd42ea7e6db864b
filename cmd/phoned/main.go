// phoned is the device-side bridge daemon. It resolves adb, picks a device,
// and serves automation RPCs on a loopback TCP port.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rexliu/phonebridge/pkg/bridge"
	"github.com/rexliu/phonebridge/pkg/config"
	"github.com/rexliu/phonebridge/pkg/device"
	"github.com/rexliu/phonebridge/pkg/logging"
	"github.com/rexliu/phonebridge/pkg/rpc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "phoned:", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("phoned", flag.ExitOnError)
	configPath := fs.String("config", "", "path to TOML profile")
	host := fs.String("host", "", "listen host (overrides config)")
	port := fs.Int("port", 0, "listen port (overrides config)")
	serial := fs.String("serial", "", "device serial (overrides config)")
	adbBinary := fs.String("adb-binary", "", "adb executable path (overrides config)")
	fs.Parse(os.Args[1:])

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *host != "" {
		cfg.Bridge.Host = *host
	}
	if *port != 0 {
		cfg.Bridge.Port = *port
	}
	if *serial != "" {
		cfg.Bridge.Serial = *serial
	}
	if *adbBinary != "" {
		cfg.Bridge.ADBBinary = *adbBinary
	}

	logger := logging.New("phoned")
	if err := logger.Configure(cfg.Logging); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	binary, err := device.ResolveBinary(cfg.Bridge.ADBBinary)
	if err != nil {
		return err
	}
	serialValue := cfg.Bridge.Serial
	if serialValue == "" {
		serials, err := device.ListDevices(ctx, binary, cfg.Bridge.CommandTimeout())
		if err != nil {
			return err
		}
		switch len(serials) {
		case 0:
			return fmt.Errorf("no devices attached")
		case 1:
			serialValue = serials[0]
		default:
			return fmt.Errorf("multiple devices attached (%d); pass --serial", len(serials))
		}
	}
	dev := &device.ADB{
		Binary:  binary,
		Serial:  serialValue,
		Timeout: cfg.Bridge.CommandTimeout(),
	}
	if err := dev.Probe(ctx); err != nil {
		return err
	}
	logger.Printf("using device %s via %s", serialValue, binary)

	var srv *rpc.Server
	dispatcher, err := bridge.NewDispatcher(dev, logger, func() { srv.Shutdown() })
	if err != nil {
		return err
	}
	srv = rpc.NewServer(cfg.Bridge.Host, cfg.Bridge.Port, dispatcher.NewSession, logger)
	srv.SetIdleTimeout(cfg.Bridge.IdleTimeout())
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Printf("listening on %s", srv.Addr())

	// Ready line on stdout; launchers wait for this before connecting.
	fmt.Printf("PHONEBRIDGE_RPC_READY platform=android serial=%s host=%s port=%d\n",
		serialValue, cfg.Bridge.Host, cfg.Bridge.Port)

	srv.Wait()
	logger.Printf("listener stopped")
	return nil
}
