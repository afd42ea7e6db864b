// phonefwd bridges a local loopback listener to a remote device's bridge
// listener, trying tunnel hostnames first and USB multiplexing second.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rexliu/phonebridge/pkg/config"
	"github.com/rexliu/phonebridge/pkg/forward"
	"github.com/rexliu/phonebridge/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "phonefwd:", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("phonefwd", flag.ExitOnError)
	configPath := fs.String("config", "", "path to TOML profile")
	udid := fs.String("udid", "", "target device identifier (required)")
	port := fs.Int("port", 0, "local and remote RPC port (overrides config)")
	connectTimeout := fs.Int("connect-timeout", 0, "per-strategy connect timeout in ms (overrides config)")
	fs.Parse(os.Args[1:])

	if *udid == "" {
		return fmt.Errorf("--udid is required")
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.Forward.Port = *port
	}
	if *connectTimeout != 0 {
		cfg.Forward.ConnectTimeoutMS = *connectTimeout
	}

	logger := logging.New("phonefwd")
	if err := logger.Configure(cfg.Logging); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tunnel := &forward.TunnelStrategy{
		Port:           cfg.Forward.Port,
		ConnectTimeout: cfg.Forward.ConnectTimeout(),
	}
	if forward.DevicectlAvailable() {
		tunnel.ListHostnames = forward.DevicectlHostnames
	} else {
		logger.Printf("devicectl not available; using derived tunnel hostname only")
	}
	usbmux := &forward.UsbmuxStrategy{
		Port:           cfg.Forward.Port,
		ConnectTimeout: cfg.Forward.ConnectTimeout(),
	}
	strategies := []forward.Strategy{tunnel, usbmux}
	for _, s := range strategies {
		logger.Printf("strategy enabled: %s", s.Name())
	}

	fwd := forward.NewForwarder(cfg.Forward.Port, *udid, strategies, logger)
	if err := fwd.Start(ctx); err != nil {
		return err
	}
	logger.Printf("forwarding %s to device %s", fwd.Addr(), *udid)
	fwd.Wait()
	logger.Printf("forwarder stopped")
	return nil
}
