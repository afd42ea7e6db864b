package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// TunnelStrategy reaches a device over its tunnel hostnames. The first
// candidate is derived directly from the device identifier; the rest come
// from an external device listing when one is available.
type TunnelStrategy struct {
	// Port is the remote bridge listener port.
	Port int
	// ConnectTimeout bounds each per-hostname dial attempt.
	ConnectTimeout time.Duration
	// ListHostnames supplies extra candidate hostnames for a device
	// identifier; nil disables the listing step.
	ListHostnames func(ctx context.Context, udid string) ([]string, error)
}

func (t *TunnelStrategy) Name() string {
	return "tunnel"
}

// Dial tries each candidate hostname in order and returns the first that
// accepts a connection.
func (t *TunnelStrategy) Dial(ctx context.Context, udid string) (net.Conn, string, error) {
	candidates := t.candidates(ctx, udid)
	var failures []string
	for _, host := range candidates {
		addr := net.JoinHostPort(host, strconv.Itoa(t.Port))
		d := net.Dialer{Timeout: t.ConnectTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, host, nil
		}
		failures = append(failures, fmt.Sprintf("%s: %v", host, err))
	}
	return nil, "", fmt.Errorf("no tunnel hostname reachable (%s)", strings.Join(failures, "; "))
}

// candidates merges the derived hostname with listed ones, deduplicated with
// order preserved. An identifier already in hostname form is used verbatim.
func (t *TunnelStrategy) candidates(ctx context.Context, udid string) []string {
	derived := strings.ToLower(udid)
	if !strings.Contains(derived, ".") {
		derived += ".coredevice.local"
	}
	hosts := []string{derived}
	if t.ListHostnames != nil {
		if listed, err := t.ListHostnames(ctx, udid); err == nil {
			hosts = append(hosts, listed...)
		}
	}
	seen := make(map[string]struct{}, len(hosts))
	out := hosts[:0]
	for _, h := range hosts {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// DevicectlHostnames queries `xcrun devicectl list devices` for the tunnel
// hostnames of udid. The tool only emits structured output to a file, hence
// the temp-file dance. Matching is case-insensitive against both the device
// identifier and the hardware UDID.
func DevicectlHostnames(ctx context.Context, udid string) ([]string, error) {
	xcrun, err := exec.LookPath("xcrun")
	if err != nil {
		return nil, fmt.Errorf("devicectl unavailable: %v", err)
	}
	tmp, err := os.CreateTemp("", "phonebridge-devicectl-*.json")
	if err != nil {
		return nil, err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	cmd := exec.CommandContext(ctx, xcrun, "devicectl", "--timeout", "8",
		"list", "devices", "--json-output", tmp.Name())
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("devicectl list devices failed: %v", err)
	}
	raw, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, err
	}
	return parseDevicectlHostnames(raw, udid)
}

func parseDevicectlHostnames(raw []byte, udid string) ([]string, error) {
	var listing struct {
		Result struct {
			Devices []struct {
				Identifier         string `json:"identifier"`
				HardwareProperties struct {
					UDID string `json:"udid"`
				} `json:"hardwareProperties"`
				ConnectionProperties struct {
					PotentialHostnames []string `json:"potentialHostnames"`
				} `json:"connectionProperties"`
			} `json:"devices"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, fmt.Errorf("devicectl output unparseable: %v", err)
	}
	want := strings.ToLower(udid)
	for _, dev := range listing.Result.Devices {
		if !deviceMatches(dev.Identifier, dev.HardwareProperties.UDID,
			dev.ConnectionProperties.PotentialHostnames, want) {
			continue
		}
		var hosts []string
		for _, h := range dev.ConnectionProperties.PotentialHostnames {
			if strings.HasSuffix(strings.ToLower(h), ".coredevice.local") {
				hosts = append(hosts, h)
			}
		}
		return hosts, nil
	}
	return nil, fmt.Errorf("device %s not found in devicectl listing", udid)
}

// deviceMatches accepts an exact identifier or UDID match, or an identifier
// embedded in one of the device's hostnames, so a hostname-form identifier
// still selects its device.
func deviceMatches(identifier, udid string, hostnames []string, want string) bool {
	if strings.ToLower(identifier) == want || strings.ToLower(udid) == want {
		return true
	}
	for _, h := range hostnames {
		if strings.Contains(strings.ToLower(h), want) {
			return true
		}
	}
	return false
}

// DevicectlAvailable reports whether the devicectl toolchain exists on this
// host.
func DevicectlAvailable() bool {
	_, err := exec.LookPath("xcrun")
	return err == nil
}
