package device

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rexliu/phonebridge/pkg/uitree"
)

// pngSignature is the 8-byte magic prefix of a PNG stream.
var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

var (
	wmSizeRe       = regexp.MustCompile(`(\d+)\s*x\s*(\d+)`)
	currentFocusRe = regexp.MustCompile(`mCurrentFocus=.*? ([A-Za-z0-9_.]+)/`)
	focusedAppRe   = regexp.MustCompile(`mFocusedApp=.*? ([A-Za-z0-9_.]+)/`)
	resolvedCompRe = regexp.MustCompile(`([A-Za-z0-9_.]+/[A-Za-z0-9_.$]+)`)
)

// ADB drives one Android device through the adb binary.
type ADB struct {
	// Binary is the resolved adb executable path.
	Binary string
	// Serial selects the target device; empty lets adb pick the default.
	Serial string
	// Timeout bounds each adb invocation.
	Timeout time.Duration
}

var _ Device = (*ADB)(nil)

func (a *ADB) args(rest ...string) []string {
	var out []string
	if a.Serial != "" {
		out = append(out, "-s", a.Serial)
	}
	return append(out, rest...)
}

// run executes one adb command, returning stdout. A nonzero exit becomes an
// error carrying whatever stderr said.
func (a *ADB) run(ctx context.Context, rest ...string) ([]byte, error) {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, a.Binary, a.args(rest...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("adb command timed out (%s)", strings.Join(rest, " "))
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("adb command failed (%s): %s", strings.Join(rest, " "), detail)
	}
	return stdout.Bytes(), nil
}

// CaptureHierarchy dumps the accessibility tree to the device filesystem and
// streams it back. Dumping to stdout is unreliable across adb versions, so
// the dump-then-cat sequence stays.
func (a *ADB) CaptureHierarchy(ctx context.Context) (*uitree.Node, error) {
	const remote = "/sdcard/phonebridge-window-dump.xml"
	if _, err := a.run(ctx, "shell", "uiautomator", "dump", remote); err != nil {
		return nil, err
	}
	raw, err := a.run(ctx, "exec-out", "cat", remote)
	if err != nil {
		return nil, err
	}
	return uitree.ParseHierarchy(raw)
}

// CaptureScreenImage grabs the screen as PNG over exec-out.
func (a *ADB) CaptureScreenImage(ctx context.Context) ([]byte, error) {
	raw, err := a.run(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(raw, pngSignature) {
		return nil, fmt.Errorf("screencap did not produce a PNG image")
	}
	return raw, nil
}

func (a *ADB) SendTap(ctx context.Context, x, y int) error {
	_, err := a.run(ctx, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

func (a *ADB) SendSwipe(ctx context.Context, x1, y1, x2, y2, durationMS int) error {
	_, err := a.run(ctx, "shell", "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1),
		strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.Itoa(durationMS))
	return err
}

func (a *ADB) SendText(ctx context.Context, chunk string) error {
	_, err := a.run(ctx, "shell", "input", "text", chunk)
	return err
}

func (a *ADB) SendKeyEvent(ctx context.Context, code int) error {
	_, err := a.run(ctx, "shell", "input", "keyevent", strconv.Itoa(code))
	return err
}

// ScreenSize parses `wm size`, preferring the override line when present.
func (a *ADB) ScreenSize(ctx context.Context) (Size, error) {
	raw, err := a.run(ctx, "shell", "wm", "size")
	if err != nil {
		return Size{}, err
	}
	var size Size
	var found bool
	for _, line := range strings.Split(string(raw), "\n") {
		m := wmSizeRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		size = Size{Width: w, Height: h}
		found = true
		if strings.Contains(line, "Override") {
			return size, nil
		}
	}
	if !found {
		return Size{}, fmt.Errorf("could not determine screen size from 'wm size' output")
	}
	return size, nil
}

// ForegroundApp inspects the window manager for the focused package.
func (a *ADB) ForegroundApp(ctx context.Context) (string, bool, error) {
	raw, err := a.run(ctx, "shell", "dumpsys", "window", "windows")
	if err != nil {
		return "", false, err
	}
	if m := currentFocusRe.FindSubmatch(raw); m != nil {
		return string(m[1]), true, nil
	}
	if m := focusedAppRe.FindSubmatch(raw); m != nil {
		return string(m[1]), true, nil
	}
	return "", false, nil
}

// ResolveLaunchTarget asks the package manager for pkg's launcher component.
func (a *ADB) ResolveLaunchTarget(ctx context.Context, pkg string) (string, bool, error) {
	raw, err := a.run(ctx, "shell", "cmd", "package", "resolve-activity", "--brief", pkg)
	if err != nil {
		return "", false, err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, pkg+"/") {
			if m := resolvedCompRe.FindString(line); m != "" {
				return m, true, nil
			}
		}
	}
	return "", false, nil
}

// LaunchComponent starts an explicit component and waits for the launch.
func (a *ADB) LaunchComponent(ctx context.Context, component string) error {
	raw, err := a.run(ctx, "shell", "am", "start", "-W", "-n", component)
	if err != nil {
		return err
	}
	if bytes.Contains(raw, []byte("Error:")) {
		return fmt.Errorf("failed to launch component %s: %s", component, strings.TrimSpace(string(raw)))
	}
	return nil
}

// LaunchPackage falls back to the monkey launcher when no component resolved.
func (a *ADB) LaunchPackage(ctx context.Context, pkg string) error {
	raw, err := a.run(ctx, "shell", "monkey", "-p", pkg,
		"-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return err
	}
	if bytes.Contains(raw, []byte("No activities found to run")) {
		return fmt.Errorf("package '%s' has no launchable activity", pkg)
	}
	return nil
}

// Probe verifies the device is attached and responsive.
func (a *ADB) Probe(ctx context.Context) error {
	raw, err := a.run(ctx, "get-state")
	if err != nil {
		return err
	}
	state := strings.TrimSpace(string(raw))
	if state != "device" {
		return fmt.Errorf("device is not ready (state: %s)", state)
	}
	return nil
}

// ListDevices returns the serials of attached devices in the "device" state.
func ListDevices(ctx context.Context, binary string, timeout time.Duration) ([]string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, binary, "devices")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("adb devices failed: %v", err)
	}
	var serials []string
	for _, line := range strings.Split(string(out), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "device" {
			serials = append(serials, fields[0])
		}
	}
	return serials, nil
}

// ResolveBinary locates the adb executable. An explicit path wins, then the
// PHONEBRIDGE_ADB environment variable, then PATH, then the usual SDK
// platform-tools locations.
func ResolveBinary(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv("PHONEBRIDGE_ADB"); env != "" {
		return env, nil
	}
	if path, err := exec.LookPath("adb"); err == nil {
		return path, nil
	}
	name := "adb"
	if runtime.GOOS == "windows" {
		name = "adb.exe"
	}
	var roots []string
	for _, env := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT"} {
		if v := os.Getenv(env); v != "" {
			roots = append(roots, v)
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots,
			filepath.Join(home, "Android", "Sdk"),
			filepath.Join(home, "Library", "Android", "sdk"))
	}
	for _, root := range roots {
		candidate := filepath.Join(root, "platform-tools", name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("adb binary not found; install Android platform-tools or set PHONEBRIDGE_ADB")
}
