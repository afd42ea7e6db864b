package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/rexliu/phonebridge/pkg/device"
	"github.com/rexliu/phonebridge/pkg/logging"
	"github.com/rexliu/phonebridge/pkg/rpc"
	"github.com/rexliu/phonebridge/pkg/uitree"
)

// Catalog is the complete method surface of the bridge. NewDispatcher fails
// if any entry lacks a handler, so the table cannot drift from the code.
var Catalog = []string{
	"get_tree",
	"get_screen_image",
	"get_context",
	"tap",
	"tap_element",
	"enter_text",
	"scroll",
	"swipe",
	"open_app",
	"set_api_key",
	"submit_prompt",
	"stop",
}

// Reverse-DNS package names: at least two dot-separated segments, each
// starting with a letter.
var packageRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(?:\.[A-Za-z][A-Za-z0-9_]*)+$`)

const (
	gestureDurationMS   = 220
	longPressDurationMS = 550
	minSwipeSpan        = 180
)

// Dispatcher maps RPC method names onto device operations. One dispatcher
// serves the whole listener; per-connection state lives in the sessions it
// mints.
type Dispatcher struct {
	dev    device.Device
	logger *logging.Logger
	stop   func()

	// Settle pauses after focus taps and app launches; tests zero them out.
	TapSettle    time.Duration
	LaunchSettle time.Duration
}

// session is the mutable state owned by exactly one connection.
type session struct {
	d      *Dispatcher
	apiKey string
}

// NewDispatcher wires a dispatcher over dev. stop is invoked when a stop
// command is dispatched; it must be safe to call more than once.
func NewDispatcher(dev device.Device, logger *logging.Logger, stop func()) (*Dispatcher, error) {
	d := &Dispatcher{
		dev:          dev,
		logger:       logger,
		stop:         stop,
		TapSettle:    200 * time.Millisecond,
		LaunchSettle: 800 * time.Millisecond,
	}
	table := (&session{d: d}).handlers()
	for _, method := range Catalog {
		if _, ok := table[method]; !ok {
			return nil, fmt.Errorf("method catalog entry %q has no handler", method)
		}
	}
	return d, nil
}

// NewSession builds the handler table for one connection. The session the
// handlers close over is fresh, so stored state never leaks across
// connections.
func (d *Dispatcher) NewSession() map[string]rpc.HandlerFunc {
	return (&session{d: d}).handlers()
}

func (s *session) handlers() map[string]rpc.HandlerFunc {
	return map[string]rpc.HandlerFunc{
		"get_tree":         s.getTree,
		"get_screen_image": s.getScreenImage,
		"get_context":      s.getContext,
		"tap":              s.tap,
		"tap_element":      s.tapElement,
		"enter_text":       s.enterText,
		"scroll":           s.scroll,
		"swipe":            s.swipe,
		"open_app":         s.openApp,
		"set_api_key":      s.setAPIKey,
		"submit_prompt":    s.submitPrompt,
		"stop":             s.stopBridge,
	}
}

// hierarchyText captures and renders a fresh UI snapshot. Every mutating
// method returns one so the caller observes the effect without a second
// round trip.
func (s *session) hierarchyText(ctx context.Context) (string, error) {
	root, err := s.d.dev.CaptureHierarchy(ctx)
	if err != nil {
		return "", err
	}
	return uitree.RenderHierarchy(root), nil
}

func (s *session) getTree(ctx context.Context, _ rpc.Params) (any, error) {
	tree, err := s.hierarchyText(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tree": tree}, nil
}

func (s *session) getScreenImage(ctx context.Context, _ rpc.Params) (any, error) {
	result := map[string]any{}
	if err := s.screenImageInto(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *session) getContext(ctx context.Context, _ rpc.Params) (any, error) {
	tree, err := s.hierarchyText(ctx)
	if err != nil {
		return nil, err
	}
	result := map[string]any{"tree": tree}
	if err := s.screenImageInto(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// screenImageInto captures the screen and merges image fields into result.
func (s *session) screenImageInto(ctx context.Context, result map[string]any) error {
	raw, err := s.d.dev.CaptureScreenImage(ctx)
	if err != nil {
		return err
	}
	result["screenshot_base64"] = base64.StdEncoding.EncodeToString(raw)
	if w, h, ok := imageDimensions(raw); ok {
		result["metadata"] = map[string]any{"width": w, "height": h}
	}
	return nil
}

func (s *session) tap(ctx context.Context, params rpc.Params) (any, error) {
	x, err := numberParam(params, "x")
	if err != nil {
		return nil, err
	}
	y, err := numberParam(params, "y")
	if err != nil {
		return nil, err
	}
	if err := s.d.dev.SendTap(ctx, round(x), round(y)); err != nil {
		return nil, err
	}
	tree, err := s.hierarchyText(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tree": tree}, nil
}

func (s *session) tapElement(ctx context.Context, params rpc.Params) (any, error) {
	coord, err := stringParam(params, "coordinate")
	if err != nil {
		return nil, err
	}
	rect, err := uitree.ParseRect(coord)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	count, err := countParam(params)
	if err != nil {
		return nil, err
	}
	longPress, err := boolParam(params, "longPress", false)
	if err != nil {
		return nil, err
	}
	x, y := rect.Center()
	if longPress {
		// A long press is one swipe that stays put.
		count = 1
		if err := s.d.dev.SendSwipe(ctx, x, y, x, y, longPressDurationMS); err != nil {
			return nil, err
		}
	} else {
		for i := 0; i < count; i++ {
			if err := s.d.dev.SendTap(ctx, x, y); err != nil {
				return nil, err
			}
		}
	}
	tree, err := s.hierarchyText(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"coordinate": coord,
		"count":      count,
		"longPress":  longPress,
		"tree":       tree,
	}, nil
}

func (s *session) enterText(ctx context.Context, params rpc.Params) (any, error) {
	coord, err := stringParam(params, "coordinate")
	if err != nil {
		return nil, err
	}
	rect, err := uitree.ParseRect(coord)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	text, err := stringParam(params, "text")
	if err != nil {
		return nil, err
	}
	x, y := rect.Center()
	if err := s.d.dev.SendTap(ctx, x, y); err != nil {
		return nil, err
	}
	s.settle(ctx, s.d.TapSettle)
	if err := s.typeText(ctx, text); err != nil {
		return nil, err
	}
	tree, err := s.hierarchyText(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"coordinate": coord, "tree": tree}, nil
}

// typeText injects text line by line. An Enter key event separates the lines
// and a final one follows the whole text so single-line fields submit.
func (s *session) typeText(ctx context.Context, text string) error {
	lines := splitLines(text)
	for i, line := range lines {
		for _, chunk := range device.ChunkText(line) {
			if err := s.d.dev.SendText(ctx, device.EscapeText(chunk)); err != nil {
				return err
			}
		}
		if i < len(lines)-1 {
			if err := s.d.dev.SendKeyEvent(ctx, device.KeyEnter); err != nil {
				return err
			}
		}
	}
	return s.d.dev.SendKeyEvent(ctx, device.KeyEnter)
}

func splitLines(text string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i])
			start = i + 1
		}
	}
	return append(lines, text[start:])
}

func (s *session) scroll(ctx context.Context, params rpc.Params) (any, error) {
	x, err := numberParam(params, "x")
	if err != nil {
		return nil, err
	}
	y, err := numberParam(params, "y")
	if err != nil {
		return nil, err
	}
	dx, err := numberParam(params, "distanceX")
	if err != nil {
		return nil, err
	}
	dy, err := numberParam(params, "distanceY")
	if err != nil {
		return nil, err
	}
	size, err := s.d.dev.ScreenSize(ctx)
	if err != nil {
		return nil, err
	}
	destX := clamp(round(x+dx), 0, size.Width-1)
	destY := clamp(round(y+dy), 0, size.Height-1)
	if err := s.d.dev.SendSwipe(ctx, round(x), round(y), destX, destY, gestureDurationMS); err != nil {
		return nil, err
	}
	tree, err := s.hierarchyText(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tree": tree}, nil
}

func (s *session) swipe(ctx context.Context, params rpc.Params) (any, error) {
	x, err := numberParam(params, "x")
	if err != nil {
		return nil, err
	}
	y, err := numberParam(params, "y")
	if err != nil {
		return nil, err
	}
	direction, err := stringParam(params, "direction")
	if err != nil {
		return nil, err
	}
	size, err := s.d.dev.ScreenSize(ctx)
	if err != nil {
		return nil, err
	}
	span := int(math.Max(minSwipeSpan, math.Min(float64(size.Width), float64(size.Height))/2))
	destX, destY := round(x), round(y)
	switch direction {
	case "up":
		destY -= span
	case "down":
		destY += span
	case "left":
		destX -= span
	case "right":
		destX += span
	default:
		return nil, validationf("direction must be one of: up, down, left, right")
	}
	destX = clamp(destX, 0, size.Width-1)
	destY = clamp(destY, 0, size.Height-1)
	if err := s.d.dev.SendSwipe(ctx, round(x), round(y), destX, destY, gestureDurationMS); err != nil {
		return nil, err
	}
	tree, err := s.hierarchyText(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tree": tree}, nil
}

func (s *session) openApp(ctx context.Context, params rpc.Params) (any, error) {
	pkg, err := stringParam(params, "bundle_identifier")
	if err != nil {
		// package_name is an accepted alias for the same field.
		alias, aliasErr := stringParam(params, "package_name")
		if aliasErr != nil {
			return nil, validationf("bundle_identifier is required")
		}
		pkg = alias
	}
	if pkg == "" {
		return nil, validationf("bundle_identifier is required")
	}
	if !packageRe.MatchString(pkg) {
		return nil, validationf("bundle_identifier '%s' is not a valid Android package name", pkg)
	}
	component, ok, err := s.d.dev.ResolveLaunchTarget(ctx, pkg)
	if err != nil {
		return nil, err
	}
	if ok {
		err = s.d.dev.LaunchComponent(ctx, component)
	} else {
		err = s.d.dev.LaunchPackage(ctx, pkg)
	}
	if err != nil {
		return nil, err
	}
	s.settle(ctx, s.d.LaunchSettle)
	current, found, err := s.d.dev.ForegroundApp(ctx)
	if err != nil {
		return nil, err
	}
	// An unqueryable window manager is not treated as a failed launch.
	if found && current != pkg {
		return nil, fmt.Errorf("failed to foreground app '%s' (current foreground package: '%s')", pkg, current)
	}
	tree, err := s.hierarchyText(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"bundle_identifier": pkg,
		"package_name":      pkg,
		"tree":              tree,
	}, nil
}

func (s *session) setAPIKey(_ context.Context, params rpc.Params) (any, error) {
	key, err := stringParam(params, "api_key")
	if err != nil {
		return nil, validationf("api_key is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, validationf("api_key is required")
	}
	s.apiKey = key
	return map[string]any{"status": "ok"}, nil
}

func (s *session) submitPrompt(_ context.Context, _ rpc.Params) (any, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("No API key found")
	}
	return nil, fmt.Errorf("submit_prompt is not yet supported on this bridge; use RPC tool methods directly")
}

func (s *session) stopBridge(_ context.Context, _ rpc.Params) (any, error) {
	s.d.logger.Printf("stop requested; shutting down listener")
	s.d.stop()
	return map[string]any{}, nil
}

// settle pauses so the device UI catches up with the last injected event.
func (s *session) settle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// round converts a wire coordinate to the nearest integer pixel, matching the
// rect-center rounding rule.
func round(v float64) int {
	return int(math.Round(v))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
