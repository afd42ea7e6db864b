package device

import (
	"context"

	"github.com/rexliu/phonebridge/pkg/uitree"
)

// Android keycode for the Enter key.
const KeyEnter = 66

// Size is a screen dimension in pixels.
type Size struct {
	Width  int
	Height int
}

// Device abstracts the automation surface of one attached phone. All calls
// are synchronous and take a context bounding the underlying tool invocation.
type Device interface {
	// CaptureHierarchy dumps and parses the current UI tree.
	CaptureHierarchy(ctx context.Context) (*uitree.Node, error)
	// CaptureScreenImage returns the screen contents as an encoded image.
	CaptureScreenImage(ctx context.Context) ([]byte, error)
	// SendTap injects a tap at device coordinates.
	SendTap(ctx context.Context, x, y int) error
	// SendSwipe injects a drag from one point to another over durationMS.
	SendSwipe(ctx context.Context, x1, y1, x2, y2, durationMS int) error
	// SendText types one already-escaped text chunk.
	SendText(ctx context.Context, chunk string) error
	// SendKeyEvent injects a key press by keycode.
	SendKeyEvent(ctx context.Context, code int) error
	// ScreenSize reports the device display dimensions.
	ScreenSize(ctx context.Context) (Size, error)
	// ForegroundApp reports the package currently holding focus.
	ForegroundApp(ctx context.Context) (string, bool, error)
	// ResolveLaunchTarget resolves a package to its launchable component.
	ResolveLaunchTarget(ctx context.Context, pkg string) (string, bool, error)
	// LaunchComponent starts an explicit package/activity component.
	LaunchComponent(ctx context.Context, component string) error
	// LaunchPackage starts a package without a known component.
	LaunchPackage(ctx context.Context, pkg string) error
}
