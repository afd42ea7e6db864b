package forward

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"howett.net/plist"
)

const (
	defaultMuxSocket = "/var/run/usbmuxd"
	muxVersion       = 1
	muxTypePlist     = 8
	muxHeaderSize    = 16
)

// UsbmuxStrategy reaches a USB-attached device through the usbmuxd daemon's
// Connect facility. It only participates when the mux socket exists.
type UsbmuxStrategy struct {
	// Port is the remote bridge listener port on the device.
	Port int
	// SocketPath overrides the usbmuxd socket; empty uses the environment
	// or the well-known default.
	SocketPath string
	// ConnectTimeout bounds each socket operation.
	ConnectTimeout time.Duration
}

func (u *UsbmuxStrategy) Name() string {
	return "usbmux"
}

func (u *UsbmuxStrategy) socketPath() string {
	if u.SocketPath != "" {
		return u.SocketPath
	}
	if env := os.Getenv("USBMUXD_SOCKET_ADDRESS"); env != "" {
		return env
	}
	return defaultMuxSocket
}

// Dial looks the device up by serial and asks usbmuxd to bridge a connection
// to the device port. On success the mux socket carries raw device traffic
// from then on.
func (u *UsbmuxStrategy) Dial(ctx context.Context, udid string) (net.Conn, string, error) {
	path := u.socketPath()
	if _, err := os.Stat(path); err != nil {
		return nil, "", fmt.Errorf("usbmuxd unavailable: %v", err)
	}
	deviceID, err := u.lookupDevice(ctx, path, udid)
	if err != nil {
		return nil, "", err
	}
	conn, err := u.dialSocket(ctx, path)
	if err != nil {
		return nil, "", err
	}
	// Device-side ports travel big-endian in the Connect request.
	port := (u.Port&0xFF)<<8 | (u.Port>>8)&0xFF
	reply, err := muxRoundTrip(conn, 2, map[string]any{
		"MessageType":         "Connect",
		"ClientVersionString": "phonebridge",
		"ProgName":            "phonebridge",
		"DeviceID":            deviceID,
		"PortNumber":          port,
	})
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	if reply.Number != 0 {
		conn.Close()
		return nil, "", fmt.Errorf("usbmuxd refused connection (result %d)", reply.Number)
	}
	conn.SetDeadline(time.Time{})
	return conn, fmt.Sprintf("usbmuxd device %d", deviceID), nil
}

// lookupDevice lists attached devices on a dedicated connection; the listing
// connection cannot be reused for Connect.
func (u *UsbmuxStrategy) lookupDevice(ctx context.Context, path, udid string) (int, error) {
	conn, err := u.dialSocket(ctx, path)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	payload, err := muxExchange(conn, 1, map[string]any{
		"MessageType":         "ListDevices",
		"ClientVersionString": "phonebridge",
		"ProgName":            "phonebridge",
	})
	if err != nil {
		return 0, err
	}
	var listing struct {
		DeviceList []struct {
			DeviceID   int `plist:"DeviceID"`
			Properties struct {
				SerialNumber string `plist:"SerialNumber"`
			} `plist:"Properties"`
		} `plist:"DeviceList"`
	}
	if _, err := plist.Unmarshal(payload, &listing); err != nil {
		return 0, fmt.Errorf("usbmuxd listing unparseable: %v", err)
	}
	for _, dev := range listing.DeviceList {
		if dev.Properties.SerialNumber == udid {
			return dev.DeviceID, nil
		}
	}
	return 0, fmt.Errorf("device %s not attached over USB", udid)
}

func (u *UsbmuxStrategy) dialSocket(ctx context.Context, path string) (net.Conn, error) {
	d := net.Dialer{Timeout: u.ConnectTimeout}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("usbmuxd connect failed: %v", err)
	}
	if u.ConnectTimeout > 0 {
		conn.SetDeadline(time.Now().Add(u.ConnectTimeout))
	}
	return conn, nil
}

type muxResult struct {
	MessageType string `plist:"MessageType"`
	Number      int    `plist:"Number"`
}

// muxRoundTrip sends one plist message and decodes the Result reply.
func muxRoundTrip(conn net.Conn, tag uint32, msg map[string]any) (*muxResult, error) {
	payload, err := muxExchange(conn, tag, msg)
	if err != nil {
		return nil, err
	}
	var result muxResult
	if _, err := plist.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("usbmuxd reply unparseable: %v", err)
	}
	return &result, nil
}

// muxExchange frames msg with the 16-byte little-endian usbmuxd header,
// writes it, and returns the next reply's payload.
func muxExchange(conn net.Conn, tag uint32, msg map[string]any) ([]byte, error) {
	body, err := plist.Marshal(msg, plist.XMLFormat)
	if err != nil {
		return nil, err
	}
	var frame bytes.Buffer
	header := [muxHeaderSize]byte{}
	binary.LittleEndian.PutUint32(header[0:], uint32(muxHeaderSize+len(body)))
	binary.LittleEndian.PutUint32(header[4:], muxVersion)
	binary.LittleEndian.PutUint32(header[8:], muxTypePlist)
	binary.LittleEndian.PutUint32(header[12:], tag)
	frame.Write(header[:])
	frame.Write(body)
	if _, err := conn.Write(frame.Bytes()); err != nil {
		return nil, fmt.Errorf("usbmuxd write failed: %v", err)
	}

	var reply [muxHeaderSize]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return nil, fmt.Errorf("usbmuxd read failed: %v", err)
	}
	length := binary.LittleEndian.Uint32(reply[0:])
	if length < muxHeaderSize {
		return nil, fmt.Errorf("usbmuxd sent malformed header (length %d)", length)
	}
	payload := make([]byte, length-muxHeaderSize)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("usbmuxd read failed: %v", err)
	}
	return payload, nil
}
