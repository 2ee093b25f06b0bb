//go:build linux

package bluexfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/bluexfer/bluexfer/xfer"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
)

var profilePathCounter uint64

// BlueZ opens RFCOMM transports through the BlueZ D-Bus API. Outgoing transports come from
// Device1.ConnectProfile, inbound ones from a registered server profile; in both cases BlueZ hands
// the connected socket to our Profile1 object.
type BlueZ struct {
	adapter string
	logger  xfer.Logger
	bus     *dbus.Conn

	mu      sync.Mutex
	closed  bool
	clients map[uuid.UUID]*profile // client profiles by service class
	cleanup []func()
}

func NewBlueZ(adapter string, logger xfer.Logger) (*BlueZ, error) {
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	if logger == nil {
		logger = slog.New(discardHandler)
	}

	b := &BlueZ{
		adapter: adapter,
		logger:  logger,
		bus:     bus,
		clients: make(map[uuid.UUID]*profile),
	}
	b.cleanup = append(b.cleanup, func() { _ = bus.Close() })

	return b, nil
}

// profile implements org.bluez.Profile1.
type profile struct {
	conns chan rfcommConn

	// dialMu serializes outgoing connects that share the profile.
	dialMu sync.Mutex
}

type rfcommConn struct {
	device dbus.ObjectPath
	file   *os.File
}

func newProfile() *profile {
	return &profile{conns: make(chan rfcommConn, 1)}
}

func (p *profile) Release() *dbus.Error { return nil }

func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection hands the RFCOMM socket to a waiting Dial or Accept. Nobody waiting means the
// connection is refused.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	// A non-blocking descriptor goes through the runtime poller, so Close interrupts a pending Read.
	if err := syscall.SetNonblock(int(fd), true); err != nil {
		_ = syscall.Close(int(fd))
		return dbus.MakeFailedError(err)
	}
	file := os.NewFile(uintptr(fd), "rfcomm:"+macFromPath(dev))

	select {
	case p.conns <- rfcommConn{device: dev, file: file}:
		return nil
	default:
		_ = file.Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
}

func (b *BlueZ) export(role string, channel xfer.ServiceChannel, opts map[string]dbus.Variant) (*profile, dbus.ObjectPath, error) {
	p := newProfile()

	id := atomic.AddUint64(&profilePathCounter, 1)
	path := dbus.ObjectPath("/org/bluexfer/profile/" + role + strconv.FormatUint(id, 10))
	if err := b.bus.Export(p, path, profileInterfaceName); err != nil {
		return nil, "", fmt.Errorf("export %s profile: %w", role, err)
	}

	opts["Role"] = dbus.MakeVariant(role)
	pm := b.bus.Object(bluezService, "/org/bluez")
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, channel.UUID.String(), opts); call.Err != nil {
		_ = b.bus.Export(nil, path, profileInterfaceName)
		return nil, "", fmt.Errorf("RegisterProfile(%s, %s): %w", role, channel, call.Err)
	}

	return p, path, nil
}

func (b *BlueZ) unexport(path dbus.ObjectPath) {
	_ = b.bus.Object(bluezService, "/org/bluez").Call(profileManagerIface+".UnregisterProfile", 0, path).Err
	_ = b.bus.Export(nil, path, profileInterfaceName)
}

func (b *BlueZ) clientProfile(channel xfer.ServiceChannel) (*profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, net.ErrClosed
	}
	if p, ok := b.clients[channel.UUID]; ok {
		return p, nil
	}

	p, path, err := b.export("client", channel, map[string]dbus.Variant{})
	if err != nil {
		return nil, err
	}
	b.clients[channel.UUID] = p
	b.cleanup = append(b.cleanup, func() { b.unexport(path) })

	return p, nil
}

// Dial connects to channel on peer. The peer must already be paired.
func (b *BlueZ) Dial(ctx context.Context, peer xfer.Peer, channel xfer.ServiceChannel) (xfer.Transport, error) {
	devPath, err := devicePath(b.adapter, peer.Address)
	if err != nil {
		return nil, err
	}

	p, err := b.clientProfile(channel)
	if err != nil {
		return nil, err
	}

	p.dialMu.Lock()
	defer p.dialMu.Unlock()

	b.logger.Debug("Connecting profile", "peer", peer, "channel", channel)

	dev := b.bus.Object(bluezService, devPath)
	if call := dev.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, channel.UUID.String()); call.Err != nil {
		return nil, fmt.Errorf("ConnectProfile %s: %w", channel.Name, call.Err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case c := <-p.conns:
			if c.device != devPath {
				b.logger.Debug("Dropping connection from unexpected device", "device", c.device)
				_ = c.file.Close()
				continue
			}
			return c.file, nil
		}
	}
}

// Listen registers a server profile for each channel and returns one Listener for their
// connections.
func (b *BlueZ) Listen(serviceName string, channels ...xfer.ServiceChannel) (xfer.Listener, error) {
	lns := make([]xfer.Listener, 0, len(channels))
	for _, channel := range channels {
		ln, err := b.listen(channel, serviceName)
		if err != nil {
			for _, l := range lns {
				_ = l.Close()
			}
			return nil, fmt.Errorf("register %s: %w", channel.Name, err)
		}
		lns = append(lns, ln)
	}
	if len(lns) == 0 {
		return nil, errors.New("no service channels to listen on")
	}

	return xfer.MergeListeners(lns...), nil
}

func (b *BlueZ) listen(channel xfer.ServiceChannel, serviceName string) (xfer.Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, net.ErrClosed
	}

	p, path, err := b.export("server", channel, map[string]dbus.Variant{
		"Name": dbus.MakeVariant(serviceName),
	})
	if err != nil {
		return nil, err
	}

	return &bluezListener{bluez: b, profile: p, path: path, closed: make(chan struct{})}, nil
}

func (b *BlueZ) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cleanup := b.cleanup
	b.cleanup = nil
	b.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

type bluezListener struct {
	bluez   *BlueZ
	profile *profile
	path    dbus.ObjectPath

	once   sync.Once
	closed chan struct{}
}

func (l *bluezListener) Accept() (xfer.Transport, error) {
	select {
	case c := <-l.profile.conns:
		l.bluez.logger.Debug("Accepted connection", "device", macFromPath(c.device))
		return c.file, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *bluezListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.bluez.unexport(l.path)
	})
	return nil
}

// devicePath returns the BlueZ object path of the device with address on adapter.
func devicePath(adapter, address string) (dbus.ObjectPath, error) {
	hw, err := net.ParseMAC(address)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("%w: invalid device address %q", xfer.ErrConnectionFailed, address)
	}
	if adapter == "" {
		return "", errors.New("no bluetooth adapter configured")
	}

	dev := strings.ToUpper(strings.ReplaceAll(hw.String(), ":", "_"))
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + dev), nil
}

// macFromPath extracts the address from a .../dev_XX_XX_XX_XX_XX_XX path.
func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
