package bluexfer

import (
	"context"
	"fmt"
	"time"

	"github.com/bluexfer/bluexfer/xfer"
	"tinygo.org/x/bluetooth"
)

// Battery Service and its Battery Level characteristic.
const (
	BatteryServiceUUID = "0000180f-0000-1000-8000-00805f9b34fb"
	BatteryLevelUUID   = "00002a19-0000-1000-8000-00805f9b34fb"
)

const defaultBatteryTimeout = 15 * time.Second

// GATTConnection is a connected LE peripheral.
type GATTConnection interface {
	ReadCharacteristic(serviceUUID, charUUID string) ([]byte, error)
	Disconnect() error
}

// GATTAdapter abstracts the LE adapter for testing.
type GATTAdapter interface {
	Enable() error
	Connect(ctx context.Context, address string) (GATTConnection, error)
}

// BatteryReader reads the battery level a peer publishes over GATT.
type BatteryReader struct {
	Adapter GATTAdapter
	Timeout time.Duration // connect and read; 15s when zero
}

// Level returns the peer's battery level in percent.
func (r *BatteryReader) Level(ctx context.Context, peer xfer.Peer) (int, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultBatteryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.Adapter.Enable(); err != nil {
		return 0, fmt.Errorf("enable adapter: %w", err)
	}

	conn, err := r.Adapter.Connect(ctx, peer.Address)
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: %w: %v", xfer.ErrConnectionFailed, xfer.ErrTimeout, err)
		}
		return 0, fmt.Errorf("%w: %v", xfer.ErrConnectionFailed, err)
	}
	defer func() { _ = conn.Disconnect() }()

	value, err := conn.ReadCharacteristic(BatteryServiceUUID, BatteryLevelUUID)
	if err != nil {
		return 0, fmt.Errorf("%w: read battery level: %v", xfer.ErrIO, err)
	}
	if len(value) < 1 || value[0] > 100 {
		return 0, fmt.Errorf("%w: battery level % x", xfer.ErrProtocol, value)
	}

	return int(value[0]), nil
}

// TinyGoAdapter implements GATTAdapter with tinygo.org/x/bluetooth.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
}

func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{adapter: bluetooth.DefaultAdapter}
}

func (a *TinyGoAdapter) Enable() error {
	return a.adapter.Enable()
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (GATTConnection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// Connect blocks with its own timeout; ctx only bounds how long we wait for it.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connect to %s: %w", address, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("connect to %s: %w", address, res.err)
		}
		return &tinyGoConnection{device: res.device}, nil
	}
}

type tinyGoConnection struct {
	device bluetooth.Device
}

func (c *tinyGoConnection) ReadCharacteristic(serviceUUID, charUUID string) ([]byte, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	chrUUID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{chrUUID})
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("characteristic %s not found", charUUID)
	}

	buf := make([]byte, 8)
	n, err := chars[0].Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}
