//go:build !linux

package bluexfer

import (
	"context"
	"errors"

	"github.com/bluexfer/bluexfer/xfer"
)

var errNoBlueZ = errors.New("the bluez transport is only available on Linux")

// BlueZ is unavailable on this platform; use the tcp transport instead.
type BlueZ struct{}

func NewBlueZ(_ string, _ xfer.Logger) (*BlueZ, error) {
	return nil, errNoBlueZ
}

func (b *BlueZ) Dial(context.Context, xfer.Peer, xfer.ServiceChannel) (xfer.Transport, error) {
	return nil, errNoBlueZ
}

func (b *BlueZ) Listen(string, ...xfer.ServiceChannel) (xfer.Listener, error) {
	return nil, errNoBlueZ
}

func (b *BlueZ) Close() error { return nil }
