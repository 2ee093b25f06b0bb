package xfer

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// Transport is a connected, reliable, ordered byte stream to a peer. Close must unblock a
// pending Read.
type Transport interface {
	io.ReadWriteCloser
}

// Peer identifies a remote device.
type Peer struct {
	Address string `yaml:"Address" json:"address"`
	Name    string `yaml:"Name" json:"name,omitempty"`
}

func (p Peer) String() string {
	if p.Name != "" {
		return p.Name + " [" + p.Address + "]"
	}
	return p.Address
}

// Dialer opens a transport to a service channel on a peer. Implementations must give up
// when ctx is done.
type Dialer interface {
	Dial(ctx context.Context, peer Peer, channel ServiceChannel) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, peer Peer, channel ServiceChannel) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, peer Peer, channel ServiceChannel) (Transport, error) {
	return f(ctx, peer, channel)
}

// Listener accepts inbound transports. Close unblocks a pending Accept.
type Listener interface {
	Accept() (Transport, error)
	Close() error
}

// NetDialer dials peers over TCP. Peer.Address is a host:port and the service channel is ignored.
// It serves development setups where an RFCOMM link is bridged to a socket.
type NetDialer struct {
	net.Dialer
}

func (d *NetDialer) Dial(ctx context.Context, peer Peer, _ ServiceChannel) (Transport, error) {
	return d.DialContext(ctx, "tcp", peer.Address)
}

// NetListener adapts a net.Listener.
type NetListener struct {
	net.Listener
}

func (l NetListener) Accept() (Transport, error) {
	return l.Listener.Accept()
}

// MergeListeners returns a Listener that accepts from every one of lns. Closing it closes them
// all. Accept fails only once every listener has failed.
func MergeListeners(lns ...Listener) Listener {
	if len(lns) == 1 {
		return lns[0]
	}

	m := &mergedListener{
		lns:    lns,
		conns:  make(chan Transport),
		closed: make(chan struct{}),
		failed: make(chan struct{}),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(lns))
	for i, ln := range lns {
		i, ln := i, ln
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.accept(ln)
		}()
	}
	go func() {
		wg.Wait()
		m.err = errors.Join(errs...)
		if m.err == nil {
			m.err = net.ErrClosed
		}
		close(m.failed)
	}()

	return m
}

type mergedListener struct {
	lns   []Listener
	conns chan Transport

	once   sync.Once
	closed chan struct{}
	failed chan struct{}
	err    error // set before failed is closed
}

func (m *mergedListener) accept(ln Listener) error {
	for {
		t, err := ln.Accept()
		if err != nil {
			return err
		}
		select {
		case m.conns <- t:
		case <-m.closed:
			_ = t.Close()
			return nil
		}
	}
}

func (m *mergedListener) Accept() (Transport, error) {
	select {
	case t := <-m.conns:
		return t, nil
	case <-m.closed:
		return nil, net.ErrClosed
	case <-m.failed:
		return nil, m.err
	}
}

func (m *mergedListener) Close() error {
	var errs []error
	m.once.Do(func() {
		close(m.closed)
		for _, ln := range m.lns {
			errs = append(errs, ln.Close())
		}
	})
	return errors.Join(errs...)
}
