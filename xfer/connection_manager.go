package xfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const DefaultConnectTimeout = 60 * time.Second

// conn is a dialed transport together with the reader that owns its read side. A transport has
// exactly one FramedReader for its whole life so a reused transport never has two pumps
// competing for its bytes.
type conn struct {
	Transport
	channel ServiceChannel
	reader  *FramedReader
}

func newConn(t Transport, channel ServiceChannel) *conn {
	return &conn{Transport: t, channel: channel, reader: NewFramedReader(t)}
}

func (c *conn) Close() error {
	c.reader.Close()
	return c.Transport.Close()
}

// Lease grants a single session exclusive use of a transport until it is released.
type Lease struct {
	c      *conn
	shared bool
	broken bool
}

func (l *Lease) Write(p []byte) (int, error) { return l.c.Write(p) }

func (l *Lease) Reader() *FramedReader { return l.c.reader }

func (l *Lease) Channel() ServiceChannel { return l.c.channel }

// Shared reports whether the lease holds the manager's persistent transport.
func (l *Lease) Shared() bool { return l.shared }

// Invalidate marks the transport as unusable, e.g. after a failed exchange left the stream in
// an unknown state. A shared transport that was invalidated is closed on release.
func (l *Lease) Invalidate() { l.broken = true }

// ConnectionManager hands out transports to a single peer. It tracks one persistent transport
// that at most one session at a time may check out; every other session gets a fresh
// transport of its own.
type ConnectionManager struct {
	dialer         Dialer
	ConnectTimeout time.Duration
	Logger         Logger
	Stats          *Stats

	mu         sync.Mutex
	peer       *Peer
	shared     *conn
	sharedBusy bool
}

func NewConnectionManager(dialer Dialer, logger Logger) *ConnectionManager {
	if logger == nil {
		logger = nopLogger{}
	}
	return &ConnectionManager{
		dialer:         dialer,
		ConnectTimeout: DefaultConnectTimeout,
		Logger:         logger,
		Stats:          NewStats(),
	}
}

func (cm *ConnectionManager) dial(ctx context.Context, peer Peer, channel ServiceChannel) (*conn, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.ConnectTimeout)
	defer cancel()

	cm.Logger.Debug("Dialing peer", "peer", peer, "channel", channel)

	t, err := cm.dialer.Dial(ctx, peer, channel)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, peer, ErrTimeout)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, peer, err)
	}
	cm.Stats.Increment(StatConnectionCounter)

	return newConn(t, channel), nil
}

// Connect selects peer and opens the persistent transport on the generic channel. The peer
// stays selected when the dial fails so ReconnectIfNeeded can try again later.
func (cm *ConnectionManager) Connect(ctx context.Context, peer Peer) error {
	cm.Disconnect()

	cm.mu.Lock()
	cm.peer = &peer
	cm.mu.Unlock()

	c, err := cm.dial(ctx, peer, ChannelGeneric)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.peer == nil || *cm.peer != peer || cm.shared != nil {
		// Disconnected or reconnected by someone else while dialing.
		_ = c.Close()
		return nil
	}
	cm.shared = c
	cm.Logger.Info("Connected", "peer", peer)

	return nil
}

// Select makes peer the target of later operations without opening a persistent transport.
func (cm *ConnectionManager) Select(peer Peer) {
	cm.Disconnect()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.peer = &peer
}

// Disconnect closes the persistent transport and forgets the peer. A session holding the
// shared transport sees its reads fail.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.shared != nil {
		_ = cm.shared.Close()
		cm.shared = nil
		cm.Logger.Info("Disconnected", "peer", cm.peer)
	}
	cm.sharedBusy = false
	cm.peer = nil
}

// Connected reports whether the persistent transport is open.
func (cm *ConnectionManager) Connected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return cm.shared != nil
}

// Peer returns the selected peer.
func (cm *ConnectionManager) Peer() (Peer, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.peer == nil {
		return Peer{}, false
	}
	return *cm.peer, true
}

// Acquire opens a fresh transport to channel on the selected peer.
func (cm *ConnectionManager) Acquire(ctx context.Context, channel ServiceChannel) (*Lease, error) {
	peer, ok := cm.Peer()
	if !ok {
		return nil, ErrNoConnection
	}

	c, err := cm.dial(ctx, peer, channel)
	if err != nil {
		return nil, err
	}

	return &Lease{c: c}, nil
}

// AcquireShared checks out the persistent transport when it is open on channel and nobody else
// holds it. Otherwise it falls back to Acquire.
func (cm *ConnectionManager) AcquireShared(ctx context.Context, channel ServiceChannel) (*Lease, error) {
	cm.mu.Lock()
	if cm.shared != nil && !cm.sharedBusy && cm.shared.channel == channel {
		cm.sharedBusy = true
		c := cm.shared
		cm.mu.Unlock()

		cm.Logger.Debug("Reusing persistent transport", "channel", channel)
		return &Lease{c: c, shared: true}, nil
	}
	cm.mu.Unlock()

	return cm.Acquire(ctx, channel)
}

// Release ends a lease. Fresh transports are closed; the persistent transport is checked back
// in, or closed and dropped when the lease was invalidated.
func (cm *ConnectionManager) Release(l *Lease) {
	if l == nil {
		return
	}
	if !l.shared {
		if err := l.c.Close(); err != nil {
			cm.Logger.Debug("Error closing transport", "err", err)
		}
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.shared != l.c {
		// Disconnected while checked out.
		_ = l.c.Close()
		return
	}
	cm.sharedBusy = false
	if l.broken {
		_ = cm.shared.Close()
		cm.shared = nil
	}
}

// ReconnectIfNeeded reopens the persistent transport when it is closed. It is best effort:
// callers retry their operation whether or not it succeeds.
func (cm *ConnectionManager) ReconnectIfNeeded(ctx context.Context) error {
	cm.mu.Lock()
	if cm.peer == nil {
		cm.mu.Unlock()
		return ErrNoConnection
	}
	if cm.shared != nil {
		cm.mu.Unlock()
		return nil
	}
	peer := *cm.peer
	cm.mu.Unlock()

	c, err := cm.dial(ctx, peer, ChannelGeneric)
	if err != nil {
		cm.Logger.Info("Reconnect failed", "peer", peer, "err", err)
		return err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.shared != nil || cm.peer == nil || *cm.peer != peer {
		_ = c.Close()
		return nil
	}
	cm.shared = c
	cm.Logger.Info("Reconnected", "peer", peer)

	return nil
}
