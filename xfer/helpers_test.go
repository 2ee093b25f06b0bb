package xfer

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeListener is an in-memory Listener whose Dial method connects to it.
type pipeListener struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan net.Conn), closed: make(chan struct{})}
}

func (l *pipeListener) Accept() (Transport, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *pipeListener) Dial(ctx context.Context, _ Peer, _ ServiceChannel) (Transport, error) {
	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, errors.New("connection refused")
	}
}

// peerDialer returns a Dialer whose transports are served by serve on a new goroutine.
func peerDialer(serve func(conn net.Conn)) Dialer {
	return DialerFunc(func(_ context.Context, _ Peer, _ ServiceChannel) (Transport, error) {
		client, server := net.Pipe()
		go func() {
			defer func() { _ = server.Close() }()
			serve(server)
		}()
		return client, nil
	})
}

var testPeer = Peer{Address: "00:11:22:33:44:55", Name: "test"}

// newTestClient returns a Client whose manager has testPeer selected without a persistent
// transport.
func newTestClient(t *testing.T, dialer Dialer, configure func(*ClientConfig)) *Client {
	t.Helper()

	cm := NewConnectionManager(dialer, nil)
	cm.ConnectTimeout = time.Second
	cm.peer = &testPeer

	cfg := DefaultClientConfig()
	cfg.AckTimeout = time.Second
	cfg.BrowseTimeout = time.Second
	cfg.ResponseTimeout = time.Second
	cfg.UploadAckTimeout = time.Second
	cfg.IdleTimeout = time.Second
	if configure != nil {
		configure(&cfg)
	}

	c, err := NewClient(cm, cfg, nil)
	require.NoError(t, err)

	return c
}

// recordingNotifier collects events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.events = append(n.events, e)
}

func (n *recordingNotifier) ofType(t EventType) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []Event
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
