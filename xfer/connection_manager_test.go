package xfer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingDialer hands out net.Pipe transports whose far ends are discarded.
type countingDialer struct {
	dials    int
	channels []ServiceChannel
	err      error
}

func (d *countingDialer) Dial(_ context.Context, _ Peer, ch ServiceChannel) (Transport, error) {
	d.dials++
	d.channels = append(d.channels, ch)
	if d.err != nil {
		return nil, d.err
	}

	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := server.Read(buf); err != nil {
				_ = server.Close()
				return
			}
		}
	}()
	return client, nil
}

func TestConnectionManager_Acquire(t *testing.T) {
	tests := []struct {
		name    string
		peer    *Peer
		dialErr error
		wantErr error
	}{
		{name: "fresh transport", peer: &testPeer},
		{name: "no peer selected", wantErr: ErrNoConnection},
		{name: "dial failure", peer: &testPeer, dialErr: errors.New("host is down"), wantErr: ErrConnectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &countingDialer{err: tt.dialErr}
			cm := NewConnectionManager(d, nil)
			cm.peer = tt.peer

			l, err := cm.Acquire(context.Background(), ChannelFileAccess)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, l)
				return
			}
			require.NoError(t, err)
			assert.False(t, l.Shared())
			assert.Equal(t, ChannelFileAccess, l.Channel())
			cm.Release(l)

			_, err = l.Write([]byte{0x01})
			assert.Error(t, err, "released fresh transports are closed")
		})
	}
}

func TestConnectionManager_connectTimeout(t *testing.T) {
	dialer := DialerFunc(func(ctx context.Context, _ Peer, _ ServiceChannel) (Transport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	cm := NewConnectionManager(dialer, nil)
	cm.ConnectTimeout = 50 * time.Millisecond
	cm.peer = &testPeer

	start := time.Now()
	_, err := cm.Acquire(context.Background(), ChannelGeneric)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectionManager_AcquireShared(t *testing.T) {
	d := &countingDialer{}
	cm := NewConnectionManager(d, nil)

	require.NoError(t, cm.Connect(context.Background(), testPeer))
	assert.True(t, cm.Connected())
	assert.Equal(t, 1, d.dials)

	first, err := cm.AcquireShared(context.Background(), ChannelGeneric)
	require.NoError(t, err)
	assert.True(t, first.Shared())

	// Checked out: a second session gets a transport of its own.
	second, err := cm.AcquireShared(context.Background(), ChannelGeneric)
	require.NoError(t, err)
	assert.False(t, second.Shared())
	assert.Equal(t, 2, d.dials)
	cm.Release(second)

	// A different channel never uses the persistent transport.
	other, err := cm.AcquireShared(context.Background(), ChannelObjectPush)
	require.NoError(t, err)
	assert.False(t, other.Shared())
	cm.Release(other)

	cm.Release(first)
	assert.True(t, cm.Connected(), "a released shared transport stays open")

	again, err := cm.AcquireShared(context.Background(), ChannelGeneric)
	require.NoError(t, err)
	assert.True(t, again.Shared())
	assert.Same(t, first.c, again.c)

	again.Invalidate()
	cm.Release(again)
	assert.False(t, cm.Connected(), "an invalidated shared transport is dropped")
}

func TestConnectionManager_ReconnectIfNeeded(t *testing.T) {
	d := &countingDialer{}
	cm := NewConnectionManager(d, nil)

	assert.ErrorIs(t, cm.ReconnectIfNeeded(context.Background()), ErrNoConnection)

	d.err = errors.New("host is down")
	assert.ErrorIs(t, cm.Connect(context.Background(), testPeer), ErrConnectionFailed)
	assert.False(t, cm.Connected())

	peer, ok := cm.Peer()
	assert.True(t, ok, "the peer stays selected after a failed connect")
	assert.Equal(t, testPeer, peer)

	d.err = nil
	require.NoError(t, cm.ReconnectIfNeeded(context.Background()))
	assert.True(t, cm.Connected())

	dials := d.dials
	require.NoError(t, cm.ReconnectIfNeeded(context.Background()))
	assert.Equal(t, dials, d.dials, "connected managers do not dial again")
	assert.Equal(t, ChannelGeneric, d.channels[len(d.channels)-1])

	cm.Disconnect()
	assert.False(t, cm.Connected())
	_, ok = cm.Peer()
	assert.False(t, ok)
}

func TestConnectionManager_Select(t *testing.T) {
	d := &countingDialer{}
	cm := NewConnectionManager(d, nil)

	cm.Select(testPeer)
	assert.False(t, cm.Connected())
	assert.Equal(t, 0, d.dials)

	peer, ok := cm.Peer()
	assert.True(t, ok)
	assert.Equal(t, testPeer, peer)

	l, err := cm.AcquireShared(context.Background(), ChannelGeneric)
	require.NoError(t, err)
	assert.False(t, l.Shared())
	cm.Release(l)
	assert.Equal(t, 1, d.dials)
}

func TestConnectionManager_disconnectWhileCheckedOut(t *testing.T) {
	cm := NewConnectionManager(&countingDialer{}, nil)
	require.NoError(t, cm.Connect(context.Background(), testPeer))

	l, err := cm.AcquireShared(context.Background(), ChannelGeneric)
	require.NoError(t, err)

	cm.Disconnect()
	cm.Release(l)

	assert.False(t, cm.Connected())
	_, err = l.Write([]byte{0x01})
	assert.Error(t, err)
}
