package bluexfer

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bluexfer/bluexfer/xfer"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	a, unsubA := bus.Subscribe()
	b, unsubB := bus.Subscribe()
	assert.Equal(t, 2, bus.Len())

	bus.Notify(xfer.Event{Type: xfer.EventFileReceived, Path: "/inbox/a.jpg"})

	for _, ch := range []<-chan xfer.Event{a, b} {
		e := <-ch
		assert.Equal(t, "/inbox/a.jpg", e.Path)
		assert.False(t, e.Time.IsZero())
	}

	unsubA()
	unsubA()
	assert.Equal(t, 1, bus.Len())
	_, ok := <-a
	assert.False(t, ok, "unsubscribe closes the channel")

	unsubB()
	assert.Equal(t, 0, bus.Len())
}

func TestEventBus_slowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Notify(xfer.Event{Type: xfer.EventDownloadProgress, Percent: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestEventBus_ServeWS(t *testing.T) {
	bus := NewEventBus()
	srv := httptest.NewServer(bus.ServeWS(NewZapLogger("error", &strings.Builder{})))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, 5*time.Millisecond)

	bus.Notify(xfer.Event{Type: xfer.EventTransferComplete, Op: "download", Path: "/DCIM/a.jpg", Transferred: 10, Total: 10})

	var got xfer.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, xfer.EventTransferComplete, got.Type)
	assert.Equal(t, "download", got.Op)
	assert.Equal(t, uint64(10), got.Transferred)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return bus.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEventBus_ServeWS_origin(t *testing.T) {
	bus := NewEventBus()
	srv := httptest.NewServer(bus.ServeWS(NewZapLogger("error", &strings.Builder{})))
	defer srv.Close()

	tests := []struct {
		name       string
		origin     string
		wantStatus int
	}{
		{name: "no origin", wantStatus: http.StatusSwitchingProtocols},
		{name: "same origin", origin: srv.URL, wantStatus: http.StatusSwitchingProtocols},
		{name: "foreign origin", origin: "http://attacker.example", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}

			conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
			if conn != nil {
				defer func() { _ = conn.Close() }()
			}
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus == http.StatusForbidden {
				assert.ErrorIs(t, err, websocket.ErrBadHandshake)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
