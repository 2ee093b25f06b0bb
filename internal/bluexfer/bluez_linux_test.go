//go:build linux

package bluexfer

import (
	"io"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevicePath(t *testing.T) {
	tests := []struct {
		name    string
		adapter string
		address string
		want    dbus.ObjectPath
		wantErr bool
	}{
		{name: "upper case", adapter: "hci0", address: "00:1A:7D:DA:71:13", want: "/org/bluez/hci0/dev_00_1A_7D_DA_71_13"},
		{name: "lower case", adapter: "hci1", address: "aa:bb:cc:dd:ee:ff", want: "/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF"},
		{name: "not an address", adapter: "hci0", address: "localhost:9000", wantErr: true},
		{name: "no adapter", address: "00:1A:7D:DA:71:13", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := devicePath(tt.adapter, tt.address)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, strings.EqualFold(tt.address, macFromPath(got)))
		})
	}
}

func TestMacFromPath(t *testing.T) {
	assert.Equal(t, "00:1A:7D:DA:71:13", macFromPath("/org/bluez/hci0/dev_00_1A_7D_DA_71_13"))
	assert.Equal(t, "", macFromPath("/org/bluez/hci0"))
}

func socketPair(t *testing.T) (int, *os.File) {
	t.Helper()

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)

	peer := os.NewFile(uintptr(fds[1]), "peer")
	t.Cleanup(func() { _ = peer.Close() })

	return fds[0], peer
}

func TestProfile_NewConnection(t *testing.T) {
	p := newProfile()
	dev := dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55")

	fd, peer := socketPair(t)
	require.Nil(t, p.NewConnection(dev, dbus.UnixFD(fd), nil))

	c := <-p.conns
	assert.Equal(t, dev, c.device)
	defer func() { _ = c.file.Close() }()

	_, err := peer.Write([]byte("00000005hello"))
	require.NoError(t, err)

	buf := make([]byte, 13)
	_, err = io.ReadFull(c.file, buf)
	require.NoError(t, err)
	assert.Equal(t, "00000005hello", string(buf))
}

func TestProfile_NewConnectionWithoutReceiver(t *testing.T) {
	p := newProfile()
	dev := dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55")

	first, _ := socketPair(t)
	require.Nil(t, p.NewConnection(dev, dbus.UnixFD(first), nil))

	second, peer := socketPair(t)
	dErr := p.NewConnection(dev, dbus.UnixFD(second), nil)
	require.NotNil(t, dErr)
	assert.Equal(t, "org.bluez.Error.Rejected", dErr.Name)

	// The refused socket is closed, so its peer reads EOF.
	_, err := peer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	c := <-p.conns
	_ = c.file.Close()
}

func TestBluezListener_Close(t *testing.T) {
	l := &bluezListener{profile: newProfile(), closed: make(chan struct{})}
	l.once.Do(func() { close(l.closed) })

	_, err := l.Accept()
	assert.Error(t, err)
}
