package xfer

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newResponderTree creates:
//
//	root/
//	  .hidden
//	  DCIM/
//	    photo.jpg (1500 bytes)
//	  notes.txt ("remember the milk")
func newResponderTree(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "DCIM"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "DCIM", "photo.jpg"), testPayload(1500), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("remember the milk"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("x"), 0644))

	return root
}

func newResponderClient(t *testing.T, root string, version ProtocolVersion) (*Client, *Responder) {
	t.Helper()

	resp, err := NewResponder(root, &OSFileStore{}, version, CommandSetOpcodes, DefaultMIMETable(), nil)
	require.NoError(t, err)

	c := newTestClient(t, peerDialer(func(conn net.Conn) {
		_ = resp.ServeTransport(context.Background(), conn)
	}), func(cfg *ClientConfig) {
		cfg.Version = version
		cfg.Attempts = 1
	})

	return c, resp
}

func TestResponder_browse(t *testing.T) {
	root := newResponderTree(t)

	want := []FileEntry{
		{Name: ".hidden", Attributes: AttrHidden, Size: 1, MIMEType: "application/octet-stream"},
		{Name: "DCIM", Attributes: AttrDirectory, MIMEType: "application/octet-stream"},
		{Name: "notes.txt", Size: 17, MIMEType: "text/plain"},
	}

	t.Run("v1", func(t *testing.T) {
		c, _ := newResponderClient(t, root, V1)

		got, err := c.Browse(context.Background(), "/")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("v2", func(t *testing.T) {
		c, _ := newResponderClient(t, root, V2)

		got, err := c.BrowseV2(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("subdirectory", func(t *testing.T) {
		c, _ := newResponderClient(t, root, V1)

		got, err := c.Browse(context.Background(), "/DCIM")
		require.NoError(t, err)
		assert.Equal(t, []FileEntry{{Name: "photo.jpg", Size: 1500, MIMEType: "image/jpeg"}}, got)
	})

	t.Run("cannot escape the root", func(t *testing.T) {
		c, _ := newResponderClient(t, filepath.Join(root, "DCIM"), V1)

		got, err := c.Browse(context.Background(), "../../..")
		require.NoError(t, err)
		assert.Equal(t, []FileEntry{{Name: "photo.jpg", Size: 1500, MIMEType: "image/jpeg"}}, got)
	})
}

func TestResponder_browseMissingDirectory(t *testing.T) {
	root := newResponderTree(t)

	t.Run("v1 hangs up", func(t *testing.T) {
		c, _ := newResponderClient(t, root, V1)

		_, err := c.Browse(context.Background(), "/missing")
		assert.ErrorIs(t, err, ErrStreamClosed)
	})

	t.Run("v2 reports an error status", func(t *testing.T) {
		c, _ := newResponderClient(t, root, V2)

		_, err := c.BrowseV2(context.Background(), "/missing")
		assert.ErrorIs(t, err, ErrUnexpectedStatus)
	})
}

func TestResponder_getDetails(t *testing.T) {
	root := newResponderTree(t)
	info, err := os.Stat(filepath.Join(root, "notes.txt"))
	require.NoError(t, err)

	for _, version := range []ProtocolVersion{V1, V2} {
		t.Run(version.String(), func(t *testing.T) {
			c, _ := newResponderClient(t, root, version)

			d, err := c.GetDetails(context.Background(), "/notes.txt")
			require.NoError(t, err)
			assert.Equal(t, uint64(17), d.Size)
			assert.Equal(t, info.ModTime().UnixMilli(), d.Modified.UnixMilli())
			assert.True(t, d.Permissions.Readable())
			assert.True(t, d.Permissions.Writable())
			assert.False(t, d.Permissions.Executable())
		})
	}
}

func TestResponder_download(t *testing.T) {
	root := newResponderTree(t)

	for _, version := range []ProtocolVersion{V1, V2} {
		t.Run(version.String(), func(t *testing.T) {
			c, resp := newResponderClient(t, root, version)

			var sink bytes.Buffer
			res, err := c.Download(context.Background(), "/DCIM/photo.jpg", &sink)
			require.NoError(t, err)
			assert.False(t, res.Truncated)
			assert.Equal(t, uint64(1500), res.Size)
			assert.Equal(t, testPayload(1500), sink.Bytes())

			assert.Eventually(t, func() bool { return resp.Stats.Get(StatDownloadCounter) == 1 }, time.Second, 10*time.Millisecond)
		})
	}
}

func TestResponder_downloadErrors(t *testing.T) {
	root := newResponderTree(t)
	c, _ := newResponderClient(t, root, V1)

	for _, p := range []string{"/missing.bin", "/DCIM"} {
		t.Run(strings.TrimPrefix(p, "/"), func(t *testing.T) {
			_, err := c.Download(context.Background(), p, &bytes.Buffer{})
			assert.ErrorIs(t, err, ErrStreamClosed)
		})
	}
}

func TestResponder_authorizer(t *testing.T) {
	root := newResponderTree(t)
	c, resp := newResponderClient(t, root, V2)
	resp.Authorizer = AllowList{CmdGetDetails}

	_, err := c.BrowseV2(context.Background(), "/")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	_, err = c.GetDetails(context.Background(), "/notes.txt")
	assert.NoError(t, err)
}

func TestResponder_viaReceiver(t *testing.T) {
	root := newResponderTree(t)

	r, ln, _ := newTestReceiver(t, t.TempDir())
	resp, err := NewResponder(root, &OSFileStore{}, V1, CommandSetOpcodes, DefaultMIMETable(), nil)
	require.NoError(t, err)
	r.Responder = resp

	c := newTestClient(t, ln, func(cfg *ClientConfig) { cfg.Attempts = 1 })

	entries, err := c.Browse(context.Background(), "/DCIM")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "photo.jpg", entries[0].Name)

	err = c.Upload(context.Background(), UploadRequest{Size: 3, Body: strings.NewReader("abc")})
	assert.NoError(t, err)
}
