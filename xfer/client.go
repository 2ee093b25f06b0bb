package xfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Acknowledgment bytes
const (
	AckSimple byte = 0x01 // simple upload accepted
	AckBrowse byte = 0x06 // versioned browse command accepted
)

// v2 browse response header status bytes that signal an error
const v2StatusError = 0xFF

const chunkSize = 8192

// DownloadPolicy decides what a download that ends early returns.
type DownloadPolicy int

const (
	// BestEffort returns the bytes received with DownloadResult.Truncated set.
	BestEffort DownloadPolicy = iota

	// Strict fails the download with ErrTruncated.
	Strict
)

func (p DownloadPolicy) String() string {
	if p == Strict {
		return "strict"
	}
	return "best-effort"
}

// ParseDownloadPolicy accepts "strict" or "best-effort".
func ParseDownloadPolicy(s string) (DownloadPolicy, error) {
	switch s {
	case "strict":
		return Strict, nil
	case "best-effort", "":
		return BestEffort, nil
	}
	return 0, fmt.Errorf("unknown download policy %q", s)
}

type ClientConfig struct {
	Version          ProtocolVersion // framing of GetDetails and Download commands
	Opcodes          Opcodes
	MIME             MIMETable
	AckTimeout       time.Duration // versioned browse ACK
	BrowseTimeout    time.Duration // first byte of a v1 listing; whole v2 listing
	ResponseTimeout  time.Duration // details record, download size header, OBEX CONNECT reply
	UploadAckTimeout time.Duration
	IdleTimeout      time.Duration // longest gap while streaming a download body; 0 waits forever
	Attempts         int
	BackoffBase      time.Duration
	DownloadPolicy   DownloadPolicy
	RemoteRoot       string // prefixed to request paths that are not already under it
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Version:          V1,
		Opcodes:          CommandSetOpcodes,
		MIME:             DefaultMIMETable(),
		AckTimeout:       5 * time.Second,
		BrowseTimeout:    10 * time.Second,
		ResponseTimeout:  10 * time.Second,
		UploadAckTimeout: 10 * time.Second,
		IdleTimeout:      30 * time.Second,
		Attempts:         3,
		BackoffBase:      time.Second,
		DownloadPolicy:   BestEffort,
	}
}

// Client runs transfer operations against the peer selected in its ConnectionManager.
// Operations are synchronous; wrap them with Go to run them in the background.
type Client struct {
	cm     *ConnectionManager
	cfg    ClientConfig
	v1, v2 Codec
	cmd    Codec // codec for GetDetails and Download

	Logger     Logger
	Notifier   Notifier
	Authorizer Authorizer
	Stats      *Stats

	after func(time.Duration) <-chan time.Time
}

func NewClient(cm *ConnectionManager, cfg ClientConfig, logger Logger) (*Client, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	v1, err := NewCodec(V1, cfg.Opcodes, cfg.MIME)
	if err != nil {
		return nil, err
	}
	v2, err := NewCodec(V2, cfg.Opcodes, cfg.MIME)
	if err != nil {
		return nil, err
	}

	c := Client{
		cm:         cm,
		cfg:        cfg,
		v1:         v1,
		v2:         v2,
		cmd:        v1,
		Logger:     logger,
		Notifier:   nopNotifier{},
		Authorizer: AllowAll,
		Stats:      cm.Stats,
		after:      time.After,
	}
	switch cfg.Version {
	case V1:
	case V2:
		c.cmd = v2
	default:
		return nil, fmt.Errorf("unsupported protocol version %d", cfg.Version)
	}

	return &c, nil
}

// open authorizes op and leases a transport for it.
func (c *Client) open(ctx context.Context, op CommandType, channel ServiceChannel, shared bool) (*Session, error) {
	if err := c.Authorizer.Authorize(op); err != nil {
		return nil, err
	}

	var (
		l   *Lease
		err error
	)
	if shared {
		l, err = c.cm.AcquireShared(ctx, channel)
	} else {
		l, err = c.cm.Acquire(ctx, channel)
	}
	if err != nil {
		return nil, err
	}

	return newSession(l), nil
}

// release returns the session's transport. A transport whose exchange failed is not reused.
func (c *Client) release(s *Session, err error) {
	if err != nil {
		s.lease.Invalidate()
	}
	c.cm.Release(s.lease)
}

func (c *Client) fail(op CommandType, path string, attempts int, err error) error {
	c.Stats.Increment(StatFailureCounter)
	c.Logger.Error("Operation failed", "op", op, "path", path, "attempts", attempts, "err", err)

	return &OpError{Op: op.String(), Path: path, Attempts: attempts, Err: err}
}

// retry runs fn up to the configured number of attempts. Between attempts it makes a best
// effort to restore the persistent connection and waits BackoffBase, doubling each time.
func (c *Client) retry(ctx context.Context, op CommandType, path string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		if attempt > 1 {
			if rerr := c.cm.ReconnectIfNeeded(ctx); rerr != nil {
				c.Logger.Debug("Reconnect before retry failed", "op", op, "err", rerr)
			}

			delay := c.cfg.BackoffBase << (attempt - 2)
			c.Logger.Info("Retrying", "op", op, "path", path, "attempt", attempt, "delay", delay, "err", err)

			select {
			case <-c.after(delay):
			case <-ctx.Done():
				return c.fail(op, path, attempt-1, fmt.Errorf("%w (last error: %w)", ctx.Err(), err))
			}
		}

		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, ErrPermissionDenied) {
			return c.fail(op, path, attempt, err)
		}
	}

	return c.fail(op, path, c.cfg.Attempts, err)
}

// remotePath places p under RemoteRoot unless it already is.
func (c *Client) remotePath(p string) string {
	root := c.cfg.RemoteRoot
	if root == "" {
		return p
	}
	if p == root || strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/") {
		return p
	}
	return path.Join(root, p)
}

// Browse lists path using the single byte length revision.
func (c *Client) Browse(ctx context.Context, path string) ([]FileEntry, error) {
	var entries []FileEntry
	err := c.retry(ctx, CmdBrowse, path, func() (err error) {
		entries, err = c.browseV1(ctx, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.Stats.Increment(StatBrowseCounter)

	return entries, nil
}

func (c *Client) browseV1(ctx context.Context, path string) (entries []FileEntry, err error) {
	cmd, err := c.v1.EncodeCommand(Command{Type: CmdBrowse, Path: c.remotePath(path)})
	if err != nil {
		return nil, err
	}

	s, err := c.open(ctx, CmdBrowse, ChannelFileAccess, false)
	if err != nil {
		return nil, err
	}
	defer func() { c.release(s, err) }()

	if err := s.Send(cmd); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.BrowseTimeout)
	if err := s.Wait(deadline); err != nil {
		return nil, fmt.Errorf("wait for listing: %w", err)
	}

	return c.v1.DecodeFileList(s.Until(deadline))
}

// BrowseV2 lists path using the versioned revision: the peer acknowledges the command, then
// sends a status header and the listing.
func (c *Client) BrowseV2(ctx context.Context, path string) ([]FileEntry, error) {
	var entries []FileEntry
	err := c.retry(ctx, CmdBrowse, path, func() (err error) {
		entries, err = c.browseV2(ctx, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.Stats.Increment(StatBrowseCounter)

	return entries, nil
}

func (c *Client) browseV2(ctx context.Context, path string) (entries []FileEntry, err error) {
	cmd, err := c.v2.EncodeCommand(Command{Type: CmdBrowse, Path: c.remotePath(path)})
	if err != nil {
		return nil, err
	}

	s, err := c.open(ctx, CmdBrowse, ChannelFileAccess, false)
	if err != nil {
		return nil, err
	}
	defer func() { c.release(s, err) }()

	if err := s.Send(cmd); err != nil {
		return nil, err
	}

	ack, err := s.ReadExact(1, time.Now().Add(c.cfg.AckTimeout))
	if err != nil {
		return nil, fmt.Errorf("read ack: %w", err)
	}
	if ack[0] != AckBrowse {
		return nil, fmt.Errorf("%w: ack 0x%02x", ErrUnexpectedStatus, ack[0])
	}

	// The header, the count and every entry share one deadline.
	deadline := time.Now().Add(c.cfg.BrowseTimeout)

	hdr, err := s.ReadExact(4, deadline)
	if err != nil {
		return nil, fmt.Errorf("read response header: %w", err)
	}
	if err := validateV2Header(hdr, cmd[1]); err != nil {
		return nil, err
	}

	return c.v2.DecodeFileList(s.Until(deadline))
}

// validateV2Header checks [version][opcode][status][status].
func validateV2Header(hdr []byte, op byte) error {
	if hdr[0] != v2Marker {
		return fmt.Errorf("%w: response version 0x%02x", ErrProtocol, hdr[0])
	}
	if hdr[1] != op {
		return fmt.Errorf("%w: response type 0x%02x", ErrProtocol, hdr[1])
	}
	if hdr[2] == v2StatusError || hdr[3] == v2StatusError {
		return fmt.Errorf("%w: peer reported error 0x%02x%02x", ErrUnexpectedStatus, hdr[2], hdr[3])
	}
	return nil
}

// GetDetails fetches the metadata record of path. It is not retried.
func (c *Client) GetDetails(ctx context.Context, path string) (FileDetails, error) {
	d, err := c.getDetails(ctx, path)
	if err != nil {
		return d, c.fail(CmdGetDetails, path, 1, err)
	}
	c.Stats.Increment(StatDetailsCounter)

	return d, nil
}

func (c *Client) getDetails(ctx context.Context, path string) (d FileDetails, err error) {
	cmd, err := c.cmd.EncodeCommand(Command{Type: CmdGetDetails, Path: c.remotePath(path)})
	if err != nil {
		return d, err
	}

	s, err := c.open(ctx, CmdGetDetails, ChannelGeneric, false)
	if err != nil {
		return d, err
	}
	defer func() { c.release(s, err) }()

	if err := s.Send(cmd); err != nil {
		return d, err
	}

	return DecodeFileDetails(s.Until(time.Now().Add(c.cfg.ResponseTimeout)))
}

// DownloadResult describes a finished download.
type DownloadResult struct {
	Path      string `json:"path"`
	Size      uint64 `json:"size"`     // size announced by the peer
	Received  uint64 `json:"received"` // bytes written to the sink
	Truncated bool   `json:"truncated"`
}

// Download streams path into sink. A peer that closes the stream before sending the announced
// size yields a truncated result or ErrTruncated, depending on the download policy.
func (c *Client) Download(ctx context.Context, path string, sink io.Writer) (DownloadResult, error) {
	c.Stats.Increment(StatDownloadsInProgress)
	defer c.Stats.Decrement(StatDownloadsInProgress)

	res, err := c.download(ctx, path, sink)
	if err != nil {
		c.Notifier.Notify(Event{Type: EventTransferFailed, Op: CmdDownload.String(), Path: path, Transferred: res.Received, Total: res.Size, Err: err.Error(), Code: Code(err), Time: time.Now()})
		return res, c.fail(CmdDownload, path, 1, err)
	}
	c.Stats.Increment(StatDownloadCounter)
	c.Stats.Add(StatBytesReceived, int(res.Received))
	c.Notifier.Notify(Event{Type: EventTransferComplete, Op: CmdDownload.String(), Path: path, Transferred: res.Received, Total: res.Size, Time: time.Now()})

	return res, nil
}

func (c *Client) download(ctx context.Context, path string, sink io.Writer) (res DownloadResult, err error) {
	res.Path = path

	cmd, err := c.cmd.EncodeCommand(Command{Type: CmdDownload, Path: c.remotePath(path)})
	if err != nil {
		return res, err
	}

	s, err := c.open(ctx, CmdDownload, ChannelGeneric, false)
	if err != nil {
		return res, err
	}
	defer func() { c.release(s, err) }()

	if err := s.Send(cmd); err != nil {
		return res, err
	}

	hdr, err := s.ReadExact(8, time.Now().Add(c.cfg.ResponseTimeout))
	if err != nil {
		return res, fmt.Errorf("read size header: %w", err)
	}
	res.Size = binary.BigEndian.Uint64(hdr)
	s.ExpectedSize = res.Size

	c.Logger.Debug("Download started", "path", path, "size", res.Size)

	progress := newProgressTracker(c.Notifier, EventDownloadProgress, path, res.Size)
	buf := make([]byte, chunkSize)
	for res.Received < res.Size {
		want := min(uint64(len(buf)), res.Size-res.Received)

		n, rerr := s.Until(c.idleDeadline()).Read(buf[:want])
		if n > 0 {
			if _, err := sink.Write(buf[:n]); err != nil {
				return res, fmt.Errorf("%w: write sink: %v", ErrIO, err)
			}
			res.Received += uint64(n)
			progress.add(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return res, rerr
		}
	}

	if res.Received < res.Size {
		c.Logger.Info("Download truncated", "path", path, "received", res.Received, "size", res.Size, "policy", c.cfg.DownloadPolicy)
		if c.cfg.DownloadPolicy == Strict {
			return res, fmt.Errorf("%w: received %d of %d bytes", ErrTruncated, res.Received, res.Size)
		}
		res.Truncated = true
	}

	return res, nil
}

func (c *Client) idleDeadline() time.Time {
	if c.cfg.IdleTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.cfg.IdleTimeout)
}

// UploadMode selects the upload framing.
type UploadMode int

const (
	// UploadSimple sends an eight digit ASCII size header and the body, then waits for AckSimple.
	UploadSimple UploadMode = iota

	// UploadOBEX sends an OBEX style CONNECT and PUT.
	UploadOBEX
)

func (m UploadMode) String() string {
	if m == UploadOBEX {
		return "obex"
	}
	return "simple"
}

type UploadRequest struct {
	Name string    // file name announced in OBEX mode
	Size uint64    // number of bytes read from Body
	Body io.Reader // must yield at least Size bytes
	Mode UploadMode
}

// Upload sends a file to the peer. It reuses the persistent transport when it is free.
func (c *Client) Upload(ctx context.Context, req UploadRequest) error {
	c.Stats.Increment(StatUploadsInProgress)
	defer c.Stats.Decrement(StatUploadsInProgress)

	if err := c.upload(ctx, req); err != nil {
		c.Notifier.Notify(Event{Type: EventTransferFailed, Op: CmdUpload.String(), Path: req.Name, Total: req.Size, Err: err.Error(), Code: Code(err), Time: time.Now()})
		return c.fail(CmdUpload, req.Name, 1, err)
	}
	c.Stats.Increment(StatUploadCounter)
	c.Stats.Add(StatBytesSent, int(req.Size))
	c.Notifier.Notify(Event{Type: EventTransferComplete, Op: CmdUpload.String(), Path: req.Name, Transferred: req.Size, Total: req.Size, Time: time.Now()})

	return nil
}

func (c *Client) upload(ctx context.Context, req UploadRequest) (err error) {
	channel := ChannelGeneric
	if req.Mode == UploadOBEX {
		channel = ChannelObjectPush
	}

	s, err := c.open(ctx, CmdUpload, channel, true)
	if err != nil {
		return err
	}
	defer func() { c.release(s, err) }()
	s.ExpectedSize = req.Size

	c.Logger.Debug("Upload started", "name", req.Name, "size", req.Size, "mode", req.Mode, "shared", s.lease.Shared())

	if req.Mode == UploadOBEX {
		return c.uploadOBEX(s, req)
	}
	return c.uploadSimple(s, req)
}

func (c *Client) uploadSimple(s *Session, req UploadRequest) error {
	hdr, err := EncodeSizeHeader(req.Size)
	if err != nil {
		return err
	}
	if err := s.Send(hdr); err != nil {
		return err
	}

	if err := c.sendBody(s, req, func(chunk []byte) []byte { return chunk }); err != nil {
		return err
	}

	ack, err := s.ReadExact(1, time.Now().Add(c.cfg.UploadAckTimeout))
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if ack[0] != AckSimple {
		return fmt.Errorf("%w: ack 0x%02x", ErrUnexpectedStatus, ack[0])
	}

	return nil
}

// sendBody streams req.Size bytes of the body in chunks, each passed through frame before it
// is written.
func (c *Client) sendBody(s *Session, req UploadRequest, frame func([]byte) []byte) error {
	progress := newProgressTracker(c.Notifier, EventUploadProgress, req.Name, req.Size)
	buf := make([]byte, chunkSize)

	for sent := uint64(0); sent < req.Size; {
		n := min(uint64(len(buf)), req.Size-sent)
		if _, err := io.ReadFull(req.Body, buf[:n]); err != nil {
			return fmt.Errorf("%w: read body at %d of %d bytes: %v", ErrIO, sent, req.Size, err)
		}
		if err := s.Send(frame(buf[:n])); err != nil {
			return err
		}
		sent += n
		progress.add(int(n))
	}

	return nil
}

const sizeHeaderLen = 8

// EncodeSizeHeader returns size as eight zero padded ASCII digits.
func EncodeSizeHeader(size uint64) ([]byte, error) {
	if size > 99_999_999 {
		return nil, fmt.Errorf("%w: size %d does not fit the size header", ErrInvalidLength, size)
	}
	return fmt.Appendf(nil, "%08d", size), nil
}

// DecodeSizeHeader parses eight ASCII digits.
func DecodeSizeHeader(b []byte) (uint64, error) {
	if len(b) != sizeHeaderLen {
		return 0, fmt.Errorf("%w: size header is %d bytes", ErrInvalidLength, len(b))
	}

	var size uint64
	for _, ch := range b {
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("%w: size header %q", ErrProtocol, b)
		}
		size = size*10 + uint64(ch-'0')
	}

	return size, nil
}
