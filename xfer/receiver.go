package xfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

type ReceiverConfig struct {
	Dir           string
	NamePrefix    string        // e.g. "received_image_"
	Extension     string        // used when the sender gives no name, e.g. ".jpg"
	HeaderTimeout time.Duration // wait for the first bytes of an accepted connection
	IdleTimeout   time.Duration // longest gap while reading a body; 0 waits forever
}

func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Dir:           ".",
		NamePrefix:    "received_image_",
		Extension:     ".jpg",
		HeaderTimeout: 10 * time.Second,
		IdleTimeout:   30 * time.Second,
	}
}

// ReceivedFile describes a file stored by the Receiver.
type ReceivedFile struct {
	Path   string
	Name   string // name announced by an OBEX sender
	Size   uint64
	Digest string // hex BLAKE2b-256 of the content
	Mode   UploadMode
}

// Receiver accepts peer initiated uploads one connection at a time. A connection that starts
// with eight ASCII digits is a simple upload; one that starts with an OBEX CONNECT is an OBEX PUT.
// Any other connection is handed to Responder when one is set.
type Receiver struct {
	cfg ReceiverConfig

	FS         FileStore
	Logger     Logger
	Notifier   Notifier
	Stats      *Stats
	Responder  *Responder
	Authorizer Authorizer

	// OnReceive is called after a file has been stored and acknowledged.
	OnReceive func(ReceivedFile)

	mu      sync.Mutex
	ln      Listener
	serving Transport // connection handed to Responder, closed by Stop
	stopped bool
	done    chan struct{}
}

func NewReceiver(cfg ReceiverConfig, fs FileStore, logger Logger) *Receiver {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Receiver{
		cfg:        cfg,
		FS:         fs,
		Logger:     logger,
		Notifier:   nopNotifier{},
		Stats:      NewStats(),
		Authorizer: AllowAll,
	}
}

// Start runs Serve on a new goroutine.
func (r *Receiver) Start(ctx context.Context, ln Listener) error {
	r.mu.Lock()
	if r.ln != nil {
		r.mu.Unlock()
		return errors.New("receiver already running")
	}
	r.mu.Unlock()

	ready := make(chan struct{})
	go func() {
		defer dontPanic(r.Logger)

		if err := r.serve(ctx, ln, ready); err != nil {
			r.Logger.Error("Receiver stopped", "err", err)
		}
	}()
	<-ready

	return nil
}

// Serve accepts connections until Stop is called or ctx is done. It returns nil when stopped.
func (r *Receiver) Serve(ctx context.Context, ln Listener) error {
	return r.serve(ctx, ln, nil)
}

func (r *Receiver) serve(ctx context.Context, ln Listener, ready chan struct{}) error {
	r.mu.Lock()
	if r.ln != nil {
		r.mu.Unlock()
		if ready != nil {
			close(ready)
		}
		return errors.New("receiver already running")
	}
	r.ln = ln
	r.stopped = false
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	if ready != nil {
		close(ready)
	}

	defer func() {
		r.mu.Lock()
		r.ln = nil
		close(done)
		r.mu.Unlock()
	}()

	stopOnCancel := context.AfterFunc(ctx, func() { _ = r.Stop() })
	defer stopOnCancel()

	if err := r.FS.MkdirAll(r.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("%w: create receive dir: %v", ErrIO, err)
	}

	r.Logger.Info("Receive mode started", "dir", r.cfg.Dir)

	for {
		t, err := ln.Accept()
		if err != nil {
			r.mu.Lock()
			stopped := r.stopped
			r.mu.Unlock()
			if stopped {
				r.Logger.Info("Receive mode stopped")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		r.handle(ctx, t)
	}
}

// Stop closes the listener, which interrupts a blocked Accept, and waits for the loop to exit.
// An upload in progress runs to completion first; a connection serving commands is closed.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	if r.ln == nil {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	ln, done, serving := r.ln, r.done, r.serving
	r.mu.Unlock()

	err := ln.Close()
	if serving != nil {
		_ = serving.Close()
	}
	<-done

	return err
}

// Running reports whether the accept loop is active.
func (r *Receiver) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ln != nil
}

func (r *Receiver) handle(ctx context.Context, t Transport) {
	defer dontPanic(r.Logger)
	defer func() { _ = t.Close() }()

	fr := NewFramedReader(t)
	defer fr.Close()

	first, err := fr.ReadExact(1, time.Now().Add(r.cfg.HeaderTimeout))
	if err != nil {
		r.Logger.Info("No request on accepted connection", "err", err)
		return
	}

	var rf ReceivedFile
	switch b := first[0]; {
	case b >= '0' && b <= '9':
		rf, err = r.receiveSimple(t, fr, b)
	case b == obexConnect:
		rf, err = r.receiveOBEX(t, fr)
	case r.Responder != nil:
		r.serveCommands(ctx, t, fr, first)
		return
	default:
		err = fmt.Errorf("%w: unexpected first byte 0x%02x", ErrProtocol, b)
	}

	if err != nil {
		r.Stats.Increment(StatFailureCounter)
		r.Logger.Error("Receive failed", "err", err, "code", Code(err))
		r.Notifier.Notify(Event{Type: EventTransferFailed, Op: "receive", Path: rf.Path, Err: err.Error(), Code: Code(err), Time: time.Now()})
		return
	}

	r.Stats.Increment(StatReceiveCounter)
	r.Stats.Add(StatBytesReceived, int(rf.Size))
	r.Logger.Info("File received", "path", rf.Path, "size", rf.Size, "mode", rf.Mode)
	r.Notifier.Notify(Event{
		Type:        EventFileReceived,
		Op:          "receive",
		Path:        rf.Path,
		Transferred: rf.Size,
		Total:       rf.Size,
		Digest:      rf.Digest,
		Time:        time.Now(),
	})
	if r.OnReceive != nil {
		r.OnReceive(rf)
	}
}

// serveCommands hands t to the Responder. The peer may keep the link open between commands for
// at most IdleTimeout, and Stop closes it.
func (r *Receiver) serveCommands(ctx context.Context, t Transport, fr *FramedReader, first []byte) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.serving = t
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.serving = nil
		r.mu.Unlock()
	}()

	err := r.Responder.Handle(ctx, t, io.MultiReader(bytes.NewReader(first), r.idleReader(fr)))
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		r.Logger.Info("Closing idle connection", "idle", r.cfg.IdleTimeout)
	default:
		r.Logger.Error("Error serving request", "err", err)
	}
}

func (r *Receiver) idleReader(fr *FramedReader) io.Reader {
	if r.cfg.IdleTimeout <= 0 {
		return fr
	}
	return &idleReader{fr: fr, timeout: r.cfg.IdleTimeout}
}

// idleReader renews its deadline before every read.
type idleReader struct {
	fr      *FramedReader
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	return r.fr.Until(time.Now().Add(r.timeout)).Read(p)
}

func (r *Receiver) receiveSimple(w io.Writer, fr *FramedReader, first byte) (rf ReceivedFile, err error) {
	rf.Mode = UploadSimple

	if err := r.Authorizer.Authorize(CmdUpload); err != nil {
		return rf, err
	}

	rest, err := fr.ReadExact(sizeHeaderLen-1, time.Now().Add(r.cfg.HeaderTimeout))
	if err != nil {
		return rf, fmt.Errorf("read size header: %w", err)
	}
	size, err := DecodeSizeHeader(append([]byte{first}, rest...))
	if err != nil {
		return rf, err
	}

	rf, err = r.store("", size, func(dst io.Writer) (uint64, error) {
		n, err := io.CopyN(dst, r.idleReader(fr), int64(size))
		if err != nil && errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: received %d of %d bytes", ErrTruncated, n, size)
		}
		return uint64(n), err
	})
	rf.Mode = UploadSimple
	if err != nil {
		return rf, err
	}

	if _, err := w.Write([]byte{AckSimple}); err != nil {
		return rf, fmt.Errorf("%w: write ack: %v", ErrIO, err)
	}

	return rf, nil
}

var obexStatusSuccess = []byte{obexSuccess, 0x00, obexStatusLen}

const obexForbidden = 0xC3

func (r *Receiver) receiveOBEX(w io.Writer, fr *FramedReader) (rf ReceivedFile, err error) {
	rf.Mode = UploadOBEX

	hdrReader := fr.Until(time.Now().Add(r.cfg.HeaderTimeout))
	if err := readOBEXConnect(hdrReader); err != nil {
		return rf, err
	}

	if err := r.Authorizer.Authorize(CmdUpload); err != nil {
		_, _ = w.Write(withStatus(obexConnectResponse, obexForbidden))
		return rf, err
	}
	if _, err := w.Write(obexConnectResponse); err != nil {
		return rf, fmt.Errorf("%w: write CONNECT response: %v", ErrIO, err)
	}

	put, err := readOBEXPut(fr.Until(time.Now().Add(r.cfg.HeaderTimeout)))
	if err != nil {
		return rf, err
	}

	rf, err = r.store(put.Name, put.Size, func(dst io.Writer) (uint64, error) {
		return readOBEXBody(r.idleReader(fr), dst)
	})
	rf.Mode = UploadOBEX
	rf.Name = put.Name
	if err != nil {
		return rf, err
	}
	if rf.Size != put.Size {
		r.Logger.Info("OBEX body length differs from Length header", "length", put.Size, "received", rf.Size)
	}

	if _, err := w.Write(obexStatusSuccess); err != nil {
		return rf, fmt.Errorf("%w: write PUT response: %v", ErrIO, err)
	}

	return rf, nil
}

// withStatus returns a copy of an OBEX response with its response code replaced.
func withStatus(resp []byte, code byte) []byte {
	out := bytes.Clone(resp)
	out[0] = code
	return out
}

// store writes a body to a newly named file in the receive directory. A partial file is
// removed when copy fails.
func (r *Receiver) store(name string, size uint64, copyBody func(io.Writer) (uint64, error)) (ReceivedFile, error) {
	rf := ReceivedFile{Name: name}

	dst, path, err := r.createFile(name)
	if err != nil {
		return rf, err
	}
	rf.Path = path

	h, _ := blake2b.New256(nil)
	progress := newProgressTracker(r.Notifier, EventUploadProgress, path, size)

	n, err := copyBody(io.MultiWriter(dst, h, progressWriter{progress}))
	rf.Size = n
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: close %s: %v", ErrIO, path, cerr)
	}
	if err != nil {
		if rerr := r.FS.Remove(path); rerr != nil {
			r.Logger.Error("Error removing partial file", "path", path, "err", rerr)
		}
		return rf, err
	}
	rf.Digest = hex.EncodeToString(h.Sum(nil))

	return rf, nil
}

type progressWriter struct {
	p *progressTracker
}

func (w progressWriter) Write(b []byte) (int, error) {
	w.p.add(len(b))
	return len(b), nil
}

// createFile creates <prefix><unix ms><ext> in the receive directory, adding a counter on
// collision. The extension comes from name when the sender supplied one.
func (r *Receiver) createFile(name string) (io.WriteCloser, string, error) {
	ext := r.cfg.Extension
	if e := filepath.Ext(filepath.Base(name)); e != "" && e != "." {
		ext = e
	}
	base := r.cfg.NamePrefix + strconv.FormatInt(time.Now().UnixMilli(), 10)

	for i := 0; i < 100; i++ {
		fileName := base + ext
		if i > 0 {
			fileName = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		path := filepath.Join(r.cfg.Dir, fileName)

		f, err := r.FS.Create(path)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("%w: create %s: %v", ErrIO, path, err)
		}
	}

	return nil, "", fmt.Errorf("%w: no free file name for %s", ErrIO, base)
}
