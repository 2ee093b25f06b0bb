package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/bluexfer/bluexfer/internal/bluexfer"
	"github.com/bluexfer/bluexfer/xfer"
	"github.com/rivo/tview"
)

// Values swapped in by go-releaser at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `Usage: bluexfer-client [flags] <command> [args]

Commands:
  browse [path]            list a remote directory
  browse-v2 [path]         list a remote directory with the versioned revision
  details <path>           show size, modification time and permissions of a remote file
  download <path> [dest]   fetch a remote file
  upload [-obex] <file>    send a local file
  battery                  read the peer's battery level
  ui                       browse the peer interactively

Flags:
`

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, os.Interrupt)

	configDir := flag.String("config", defaultConfigPath(), "Path to config root")
	peerAddr := flag.String("peer", "", "Peer address. Overrides Peer.Address from the config.")
	printVersion := flag.Bool("version", false, "print version and exit")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Usage = func() {
		_, _ = fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}

	flag.Parse()

	if *printVersion {
		fmt.Printf("bluexfer-client %s, commit %s, built at %s\n", version, commit, date)
		os.Exit(0)
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	config, err := bluexfer.LoadConfig(path.Join(*configDir, "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *peerAddr != "" {
		config.Peer = xfer.Peer{Address: *peerAddr}
	}

	// The TUI shows logs in its own pane; every other command logs to stderr.
	var logOut io.Writer = os.Stderr
	var db *bluexfer.DebugBuffer
	if flag.Arg(0) == "ui" {
		db = &bluexfer.DebugBuffer{TextView: tview.NewTextView()}
		logOut = db
	}
	logger := bluexfer.NewZapLogger(*logLevel, logOut)
	defer func() { _ = logger.Sync() }()

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Stopping client", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, config, logger, db, flag.Args()); err != nil {
		logger.Error("Command failed", "err", err, "code", xfer.Code(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, config *bluexfer.Config, logger bluexfer.ZapLogger, db *bluexfer.DebugBuffer, args []string) error {
	if config.Peer.Address == "" {
		return fmt.Errorf("no peer configured: %w", xfer.ErrNoConnection)
	}

	if args[0] == "battery" {
		r := bluexfer.BatteryReader{Adapter: bluexfer.NewTinyGoAdapter(), Timeout: config.Timeouts.Connect}
		level, err := r.Level(ctx, config.Peer)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d%%\n", config.Peer, level)
		return nil
	}

	network, err := bluexfer.NewNetwork(config, logger)
	if err != nil {
		return err
	}
	defer func() { _ = network.Close() }()

	cm := xfer.NewConnectionManager(network, logger)
	cm.ConnectTimeout = config.Timeouts.Connect
	cm.Select(config.Peer)
	defer cm.Disconnect()

	cfg, err := config.ClientConfig()
	if err != nil {
		return err
	}
	c, err := xfer.NewClient(cm, cfg, logger)
	if err != nil {
		return err
	}
	if db == nil {
		c.Notifier = xfer.NotifierFunc(func(e xfer.Event) {
			if e.Type == xfer.EventDownloadProgress || e.Type == xfer.EventUploadProgress {
				fmt.Fprintf(os.Stderr, "%s %d%% (%d/%d bytes)\n", e.Path, e.Percent, e.Transferred, e.Total)
			}
		})
	}

	return runCommand(ctx, c, logger, db, config, args)
}

func runCommand(ctx context.Context, c *xfer.Client, logger xfer.Logger, db *bluexfer.DebugBuffer, config *bluexfer.Config, args []string) error {
	arg := func(i int, def string) string {
		if len(args) > i {
			return args[i]
		}
		return def
	}

	switch args[0] {
	case "browse", "browse-v2":
		browse := c.Browse
		if args[0] == "browse-v2" {
			browse = c.BrowseV2
		}
		entries, err := browse(ctx, arg(1, "/"))
		if err != nil {
			return err
		}
		printEntries(os.Stdout, entries)

	case "details":
		if len(args) < 2 {
			return errors.New("details: missing path")
		}
		d, err := c.GetDetails(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("size: %d\nmodified: %s\nreadable: %t\nwritable: %t\nexecutable: %t\n",
			d.Size, d.Modified.Format(time.RFC3339), d.Permissions.Readable(), d.Permissions.Writable(), d.Permissions.Executable())

	case "download":
		if len(args) < 2 {
			return errors.New("download: missing path")
		}
		res, err := download(ctx, c, args[1], arg(2, path.Base(args[1])))
		if err != nil {
			return err
		}
		if res.Truncated {
			fmt.Fprintf(os.Stderr, "warning: %s truncated at %d of %d bytes\n", res.Path, res.Received, res.Size)
		}

	case "upload":
		fs := flag.NewFlagSet("upload", flag.ContinueOnError)
		obex := fs.Bool("obex", false, "Send with OBEX framing on the object push channel")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() < 1 {
			return errors.New("upload: missing file")
		}
		mode := xfer.UploadSimple
		if *obex {
			mode = xfer.UploadOBEX
		}
		return upload(ctx, c, fs.Arg(0), mode)

	case "ui":
		if db == nil {
			db = &bluexfer.DebugBuffer{TextView: tview.NewTextView()}
		}
		ui := bluexfer.NewUI(c, db, logger, config.ProtocolVersion == 2)
		ui.Peer = config.Peer
		return ui.Start(ctx)

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}

	return nil
}

func printEntries(w io.Writer, entries []xfer.FileEntry) {
	for _, e := range entries {
		kind := "-"
		if e.IsDir() {
			kind = "d"
		}
		if e.IsHidden() {
			kind += "h"
		}
		_, _ = fmt.Fprintf(w, "%-2s %12d  %-28s %s\n", kind, e.Size, e.MIMEType, e.Name)
	}
}

func download(ctx context.Context, c *xfer.Client, remote, local string) (xfer.DownloadResult, error) {
	f, err := os.Create(local)
	if err != nil {
		return xfer.DownloadResult{}, err
	}

	res, err := c.Download(ctx, remote, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(local)
	}
	return res, err
}

func upload(ctx context.Context, c *xfer.Client, local string, mode xfer.UploadMode) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	return c.Upload(ctx, xfer.UploadRequest{
		Name: filepath.Base(local),
		Size: uint64(info.Size()),
		Body: f,
		Mode: mode,
	})
}

func defaultConfigPath() (cfgPath string) {
	switch runtime.GOOS {
	case "darwin":
		if _, err := os.Stat("/usr/local/var/bluexfer/config"); err == nil {
			cfgPath = "/usr/local/var/bluexfer/config"
		} else if _, err := os.Stat("/opt/homebrew/var/bluexfer/config"); err == nil {
			cfgPath = "/opt/homebrew/var/bluexfer/config"
		}
	case "linux":
		if _, err := os.Stat("/usr/local/var/bluexfer/config"); err == nil {
			cfgPath = "/usr/local/var/bluexfer/config"
		}
	}
	if cfgPath == "" {
		cfgPath = "config"
	}

	return cfgPath
}
