package bluexfer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bluexfer/bluexfer/xfer"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// DebugBuffer wraps a *tview.TextView and adds a Sync() method to make it available as a Zap logger
type DebugBuffer struct {
	TextView *tview.TextView
}

func (db *DebugBuffer) Write(p []byte) (int, error) {
	return db.TextView.Write(p)
}

// Sync is a noop function that exists to satisfy the zapcore.WriteSyncer interface
func (db *DebugBuffer) Sync() error {
	return nil
}

// pages
const (
	pageFiles   = "files"
	pageLogs    = "logs"
	pageDetails = "details"
	pageError   = "error"
)

// UI is a terminal file browser for the peer selected in a Client's ConnectionManager.
type UI struct {
	App      *tview.Application
	Pages    *tview.Pages
	DebugBuf *DebugBuffer
	Client   *xfer.Client
	Peer     xfer.Peer // shown in the title
	Logger   xfer.Logger

	// DownloadDir receives files picked in the browser.
	DownloadDir string

	fileList  *tview.List
	statusBar *tview.TextView
	browse    func(ctx context.Context, path string) ([]xfer.FileEntry, error)
	ctx       context.Context
	cwd       string
}

// NewUI builds the browser. useV2 selects the versioned browse revision.
func NewUI(c *xfer.Client, db *DebugBuffer, logger xfer.Logger, useV2 bool) *UI {
	app := tview.NewApplication()

	fileList := tview.NewList().ShowSecondaryText(false)
	fileList.Box.SetBorder(true).SetTitle("| Files |")

	statusBar := tview.NewTextView().
		SetDynamicColors(true).
		SetChangedFunc(func() {
			app.Draw()
		})
	statusBar.Box.SetBorder(true).SetTitle("Status")

	ui := &UI{
		App:         app,
		Pages:       tview.NewPages(),
		DebugBuf:    db,
		Client:      c,
		Logger:      logger,
		DownloadDir: ".",
		fileList:    fileList,
		statusBar:   statusBar,
		browse:      c.Browse,
		ctx:         context.Background(),
		cwd:         "/",
	}
	if useV2 {
		ui.browse = c.BrowseV2
	}

	return ui
}

// parentDir returns the directory above p. The root is its own parent.
func parentDir(p string) string {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "/"
	}
	return path.Dir(p)
}

func childPath(dir, name string) string {
	return path.Join("/", dir, name)
}

func (ui *UI) setStatus(format string, args ...any) {
	ui.statusBar.SetText(fmt.Sprintf(format, args...))
}

// setEntries replaces the listing shown for dir.
func (ui *UI) setEntries(dir string, entries []xfer.FileEntry) {
	ui.cwd = dir
	ui.fileList.Clear()
	ui.fileList.SetTitle("| " + dir + " |")

	shortcut := 'a'
	if dir != "/" {
		ui.fileList.AddItem("..", "", 0, func() { ui.open(parentDir(dir)) })
	}
	for _, e := range entries {
		entry := e
		label := entry.Name
		if entry.IsDir() {
			label += "/"
		} else {
			label = fmt.Sprintf("%s  [gray]%d bytes  %s[-]", label, entry.Size, entry.MIMEType)
		}

		var r rune
		if shortcut <= 'z' {
			r = shortcut
			shortcut++
		}
		ui.fileList.AddItem(label, "", r, func() {
			if entry.IsDir() {
				ui.open(childPath(dir, entry.Name))
				return
			}
			ui.download(childPath(dir, entry.Name))
		})
	}
}

// open lists dir in the background and shows it when the listing arrives.
func (ui *UI) open(dir string) {
	ui.setStatus("Listing %s", dir)

	go func() {
		entries, err := ui.browse(ui.ctx, dir)
		ui.App.QueueUpdateDraw(func() {
			if err != nil {
				ui.Logger.Error("Error browsing", "path", dir, "err", err)
				ui.showError(err)
				return
			}
			ui.setEntries(dir, entries)
			ui.setStatus("%d entries in %s", len(entries), dir)
		})
	}()
}

func (ui *UI) download(remote string) {
	local := filepath.Join(ui.DownloadDir, path.Base(remote))
	ui.setStatus("Downloading %s to %s", remote, local)

	f := xfer.Go(ui.Logger, func() (xfer.DownloadResult, error) {
		out, err := os.Create(local)
		if err != nil {
			return xfer.DownloadResult{}, err
		}
		defer func() { _ = out.Close() }()

		return ui.Client.Download(ui.ctx, remote, out)
	})

	go func() {
		res, err := f.Wait()
		ui.App.QueueUpdateDraw(func() {
			if err != nil {
				ui.showError(err)
				return
			}
			msg := fmt.Sprintf("Saved %s (%d bytes)", local, res.Received)
			if res.Truncated {
				msg += " [red]truncated[-]"
			}
			ui.setStatus("%s", msg)
		})
	}()
}

func (ui *UI) showDetails() {
	idx := ui.fileList.GetCurrentItem()
	name, _ := ui.fileList.GetItemText(idx)
	name, _, _ = strings.Cut(name, "  ")
	name = strings.TrimSuffix(name, "/")
	if name == "" || name == ".." {
		return
	}
	remote := childPath(ui.cwd, name)

	go func() {
		d, err := ui.Client.GetDetails(ui.ctx, remote)
		ui.App.QueueUpdateDraw(func() {
			if err != nil {
				ui.showError(err)
				return
			}

			modal := tview.NewModal().
				SetText(fmt.Sprintf("%s\n\nSize: %d bytes\nModified: %s\nPermissions: %s",
					remote, d.Size, d.Modified.Format(time.DateTime), permString(d.Permissions))).
				AddButtons([]string{"Ok"}).
				SetDoneFunc(func(int, string) {
					ui.Pages.RemovePage(pageDetails)
				})
			ui.Pages.AddPage(pageDetails, modal, false, true)
		})
	}()
}

func permString(p xfer.Permissions) string {
	b := []byte("---")
	if p.Readable() {
		b[0] = 'r'
	}
	if p.Writable() {
		b[1] = 'w'
	}
	if p.Executable() {
		b[2] = 'x'
	}
	return string(b)
}

func (ui *UI) showError(err error) {
	ui.setStatus("[red]%s[-]", xfer.Code(err))

	modal := tview.NewModal().
		AddButtons([]string{"Ok"}).
		SetText(err.Error()).
		SetDoneFunc(func(int, string) {
			ui.Pages.RemovePage(pageError)
		})
	modal.Box.SetTitle("Error")
	ui.Pages.AddPage(pageError, modal, false, true)
}

// Start runs the browser until the user quits or ctx is done.
func (ui *UI) Start(ctx context.Context) error {
	ui.ctx = ctx

	commandList := tview.NewTextView().SetDynamicColors(true)
	commandList.
		SetText("[yellow]Enter[-::]: Open/Download   [yellow]^d[-::]: Details   [yellow]^r[-::]: Refresh\n[yellow]^l[-::]: View Logs   [yellow]Esc[-::]: Up   [yellow]^c[-::]: Quit\n").
		SetBorder(true).
		SetTitle("| Keyboard Shortcuts| ")

	filesPage := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(commandList, 4, 0, false).
		AddItem(ui.fileList, 0, 1, true).
		AddItem(ui.statusBar, 3, 0, false)
	filesPage.SetBorder(true).SetTitle("| bluexfer - " + ui.Peer.String() + " |").SetTitleAlign(tview.AlignLeft)
	filesPage.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEscape:
			ui.open(parentDir(ui.cwd))
		case tcell.KeyCtrlR:
			ui.open(ui.cwd)
		case tcell.KeyCtrlD:
			ui.showDetails()
		}
		return event
	})
	ui.Pages.AddPage(pageFiles, filesPage, true, true)

	// App level input capture
	ui.App.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC {
			ui.Logger.Info("Exiting")
			ui.App.Stop()
			return nil
		}
		// Show Logs
		if event.Key() == tcell.KeyCtrlL {
			ui.DebugBuf.TextView.ScrollToEnd()
			ui.DebugBuf.TextView.SetBorder(true).SetTitle("Logs")
			ui.DebugBuf.TextView.SetDoneFunc(func(key tcell.Key) {
				if key == tcell.KeyEscape {
					ui.Pages.RemovePage(pageLogs)
				}
			})

			ui.Pages.AddPage(pageLogs, ui.DebugBuf.TextView, true, true)
		}
		return event
	})

	stop := context.AfterFunc(ctx, ui.App.Stop)
	defer stop()

	ui.open("/")

	return ui.App.SetRoot(ui.Pages, true).SetFocus(ui.Pages).Run()
}
