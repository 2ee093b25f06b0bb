package xfer

import "time"

// EventType identifies the kind of a transfer event.
type EventType string

const (
	EventDownloadProgress EventType = "download_progress"
	EventUploadProgress   EventType = "upload_progress"
	EventTransferComplete EventType = "transfer_complete"
	EventTransferFailed   EventType = "transfer_failed"
	EventFileReceived     EventType = "file_received"
)

// Event is delivered to a Notifier as a transfer advances.
type Event struct {
	Type        EventType `json:"type"`
	Op          string    `json:"op,omitempty"`
	Path        string    `json:"path"`
	Transferred uint64    `json:"transferred"`
	Total       uint64    `json:"total"`
	Percent     int       `json:"percent,omitempty"`
	Digest      string    `json:"digest,omitempty"` // hex BLAKE2b-256 of a received file
	Err         string    `json:"error,omitempty"`
	Code        string    `json:"code,omitempty"`
	Time        time.Time `json:"time"`
}

type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Notifiers fans an event out to each of its members.
type Notifiers []Notifier

func (n Notifiers) Notify(e Event) {
	for _, notifier := range n {
		notifier.Notify(e)
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}

// progressTracker emits a progress event each time another 10% of total has been transferred.
type progressTracker struct {
	notifier  Notifier
	eventType EventType
	path      string
	total     uint64
	done      uint64
	nextStep  int // next percentage threshold to report
}

func newProgressTracker(n Notifier, t EventType, path string, total uint64) *progressTracker {
	return &progressTracker{notifier: n, eventType: t, path: path, total: total, nextStep: 10}
}

func (p *progressTracker) add(n int) {
	p.done += uint64(n)
	if p.total == 0 {
		return
	}

	pct := int(p.done * 100 / p.total)
	if pct < p.nextStep {
		return
	}

	// Report only the highest threshold crossed by this chunk.
	step := min(pct/10*10, 100)
	p.nextStep = step + 10
	p.notifier.Notify(Event{
		Type:        p.eventType,
		Path:        p.path,
		Transferred: p.done,
		Total:       p.total,
		Percent:     step,
		Time:        time.Now(),
	})
}
