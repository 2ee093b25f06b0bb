package xfer

import (
	"sync"
	"time"
)

// Stat counter keys.
const (
	StatBrowseCounter = iota
	StatDetailsCounter
	StatDownloadCounter
	StatUploadCounter
	StatReceiveCounter
	StatDownloadsInProgress
	StatUploadsInProgress
	StatBytesSent
	StatBytesReceived
	StatFailureCounter
	StatConnectionCounter

	statCount
)

type Stats struct {
	stats [statCount]int
	since time.Time

	mu sync.RWMutex
}

func NewStats() *Stats {
	return &Stats{since: time.Now()}
}

func (s *Stats) Increment(keys ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		s.stats[key]++
	}
}

func (s *Stats) Add(key, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats[key] += n
}

// Decrement lowers the counter for key but never below zero.
func (s *Stats) Decrement(key int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stats[key] > 0 {
		s.stats[key]--
	}
}

func (s *Stats) Set(key, val int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats[key] = val
}

func (s *Stats) Get(key int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.stats[key]
}

func (s *Stats) Values() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"BrowseCounter":       s.stats[StatBrowseCounter],
		"DetailsCounter":      s.stats[StatDetailsCounter],
		"DownloadCounter":     s.stats[StatDownloadCounter],
		"UploadCounter":       s.stats[StatUploadCounter],
		"ReceiveCounter":      s.stats[StatReceiveCounter],
		"DownloadsInProgress": s.stats[StatDownloadsInProgress],
		"UploadsInProgress":   s.stats[StatUploadsInProgress],
		"BytesSent":           s.stats[StatBytesSent],
		"BytesReceived":       s.stats[StatBytesReceived],
		"FailureCounter":      s.stats[StatFailureCounter],
		"ConnectionCounter":   s.stats[StatConnectionCounter],
		"Since":               s.since,
	}
}
