package xfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStats_Increment(t *testing.T) {
	tests := []struct {
		name     string
		keys     []int
		expected map[int]int
	}{
		{
			name: "single key increment",
			keys: []int{StatBrowseCounter},
			expected: map[int]int{
				StatBrowseCounter: 1,
			},
		},
		{
			name: "multiple keys increment",
			keys: []int{StatBrowseCounter, StatDownloadCounter, StatUploadCounter},
			expected: map[int]int{
				StatBrowseCounter:   1,
				StatDownloadCounter: 1,
				StatUploadCounter:   1,
			},
		},
		{
			name: "duplicate keys increment",
			keys: []int{StatReceiveCounter, StatReceiveCounter},
			expected: map[int]int{
				StatReceiveCounter: 2,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := NewStats()
			stats.Increment(tt.keys...)

			for key, expectedVal := range tt.expected {
				assert.Equal(t, expectedVal, stats.Get(key))
			}
		})
	}
}

func TestStats_Decrement(t *testing.T) {
	tests := []struct {
		name       string
		setupValue int
		key        int
		expected   int
	}{
		{
			name:       "decrement from positive value",
			setupValue: 5,
			key:        StatDownloadsInProgress,
			expected:   4,
		},
		{
			name:       "decrement from zero stays zero",
			setupValue: 0,
			key:        StatDownloadsInProgress,
			expected:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := NewStats()
			stats.Set(tt.key, tt.setupValue)

			stats.Decrement(tt.key)

			assert.Equal(t, tt.expected, stats.Get(tt.key))
		})
	}
}

func TestStats_Values(t *testing.T) {
	stats := NewStats()
	stats.Add(StatBytesSent, 1024)
	stats.Increment(StatFailureCounter)

	values := stats.Values()
	assert.Equal(t, 1024, values["BytesSent"])
	assert.Equal(t, 1, values["FailureCounter"])
	assert.Equal(t, 0, values["UploadCounter"])
	assert.Contains(t, values, "Since")
}
