package model

import (
	"fmt"
	"time"
)

// FetchFailure describes a partition request that did not yield a usable payload
type FetchFailure struct {
	Partition  string            `json:"partition"`
	FeedID     int               `json:"feed_id"`
	URL        string            `json:"url"`         // request URL with the key redacted
	StatusCode int               `json:"status_code"` // 0 when no response was received
	Reason     string            `json:"reason"`
	Headers    map[string]string `json:"headers,omitempty"`
	Content    string            `json:"content,omitempty"`
	Elapsed    time.Duration     `json:"elapsed"`
	At         time.Time         `json:"at"`
}

func (f *FetchFailure) Error() string {
	if f.StatusCode != 0 && f.StatusCode != 200 {
		return fmt.Sprintf("feed %d returned status %d", f.FeedID, f.StatusCode)
	}
	return fmt.Sprintf("feed %d: %s", f.FeedID, f.Reason)
}
