package model

import "time"

// CycleResult is everything one poll cycle produced. It is replaced as a whole by the
// next cycle and treated as read-only once published.
type CycleResult struct {
	PolledAt time.Time        `json:"polled_at"`
	Trips    []Trip           `json:"trips"`
	Updates  []StopTimeUpdate `json:"updates"`
	Unknown  []UnknownEntity  `json:"unknown"`

	// Statuses are derived from Trips once the trip set is final
	Statuses []TrainStatus `json:"statuses"`

	Partitions []PartitionReport `json:"partitions"`
}

// Retrieval returns the cycle timestamp used to tag outbound payloads
func (r CycleResult) Retrieval() int64 {
	if r.PolledAt.IsZero() {
		return 0
	}
	return r.PolledAt.Unix()
}

// IsEmpty reports whether no cycle has populated this result yet
func (r CycleResult) IsEmpty() bool {
	return r.PolledAt.IsZero() && len(r.Trips) == 0 && len(r.Updates) == 0 && len(r.Unknown) == 0
}

// PartitionReport describes how one partition fared during a cycle
type PartitionReport struct {
	Label     string        `json:"label"`
	FeedID    int           `json:"feed_id"`
	Timestamp int64         `json:"timestamp"` // feed header timestamp, 0 when the partition failed
	Entities  int           `json:"entities"`
	Trips     int           `json:"trips"`
	Fault     string        `json:"fault,omitempty"` // fault kind, empty when the partition succeeded
	Elapsed   time.Duration `json:"elapsed"`
}

// Payload types sent to transport collaborators
const (
	PayloadRawData     = "raw_data"
	PayloadTrainStatus = "train_status"
)

// Payload is one outbound message tagged with its kind and cycle timestamp
type Payload struct {
	Type      string `json:"type"`
	Retrieval int64  `json:"retrieval"`
	Data      any    `json:"data"`
}

// Payloads builds the raw trip payload followed by the derived status payload
func Payloads(r CycleResult) []Payload {
	trips := r.Trips
	if trips == nil {
		trips = []Trip{}
	}
	statuses := r.Statuses
	if statuses == nil {
		statuses = []TrainStatus{}
	}
	return []Payload{
		{Type: PayloadRawData, Retrieval: r.Retrieval(), Data: trips},
		{Type: PayloadTrainStatus, Retrieval: r.Retrieval(), Data: statuses},
	}
}
