package poller

// Partition is one independently polled slice of the subway feed
type Partition struct {
	Label  string `yaml:"label" validate:"required"`
	FeedID int    `yaml:"feed_id" validate:"gt=0"`
}

// DefaultPartitions is the fixed polling order of the NYCT subway feeds
var DefaultPartitions = []Partition{
	{Label: "123456S", FeedID: 1},
	{Label: "ACEHS", FeedID: 26},
	{Label: "NQRW", FeedID: 16},
	{Label: "BDFM", FeedID: 21},
	{Label: "L", FeedID: 2},
	{Label: "G", FeedID: 31},
	{Label: "JZ", FeedID: 36},
	{Label: "7", FeedID: 51},
}
