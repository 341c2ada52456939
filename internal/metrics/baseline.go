package metrics

import "sync"

// Baseline thresholds
const (
	minSamples      = 10  // observations before a partition is judged
	anomalySigmas   = 3.0 // drop below mean that counts as anomalous
	minAbsoluteDrop = 5.0 // ignore tiny partitions whose stddev is near zero
)

// PartitionSample is the outcome of observing one partition's trip count
type PartitionSample struct {
	Count   int
	Mean    float64
	StdDev  float64
	Samples int
	Low     bool // count is anomalously far below the running mean
}

// PartitionBaseline learns the usual number of trips per partition
type PartitionBaseline struct {
	mu     sync.Mutex
	states map[string]*WelfordState
}

func NewPartitionBaseline() *PartitionBaseline {
	return &PartitionBaseline{states: make(map[string]*WelfordState)}
}

// Observe judges count against the partition's history, then folds it in
func (b *PartitionBaseline) Observe(partition string, count int) PartitionSample {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.states[partition]
	if !ok {
		w = &WelfordState{}
		b.states[partition] = w
	}

	s := PartitionSample{Count: count, Mean: w.Mean, StdDev: w.StdDev(), Samples: w.Count}
	if w.Count >= minSamples {
		drop := w.Mean - float64(count)
		s.Low = drop > minAbsoluteDrop && drop > anomalySigmas*s.StdDev
	}

	w.Update(float64(count))
	return s
}
