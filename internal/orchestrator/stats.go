package orchestrator

import "sync/atomic"

// Stats counts consumer outcomes since process start.
type Stats struct {
	Batches       atomic.Int64
	BatchFailures atomic.Int64
	Processed     atomic.Int64
	Failed        atomic.Int64
	Dropped       atomic.Int64
	FlushFailures atomic.Int64
}

type StatsSnapshot struct {
	Batches       int64 `json:"batches"`
	BatchFailures int64 `json:"batch_failures"`
	Processed     int64 `json:"processed"`
	Failed        int64 `json:"failed"`
	Dropped       int64 `json:"dropped"`
	FlushFailures int64 `json:"flush_failures"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Batches:       s.Batches.Load(),
		BatchFailures: s.BatchFailures.Load(),
		Processed:     s.Processed.Load(),
		Failed:        s.Failed.Load(),
		Dropped:       s.Dropped.Load(),
		FlushFailures: s.FlushFailures.Load(),
	}
}
