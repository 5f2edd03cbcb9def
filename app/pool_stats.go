package app

import (
	"encoding/json"
	"fmt"

	"github.com/searchktools/httpkit/core/pools"
)

// PoolStats gathers the pools an App owns.
type PoolStats struct {
	Workers pools.WorkerPoolStats `json:"workers"`
	Buffers pools.BytePoolStats   `json:"buffers"`
}

// PoolStats returns a snapshot of the worker and buffer pools.
func (a *App) PoolStats() PoolStats {
	return PoolStats{
		Workers: a.workers.Stats(),
		Buffers: a.server.BufferStats(),
	}
}

// PoolStatsJSON returns PoolStats as indented JSON.
func (a *App) PoolStatsJSON() string {
	data, _ := json.MarshalIndent(a.PoolStats(), "", "  ")
	return string(data)
}

// PoolStatsText returns PoolStats as human-readable text.
func (a *App) PoolStatsText() string {
	s := a.PoolStats()
	return fmt.Sprintf(`Worker Pool:
  Workers:   %d
  Submitted: %d
  Completed: %d
  Pending:   %d
  Rejected:  %d
  Steals:    %d

Buffer Pool:
  Gets:   %d
  Puts:   %d
  Misses: %d
`,
		s.Workers.NumWorkers, s.Workers.Submitted, s.Workers.Completed,
		s.Workers.Pending, s.Workers.Rejected, s.Workers.Steals,
		s.Buffers.Gets, s.Buffers.Puts, s.Buffers.Misses,
	)
}
