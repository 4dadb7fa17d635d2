// Package stats collects per-dispatch statistics for fleetcmd.
package stats

import (
	"fmt"
	"io"
	"sync"
	"time"

	"fleetcmd/internal/model"
)

// Statistics holds the counters of one dispatch
type Statistics struct {
	StartTime      time.Time
	TotalHosts     int
	CompletedHosts int
	FailedHosts    int
	ActiveHosts    int
	Polls          int
	PollErrors     int
	OutputBytes    int64
	mu             sync.RWMutex
}

// StatsTracker records statistics and prints the final summary
type StatsTracker struct {
	stats   *Statistics
	writer  io.Writer
	enabled bool
}

// NewStatsTracker creates a new statistics tracker
func NewStatsTracker(writer io.Writer, enabled bool) *StatsTracker {
	return &StatsTracker{
		stats: &Statistics{
			StartTime: time.Now(),
		},
		writer:  writer,
		enabled: enabled,
	}
}

// RecordPoll counts one job poll
func (st *StatsTracker) RecordPoll(err error) {
	st.stats.mu.Lock()
	defer st.stats.mu.Unlock()

	st.stats.Polls++
	if err != nil {
		st.stats.PollErrors++
	}
}

// Observe recomputes host counters from a snapshot
func (st *StatsTracker) Observe(s model.Snapshot) {
	st.stats.mu.Lock()
	defer st.stats.mu.Unlock()

	st.stats.TotalHosts = len(s.Targets)
	st.stats.CompletedHosts, st.stats.FailedHosts, st.stats.ActiveHosts = 0, 0, 0
	st.stats.OutputBytes = 0

	for _, row := range s.Rows() {
		switch row.Status {
		case model.StatusCompleted:
			st.stats.CompletedHosts++
		case model.StatusFailed:
			st.stats.FailedHosts++
		default:
			st.stats.ActiveHosts++
		}
		st.stats.OutputBytes += int64(len(row.Result.Stdout) + len(row.Result.Stderr))
	}
}

// Stop prints the final statistics when enabled
func (st *StatsTracker) Stop() {
	if st.enabled {
		st.displayFinalStats()
	}
}

func (st *StatsTracker) displayFinalStats() {
	s := st.GetStatistics()
	elapsed := time.Since(s.StartTime)

	fmt.Fprintf(st.writer, "\n")
	fmt.Fprintf(st.writer, "📈 Final Statistics:\n")
	fmt.Fprintf(st.writer, "   Total Hosts: %d\n", s.TotalHosts)
	fmt.Fprintf(st.writer, "   Completed: %d (%.1f%%)\n",
		s.CompletedHosts, percent(s.CompletedHosts, s.TotalHosts))
	fmt.Fprintf(st.writer, "   Failed: %d (%.1f%%)\n",
		s.FailedHosts, percent(s.FailedHosts, s.TotalHosts))
	if s.ActiveHosts > 0 {
		fmt.Fprintf(st.writer, "   Unsettled: %d\n", s.ActiveHosts)
	}
	fmt.Fprintf(st.writer, "   Polls: %d (%d errors)\n", s.Polls, s.PollErrors)
	fmt.Fprintf(st.writer, "   Output Received: %s\n", FormatBytes(s.OutputBytes))
	fmt.Fprintf(st.writer, "   Execution Time: %v\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(st.writer, "\n")
}

// GetStatistics returns a copy of current statistics
func (st *StatsTracker) GetStatistics() Statistics {
	st.stats.mu.RLock()
	defer st.stats.mu.RUnlock()

	// Return a copy without the mutex to avoid copylocks issue
	return Statistics{
		StartTime:      st.stats.StartTime,
		TotalHosts:     st.stats.TotalHosts,
		CompletedHosts: st.stats.CompletedHosts,
		FailedHosts:    st.stats.FailedHosts,
		ActiveHosts:    st.stats.ActiveHosts,
		Polls:          st.stats.Polls,
		PollErrors:     st.stats.PollErrors,
		OutputBytes:    st.stats.OutputBytes,
	}
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// FormatBytes formats byte count in human readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
