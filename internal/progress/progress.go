// Package progress draws a completion bar for a tracked dispatch.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"fleetcmd/internal/model"
)

const barWidth = 40

// ProgressTracker counts settled hosts across the snapshots of one dispatch
type ProgressTracker struct {
	total     int
	completed int
	failed    int
	startTime time.Time
	mu        sync.RWMutex
	writer    io.Writer
	enabled   bool
	lastDraw  time.Time
	throttle  time.Duration
	drawn     bool
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker(total int, writer io.Writer, enabled bool) *ProgressTracker {
	return &ProgressTracker{
		total:     total,
		startTime: time.Now(),
		writer:    writer,
		enabled:   enabled,
		throttle:  100 * time.Millisecond,
	}
}

// Observe recounts settled hosts from a snapshot and redraws the bar.
// A host is settled once its status is completed or failed.
func (p *ProgressTracker) Observe(s model.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total = len(s.Targets)
	p.completed, p.failed = 0, 0
	for _, ip := range s.Targets {
		switch s.Job.StatusOf(ip) {
		case model.StatusCompleted:
			p.completed++
		case model.StatusFailed:
			p.failed++
		}
	}

	if p.enabled {
		p.draw(s.Final)
	}
}

// Finish clears the bar and prints the summary line
func (p *ProgressTracker) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enabled {
		p.drawFinal()
	}
}

func (p *ProgressTracker) draw(force bool) {
	now := time.Now()
	if !force && now.Sub(p.lastDraw) < p.throttle {
		return
	}
	p.lastDraw = now

	if p.total == 0 {
		return
	}

	settled := p.completed + p.failed
	percentage := float64(settled) / float64(p.total) * 100
	elapsed := now.Sub(p.startTime)

	// Format: [████████████░░░░░░░░] 75.0% (15/20) ✓12 ✗3 [2m30s]
	fmt.Fprintf(p.writer, "\r%s %.1f%% (%d/%d) ✓%d ✗%d [%v]",
		Bar(percentage), percentage, settled, p.total, p.completed, p.failed,
		elapsed.Round(time.Second))
	p.drawn = true
}

func (p *ProgressTracker) drawFinal() {
	if p.total == 0 {
		return
	}
	elapsed := time.Since(p.startTime)

	if p.drawn {
		fmt.Fprintf(p.writer, "\r\033[K")
	}

	if p.failed == 0 && p.completed == p.total {
		fmt.Fprintf(p.writer, "✓ Completed %d/%d hosts successfully in %v\n",
			p.completed, p.total, elapsed.Round(time.Second))
		return
	}
	fmt.Fprintf(p.writer, "⚠ Settled %d/%d hosts (%d completed, %d failed) in %v\n",
		p.completed+p.failed, p.total, p.completed, p.failed, elapsed.Round(time.Second))
}

// Bar returns a fixed-width bar filled to percentage
func Bar(percentage float64) string {
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}
	filled := int(float64(barWidth) * percentage / 100)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled) + "]"
}

// GetStats returns current progress statistics
func (p *ProgressTracker) GetStats() (completed, failed, total int, elapsed time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.completed, p.failed, p.total, time.Since(p.startTime)
}
