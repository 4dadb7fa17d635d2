package output

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"fleetcmd/internal/filter"
	"fleetcmd/internal/model"
	"fleetcmd/internal/progress"
	"fleetcmd/internal/stats"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
)

// TerminalPresenter renders session output on a terminal: snapshots through
// a Formatter, banners as coloured lines and a spinner while a request is in flight.
type TerminalPresenter struct {
	formatter Formatter
	out       io.Writer
	errOut    io.Writer
	color     bool
	quiet     bool
	progress  *progress.ProgressTracker
	stats     *stats.StatsTracker

	mu      sync.Mutex
	spinner *spinner.Spinner
	busy    bool
}

// PresenterOptions configures a TerminalPresenter
type PresenterOptions struct {
	Mode     OutputMode
	Out      io.Writer
	ErrOut   io.Writer
	Color    bool
	Quiet    bool
	Progress bool
	Stats    bool
	Filters  []filter.Filter

	// Formatter overrides the formatter built from Mode
	Formatter Formatter
}

// NewTerminalPresenter builds a presenter writing results to Out and
// transient status (spinner, progress, stats) to ErrOut
func NewTerminalPresenter(opts PresenterOptions) *TerminalPresenter {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.ErrOut == nil {
		opts.ErrOut = os.Stderr
	}
	formatter := opts.Formatter
	if formatter == nil {
		formatter = NewFormatter(opts.Mode, opts.Out, Options{Color: opts.Color, Filters: opts.Filters})
	}

	p := &TerminalPresenter{
		formatter: formatter,
		out:       opts.Out,
		errOut:    opts.ErrOut,
		color:     opts.Color,
		quiet:     opts.Quiet,
		progress:  progress.NewProgressTracker(0, opts.ErrOut, opts.Progress && !opts.Quiet),
		stats:     stats.NewStatsTracker(opts.ErrOut, opts.Stats),
	}
	if !opts.Quiet {
		p.spinner = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(opts.ErrOut))
		p.spinner.Suffix = " Waiting for the server..."
	}
	return p
}

// Snapshot renders one dispatch snapshot
func (p *TerminalPresenter) Snapshot(s model.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pauseSpinner()
	defer p.resumeSpinner()

	p.progress.Observe(s)
	p.stats.Observe(s)

	if s.Final {
		return p.formatter.Final(s)
	}
	if p.quiet {
		return nil
	}
	return p.formatter.Progress(s)
}

// Banner prints an operator message
func (p *TerminalPresenter) Banner(b model.Banner) {
	if p.quiet && b.Kind == model.BannerInfo {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pauseSpinner()
	defer p.resumeSpinner()

	line := b.Text
	if p.color {
		switch b.Kind {
		case model.BannerSuccess:
			line = text.FgGreen.Sprint("✅ " + b.Text)
		case model.BannerError:
			line = text.FgRed.Sprint("❌ " + b.Text)
		}
	}
	w := p.out
	if b.Kind == model.BannerError {
		w = p.errOut
	}
	fmt.Fprintln(w, line)
}

// Busy starts or stops the in-flight spinner
func (p *TerminalPresenter) Busy(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.busy = on
	if p.spinner == nil {
		return
	}
	if on {
		p.spinner.Start()
	} else {
		p.spinner.Stop()
	}
}

// RecordPoll feeds a poll outcome into the statistics
func (p *TerminalPresenter) RecordPoll(err error) {
	p.stats.RecordPoll(err)
}

// Finish prints the progress summary and statistics
func (p *TerminalPresenter) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.spinner != nil {
		p.spinner.Stop()
	}
	p.progress.Finish()
	p.stats.Stop()
}

func (p *TerminalPresenter) pauseSpinner() {
	if p.spinner != nil && p.busy {
		p.spinner.Stop()
	}
}

func (p *TerminalPresenter) resumeSpinner() {
	if p.spinner != nil && p.busy {
		p.spinner.Start()
	}
}
