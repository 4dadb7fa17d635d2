package model

// Banner messages shown after a dispatch reaches a terminal state.
const (
	MessageAllCompleted = "All hosts completed successfully."
	MessageSomeFailed   = "One or more hosts failed. Please review results."
)

// BannerKind selects how a banner is presented
type BannerKind int

const (
	BannerInfo BannerKind = iota
	BannerSuccess
	BannerError
)

// Banner is a one-line operator message
type Banner struct {
	Kind BannerKind
	Text string
}

// Snapshot is one immutable render of a dispatch: the tracked targets and
// the job state received for them. Final is set on the terminal render.
type Snapshot struct {
	Generation uint64
	Targets    []string
	Job        Job
	Final      bool
}

// Row is the per-host view of a snapshot
type Row struct {
	Target string
	Status string
	Result Result
	Known  bool
}

// Rows returns one row per tracked target in target order
func (s Snapshot) Rows() []Row {
	rows := make([]Row, 0, len(s.Targets))
	for _, ip := range s.Targets {
		res, ok := s.Job.ResultOf(ip)
		rows = append(rows, Row{
			Target: ip,
			Status: s.Job.StatusOf(ip),
			Result: res,
			Known:  ok,
		})
	}
	return rows
}

// AggregateBanner returns the success banner when every target completed, else the failure banner
func (s Snapshot) AggregateBanner() Banner {
	if AllCompleted(s.Targets, s.Job.Statuses) {
		return Banner{Kind: BannerSuccess, Text: MessageAllCompleted}
	}
	return Banner{Kind: BannerError, Text: MessageSomeFailed}
}

// StderrText returns the stderr to display, falling back to the host error message
func (r Result) StderrText() string {
	if r.Stderr == "" && r.Error != "" {
		return r.Error
	}
	return r.Stderr
}
