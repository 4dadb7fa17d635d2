// Package model holds the job, result and snapshot types shared by the client, the
// dispatch state machine and the presenters.
package model

import "sort"

// Per-host statuses the client knows by name. Backends may report others;
// only StatusCompleted counts as success.
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Result is the outcome of a command or file operation on one host
type Result struct {
	OK        *bool      `json:"ok,omitempty"`
	ExitCode  *int       `json:"exit_code"`
	Stdout    string     `json:"stdout"`
	Stderr    string     `json:"stderr"`
	Error     string     `json:"error,omitempty"`
	Postcheck *Postcheck `json:"postcheck,omitempty"`
}

// Postcheck reports whether a process matching the post-check pattern was found after the command
type Postcheck struct {
	Started bool  `json:"started"`
	PIDs    []int `json:"pids"`
}

// TransferResult is the per-host payload of a file operation
type TransferResult struct {
	OK    bool   `json:"ok"`
	Dest  string `json:"dest,omitempty"`
	Error string `json:"error,omitempty"`
}

// Job is the tracked state of one dispatch across its targets
type Job struct {
	ID        string            `json:"jobId,omitempty"`
	Command   string            `json:"command,omitempty"`
	IPs       []string          `json:"ips,omitempty"`
	Statuses  map[string]string `json:"statuses"`
	Results   map[string]Result `json:"results"`
	Completed bool              `json:"completed"`
}

// StatusOf returns the status reported for ip, "pending" when absent
func (j Job) StatusOf(ip string) string {
	if s, ok := j.Statuses[ip]; ok && s != "" {
		return s
	}
	return StatusPending
}

// ResultOf returns the result reported for ip; absent entries are empty
func (j Job) ResultOf(ip string) (Result, bool) {
	r, ok := j.Results[ip]
	return r, ok
}

// Hosts returns the hosts the job reports on, sorted
func (j Job) Hosts() []string {
	seen := make(map[string]bool, len(j.Statuses)+len(j.IPs))
	hosts := make([]string, 0, len(j.Statuses))
	for _, ip := range j.IPs {
		if !seen[ip] {
			seen[ip] = true
			hosts = append(hosts, ip)
		}
	}
	for ip := range j.Statuses {
		if !seen[ip] {
			seen[ip] = true
			hosts = append(hosts, ip)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// QueuedJob returns the placeholder state shown right after an async dispatch is accepted
func QueuedJob(id string, targets []string) Job {
	statuses := make(map[string]string, len(targets))
	for _, ip := range targets {
		statuses[ip] = StatusQueued
	}
	return Job{
		ID:       id,
		Statuses: statuses,
		Results:  map[string]Result{},
	}
}

// TransferJob converts a file-operation response into a completed Job.
// A host with a dest gets stdout "Copied to <dest>"; a host with an error gets it as stderr.
func TransferJob(targets []string, statuses map[string]string, results map[string]TransferResult) Job {
	job := Job{
		Statuses:  make(map[string]string, len(statuses)),
		Results:   make(map[string]Result, len(targets)),
		Completed: true,
	}
	for ip, s := range statuses {
		job.Statuses[ip] = s
	}
	for _, ip := range targets {
		var res Result
		if r, ok := results[ip]; ok {
			if r.Dest != "" {
				res.Stdout = "Copied to " + r.Dest
			}
			if r.Error != "" {
				res.Stderr = r.Error
			}
		}
		job.Results[ip] = res
	}
	return job
}

// AllCompleted reports whether every target's status is exactly "completed"
func AllCompleted(targets []string, statuses map[string]string) bool {
	for _, ip := range targets {
		if statuses[ip] != StatusCompleted {
			return false
		}
	}
	return true
}
