package client

import (
	"encoding/json"

	"fleetcmd/internal/errors"
	"fleetcmd/internal/model"
)

// Outcome is the decoded response of a dispatch request: exactly one of
// SyncResult, AsyncAccepted or Rejected.
type Outcome interface {
	outcome()
}

// SyncResult carries the complete per-host results of a dispatch
type SyncResult struct {
	Job model.Job
}

// AsyncAccepted means the backend queued a job to be polled
type AsyncAccepted struct {
	JobID string
}

// Rejected means the backend refused the request
type Rejected struct {
	Err *errors.ClassifiedError
}

func (SyncResult) outcome()    {}
func (AsyncAccepted) outcome() {}
func (Rejected) outcome()      {}

// Message returns the operator-facing rejection text
func (r Rejected) Message() string {
	return r.Err.Error()
}

// MessageUnexpectedResponse is used when an accepted response carries neither results nor a job id
const MessageUnexpectedResponse = "Unexpected response from server"

// envelope is the union of every response body the backend sends
type envelope struct {
	OK       bool                       `json:"ok"`
	Error    string                     `json:"error"`
	Errors   []string                   `json:"errors"`
	JobID    string                     `json:"jobId"`
	Statuses map[string]string          `json:"statuses"`
	Results  map[string]json.RawMessage `json:"results"`
	Job      *model.Job                 `json:"job"`
}

func (e *envelope) rejection() Rejected {
	return Rejected{Err: errors.NewApplicationError(e.Errors, e.Error)}
}

// decodeExecute selects the outcome by field presence, once: results wins over jobId
func decodeExecute(e *envelope) (Outcome, error) {
	if !e.OK {
		return e.rejection(), nil
	}
	if e.Results != nil {
		results := make(map[string]model.Result, len(e.Results))
		for ip, raw := range e.Results {
			var r model.Result
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil, errors.NewTransportError(err)
			}
			results[ip] = r
		}
		statuses := e.Statuses
		if statuses == nil {
			statuses = map[string]string{}
		}
		// a synchronous response is final whatever its completed flag says
		return SyncResult{Job: model.Job{
			Statuses:  statuses,
			Results:   results,
			Completed: true,
		}}, nil
	}
	if e.JobID != "" {
		return AsyncAccepted{JobID: e.JobID}, nil
	}
	return Rejected{Err: errors.NewApplicationError(nil, MessageUnexpectedResponse)}, nil
}

// decodeTransfer builds the synchronous outcome of a file operation for targets
func decodeTransfer(e *envelope, targets []string) (Outcome, error) {
	if !e.OK {
		return e.rejection(), nil
	}
	results := make(map[string]model.TransferResult, len(e.Results))
	for ip, raw := range e.Results {
		var r model.TransferResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, errors.NewTransportError(err)
		}
		results[ip] = r
	}
	return SyncResult{Job: model.TransferJob(targets, e.Statuses, results)}, nil
}
