package dispatch

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"fleetcmd/internal/client"
	"fleetcmd/internal/client/clienttest"
	"fleetcmd/internal/errors"
	"fleetcmd/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.State
	}
	return out
}

func (r *recorder) snapshots() []model.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Snapshot
	for _, ev := range r.events {
		if ev.Snapshot != nil {
			out = append(out, *ev.Snapshot)
		}
	}
	return out
}

func newMachine(t *testing.T, b *clienttest.Backend) *Machine {
	t.Helper()
	c, err := client.New(b.URL())
	require.NoError(t, err)
	return New(c, WithPollInterval(5*time.Millisecond))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "polling", Polling.String())
	assert.True(t, Completed.Terminal())
	assert.True(t, Failed.Terminal())
	assert.False(t, Dispatching.Terminal())
}

func TestAsyncDispatchPollsUntilCompleted(t *testing.T) {
	b := clienttest.New(t)
	b.QueueExecute(map[string]any{"ok": true, "jobId": "j1"})
	b.QueueJob(
		map[string]any{"ok": true, "job": map[string]any{
			"statuses": map[string]string{"10.0.0.1": "running"}, "results": map[string]any{}, "completed": false,
		}},
		map[string]any{"ok": true, "job": map[string]any{
			"statuses":  map[string]string{"10.0.0.1": "completed"},
			"results":   map[string]any{"10.0.0.1": map[string]any{"exit_code": 0, "stdout": "ok", "stderr": ""}},
			"completed": true,
		}},
	)

	m := newMachine(t, b)
	rec := &recorder{}
	res := m.Execute(context.Background(), client.ExecuteRequest{IPs: []string{"10.0.0.1"}, Command: "uptime"}, rec.emit)

	require.NoError(t, res.Err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, "j1", res.JobID)
	assert.Equal(t, 2, res.Polls)
	assert.Equal(t, 2, b.Polls(), "polling stops once the job completes")
	assert.Equal(t, Completed, m.State())

	assert.Equal(t, []State{Dispatching, Polling, Polling, Completed}, rec.states())

	snaps := rec.snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "queued", snaps[0].Rows()[0].Status)
	assert.Equal(t, "running", snaps[1].Rows()[0].Status)
	assert.False(t, snaps[1].Final)

	final := snaps[2]
	assert.True(t, final.Final)
	row := final.Rows()[0]
	assert.Equal(t, "completed", row.Status)
	require.NotNil(t, row.Result.ExitCode)
	assert.Equal(t, 0, *row.Result.ExitCode)
	assert.Equal(t, "ok", row.Result.Stdout)
}

func TestSyncDispatchNeverPolls(t *testing.T) {
	b := clienttest.New(t)
	b.QueueExecute(map[string]any{
		"ok":       true,
		"statuses": map[string]string{"10.0.0.1": "completed"},
		"results":  map[string]any{"10.0.0.1": map[string]any{"exit_code": 0, "stdout": "hi"}},
	})

	rec := &recorder{}
	res := newMachine(t, b).Execute(context.Background(), client.ExecuteRequest{IPs: []string{"10.0.0.1"}, Command: "echo hi", Mode: "sync"}, rec.emit)

	assert.Equal(t, Completed, res.State)
	assert.Equal(t, 0, b.Polls())
	assert.Equal(t, []State{Dispatching, Completed}, rec.states())
	assert.Equal(t, "hi", res.Snapshot.Rows()[0].Result.Stdout)
}

func TestRejectedDispatchFails(t *testing.T) {
	b := clienttest.New(t)
	b.QueueExecute(clienttest.Reply{Status: http.StatusBadRequest, Body: map[string]any{"ok": false, "error": "bad"}})

	rec := &recorder{}
	res := newMachine(t, b).Execute(context.Background(), client.ExecuteRequest{IPs: []string{"10.0.0.1"}, Command: "x"}, rec.emit)

	assert.Equal(t, Failed, res.State)
	assert.Equal(t, "bad", errors.UserMessage(res.Err))
	assert.Equal(t, []State{Dispatching, Failed}, rec.states())
	assert.Empty(t, rec.snapshots())
}

func TestTransportErrorFails(t *testing.T) {
	b := clienttest.New(t)
	b.QueueExecute(clienttest.Raw("not json"))

	res := newMachine(t, b).Execute(context.Background(), client.ExecuteRequest{IPs: []string{"10.0.0.1"}, Command: "x"}, nil)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, errors.TransportErrorType, errors.TypeOf(res.Err))
}

func TestPollErrorStopsLoop(t *testing.T) {
	b := clienttest.New(t)
	b.QueueExecute(map[string]any{"ok": true, "jobId": "j1"})
	b.QueueJob(
		map[string]any{"ok": true, "job": map[string]any{"statuses": map[string]string{"10.0.0.1": "running"}, "completed": false}},
		clienttest.Reply{Status: http.StatusNotFound, Body: map[string]any{"ok": false, "error": "Job not found"}},
	)

	rec := &recorder{}
	res := newMachine(t, b).Execute(context.Background(), client.ExecuteRequest{IPs: []string{"10.0.0.1"}, Command: "x"}, rec.emit)

	assert.Equal(t, Failed, res.State)
	assert.Equal(t, "Job not found", errors.UserMessage(res.Err))
	assert.Equal(t, 2, b.Polls(), "no retry after a poll error")
	assert.Equal(t, []State{Dispatching, Polling, Polling, Failed}, rec.states())
}

func TestCancelDuringPolling(t *testing.T) {
	b := clienttest.New(t)
	b.QueueExecute(map[string]any{"ok": true, "jobId": "j1"})
	b.QueueJob(map[string]any{"ok": true, "job": map[string]any{"statuses": map[string]string{"10.0.0.1": "running"}, "completed": false}})

	ctx, cancel := context.WithCancel(context.Background())
	b.OnPoll(func(n int) {
		if n == 2 {
			cancel()
		}
	})

	c, err := client.New(b.URL())
	require.NoError(t, err)
	m := New(c, WithPollInterval(time.Millisecond))

	res := m.Execute(ctx, client.ExecuteRequest{IPs: []string{"10.0.0.1"}, Command: "x"}, nil)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, errors.CancelledErrorType, errors.TypeOf(res.Err))
	assert.Equal(t, "dispatch cancelled", errors.UserMessage(res.Err))
	assert.LessOrEqual(t, b.Polls(), 2)
}

func TestSupersededLoopDropsResults(t *testing.T) {
	b := clienttest.New(t)
	b.QueueExecute(map[string]any{"ok": true, "jobId": "j1"})
	b.QueueJob(map[string]any{"ok": true, "job": map[string]any{"statuses": map[string]string{"10.0.0.1": "running"}, "completed": false}})

	c, err := client.New(b.URL())
	require.NoError(t, err)
	m := New(c, WithPollInterval(time.Millisecond))

	b.OnPoll(func(n int) {
		if n == 3 {
			m.Supersede()
		}
	})

	rec := &recorder{}
	res := m.Execute(context.Background(), client.ExecuteRequest{IPs: []string{"10.0.0.1"}, Command: "x"}, rec.emit)

	assert.True(t, res.Stale())
	assert.Equal(t, 3, b.Polls())
	// queued + two progressive polls; the third poll's result is dropped
	assert.Len(t, rec.snapshots(), 3)
	for _, s := range rec.snapshots() {
		assert.Equal(t, res.Generation, s.Generation)
	}
	assert.Greater(t, m.Generation(), res.Generation)
}

func TestUploadSynthesizesRows(t *testing.T) {
	b := clienttest.New(t)
	b.SetTransfer(map[string]any{
		"ok":       true,
		"statuses": map[string]string{"10.0.0.1": "completed", "10.0.0.2": "failed"},
		"results": map[string]any{
			"10.0.0.1": map[string]any{"dest": "/tmp/f"},
			"10.0.0.2": map[string]any{"error": "disk full"},
		},
	})

	rec := &recorder{}
	res := newMachine(t, b).Upload(context.Background(), client.UploadRequest{
		IPs: []string{"10.0.0.1", "10.0.0.2"}, FileName: "f", File: http.NoBody,
	}, rec.emit)

	require.Equal(t, Completed, res.State)
	rows := res.Snapshot.Rows()
	assert.Equal(t, "Copied to /tmp/f", rows[0].Result.Stdout)
	assert.Equal(t, "disk full", rows[1].Result.Stderr)
	assert.Equal(t, model.BannerError, res.Snapshot.AggregateBanner().Kind)
	assert.Equal(t, 0, b.Polls())
}

func TestCopyFromVMRejected(t *testing.T) {
	b := clienttest.New(t)
	b.SetTransfer(map[string]any{"ok": false, "errors": []string{"Source path is required."}})

	rec := &recorder{}
	res := newMachine(t, b).CopyFromVM(context.Background(), client.CopyFromVMRequest{IPs: []string{"10.0.0.1"}}, rec.emit)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, "Source path is required.", errors.UserMessage(res.Err))
	assert.Empty(t, rec.snapshots())
}

func TestTrackUsesJobHosts(t *testing.T) {
	b := clienttest.New(t)
	b.QueueJob(map[string]any{"ok": true, "job": map[string]any{
		"ips":       []string{"10.0.0.2", "10.0.0.1"},
		"statuses":  map[string]string{"10.0.0.1": "completed", "10.0.0.2": "completed"},
		"completed": true,
	}})

	rec := &recorder{}
	res := newMachine(t, b).Track(context.Background(), "j9", nil, rec.emit)
	require.Equal(t, Completed, res.State)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, res.Snapshot.Targets)
	assert.Equal(t, model.BannerSuccess, res.Snapshot.AggregateBanner().Kind)
	assert.Equal(t, []State{Dispatching, Polling, Completed}, rec.states())
}
