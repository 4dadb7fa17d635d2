package client

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"fleetcmd/internal/client/clienttest"
	"fleetcmd/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, b *clienttest.Backend) *Client {
	t.Helper()
	c, err := New(b.URL()+"/", WithTimeout(5*time.Second))
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com")
	require.Error(t, err)
	_, err = New("://nope")
	require.Error(t, err)
}

func TestExecuteAsync(t *testing.T) {
	b := clienttest.New(t)
	b.QueueExecute(map[string]any{"ok": true, "jobId": "j1"})

	out, err := newClient(t, b).Execute(context.Background(), ExecuteRequest{IPs: []string{"10.0.0.1"}, Command: "uptime"})
	require.NoError(t, err)
	assert.Equal(t, AsyncAccepted{JobID: "j1"}, out)

	reqs := b.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/execute", reqs[0].Path)
	assert.Equal(t, "uptime", reqs[0].JSON["command"])
	assert.Equal(t, []any{"10.0.0.1"}, reqs[0].JSON["ips"])
	assert.NotContains(t, reqs[0].JSON, "mode")
	assert.NotEmpty(t, reqs[0].RequestID)
}

func TestExecuteSync(t *testing.T) {
	b := clienttest.New(t)
	b.QueueExecute(map[string]any{
		"ok":        true,
		"completed": true,
		"jobId":     "ignored",
		"statuses":  map[string]string{"10.0.0.1": "completed"},
		"results": map[string]any{
			"10.0.0.1": map[string]any{"ok": true, "exit_code": 0, "stdout": "up", "stderr": "",
				"postcheck": map[string]any{"started": true, "pids": []int{42}}},
		},
	})

	out, err := newClient(t, b).Execute(context.Background(), ExecuteRequest{
		IPs: []string{"10.0.0.1"}, Command: "uptime", Mode: "sync", PostcheckPattern: "java",
	})
	require.NoError(t, err)

	sync, ok := out.(SyncResult)
	require.True(t, ok, "results take precedence over jobId")
	assert.True(t, sync.Job.Completed)
	res := sync.Job.Results["10.0.0.1"]
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, "up", res.Stdout)
	require.NotNil(t, res.Postcheck)
	assert.Equal(t, []int{42}, res.Postcheck.PIDs)

	reqs := b.Requests()
	assert.Equal(t, "sync", reqs[0].JSON["mode"])
	assert.Equal(t, "java", reqs[0].JSON["postcheckPattern"])
}

func TestExecuteRejected(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"errors joined", map[string]any{"ok": false, "errors": []string{"a", "b"}, "error": "x"}, "a; b"},
		{"single error", map[string]any{"ok": false, "error": "Command is required."}, "Command is required."},
		{"generic", map[string]any{"ok": false}, "Request failed"},
		{"accepted without payload", map[string]any{"ok": true}, MessageUnexpectedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := clienttest.New(t)
			b.QueueExecute(clienttest.Reply{Status: http.StatusBadRequest, Body: tt.body})

			out, err := newClient(t, b).Execute(context.Background(), ExecuteRequest{IPs: []string{"10.0.0.1"}, Command: "x"})
			require.NoError(t, err)
			rej, ok := out.(Rejected)
			require.True(t, ok)
			assert.Equal(t, tt.want, rej.Message())
			assert.Equal(t, errors.ApplicationErrorType, rej.Err.Type)
		})
	}
}

func TestExecuteNonJSONIsTransportError(t *testing.T) {
	b := clienttest.New(t)
	b.QueueExecute(clienttest.Reply{Status: http.StatusBadGateway, Body: clienttest.Raw("<html>bad gateway</html>")})

	_, err := newClient(t, b).Execute(context.Background(), ExecuteRequest{IPs: []string{"10.0.0.1"}, Command: "x"})
	require.Error(t, err)
	assert.Equal(t, errors.TransportErrorType, errors.TypeOf(err))
	assert.True(t, strings.HasPrefix(errors.UserMessage(err), errors.NetworkErrorPrefix))
}

func TestExecuteUnreachable(t *testing.T) {
	c, err := New("http://127.0.0.1:1")
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), ExecuteRequest{IPs: []string{"10.0.0.1"}, Command: "x"})
	require.Error(t, err)
	assert.Equal(t, errors.TransportErrorType, errors.TypeOf(err))
}

func TestExecuteCancelled(t *testing.T) {
	b := clienttest.New(t)
	b.QueueExecute(map[string]any{"ok": true, "jobId": "j1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newClient(t, b).Execute(ctx, ExecuteRequest{IPs: []string{"10.0.0.1"}, Command: "x"})
	require.Error(t, err)
	assert.Equal(t, errors.CancelledErrorType, errors.TypeOf(err))
}

func TestJob(t *testing.T) {
	b := clienttest.New(t)
	b.QueueJob(map[string]any{"ok": true, "job": map[string]any{
		"statuses":  map[string]string{"10.0.0.1": "running"},
		"results":   map[string]any{},
		"completed": false,
	}})

	job, err := newClient(t, b).Job(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, "running", job.StatusOf("10.0.0.1"))
	assert.False(t, job.Completed)
	assert.Equal(t, "/api/job/j1", b.Requests()[0].Path)
}

func TestJobRejected(t *testing.T) {
	b := clienttest.New(t)
	b.QueueJob(clienttest.Reply{Status: http.StatusNotFound, Body: map[string]any{"ok": false, "error": "Job not found"}})

	_, err := newClient(t, b).Job(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, errors.ApplicationErrorType, errors.TypeOf(err))
	assert.Equal(t, "Job not found", errors.UserMessage(err))
}

func TestUploadCopy(t *testing.T) {
	b := clienttest.New(t)
	b.SetTransfer(map[string]any{
		"ok":       true,
		"statuses": map[string]string{"10.0.0.1": "completed", "10.0.0.2": "failed"},
		"results": map[string]any{
			"10.0.0.1": map[string]any{"ok": true, "dest": "/tmp/f"},
			"10.0.0.2": map[string]any{"ok": false, "error": "disk full"},
		},
	})

	out, err := newClient(t, b).UploadCopy(context.Background(), UploadRequest{
		IPs:      []string{"10.0.0.1", "10.0.0.2"},
		FileName: "f",
		File:     strings.NewReader("payload"),
		DestDir:  "/tmp",
		Owner:    "app",
	})
	require.NoError(t, err)

	sync, ok := out.(SyncResult)
	require.True(t, ok)
	assert.Equal(t, "Copied to /tmp/f", sync.Job.Results["10.0.0.1"].Stdout)
	assert.Equal(t, "disk full", sync.Job.Results["10.0.0.2"].Stderr)

	req := b.Requests()[0]
	assert.Equal(t, "f", req.FileName)
	assert.Equal(t, "payload", req.File)
	assert.Equal(t, `["10.0.0.1","10.0.0.2"]`, req.Form["ips"])
	assert.Equal(t, "/tmp", req.Form["destDir"])
	assert.Equal(t, "app", req.Form["owner"])
	assert.NotContains(t, req.Form, "group")
}

func TestCopyFromVM(t *testing.T) {
	b := clienttest.New(t)
	b.SetTransfer(map[string]any{"ok": false, "errors": []string{"Invalid source IP"}})

	out, err := newClient(t, b).CopyFromVM(context.Background(), CopyFromVMRequest{
		IPs:    []string{"10.0.0.1"},
		Source: Source{IP: "10.0.0.9", Username: "u", Password: "p", Port: 22, Path: "/etc/hosts"},
	})
	require.NoError(t, err)
	rej, ok := out.(Rejected)
	require.True(t, ok)
	assert.Equal(t, "Invalid source IP", rej.Message())

	req := b.Requests()[0]
	assert.Equal(t, "/api/copy-from-vm", req.Path)
	source := req.JSON["source"].(map[string]any)
	assert.Equal(t, "10.0.0.9", source["ip"])
	assert.EqualValues(t, 22, source["port"])
	assert.NotContains(t, req.JSON, "destDir")
}
