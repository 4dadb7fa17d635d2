package main

import (
	"bytes"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetcmd/internal/config"
	"fleetcmd/internal/dispatch"
	"fleetcmd/internal/errors"
	"fleetcmd/internal/logging"
	"fleetcmd/internal/model"
	"fleetcmd/internal/session"
	"fleetcmd/internal/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:         "http://127.0.0.1:5000",
		PollInterval:   time.Second,
		RequestTimeout: 5 * time.Minute,
		Output:         "table",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, 0, getExitCode(nil))
	assert.Equal(t, 1, getExitCode(&ExecutionError{Message: "x"}))
	assert.Equal(t, 2, getExitCode(&SetupError{Message: "x"}))
	assert.Equal(t, 2, getExitCode(stderrors.New("accepts 1 arg(s), received 0")))
}

func TestReportErrorSkipsShownErrors(t *testing.T) {
	var buf bytes.Buffer
	reportError(&buf, &ExecutionError{Message: "shown", reported: true})
	reportError(&buf, &SetupError{Message: "shown", reported: true})
	assert.Empty(t, buf.String())

	reportError(&buf, &SetupError{Message: "bad flag"})
	assert.Equal(t, "Error: bad flag\n", buf.String())
}

func TestOutcomeError(t *testing.T) {
	completed := model.Snapshot{
		Targets: []string{"10.0.0.1", "10.0.0.2"},
		Job:     model.Job{Statuses: map[string]string{"10.0.0.1": "completed", "10.0.0.2": "completed"}},
	}
	partial := completed
	partial.Job = model.Job{Statuses: map[string]string{"10.0.0.1": "completed", "10.0.0.2": "failed"}}

	assert.NoError(t, outcomeError(dispatch.Result{State: dispatch.Completed, Snapshot: completed}, nil))

	err := outcomeError(dispatch.Result{State: dispatch.Completed, Snapshot: partial}, nil)
	assert.Equal(t, 1, getExitCode(err))
	assert.Equal(t, "1/2 hosts did not complete (failed: 10.0.0.2)", err.Error())

	err = outcomeError(dispatch.Result{State: dispatch.Failed, Err: errors.NewApplicationError(nil, "bad")}, nil)
	assert.Equal(t, 1, getExitCode(err))

	var verrs errors.ValidationErrors
	verrs.Add(session.MessageNoTargets)
	err = outcomeError(dispatch.Result{}, verrs.ErrorOrNil())
	assert.Equal(t, 2, getExitCode(err))
	assert.Equal(t, session.MessageNoTargets, err.Error())

	err = outcomeError(dispatch.Result{}, session.ErrAborted)
	assert.Equal(t, 1, getExitCode(err))
}

func TestPromptConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"yes", true},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			ok, err := newPrompt(strings.NewReader(tt.input), &out).Confirm("Run \"uptime\" on 1 host(s)?")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, "Run \"uptime\" on 1 host(s)? [y/N] ", out.String())
		})
	}
}

func TestRenderCatalog(t *testing.T) {
	var buf bytes.Buffer
	renderCatalog(&buf, template.DefaultCatalog())

	out := buf.String()
	assert.Contains(t, out, "Concentrator")
	assert.Contains(t, out, "fleetcmd copy-from-vm")
	assert.Contains(t, out, "fleetcmd upload")
	assert.Less(t, strings.Index(out, "Concentrator"), strings.Index(out, "MySQL"))
}

func TestNewCatalogLogsBadShortcuts(t *testing.T) {
	cfg = testConfig()
	cfg.Shortcuts = map[string]map[string]string{"kafka": {"restart": "{{ .Broken"}}
	configManager = config.NewManager("")

	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: logging.LevelInfo, Output: &buf})

	_, err := newCatalog(logger)
	require.Error(t, err)
	assert.Equal(t, 2, getExitCode(err))
	assert.Contains(t, buf.String(), "configuration error")
	assert.Contains(t, buf.String(), "defaults, environment and CLI flags")
}

func TestResolveTargetsFromHosts(t *testing.T) {
	cfg = testConfig()
	cfg.Hosts = "10.0.0.1, 10.0.0.2\n10.0.0.3"

	targets, err := resolveTargets(logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, targets)
}

func TestResolveTargetsFromHostFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "hosts.txt")
	require.NoError(t, os.WriteFile(good, []byte("10.0.0.1\n10.0.0.2,10.0.0.3\n"), 0o644))
	bad := filepath.Join(dir, "hosts.csv")
	require.NoError(t, os.WriteFile(bad, []byte("10.0.0.1,web-1\n"), 0o644))

	cfg = testConfig()
	cfg.HostFile = good
	targets, err := resolveTargets(logging.Discard())
	require.NoError(t, err)
	assert.Len(t, targets, 3)

	cfg.HostFile = bad
	_, err = resolveTargets(logging.Discard())
	require.Error(t, err)
	assert.Equal(t, 2, getExitCode(err))
}

func TestResolveTargetsFromInventoryGroup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yml")
	require.NoError(t, os.WriteFile(path, []byte(`all:
  children:
    app:
      hosts:
        10.0.1.1: {}
        app-2:
          ansible_host: 10.0.1.2
    db:
      hosts:
        10.0.2.1: {}
`), 0o644))

	cfg = testConfig()
	cfg.Inventory = path
	cfg.Group = "app"

	targets, err := resolveTargets(logging.Discard())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10.0.1.1", "10.0.1.2"}, targets)
}

func TestPerformDryRun(t *testing.T) {
	cfg = testConfig()
	cfg.Filter = "status:failed"

	var buf bytes.Buffer
	err := performDryRun(&buf, "POST /api/execute", [][2]string{{"Command", "uptime"}}, []string{"10.0.0.1", "bad"}, true)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Server: http://127.0.0.1:5000")
	assert.Contains(t, out, "Result Filter: status:failed")
	assert.Contains(t, out, "Command: uptime")
	assert.Contains(t, out, "2. bad (invalid)")
	assert.Contains(t, out, "Poll GET /api/job/<id> every 1s")
	assert.Contains(t, out, "Warning: Invalid IP format: bad")
}
